// Package pprof serves net/http/pprof for the daemon when debug.pprof_addr
// is set. It only binds loopback addresses unless a token is configured.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "runlater/internal/runtime/supervisor"
	logx "runlater/pkg/logx"
)

var ErrInsecureBind = errors.New("pprof: non-loopback address requires a token")

type Config struct {
	// Addr is host:port. Empty disables the listener.
	Addr  string
	Token string
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

// Validate rejects a public bind without a token.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("pprof addr %q: %w", c.Addr, err)
	}
	if strings.TrimSpace(c.Token) == "" && !isLoopbackAddr(c.Addr) {
		return ErrInsecureBind
	}
	return nil
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	sup  *rtsup.Supervisor
	addr string
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

// Addr is the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the listener to match cfg.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	same := s.cfg == cfg && s.sup != nil
	s.mu.Unlock()
	if same {
		return nil
	}
	s.Stop(ctx)
	if !cfg.Enabled() {
		return nil
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("pprof listen %s: %w", cfg.Addr, err)
	}
	sup := rtsup.New(context.Background(),
		rtsup.WithLogger(s.log),
		// pprof is optional; its failure never stops the daemon.
		rtsup.WithCancelOnError(false),
	)
	srv := &http.Server{
		Handler:           handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.cfg, s.sup, s.addr = cfg, sup, ln.Addr().String()
	s.mu.Unlock()

	sup.Go("pprof.serve", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		}()
		err := srv.Serve(ln)
		if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

// Stop shuts the listener down; a no-op when not serving.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.addr, s.cfg = nil, "", Config{}
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("pprof stop", logx.Err(err))
		return
	}
	s.log.Info("pprof stopped")
}

func handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	return withAuth(token, mux)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
