// Package server answers client requests on the daemon's unix socket.
//
// Each accepted connection carries one request line and gets one response
// line back; the server then closes it. Handlers never touch task state
// directly: every operation is a single call into the task store.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"runlater/internal/protocol"
	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

const (
	// DefaultIdleTimeout bounds how long a connection may sit without sending
	// its request line.
	DefaultIdleTimeout = 30 * time.Second
	writeTimeout       = 10 * time.Second
)

var ErrClosed = errors.New("server closed")

// Store is the subset of the task store the server calls.
type Store interface {
	Create(ctx context.Context, command, dir string, dueAt time.Time) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	ListActive(ctx context.Context) ([]task.Task, error)
	Cancel(ctx context.Context, id string) (task.Task, error)
	History(ctx context.Context, n int) ([]task.Task, error)
}

type Config struct {
	SocketPath  string
	IdleTimeout time.Duration
	// DefaultHistory is the history limit used when a request sends none.
	DefaultHistory int
}

// Deps are the collaborators a server needs besides the store.
type Deps struct {
	Store Store
	// Info builds the info result.
	Info func(ctx context.Context) (protocol.InfoResult, error)
	// Logs reads the captured output of a task.
	Logs func(t task.Task) (protocol.LogsResult, error)
	// LogPaths derives output files for ids the store no longer knows.
	LogPaths func(id string) task.LogPaths
	// Shutdown asks the daemon to stop. It must not block.
	Shutdown func()
	Now      func() time.Time
}

type Server struct {
	cfg  Config
	log  logx.Logger
	deps Deps

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	handlers sync.WaitGroup
	// cancelHandlers ends in-flight requests; only Close calls it, after
	// its grace.
	cancelHandlers context.CancelFunc
	acceptLg       *rate.Limiter
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DefaultHistory <= 0 {
		cfg.DefaultHistory = 10
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		deps:     deps,
		conns:    map[net.Conn]struct{}{},
		acceptLg: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Listen binds the socket. A leftover socket file is removed first: the
// caller holds the PID lease, so no live daemon can own it.
func (s *Server) Listen() error {
	path := s.cfg.SocketPath
	if path == "" {
		return errors.New("socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.closed = false
	s.mu.Unlock()
	s.log.Info("listening", logx.String("socket", path))
	return nil
}

func (s *Server) Addr() string { return s.cfg.SocketPath }

// Serve accepts connections until Close or ctx is done. Listen must have
// succeeded first. Cancelling ctx only stops accepting: requests already
// accepted run to completion unless Close runs out of time.
func (s *Server) Serve(ctx context.Context) error {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	ln := s.ln
	if ln != nil {
		s.cancelHandlers = cancel
	}
	s.mu.Unlock()
	if ln == nil {
		cancel()
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	backoff := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if s.acceptLg.Allow() {
				s.log.Warn("accept failed", logx.Err(err), logx.Duration("retry_in", backoff))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			continue
		}
		backoff = 5 * time.Millisecond

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.handlers.Done()
			defer s.untrack(conn)
			s.handle(hctx, conn)
		}()
	}
}

// Close stops accepting, waits for in-flight requests until ctx is done,
// then drops whatever is left and removes the socket file.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	cancelHandlers := s.cancelHandlers
	s.mu.Unlock()
	if cancelHandlers == nil {
		cancelHandlers = func() {}
	}
	defer cancelHandlers()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		cancelHandlers()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		<-done
	}

	if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.log.Warn("remove socket failed", logx.Err(rmErr))
	}
	s.log.Info("server closed")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers c and counts it as an in-flight handler. It fails once
// Close has started.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

	req, readErr := protocol.ReadRequest(bufio.NewReader(conn))
	var resp protocol.Response
	switch {
	case readErr == nil:
		resp = s.dispatch(ctx, req)
	case errors.Is(readErr, protocol.ErrProtocol):
		s.log.Debug("malformed request", logx.Err(readErr))
		resp = protocol.Fail(req.ID, protocol.CodeProtocol, readErr.Error())
	default:
		// Client went away or never sent anything.
		s.log.Debug("read request failed", logx.Err(readErr))
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteMessage(conn, resp, protocol.MaxResponseBytes); err != nil {
		s.log.Debug("write response failed", logx.String("req_id", req.ID), logx.String("op", req.Op), logx.Err(err))
		if errors.Is(err, protocol.ErrTooLarge) {
			_ = protocol.WriteMessage(conn, protocol.Fail(req.ID, protocol.CodeInternal, err.Error()), 0)
		}
	}

	if readErr == nil && req.Op == protocol.OpShutdown && resp.OK && s.deps.Shutdown != nil {
		s.deps.Shutdown()
	}
}
