package pprof

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	logx "runlater/pkg/logx"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		cfg  Config
		want error
	}{
		{Config{}, nil},
		{Config{Addr: "127.0.0.1:0"}, nil},
		{Config{Addr: "localhost:6060"}, nil},
		{Config{Addr: "[::1]:6060"}, nil},
		{Config{Addr: "0.0.0.0:6060"}, ErrInsecureBind},
		{Config{Addr: ":6060"}, ErrInsecureBind},
		{Config{Addr: ":6060", Token: "s3cret"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.cfg.Addr, func(t *testing.T) {
			if got := tc.cfg.Validate(); !errors.Is(got, tc.want) {
				t.Fatalf("Validate(%+v) = %v, want %v", tc.cfg, got, tc.want)
			}
		})
	}
	if err := (Config{Addr: "nope"}).Validate(); err == nil {
		t.Fatalf("Validate accepted an address without a port")
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	c := &http.Client{Timeout: 2 * time.Second}
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServiceServesAndStops(t *testing.T) {
	s := New(logx.Nop())
	ctx := context.Background()
	if err := s.Reconfigure(ctx, Config{Addr: "127.0.0.1:0", Token: "tok"}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("Addr empty after start")
	}

	if code, _ := get(t, "http://"+addr+"/healthz"); code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", code)
	}
	if code, body := get(t, "http://"+addr+"/healthz?token=tok"); code != http.StatusOK || body != "ok" {
		t.Fatalf("with token: %d %q", code, body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.Reconfigure(stopCtx, Config{}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("Addr = %q after disable, want empty", s.Addr())
	}
	c := &http.Client{Timeout: time.Second}
	if resp, err := c.Get("http://" + addr + "/healthz"); err == nil {
		resp.Body.Close()
		t.Fatalf("listener still answering after disable")
	}
}
