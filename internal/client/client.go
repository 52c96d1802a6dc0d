// Package client talks to the daemon over its unix socket and starts the
// daemon on demand when nothing is listening.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"runlater/internal/protocol"
	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

const (
	DefaultStartWait   = 5 * time.Second
	DefaultDialTimeout = 2 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// ErrServerUnavailable means no daemon answered on the socket.
var ErrServerUnavailable = errors.New("server unavailable")

type Config struct {
	SocketPath  string
	DialTimeout time.Duration
	// StartWait bounds how long to wait for an auto-started daemon.
	StartWait time.Duration
	// AutoStart launches the daemon in the background. Nil disables
	// auto-start.
	AutoStart func(ctx context.Context) error
}

type Client struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = DefaultStartWait
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, log: log}
}

func (c *Client) SocketPath() string { return c.cfg.SocketPath }

// Do sends one request and decodes the result into out (which may be nil).
// When the daemon is unreachable and auto-start is configured, it starts the
// daemon, waits for it, and retries once. info and shutdown never auto-start.
func (c *Client) Do(ctx context.Context, op string, args, out any) error {
	req, err := protocol.NewRequest(op, args)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, req)
	if errors.Is(err, ErrServerUnavailable) && c.autoStarts(op) {
		c.log.Debug("server unavailable; starting", logx.String("socket", c.cfg.SocketPath))
		if serr := c.StartAndWait(ctx); serr != nil {
			return serr
		}
		resp, err = c.roundTrip(ctx, req)
	}
	if err != nil {
		return err
	}
	return protocol.DecodeResult(resp, out)
}

func (c *Client) autoStarts(op string) bool {
	if c.cfg.AutoStart == nil {
		return false
	}
	return op != protocol.OpShutdown && op != protocol.OpInfo
}

// StartAndWait runs the auto-start hook and polls the socket until the
// daemon answers or StartWait elapses.
func (c *Client) StartAndWait(ctx context.Context) error {
	if c.cfg.AutoStart == nil {
		return ErrServerUnavailable
	}
	if err := c.cfg.AutoStart(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := c.WaitReady(ctx, c.cfg.StartWait); err != nil {
		return fmt.Errorf("%w: not ready after %v", ErrServerUnavailable, c.cfg.StartWait)
	}
	return nil
}

// WaitReady polls until the daemon answers an info request or wait elapses.
func (c *Client) WaitReady(ctx context.Context, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		if c.Ping(ctx) == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Ping reports whether a daemon answers on the socket.
func (c *Client) Ping(ctx context.Context) error {
	req, err := protocol.NewRequest(protocol.OpInfo, nil)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	return protocol.DecodeResult(resp, nil)
}

func (c *Client) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if unavailable(err) {
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
		}
		return protocol.Response{}, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteMessage(conn, req, protocol.MaxRequestBytes); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Op, err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	resp, err := protocol.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, ctx.Err()
		}
		return protocol.Response{}, fmt.Errorf("read %s response: %w", req.Op, err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return protocol.Response{}, fmt.Errorf("%w: response id %q does not match request %q", protocol.ErrProtocol, resp.ID, req.ID)
	}
	return resp, nil
}

func unavailable(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOTSOCK)
}

// ---- typed helpers ----

func (c *Client) Schedule(ctx context.Context, args protocol.ScheduleArgs) (task.Task, error) {
	var res protocol.TaskResult
	if err := c.Do(ctx, protocol.OpSchedule, args, &res); err != nil {
		return task.Task{}, err
	}
	return res.Task, nil
}

func (c *Client) List(ctx context.Context) ([]task.Task, error) {
	var res protocol.TasksResult
	if err := c.Do(ctx, protocol.OpList, nil, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (task.Task, error) {
	var res protocol.CancelResult
	if err := c.Do(ctx, protocol.OpCancel, protocol.TaskIDArgs{TaskID: id}, &res); err != nil {
		return task.Task{}, err
	}
	return res.Task, nil
}

func (c *Client) Logs(ctx context.Context, id string) (protocol.LogsResult, error) {
	var res protocol.LogsResult
	err := c.Do(ctx, protocol.OpLogs, protocol.TaskIDArgs{TaskID: id}, &res)
	return res, err
}

func (c *Client) History(ctx context.Context, limit int) ([]task.Task, error) {
	var res protocol.TasksResult
	if err := c.Do(ctx, protocol.OpHistory, protocol.HistoryArgs{Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

func (c *Client) Info(ctx context.Context) (protocol.InfoResult, error) {
	var res protocol.InfoResult
	err := c.Do(ctx, protocol.OpInfo, nil, &res)
	return res, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	var res protocol.ShutdownResult
	if err := c.Do(ctx, protocol.OpShutdown, nil, &res); err != nil {
		return err
	}
	if !res.Ack {
		return errors.New("shutdown was not acknowledged")
	}
	return nil
}
