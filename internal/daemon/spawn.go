package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	logx "runlater/pkg/logx"

	"golang.org/x/sys/unix"
)

// SpawnOptions describes the detached daemon process.
type SpawnOptions struct {
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	Env        []string
}

// Spawn starts the daemon in a new session with stdio on /dev/null and
// returns its pid without waiting for it.
func Spawn(opts SpawnOptions) (int, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate executable: %w", err)
		}
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, opts.Args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.Dir = "/"
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap it if it exits while we are still around.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

type StopOptions struct {
	PIDFile string
	// Grace bounds the wait for a voluntary exit before SIGKILL.
	Grace time.Duration
	// Shutdown asks the daemon over its socket. Nil or failing falls back
	// to SIGTERM on the recorded pid.
	Shutdown func(ctx context.Context) error
	Log      logx.Logger
}

type StopResult struct {
	PID     int
	Running bool
	// Method is "request", "signal" or "" when nothing was running.
	Method string
	Forced bool
}

var ErrNotRunning = errors.New("daemon not running")

const stopPoll = 50 * time.Millisecond

// Stop asks a running daemon to exit and waits up to Grace for it, killing
// it as a last resort. A daemon that is not running yields ErrNotRunning.
func Stop(ctx context.Context, opts StopOptions) (StopResult, error) {
	log := opts.Log
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	res := StopResult{PID: RunningPID(opts.PIDFile)}

	if opts.Shutdown != nil {
		if err := opts.Shutdown(ctx); err == nil {
			res.Running, res.Method = true, "request"
		} else {
			log.Debug("shutdown request failed", logx.Err(err))
		}
	}
	if res.Method == "" {
		if res.PID == 0 {
			removeStale(opts.PIDFile)
			return res, ErrNotRunning
		}
		if err := sendSignal(res.PID, unix.SIGTERM); err != nil {
			return res, fmt.Errorf("signal pid %d: %w", res.PID, err)
		}
		res.Running, res.Method = true, "signal"
	}
	if res.PID == 0 {
		return res, nil
	}

	if waitExit(ctx, res.PID, grace) {
		return res, nil
	}
	log.Warn("daemon did not exit in time; killing", logx.Int("pid", res.PID), logx.Duration("grace", grace))
	if err := sendSignal(res.PID, unix.SIGKILL); err != nil {
		return res, fmt.Errorf("kill pid %d: %w", res.PID, err)
	}
	res.Forced = true
	if !waitExit(ctx, res.PID, time.Second) {
		return res, fmt.Errorf("pid %d survived SIGKILL", res.PID)
	}
	removeStale(opts.PIDFile)
	return res, nil
}

func waitExit(ctx context.Context, pid int, wait time.Duration) bool {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(stopPoll)
	defer tick.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-deadline.C:
			return !Alive(pid)
		case <-tick.C:
		}
	}
}

func removeStale(path string) {
	if path == "" {
		return
	}
	if pid, err := ReadPID(path); err == nil && Alive(pid) {
		return
	}
	_ = os.Remove(path)
}
