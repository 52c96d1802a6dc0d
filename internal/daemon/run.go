// Package daemon owns the process-level lifecycle: the single-instance
// lease, foreground run with signal handling, background spawn and stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logx "runlater/pkg/logx"
	"runlater/pkg/systemd"
)

const DefaultStopGrace = 5 * time.Second

// Service is what Run drives. Start must return once the daemon accepts
// requests; Stop must honor ctx as its grace deadline.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// ShutdownRequested is closed when a client asked the daemon to stop.
	ShutdownRequested() <-chan struct{}
}

type RunOptions struct {
	PIDFile   string
	StopGrace time.Duration
	Lifecycle *Lifecycle
	Log       logx.Logger
	// Signals defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

// Run holds the lease, starts svc, and blocks until a signal, a shutdown
// request, or ctx ends. It then stops svc within StopGrace and releases
// the lease. Already-running is reported as *AlreadyRunningError.
func Run(ctx context.Context, svc Service, opts RunOptions) (err error) {
	log := opts.Log
	lc := opts.Lifecycle
	if lc == nil {
		lc = &Lifecycle{}
	}
	grace := opts.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	sigs := opts.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	if err := lc.BeginStart(); err != nil {
		return err
	}
	lease, err := AcquireLease(opts.PIDFile)
	if err != nil {
		_ = lc.Stopped()
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			log.Warn("release pid file failed", logx.Err(rerr))
			err = errors.Join(err, rerr)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		_ = lc.Stopped()
		stopCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if serr := svc.Stop(stopCtx); serr != nil {
			log.Warn("cleanup after failed start", logx.Err(serr))
		}
		return fmt.Errorf("start: %w", err)
	}
	if err := lc.Started(); err != nil {
		return err
	}
	log.Info("daemon running", logx.Int("pid", lease.PID()), logx.String("pid_file", lease.Path()))
	if systemd.Supervised() {
		if _, err := systemd.Ready(); err != nil {
			log.Debug("sd_notify ready failed", logx.Err(err))
		}
		_, _ = systemd.Status(fmt.Sprintf("running (pid %d)", lease.PID()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	reason := ""
	select {
	case sig := <-sigCh:
		reason = "signal " + sig.String()
	case <-svc.ShutdownRequested():
		reason = "shutdown request"
	case <-ctx.Done():
		reason = "context done"
	}

	if err := lc.BeginStop(); err != nil {
		return err
	}
	log.Info("daemon stopping", logx.String("reason", reason), logx.Duration("grace", grace))
	_, _ = systemd.Stopping()
	_, _ = systemd.Status("stopping: " + reason)

	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err = svc.Stop(stopCtx)
	_ = lc.Stopped()
	if err != nil {
		log.Warn("daemon stopped with error", logx.Err(err))
		return err
	}
	log.Info("daemon stopped")
	return nil
}
