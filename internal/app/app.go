// Package app wires the daemon: storage, task store, executor, scheduler and
// request server, plus config hot reload. daemon.Run drives it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"runlater/internal/config"
	"runlater/internal/daemon"
	"runlater/internal/eventbus"
	"runlater/internal/observability/pprof"
	"runlater/internal/protocol"
	"runlater/internal/runtime/supervisor"
	"runlater/internal/server"
	"runlater/internal/storage"
	"runlater/internal/task"
	"runlater/internal/task/executor"
	"runlater/internal/task/history"
	"runlater/internal/task/scheduler"
	"runlater/internal/task/store"
	logx "runlater/pkg/logx"
	"runlater/pkg/systemd"
)

const finishTimeout = 10 * time.Second

const (
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

type App struct {
	opts  Options
	cfgm  *config.ConfigManager
	paths config.Paths

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Backend
	driver  string
	missed  store.MissedPolicy
	store   *store.Store
	exec    *executor.Executor
	sched   *scheduler.Service
	srv     *server.Server
	pprof   *pprof.Service

	// sup runs the scheduler, server and config loops. The store actor runs
	// under storeSup so it outlives them during Stop and can take the final
	// completions and flush.
	sup      *supervisor.Supervisor
	storeSup *supervisor.Supervisor

	startedAt    time.Time
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New loads config and builds every component. Nothing runs until Start.
func New(opts Options) (*App, error) {
	cfgm, paths, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	return newApp(opts, cfgm, paths)
}

func newApp(opts Options, cfgm *config.ConfigManager, paths config.Paths) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		cfg = &config.Config{}
	}

	logSvc, log := logx.New(mapLogConfig(cfg, paths, opts.Console))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg, paths)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	backend, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	// Validated in LoadConfig; errors here cannot happen.
	execCfg, _ := mapExecutorConfig(cfg, paths)
	storeCfg, _ := mapStoreConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)

	ex := executor.New(execCfg, log.With(logx.String("comp", "executor")), bus)
	storeCfg.LogPaths = ex.LogPaths
	st := store.New(storeCfg, backend, log.With(logx.String("comp", "store")), bus)
	sched := scheduler.New(schedCfg, st, log.With(logx.String("comp", "scheduler")))
	st.SetLauncher(ex)
	st.SetWatcher(sched)

	a := &App{
		opts:     opts,
		cfgm:     cfgm,
		paths:    paths,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		backend:  backend,
		driver:   sc.Driver,
		missed:   storeCfg.MissedPolicy,
		store:    st,
		exec:     ex,
		sched:    sched,
		pprof:    pprof.New(log.With(logx.String("comp", "pprof"))),
		shutdown: make(chan struct{}),
	}
	ex.SetOnFinish(a.onFinish)

	a.srv = server.New(server.Config{
		SocketPath:     paths.Socket,
		DefaultHistory: history.DefaultSize,
	}, server.Deps{
		Store:    st,
		Info:     a.info,
		Logs:     a.readLogs,
		LogPaths: ex.LogPaths,
		Shutdown: a.RequestShutdown,
	}, log.With(logx.String("comp", "server")))
	return a, nil
}

func (a *App) Paths() config.Paths { return a.paths }

// ShutdownRequested is closed by a shutdown request or a fatal error.
func (a *App) ShutdownRequested() <-chan struct{} { return a.shutdown }

// RequestShutdown asks daemon.Run to stop the app. It never blocks.
func (a *App) RequestShutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdown) })
}

// Start loads persisted tasks and starts serving. It returns once the socket
// accepts connections.
func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.log.Info("starting",
		logx.String("version", a.opts.Version),
		logx.String("storage", a.driver),
		logx.String("location", a.backend.Location()),
		logx.String("socket", a.paths.Socket))

	a.storeSup = supervisor.New(context.Background(), supervisor.WithLogger(a.log))
	a.storeSup.Go("task.store", a.store.Run)

	rep, err := a.store.Reload(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	a.log.Info("tasks loaded",
		logx.Int("active", rep.Active),
		logx.Int("history", rep.History),
		logx.Int("orphaned", len(rep.Orphaned)),
		logx.Int("missed", len(rep.Missed)),
		logx.Bool("corrupt", rep.Corrupt != nil))

	if err := a.srv.Listen(); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	context.AfterFunc(a.sup.Context(), func() {
		if err := a.sup.Err(); err != nil {
			a.log.Error("fatal error; shutting down", logx.Err(err))
			a.RequestShutdown()
		}
	})

	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("server", a.srv.Serve)
	a.startEventLog()
	a.startConfigReload()

	// pprof is optional; a busy port is logged, not fatal.
	if err := a.pprof.Reconfigure(ctx, mapPprofConfig(a.cfg())); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	a.log.Info("started", logx.Int("pid", os.Getpid()))
	return nil
}

func (a *App) cfg() *config.Config {
	if c := a.cfgm.Get(); c != nil {
		return c
	}
	return &config.Config{}
}

// startEventLog mirrors bus events into debug logs.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if te, ok := e.Data.(eventbus.TaskEvent); ok {
					fields = append(fields, logx.String("task_id", te.ID))
					if te.Status != "" {
						fields = append(fields, logx.String("status", te.Status))
					}
				}
				a.log.Debug("event", fields...)
			}
		}
	})
}

func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	// fsnotify sessions can break (watch limits, removed dir); start a new one
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(watchBackoffMin, watchBackoffMax))
}

// applyConfig hot-applies logging, history.size and executor.kill_grace.
// Everything else needs a restart and is only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(mapLogConfig(newCfg, a.paths, a.opts.Console))

	if sc, err := mapStoreConfig(newCfg); err == nil {
		if err := a.store.SetHistorySize(ctx, sc.HistorySize); err != nil {
			a.log.Warn("apply history.size failed", logx.Err(err))
		}
	}
	if ec, err := mapExecutorConfig(newCfg, a.paths); err == nil {
		a.exec.SetKillGrace(ec.KillGrace)
	}
	if err := a.pprof.Reconfigure(ctx, mapPprofConfig(newCfg)); err != nil {
		a.log.Warn("apply debug.pprof_addr failed", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config changes need a daemon restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}

// onFinish records a child's exit. It runs on the executor's wait goroutine.
func (a *App) onFinish(r executor.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	err := a.store.MarkFinished(ctx, r.TaskID, task.IntPtr(r.ExitCode), task.StatusCompleted, "")
	switch {
	case err == nil:
	case errors.Is(err, task.ErrAlreadyFinished), errors.Is(err, task.ErrNotFound):
		// Cancelled while running; the cancel already recorded it.
		a.log.Debug("completion for finished task ignored", logx.String("task_id", r.TaskID))
	case errors.Is(err, store.ErrStopped):
		a.log.Info("task exited after store stop; it will be orphaned on next start",
			logx.String("task_id", r.TaskID), logx.Int("exit_code", r.ExitCode))
	default:
		a.log.Warn("record task completion failed", logx.String("task_id", r.TaskID), logx.Err(err))
	}
}

func (a *App) info(ctx context.Context) (protocol.InfoResult, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return protocol.InfoResult{}, err
	}
	pid := os.Getpid()
	sc := a.sup.Counters()
	return protocol.InfoResult{
		Status:        "running",
		PID:           pid,
		Version:       a.opts.Version,
		StartedAt:     a.startedAt,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		ActiveCount:   st.Active(),
		PendingCount:  st.Pending,
		RunningCount:  st.Running,
		HistoryCount:  st.History,
		HistorySize:   st.HistorySize,
		RSSBytes:      daemon.RSS(pid),
		NextDue:       st.NextDue,
		StorageDriver: a.driver,
		MissedPolicy:  string(a.missed),
		PprofAddr:     a.pprof.Addr(),
		Goroutines:    sc.Active,
		TimersWaiting: a.sched.Snapshot().Waiting,
		EventsDropped: eventbus.Dropped(a.bus),
		Panics:        sc.Panics,
		Paths: protocol.InfoPaths{
			Socket:     a.paths.Socket,
			PIDFile:    a.paths.PIDFile,
			ConfigFile: a.paths.ConfigFile,
			StateDir:   a.paths.StateDir,
			Storage:    a.backend.Location(),
			LogFile:    a.paths.LogFile,
			TaskLogDir: a.paths.TaskLogDir,
		},
	}, nil
}

func (a *App) readLogs(t task.Task) (protocol.LogsResult, error) {
	paths := t.Logs
	if paths.Stdout == "" {
		paths = a.exec.LogPaths(t.ID)
	}
	out, err := executor.ReadLogs(paths, a.exec.Config().MaxLogBytes)
	if err != nil {
		return protocol.LogsResult{}, fmt.Errorf("read logs for %s: %w", t.ID, err)
	}
	res := protocol.LogsResult{
		TaskID:          t.ID,
		Status:          t.Status,
		Stdout:          out.Stdout,
		Stderr:          out.Stderr,
		StdoutTruncated: out.StdoutTruncated,
		StderrTruncated: out.StderrTruncated,
		ExitCode:        t.ExitCode,
		Logs:            paths,
	}
	if res.ExitCode == nil {
		res.ExitCode = out.ExitCode
	}
	return res, nil
}

// Stop shuts down in dependency order. ctx is the stop grace: running tasks
// get whatever of it the server leaves. Children still running afterwards
// are left alone and show up as orphaned on the next start.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(parent context.Context, name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := parent
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(parent, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step(ctx, "server", 2*time.Second, a.srv.Close)
	step(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.sup != nil {
		step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}
	step(ctx, "executor", 0, func(c context.Context) error {
		n := a.exec.Running()
		if n == 0 {
			return nil
		}
		a.log.Info("waiting for running tasks", logx.Int("running", n))
		if err := a.exec.Wait(c); err != nil {
			a.log.Warn("leaving tasks running", logx.Int("running", a.exec.Running()))
		}
		return nil
	})

	// Persistence gets its own budget; the grace may already be spent.
	final := context.WithoutCancel(ctx)
	if a.storeSup != nil {
		step(final, "store", 2*time.Second, func(c context.Context) error {
			err := a.store.Flush(c)
			return errors.Join(err, a.storeSup.Stop(c))
		})
	}
	step(final, "storage", time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
