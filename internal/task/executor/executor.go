package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"runlater/internal/eventbus"
	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

// Executor starts task commands as child processes and reports their exit.
//
// Each child runs as "<shell> -c <command>" in its own process group with
// stdout/stderr redirected to per-task files. Launch never blocks on the
// child; a wait goroutine records the exit code and calls the OnFinish hook.
type Executor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	killGrace atomic.Int64

	mu       sync.Mutex
	procs    map[string]*proc
	onFinish func(Result)

	wg sync.WaitGroup
}

type proc struct {
	id      string
	pid     int
	started time.Time
	done    chan struct{}
	// reaped but the completion hook has not returned; guarded by mu
	exited bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		procs: make(map[string]*proc),
	}
	e.killGrace.Store(int64(cfg.KillGrace))
	return e
}

// SetOnFinish installs the completion hook. It is called from the wait
// goroutine after the child's done channel is closed.
func (e *Executor) SetOnFinish(fn func(Result)) {
	e.mu.Lock()
	e.onFinish = fn
	e.mu.Unlock()
}

// SetKillGrace changes the SIGTERM->SIGKILL delay used by Terminate.
func (e *Executor) SetKillGrace(d time.Duration) {
	if d <= 0 {
		d = DefaultKillGrace
	}
	e.killGrace.Store(int64(d))
}

func (e *Executor) KillGrace() time.Duration { return time.Duration(e.killGrace.Load()) }

func (e *Executor) Config() Config { return e.cfg }

// LogPaths returns the output files for id.
func (e *Executor) LogPaths(id string) task.LogPaths { return e.cfg.LogPaths(id) }

// Running returns the number of live children.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.procs {
		if !p.exited {
			n++
		}
	}
	return n
}

// Launch starts t and returns the child pid. A command that cannot be
// started yields a *SpawnError; its message lands in the stderr log and its
// code in the exit file so "logs" shows what happened.
func (e *Executor) Launch(t task.Task) (int, error) {
	paths := t.Logs
	if paths.Stdout == "" {
		paths = e.LogPaths(t.ID)
	}
	if e.cfg.LogDir != "" {
		if err := os.MkdirAll(e.cfg.LogDir, 0o700); err != nil {
			return 0, e.spawnFailed(t, paths, ExitNotExecutable, err)
		}
	}

	if code, err := preflight(e.cfg.Shell, t.Command, t.Dir); err != nil {
		return 0, e.spawnFailed(t, paths, code, err)
	}

	stdout, err := os.OpenFile(paths.Stdout, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, e.spawnFailed(t, paths, ExitNotExecutable, err)
	}
	stderr, err := os.OpenFile(paths.Stderr, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = stdout.Close()
		return 0, e.spawnFailed(t, paths, ExitNotExecutable, err)
	}
	_ = os.Remove(paths.Exit)

	cmd := exec.Command(e.cfg.Shell, "-c", t.Command)
	cmd.Dir = t.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	// The child holds its own descriptors now.
	_ = stdout.Close()
	_ = stderr.Close()
	if err != nil {
		code := ExitNotExecutable
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			code = ExitNotFound
		}
		return 0, e.spawnFailed(t, paths, code, err)
	}

	p := &proc{id: t.ID, pid: cmd.Process.Pid, started: time.Now(), done: make(chan struct{})}
	e.mu.Lock()
	e.procs[t.ID] = p
	e.mu.Unlock()

	e.log.Info("task started",
		logx.String("task_id", t.ID),
		logx.Int("pid", p.pid),
		logx.String("command", t.Command))
	e.publish(eventbus.TaskStarted, t.ID)

	e.wg.Add(1)
	go e.wait(cmd, p, paths)
	return p.pid, nil
}

func (e *Executor) wait(cmd *exec.Cmd, p *proc, paths task.LogPaths) {
	defer e.wg.Done()

	err := cmd.Wait()
	code, signaled := exitStatus(cmd.ProcessState, err)
	if werr := os.WriteFile(paths.Exit, []byte(strconv.Itoa(code)+"\n"), 0o600); werr != nil {
		e.log.Warn("write exit file failed", logx.String("task_id", p.id), logx.Err(werr))
	}

	// The entry stays until the hook returns so Terminate can tell an exit
	// that is still being reported from a task that never ran here.
	e.mu.Lock()
	p.exited = true
	fn := e.onFinish
	e.mu.Unlock()
	close(p.done)
	defer func() {
		e.mu.Lock()
		delete(e.procs, p.id)
		e.mu.Unlock()
	}()

	res := Result{TaskID: p.id, PID: p.pid, ExitCode: code, Signaled: signaled, Took: time.Since(p.started)}
	e.log.Info("task exited",
		logx.String("task_id", p.id),
		logx.Int("exit_code", code),
		logx.Bool("signaled", signaled),
		logx.Duration("took", res.Took))
	e.publish(eventbus.TaskExited, p.id)

	if fn != nil {
		fn(res)
	}
}

// exitStatus maps a finished process to a shell-style exit code. Deaths by
// signal become 128+signo.
func exitStatus(ps *os.ProcessState, err error) (int, bool) {
	if ps == nil {
		if err != nil {
			return -1, false
		}
		return 0, false
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	return ps.ExitCode(), false
}

func (e *Executor) spawnFailed(t task.Task, paths task.LogPaths, code int, err error) error {
	se := &SpawnError{TaskID: t.ID, Code: code, Err: err}
	msg := fmt.Sprintf("run_later: %v\n", err)
	if werr := os.WriteFile(paths.Stderr, []byte(msg), 0o600); werr != nil {
		e.log.Debug("write spawn error to stderr log failed", logx.String("task_id", t.ID), logx.Err(werr))
	}
	_ = os.WriteFile(paths.Stdout, nil, 0o600)
	_ = os.WriteFile(paths.Exit, []byte(strconv.Itoa(code)+"\n"), 0o600)

	e.log.Warn("task spawn failed",
		logx.String("task_id", t.ID),
		logx.String("command", t.Command),
		logx.Int("exit_code", code),
		logx.Err(err))
	e.publish(eventbus.TaskSpawnFailed, t.ID)
	return se
}

// Terminate stops a running task: SIGTERM to its process group, then SIGKILL
// after the kill grace. It returns once the child has been reaped and the
// whole group has been signalled. ErrNotRunning means there was nothing to
// do; ErrExited (which wraps it) means the child exited on its own and the
// completion hook is reporting it.
func (e *Executor) Terminate(id string) error {
	e.mu.Lock()
	p := e.procs[id]
	exited := p != nil && p.exited
	e.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}
	if exited {
		return ErrExited
	}

	pgid := p.pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		e.log.Warn("SIGTERM failed", logx.String("task_id", id), logx.Int("pgid", pgid), logx.Err(err))
	}

	grace := e.KillGrace()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
	case <-t.C:
		e.log.Warn("task ignored SIGTERM; killing",
			logx.String("task_id", id), logx.Duration("grace", grace))
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill process group %d: %w", pgid, err)
		}
		<-p.done
	}
	// Sweep stragglers that outlived the group leader.
	_ = unix.Kill(-pgid, unix.SIGKILL)
	return nil
}

// Wait blocks until every child has exited or ctx is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) publish(typ, id string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.TaskEvent{ID: id}})
}

// ReadLogs returns the captured output of t. Each stream is capped at
// maxBytes; missing files read as empty.
func ReadLogs(paths task.LogPaths, maxBytes int64) (Output, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}
	var out Output
	var err error
	if out.Stdout, out.StdoutTruncated, err = readCapped(paths.Stdout, maxBytes); err != nil {
		return Output{}, err
	}
	if out.Stderr, out.StderrTruncated, err = readCapped(paths.Stderr, maxBytes); err != nil {
		return Output{}, err
	}
	if b, rerr := os.ReadFile(paths.Exit); rerr == nil {
		if v, perr := strconv.Atoi(strings.TrimSpace(string(b))); perr == nil {
			out.ExitCode = &v
		}
	} else if !errors.Is(rerr, os.ErrNotExist) {
		return Output{}, rerr
	}
	return out, nil
}

func readCapped(path string, maxBytes int64) (string, bool, error) {
	if path == "" {
		return "", false, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return "", false, err
	}
	if int64(len(b)) > maxBytes {
		return string(b[:maxBytes]), true, nil
	}
	return string(b), false, nil
}
