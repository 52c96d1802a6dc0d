package daemon

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"
)

func startSleeper(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleeper: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})
	return cmd
}

func writePID(t *testing.T, path string, pid int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		t.Fatalf("write pid: %v", err)
	}
}

func TestAcquireLeaseWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "d.pid")
	lease, err := AcquireLease(path)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	got, err := ReadPID(path)
	if err != nil || got != os.Getpid() {
		t.Fatalf("ReadPID = %d, %v; want %d", got, err, os.Getpid())
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", st.Mode().Perm())
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after Release: %v", err)
	}
}

func TestAcquireLeaseRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	owner := startSleeper(t, "exec sleep 30")
	writePID(t, path, owner.Process.Pid)

	_, err := AcquireLease(path)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("AcquireLease err = %v, want ErrAlreadyRunning", err)
	}
	var are *AlreadyRunningError
	if !errors.As(err, &are) || are.PID != owner.Process.Pid {
		t.Fatalf("err = %#v, want pid %d", err, owner.Process.Pid)
	}
}

func TestAcquireLeaseReplacesStale(t *testing.T) {
	cases := map[string]string{
		"garbage": "not a pid\n",
		"empty":   "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "d.pid")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			lease, err := AcquireLease(path)
			if err != nil {
				t.Fatalf("AcquireLease: %v", err)
			}
			defer lease.Release()
			if got, _ := ReadPID(path); got != os.Getpid() {
				t.Fatalf("pid = %d, want %d", got, os.Getpid())
			}
		})
	}

	t.Run("dead pid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "d.pid")
		cmd := exec.Command("/bin/true")
		if err := cmd.Run(); err != nil {
			t.Fatalf("run true: %v", err)
		}
		writePID(t, path, cmd.Process.Pid)
		lease, err := AcquireLease(path)
		if err != nil {
			t.Fatalf("AcquireLease: %v", err)
		}
		defer lease.Release()
	})
}

func TestReleaseKeepsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	lease, err := AcquireLease(path)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	writePID(t, path, os.Getpid()+1)
	if err := lease.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("foreign pid file removed: %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	var lc Lifecycle
	if lc.State() != StateStopped {
		t.Fatalf("initial = %v", lc.State())
	}
	if err := lc.Started(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Started from stopped = %v, want ErrIllegalState", err)
	}
	if err := lc.BeginStart(); err != nil {
		t.Fatalf("BeginStart: %v", err)
	}
	if lc.State() != StateStopped {
		t.Fatalf("starting observed as %v, want stopped", lc.State())
	}
	if err := lc.BeginStart(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("double BeginStart = %v", err)
	}
	if err := lc.Started(); err != nil {
		t.Fatalf("Started: %v", err)
	}
	if err := lc.BeginStop(); err != nil {
		t.Fatalf("BeginStop: %v", err)
	}
	if lc.State() != StateRunning {
		t.Fatalf("stopping observed as %v, want running", lc.State())
	}
	if err := lc.Stopped(); err != nil {
		t.Fatalf("Stopped: %v", err)
	}
	if lc.State() != StateStopped {
		t.Fatalf("final = %v", lc.State())
	}
}

type fakeService struct {
	startErr error
	shutdown chan struct{}
	started  bool
	stopped  bool
}

func (f *fakeService) Start(context.Context) error {
	f.started = true
	return f.startErr
}

func (f *fakeService) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeService) ShutdownRequested() <-chan struct{} { return f.shutdown }

func TestRunStopsOnShutdownRequest(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	path := filepath.Join(t.TempDir(), "d.pid")
	svc := &fakeService{shutdown: make(chan struct{})}
	lc := &Lifecycle{}

	errCh := make(chan error, 1)
	go func() { errCh <- Run(context.Background(), svc, RunOptions{PIDFile: path, Lifecycle: lc}) }()

	deadline := time.Now().Add(2 * time.Second)
	for lc.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("daemon never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := ReadPID(path); got != os.Getpid() {
		t.Fatalf("pid file = %d while running", got)
	}
	close(svc.shutdown)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
	if !svc.stopped {
		t.Fatalf("service not stopped")
	}
	if lc.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", lc.State())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
}

func TestRunStartFailureReleasesLease(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	path := filepath.Join(t.TempDir(), "d.pid")
	svc := &fakeService{startErr: errors.New("boom"), shutdown: make(chan struct{})}
	lc := &Lifecycle{}

	err := Run(context.Background(), svc, RunOptions{PIDFile: path, Lifecycle: lc})
	if err == nil {
		t.Fatalf("Run succeeded with failing Start")
	}
	if lc.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", lc.State())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	owner := startSleeper(t, "exec sleep 30")
	writePID(t, path, owner.Process.Pid)

	svc := &fakeService{shutdown: make(chan struct{})}
	err := Run(context.Background(), svc, RunOptions{PIDFile: path})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run err = %v, want ErrAlreadyRunning", err)
	}
	if svc.started {
		t.Fatalf("second instance started its service")
	}
}

func TestStopSignalsRecordedPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	proc := startSleeper(t, "exec sleep 30")
	writePID(t, path, proc.Process.Pid)

	res, err := Stop(context.Background(), StopOptions{PIDFile: path, Grace: 2 * time.Second})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Method != "signal" || res.Forced {
		t.Fatalf("result = %+v, want graceful signal", res)
	}
	if Alive(proc.Process.Pid) {
		t.Fatalf("process still alive")
	}
}

func TestStopKillsAfterGrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	proc := startSleeper(t, `trap "" TERM; exec sleep 30`)
	writePID(t, path, proc.Process.Pid)
	// Give sh time to install the trap before exec.
	time.Sleep(100 * time.Millisecond)

	res, err := Stop(context.Background(), StopOptions{PIDFile: path, Grace: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Forced {
		t.Fatalf("result = %+v, want forced", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("stale pid file not removed: %v", err)
	}
}

func TestStopNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	writePID(t, path, 0x7ffffff0)
	_, err := Stop(context.Background(), StopOptions{PIDFile: path})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop err = %v, want ErrNotRunning", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("stale pid file not removed: %v", err)
	}
}

func TestStopPrefersRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	proc := startSleeper(t, "exec sleep 30")
	writePID(t, path, proc.Process.Pid)

	asked := false
	shutdown := func(context.Context) error {
		asked = true
		return syscall.Kill(proc.Process.Pid, syscall.SIGTERM)
	}
	res, err := Stop(context.Background(), StopOptions{PIDFile: path, Grace: 2 * time.Second, Shutdown: shutdown})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !asked || res.Method != "request" {
		t.Fatalf("result = %+v asked=%v, want request", res, asked)
	}
}
