package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"runlater/internal/client"
	"runlater/internal/config"
	"runlater/internal/daemon"
	"runlater/internal/protocol"
	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

// testEnv isolates every path the daemon touches.
func testEnv(t *testing.T, configYAML string) string {
	t.Helper()
	root := t.TempDir()
	// unix socket paths are short; keep the runtime dir out of t.TempDir.
	rt, err := os.MkdirTemp("", "rl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(rt) })

	t.Setenv(config.EnvRuntimeDir, rt)
	t.Setenv(config.EnvConfig, "")
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	t.Setenv("NOTIFY_SOCKET", "")

	cfgDir := filepath.Join(root, "config")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "paths:\n  task_log_dir: " + filepath.Join(root, "logs") + "\n" + configYAML
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgDir
}

func startApp(t *testing.T, cfgDir string) (*App, *client.Client) {
	t.Helper()
	a, err := New(Options{ConfigDir: cfgDir, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := client.New(client.Config{SocketPath: a.Paths().Socket}, logx.Nop())
	return a, c
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func delay(s float64) *float64 { return &s }

func TestEchoRunsAndLandsInHistory(t *testing.T) {
	a, c := startApp(t, testEnv(t, ""))
	defer stopApp(t, a)
	ctx := context.Background()

	tk, err := c.Schedule(ctx, protocol.ScheduleArgs{Command: "echo hi", DelaySeconds: delay(0)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var last []task.Task
	for {
		last, err = c.History(ctx, 1)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(last) == 1 && last[0].ID == tk.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never finished; history = %+v", tk.ID, last)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if last[0].Status != task.StatusCompleted || last[0].ExitCode == nil || *last[0].ExitCode != 0 {
		t.Fatalf("finished task = %+v, want completed with exit 0", last[0])
	}

	active, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, x := range active {
		if x.ID == tk.ID {
			t.Fatalf("finished task still listed as active")
		}
	}

	logs, err := c.Logs(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if logs.Stdout != "hi\n" {
		t.Fatalf("stdout = %q, want %q", logs.Stdout, "hi\n")
	}
	if logs.ExitCode == nil || *logs.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", logs.ExitCode)
	}
}

func TestRestartPreservesPendingTasks(t *testing.T) {
	cfgDir := testEnv(t, "")
	ctx := context.Background()

	a, c := startApp(t, cfgDir)
	want, err := c.Schedule(ctx, protocol.ScheduleArgs{Command: "echo later", DelaySeconds: delay(3600)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	stopApp(t, a)

	a2, c2 := startApp(t, cfgDir)
	defer stopApp(t, a2)
	got, err := c2.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List = %+v, want one task", got)
	}
	g := got[0]
	if g.ID != want.ID || g.Command != want.Command || g.Status != task.StatusPending || !g.DueAt.Equal(want.DueAt) {
		t.Fatalf("after restart = %+v, want %+v", g, want)
	}

	info, err := c2.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.PendingCount != 1 || info.PID != os.Getpid() || info.StorageDriver != "file" {
		t.Fatalf("info = %+v", info)
	}
	if info.NextDue == nil || !info.NextDue.Equal(want.DueAt) {
		t.Fatalf("info.NextDue = %v, want %v", info.NextDue, want.DueAt)
	}
}

func TestCancelOverSocket(t *testing.T) {
	a, c := startApp(t, testEnv(t, "history:\n  size: 3\n"))
	defer stopApp(t, a)
	ctx := context.Background()

	tk, err := c.Schedule(ctx, protocol.ScheduleArgs{Command: "echo never", DelaySeconds: delay(3600)})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got, err := c.Cancel(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	before, err := c.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(before) != 1 || before[0].ID != tk.ID {
		t.Fatalf("history = %+v, want the cancelled task", before)
	}
	if _, err := c.Cancel(ctx, tk.ID); !errors.Is(err, task.ErrAlreadyFinished) {
		t.Fatalf("second Cancel = %v, want ErrAlreadyFinished", err)
	}
	after, err := c.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !reflect.DeepEqual(after, before) {
		t.Fatalf("history changed by second Cancel:\n got %+v\nwant %+v", after, before)
	}
	if _, err := c.Cancel(ctx, "1"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("Cancel unknown = %v, want ErrNotFound", err)
	}
}

func TestRunUnderDaemonStopsOnShutdownRequest(t *testing.T) {
	cfgDir := testEnv(t, "")
	a, err := New(Options{ConfigDir: cfgDir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lc := &daemon.Lifecycle{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.Run(context.Background(), a, daemon.RunOptions{
			PIDFile:   a.Paths().PIDFile,
			StopGrace: 3 * time.Second,
			Lifecycle: lc,
		})
	}()

	c := client.New(client.Config{SocketPath: a.Paths().Socket}, logx.Nop())
	ctx := context.Background()
	if err := c.WaitReady(ctx, 5*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	if _, err := os.Stat(a.Paths().Socket); !os.IsNotExist(err) {
		t.Fatalf("socket left behind: %v", err)
	}
	if _, err := os.Stat(a.Paths().PIDFile); !os.IsNotExist(err) {
		t.Fatalf("pid file left behind: %v", err)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"missed policy": "scheduler:\n  missed_policy: later\n",
		"history size":  "history:\n  size: -1\n",
		"kill grace":    "executor:\n  kill_grace: soon\n",
		"driver":        "storage:\n  driver: mongo\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := testEnv(t, body)
			if _, _, err := LoadConfig(Options{ConfigDir: dir}); err == nil {
				t.Fatalf("LoadConfig accepted %q", body)
			}
		})
	}
}

func TestMapStorageConfigDefaults(t *testing.T) {
	paths := config.Paths{StateDir: "/state"}
	sc, err := mapStorageConfig(&config.Config{}, paths)
	if err != nil || sc.Driver != "file" || sc.Path != "/state" {
		t.Fatalf("file default = %+v, %v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "SQLite"}}, paths)
	if err != nil || sc.Driver != "sqlite" || !strings.HasSuffix(sc.Path, "/state/run_later.db") || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite default = %+v, %v", sc, err)
	}
}

func TestLoadConfigRejectsPublicPprof(t *testing.T) {
	dir := testEnv(t, "debug:\n  pprof_addr: 0.0.0.0:6060\n")
	if _, _, err := LoadConfig(Options{ConfigDir: dir}); err == nil {
		t.Fatalf("LoadConfig accepted a public pprof bind without a token")
	}
}
