package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"runlater/internal/runtime/supervisor"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
logging:
  level: debug
  file:
    enabled: false
history:
  size: 25
scheduler:
  missed_policy: fail
  max_sleep: 30s
executor:
  kill_grace: 1s
storage:
  driver: sqlite
`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled == nil || *cfg.Logging.File.Enabled {
		t.Fatalf("logging.file.enabled = %v, want explicit false", cfg.Logging.File.Enabled)
	}
	if cfg.History.Size != 25 || cfg.Scheduler.MissedPolicy != "fail" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "history:\n  sizee: 3\n")
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseJSONTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"history":{"size":3}}{"history":{"size":4}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestParseMissingFileYieldsDefaults(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil || cfg.History.Size != 0 {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatalf("Load should commit the parsed config")
	}
}

func TestResolvePaths(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(EnvRuntimeDir, "")
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(tmp, "run"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))

	cfgDir := filepath.Join(tmp, "cfg")
	p, err := ResolvePaths(cfgDir, filepath.Join(cfgDir, "config.yaml"), &Config{})
	if err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if want := filepath.Join(tmp, "run", SocketName); p.Socket != want {
		t.Fatalf("Socket = %q, want %q", p.Socket, want)
	}
	if want := filepath.Join(tmp, "run", PIDName); p.PIDFile != want {
		t.Fatalf("PIDFile = %q, want %q", p.PIDFile, want)
	}
	if p.StateDir != cfgDir {
		t.Fatalf("StateDir = %q, want %q", p.StateDir, cfgDir)
	}
	if want := filepath.Join(tmp, "data", AppDir, "server.log"); p.LogFile != want {
		t.Fatalf("LogFile = %q, want %q", p.LogFile, want)
	}
	if p.TaskLogDir != os.TempDir() {
		t.Fatalf("TaskLogDir = %q, want %q", p.TaskLogDir, os.TempDir())
	}
}

func TestRuntimeDirPrecedence(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{Paths: PathsConfig{RuntimeDir: filepath.Join(tmp, "fromcfg")}}

	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(tmp, "xdg"))
	t.Setenv(EnvRuntimeDir, filepath.Join(tmp, "override"))
	if got := RuntimeDir(cfg); got != filepath.Join(tmp, "override") {
		t.Fatalf("RuntimeDir = %q, want override", got)
	}

	t.Setenv(EnvRuntimeDir, "")
	if got := RuntimeDir(cfg); got != filepath.Join(tmp, "fromcfg") {
		t.Fatalf("RuntimeDir = %q, want config value", got)
	}
	if got := RuntimeDir(&Config{}); got != filepath.Join(tmp, "xdg") {
		t.Fatalf("RuntimeDir = %q, want XDG_RUNTIME_DIR", got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := RuntimeDir(&Config{}); !strings.HasPrefix(filepath.Base(got), AppDir+"-") {
		t.Fatalf("RuntimeDir fallback = %q, want %s-<uid>", got, AppDir)
	}
}

func TestConfigFileDiscovery(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfig, "")
	if got := ConfigFile(dir); got != filepath.Join(dir, "config.yaml") {
		t.Fatalf("ConfigFile = %q, want default yaml", got)
	}
	writeFile(t, filepath.Join(dir, "config.json"), "{}")
	if got := ConfigFile(dir); got != filepath.Join(dir, "config.json") {
		t.Fatalf("ConfigFile = %q, want existing json", got)
	}
	t.Setenv(EnvConfig, "/etc/custom.yaml")
	if got := ConfigFile(dir); got != "/etc/custom.yaml" {
		t.Fatalf("ConfigFile = %q, want env override", got)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("LoadEnv without file: %v", err)
	}
	writeFile(t, filepath.Join(dir, ".env"), "RUN_LATER_TEST_ONLY=from-file\nRUN_LATER_TEST_KEEP=from-file\n")
	t.Setenv("RUN_LATER_TEST_KEEP", "from-env")
	t.Cleanup(func() { os.Unsetenv("RUN_LATER_TEST_ONLY") })
	if err := LoadEnv(dir); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("RUN_LATER_TEST_ONLY"); got != "from-file" {
		t.Fatalf("RUN_LATER_TEST_ONLY = %q, want from-file", got)
	}
	if got := os.Getenv("RUN_LATER_TEST_KEEP"); got != "from-env" {
		t.Fatalf("RUN_LATER_TEST_KEEP = %q, want from-env", got)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 3 * time.Second, false},
		{"0s", 3 * time.Second, false},
		{"250ms", 250 * time.Millisecond, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x", tt.raw, 3*time.Second)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationOrDefault(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("ParseDurationOrDefault(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{History: HistoryConfig{Size: 10}}
	newCfg := &Config{
		History: HistoryConfig{Size: 20},
		Storage: StorageConfig{Driver: "sqlite"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "history,storage" {
		t.Fatalf("changed = %v, want [history storage]", changed)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart = %v, want [storage]", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected log attrs")
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "history:\n  size: 5\n")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.History.Size < 0 {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory, then keep
	// rewriting until an update arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.History.Size != 7 {
				t.Fatalf("published history.size = %d, want 7", cfg.History.Size)
			}
			if m.Get().History.Size != 7 {
				t.Fatalf("Get().History.Size = %d, want 7", m.Get().History.Size)
			}
			cancel()
			<-done
			return
		case <-tick.C:
			writeFile(t, path, "history:\n  size: 7\n")
		case <-deadline:
			t.Fatalf("no config published within deadline")
		}
	}
}

func TestWatchFailsWithoutDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.yaml")
	m := NewConfigManager(path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.Watch(ctx)
	if err == nil {
		t.Fatalf("Watch on a missing directory returned nil")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Watch blocked until the deadline instead of failing: %v", err)
	}
}

func TestWatchReturnsNilOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := NewConfigManager(path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}

func TestSupervisedWatchRecoversWhenDirectoryAppears(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")
	path := filepath.Join(dir, "config.yaml")

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	sup := supervisor.New(context.Background())
	sup.GoRestart("config.watch", m.Watch,
		supervisor.WithRestartBackoff(20*time.Millisecond, 50*time.Millisecond))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := sup.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	// Let the first sessions fail, then create the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	size := 5
	for {
		select {
		case cfg := <-sub:
			if cfg.History.Size < 5 {
				t.Fatalf("published history.size = %d, want >= 5", cfg.History.Size)
			}
			return
		case <-tick.C:
			// Vary the content so a reload never hashes equal to the last one.
			size++
			writeFile(t, path, "history:\n  size: "+strconv.Itoa(size)+"\n")
		case <-deadline:
			t.Fatalf("restarted watcher never published a config")
		}
	}
}
