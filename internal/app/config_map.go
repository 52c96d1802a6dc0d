package app

import (
	"fmt"
	"strings"
	"time"

	"runlater/internal/client"
	"runlater/internal/config"
	"runlater/internal/daemon"
	"runlater/internal/observability/pprof"
	"runlater/internal/task/executor"
	"runlater/internal/task/history"
	"runlater/internal/task/scheduler"
	"runlater/internal/task/store"
	logx "runlater/pkg/logx"
)

const (
	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAgeDays = 28
)

// Options locate the configuration. Zero values mean discovery.
type Options struct {
	// ConfigDir defaults to $XDG_CONFIG_HOME/run_later.
	ConfigDir string
	// ConfigFile defaults to $RUN_LATER_CONFIG, then <ConfigDir>/config.{yaml,yml,json}.
	ConfigFile string
	Version    string
	// Console forces console logging on (foreground `server run`).
	Console bool
}

// LoadConfig resolves the config file, loads .env and the config, validates
// it and resolves every path. Both the daemon and the CLI start here.
func LoadConfig(opts Options) (*config.ConfigManager, config.Paths, error) {
	dir := strings.TrimSpace(opts.ConfigDir)
	if dir == "" {
		d, err := config.ConfigDir()
		if err != nil {
			return nil, config.Paths{}, err
		}
		dir = d
	}
	if err := config.LoadEnv(dir); err != nil {
		return nil, config.Paths{}, err
	}
	file := strings.TrimSpace(opts.ConfigFile)
	if file == "" {
		file = config.ConfigFile(dir)
	}

	cfgm := config.NewConfigManager(file)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, config.Paths{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, config.Paths{}, fmt.Errorf("config %s: %w", file, err)
	}
	paths, err := config.ResolvePaths(dir, file, cfg)
	if err != nil {
		return nil, config.Paths{}, err
	}
	return cfgm, paths, nil
}

// validateConfig rejects values the mappers would reject, so a bad hot
// reload is refused before it is committed.
func validateConfig(cfg *config.Config) error {
	var p config.Paths
	if _, err := mapStorageConfig(cfg, p); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg, p); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := StopGrace(cfg); err != nil {
		return err
	}
	if _, err := StartWait(cfg); err != nil {
		return err
	}
	if err := mapPprofConfig(cfg).Validate(); err != nil {
		return fmt.Errorf("debug.pprof_addr: %w", err)
	}
	return nil
}

func mapLogConfig(cfg *config.Config, paths config.Paths, console bool) logx.Config {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console || console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled == nil || *lc.File.Enabled,
			Path:       paths.LogFile,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
		},
	}
	if out.File.MaxSizeMB <= 0 {
		out.File.MaxSizeMB = defaultLogMaxSizeMB
	}
	if out.File.MaxBackups <= 0 {
		out.File.MaxBackups = defaultLogMaxBackups
	}
	if out.File.MaxAgeDays <= 0 {
		out.File.MaxAgeDays = defaultLogMaxAgeDays
	}
	return out
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	size := cfg.History.Size
	if size < 0 {
		return store.Config{}, fmt.Errorf("history.size must be >= 0")
	}
	if size == 0 {
		size = history.DefaultSize
	}
	policy, ok := store.ParseMissedPolicy(strings.ToLower(strings.TrimSpace(cfg.Scheduler.MissedPolicy)))
	if !ok {
		return store.Config{}, fmt.Errorf("scheduler.missed_policy: invalid %q (want run or fail)", cfg.Scheduler.MissedPolicy)
	}
	return store.Config{HistorySize: size, MissedPolicy: policy}, nil
}

func mapExecutorConfig(cfg *config.Config, paths config.Paths) (executor.Config, error) {
	ec := cfg.Executor
	grace, err := config.ParseDurationOrDefault("executor.kill_grace", ec.KillGrace, executor.DefaultKillGrace)
	if err != nil {
		return executor.Config{}, err
	}
	if ec.MaxLogBytes < 0 {
		return executor.Config{}, fmt.Errorf("executor.max_log_bytes must be >= 0")
	}
	return executor.Config{
		Shell:       config.ExpandHome(strings.TrimSpace(ec.Shell)),
		KillGrace:   grace,
		MaxLogBytes: ec.MaxLogBytes,
		LogDir:      paths.TaskLogDir,
		LogPrefix:   strings.TrimSpace(ec.LogPrefix),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	d, err := config.ParseDurationOrDefault("scheduler.max_sleep", cfg.Scheduler.MaxSleep, scheduler.DefaultMaxSleep)
	if err != nil {
		return scheduler.Config{}, err
	}
	if d <= 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_sleep must be > 0")
	}
	return scheduler.Config{MaxSleep: d}, nil
}

// StopGrace is how long a stopping daemon waits for running tasks.
func StopGrace(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("server.stop_grace", cfg.Server.StopGrace, daemon.DefaultStopGrace)
}

// StartWait is how long the client waits for an auto-started daemon.
func StartWait(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("client.start_wait", cfg.Client.StartWait, client.DefaultStartWait)
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Addr:  strings.TrimSpace(cfg.Debug.PprofAddr),
		Token: strings.TrimSpace(cfg.Debug.PprofToken),
	}
}
