package config

import (
	"reflect"
	"sort"
	"strings"

	logx "runlater/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) structured attrs for logging, and (3) the subset of changed sections that
// only take effect after a daemon restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled == nil || *newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.History.Size != newCfg.History.Size {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Int("history.size", newCfg.History.Size))
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.kill_grace", strings.TrimSpace(newCfg.Executor.KillGrace)),
			logx.Int64("executor.max_log_bytes", newCfg.Executor.MaxLogBytes),
		)
		if strings.TrimSpace(oldCfg.Executor.Shell) != strings.TrimSpace(newCfg.Executor.Shell) ||
			strings.TrimSpace(oldCfg.Executor.LogPrefix) != strings.TrimSpace(newCfg.Executor.LogPrefix) {
			restart = append(restart, "executor")
		}
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		restart = append(restart, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.missed_policy", strings.TrimSpace(newCfg.Scheduler.MissedPolicy)),
			logx.String("scheduler.max_sleep", strings.TrimSpace(newCfg.Scheduler.MaxSleep)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Paths != newCfg.Paths {
		changed = append(changed, "paths")
		restart = append(restart, "paths")
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.stop_grace", strings.TrimSpace(newCfg.Server.StopGrace)))
	}

	if oldCfg.Client != newCfg.Client {
		changed = append(changed, "client")
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs, logx.String("debug.pprof_addr", strings.TrimSpace(newCfg.Debug.PprofAddr)))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
