package config

// Config is the optional daemon/client configuration file.
//
// Every section may be omitted. Zero values mean "use the default" and are
// resolved by the consumers (see internal/app mapping helpers).
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Paths     PathsConfig     `json:"paths,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Server    ServerConfig    `json:"server,omitempty"`
	Client    ClientConfig    `json:"client,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the rotated JSON log file.
//
// Enabled is a pointer so an omitted key keeps the default (on) while an
// explicit false disables the file sink.
type LoggingFile struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// PathsConfig overrides the XDG-derived locations.
type PathsConfig struct {
	RuntimeDir string `json:"runtime_dir,omitempty"`
	StateDir   string `json:"state_dir,omitempty"`
	DataDir    string `json:"data_dir,omitempty"`
	TaskLogDir string `json:"task_log_dir,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	storage: { driver: sqlite, path: ~/.config/run_later/run_later.db }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file (default) | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type HistoryConfig struct {
	Size int `json:"size,omitempty"`
}

// SchedulerConfig controls the due-time loop.
//
// MissedPolicy decides what happens to pending tasks whose due time passed
// while the daemon was down: "run" (default) fires them on startup, "fail"
// marks them failed.
type SchedulerConfig struct {
	MissedPolicy string `json:"missed_policy,omitempty"`
	MaxSleep     string `json:"max_sleep,omitempty"`
}

type ExecutorConfig struct {
	Shell       string `json:"shell,omitempty"`
	KillGrace   string `json:"kill_grace,omitempty"`
	MaxLogBytes int64  `json:"max_log_bytes,omitempty"`
	LogPrefix   string `json:"log_prefix,omitempty"`
}

type ServerConfig struct {
	StopGrace string `json:"stop_grace,omitempty"`
}

type ClientConfig struct {
	StartWait string `json:"start_wait,omitempty"`
}

// DebugConfig enables the pprof listener. Non-loopback addresses need a
// token.
type DebugConfig struct {
	PprofAddr  string `json:"pprof_addr,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}
