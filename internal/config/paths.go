package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	AppDir     = "run_later"
	SocketName = "run_later.sock"
	PIDName    = "run_later.pid"

	EnvRuntimeDir = "RUN_LATER_RUNTIME_DIR"
	EnvConfig     = "RUN_LATER_CONFIG"
)

// Paths is the resolved set of filesystem locations used by both the
// daemon and the client.
type Paths struct {
	ConfigDir  string `json:"config_dir"`
	ConfigFile string `json:"config_file"`
	RuntimeDir string `json:"runtime_dir"`
	Socket     string `json:"socket"`
	PIDFile    string `json:"pid_file"`
	StateDir   string `json:"state_dir"`
	DataDir    string `json:"data_dir"`
	LogFile    string `json:"log_file"`
	TaskLogDir string `json:"task_log_dir"`
}

// ConfigDir returns $XDG_CONFIG_HOME/run_later (default ~/.config/run_later).
func ConfigDir() (string, error) {
	if x := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); x != "" {
		return filepath.Join(x, AppDir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(home, ".config", AppDir), nil
}

// DataDir returns $XDG_DATA_HOME/run_later (default ~/.local/share/run_later).
func DataDir() (string, error) {
	if x := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); x != "" {
		return filepath.Join(x, AppDir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", AppDir), nil
}

// ConfigFile picks the config file path: $RUN_LATER_CONFIG, else the first
// of config.yaml, config.yml, config.json that exists in dir, else
// dir/config.yaml (which may not exist; that means defaults).
func ConfigFile(dir string) string {
	if p := strings.TrimSpace(os.Getenv(EnvConfig)); p != "" {
		return p
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.yaml")
}

// LoadEnv loads dir/.env into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadEnv(dir string) error {
	p := filepath.Join(dir, ".env")
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(p); err != nil {
		return fmt.Errorf("load %s: %w", p, err)
	}
	return nil
}

// RuntimeDir resolves the directory holding the socket and PID file.
//
// Order: $RUN_LATER_RUNTIME_DIR, paths.runtime_dir, $XDG_RUNTIME_DIR,
// <tmp>/run_later-<uid>.
func RuntimeDir(cfg *Config) string {
	if d := strings.TrimSpace(os.Getenv(EnvRuntimeDir)); d != "" {
		return d
	}
	if cfg != nil {
		if d := strings.TrimSpace(cfg.Paths.RuntimeDir); d != "" {
			return ExpandHome(d)
		}
	}
	if d := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), AppDir+"-"+strconv.Itoa(os.Getuid()))
}

// ResolvePaths fills every location from cfg plus the environment.
func ResolvePaths(configDir, configFile string, cfg *Config) (Paths, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	p := Paths{ConfigDir: configDir, ConfigFile: configFile}

	p.RuntimeDir = RuntimeDir(cfg)
	p.Socket = filepath.Join(p.RuntimeDir, SocketName)
	p.PIDFile = filepath.Join(p.RuntimeDir, PIDName)

	p.StateDir = configDir
	if d := strings.TrimSpace(cfg.Paths.StateDir); d != "" {
		p.StateDir = ExpandHome(d)
	}

	if d := strings.TrimSpace(cfg.Paths.DataDir); d != "" {
		p.DataDir = ExpandHome(d)
	} else {
		d, err := DataDir()
		if err != nil {
			return Paths{}, err
		}
		p.DataDir = d
	}

	p.LogFile = filepath.Join(p.DataDir, "server.log")
	if f := strings.TrimSpace(cfg.Logging.File.Path); f != "" {
		p.LogFile = ExpandHome(f)
	}

	p.TaskLogDir = os.TempDir()
	if d := strings.TrimSpace(cfg.Paths.TaskLogDir); d != "" {
		p.TaskLogDir = ExpandHome(d)
	}
	return p, nil
}

// ExpandHome resolves a leading "~" to the home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
