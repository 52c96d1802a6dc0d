package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"runlater/internal/config"
	"runlater/internal/storage"
)

const sqliteFile = "run_later.db"

// mapStorageConfig picks the backend. The file driver stores under the state
// dir unless storage.path names another directory; sqlite defaults to
// <state_dir>/run_later.db.
func mapStorageConfig(cfg *config.Config, paths config.Paths) (storage.Config, error) {
	sc := cfg.Storage
	path := config.ExpandHome(strings.TrimSpace(sc.Path))

	switch dl := strings.ToLower(strings.TrimSpace(sc.Driver)); dl {
	case "", "file":
		if path == "" {
			path = paths.StateDir
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = filepath.Join(paths.StateDir, sqliteFile)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
