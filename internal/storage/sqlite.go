package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"runlater/internal/task"
	logx "runlater/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	sectionActive  = "active"
	sectionHistory = "history"
)

// sqliteStore keeps every task as a JSON body row tagged with its section.
// Save rewrites both sections in one transaction, so it never needs the
// history-first ordering of the file backend.
type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	path string
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, path: path}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Location() string { return s.path }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (State, error) {
	if s == nil || s.db == nil {
		return State{}, ErrClosed
	}
	var st State

	var last string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_id'`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return State{}, err
	}
	if v, ok := task.ParseID(last); ok {
		st.LastID = v
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, section, body FROM tasks ORDER BY section, position`)
	if err != nil {
		return State{}, err
	}
	defer rows.Close()

	var errs []error
	for rows.Next() {
		var id, section, body string
		if err := rows.Scan(&id, &section, &body); err != nil {
			return State{}, err
		}
		var t task.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			errs = append(errs, &CorruptError{Path: s.path + "#" + id, Err: err})
			continue
		}
		switch section {
		case sectionActive:
			st.Active = append(st.Active, t)
		case sectionHistory:
			st.History = append(st.History, t)
		}
	}
	if err := rows.Err(); err != nil {
		return State{}, err
	}
	return normalize(st), errors.Join(errs...)
}

func (s *sqliteStore) Save(ctx context.Context, st State, sections Section) error {
	_ = sections
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return err
	}
	ins, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks(id, section, position, due_at, finished_at, body) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer ins.Close()

	put := func(section string, i int, t task.Task) error {
		body, err := json.Marshal(t)
		if err != nil {
			return err
		}
		var fin any
		if t.FinishedAt != nil {
			fin = t.FinishedAt.UnixMilli()
		}
		_, err = ins.ExecContext(ctx, t.ID, section, i, t.DueAt.UnixMilli(), fin, string(body))
		return err
	}
	for i, t := range st.History {
		if err := put(sectionHistory, i, t); err != nil {
			return fmt.Errorf("save history %s: %w", t.ID, err)
		}
	}
	for i, t := range st.Active {
		if err := put(sectionActive, i, t); err != nil {
			return fmt.Errorf("save active %s: %w", t.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('last_id', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		task.FormatID(st.LastID)); err != nil {
		return err
	}
	return tx.Commit()
}
