package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"runlater/internal/task"
	logx "runlater/pkg/logx"
)

const (
	ActiveFile  = "tasks.json"
	HistoryFile = "completed_tasks.json"

	fileFormatVersion = 1
)

// fileStore keeps two JSON documents in one directory:
//   - tasks.json            active tasks keyed by id, plus last_id
//   - completed_tasks.json  history, newest first
//
// Each document is replaced atomically (temp file, fsync, rename).
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	dir    string
	closed bool
}

type activeDoc struct {
	Version int                  `json:"version"`
	LastID  string               `json:"last_id,omitempty"`
	Tasks   map[string]task.Task `json:"tasks"`
}

type historyDoc struct {
	Version int         `json:"version"`
	Tasks   []task.Task `json:"tasks"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) Location() string { return s.dir }

func (s *fileStore) activePath() string  { return filepath.Join(s.dir, ActiveFile) }
func (s *fileStore) historyPath() string { return filepath.Join(s.dir, HistoryFile) }

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Load reads both documents. A document that fails to decode is moved aside
// and reported as a *CorruptError; the returned State still carries whatever
// could be read, so the caller may continue.
func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return State{}, ErrClosed
	}

	var (
		st   State
		errs []error
	)

	var ad activeDoc
	if err := s.readDoc(s.activePath(), &ad); err != nil {
		var ce *CorruptError
		if !errors.As(err, &ce) {
			return State{}, err
		}
		errs = append(errs, err)
	} else {
		if v, ok := task.ParseID(ad.LastID); ok {
			st.LastID = v
		}
		st.Active = make([]task.Task, 0, len(ad.Tasks))
		for id, t := range ad.Tasks {
			if t.ID == "" {
				t.ID = id
			}
			st.Active = append(st.Active, t)
		}
		sort.Slice(st.Active, func(i, j int) bool { return st.Active[i].ID < st.Active[j].ID })
	}

	var hd historyDoc
	if err := s.readDoc(s.historyPath(), &hd); err != nil {
		var ce *CorruptError
		if !errors.As(err, &ce) {
			return State{}, err
		}
		errs = append(errs, err)
	} else {
		st.History = hd.Tasks
	}

	return normalize(st), errors.Join(errs...)
}

// readDoc decodes path into v. A missing file leaves v untouched.
func (s *fileStore) readDoc(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		backup := path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
		if rerr := os.Rename(path, backup); rerr != nil {
			s.log.Warn("corrupt store file could not be moved aside",
				logx.String("path", path), logx.Err(rerr))
			backup = ""
		}
		return &CorruptError{Path: path, Backup: backup, Err: err}
	}
	return nil
}

func (s *fileStore) Save(ctx context.Context, st State, sections Section) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// History first: a crash before the active write leaves the task in both
	// documents, which Load resolves in favour of history.
	if sections.Has(SectionHistory) {
		hist := st.History
		if hist == nil {
			hist = []task.Task{}
		}
		if err := writeJSONAtomic(s.historyPath(), historyDoc{Version: fileFormatVersion, Tasks: hist}); err != nil {
			return fmt.Errorf("save history: %w", err)
		}
	}
	if sections.Has(SectionActive) {
		doc := activeDoc{
			Version: fileFormatVersion,
			Tasks:   make(map[string]task.Task, len(st.Active)),
		}
		if st.LastID > 0 {
			doc.LastID = task.FormatID(st.LastID)
		}
		for _, t := range st.Active {
			doc.Tasks[t.ID] = t
		}
		if err := writeJSONAtomic(s.activePath(), doc); err != nil {
			return fmt.Errorf("save active: %w", err)
		}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	// Persist the rename itself; best-effort.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
