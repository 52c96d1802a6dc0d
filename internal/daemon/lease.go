package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrAlreadyRunning = errors.New("daemon already running")

// AlreadyRunningError carries the pid of the live owner.
type AlreadyRunningError struct {
	PID  int
	Path string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (pid %d, %s)", e.PID, e.Path)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// Lease is the exclusive right to run the daemon, held as a PID file.
type Lease struct {
	path string
	pid  int
}

const maxLeaseAttempts = 3

// AcquireLease creates the PID file at path with O_EXCL. A file left by a
// dead process (or one that does not parse) is removed and creation retried.
// Acquisitions are serialized through an flock on "<path>.lock" so two
// starters can never both judge the same file stale.
func AcquireLease(path string) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	unlock, err := lockFile(path + ".lock")
	if err != nil {
		return nil, err
	}
	defer unlock()

	pid := self()
	for attempt := 0; attempt < maxLeaseAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(pid) + "\n")
			if werr == nil {
				werr = f.Sync()
			}
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write pid file: %w", werr)
			}
			return &Lease{path: path, pid: pid}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create pid file: %w", err)
		}

		owner, rerr := ReadPID(path)
		if rerr == nil && owner != pid && Alive(owner) {
			return nil, &AlreadyRunningError{PID: owner, Path: path}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	return nil, fmt.Errorf("acquire pid file %s: gave up after %d attempts", path, maxLeaseAttempts)
}

func (l *Lease) Path() string { return l.path }
func (l *Lease) PID() int     { return l.pid }

// Release removes the PID file if it still names this lease's pid.
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	owner, err := ReadPID(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReadPID parses the pid recorded at path.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid content %q", path, strings.TrimSpace(string(b)))
	}
	return pid, nil
}

// RunningPID returns the pid of a live daemon recorded at path, or 0.
func RunningPID(path string) int {
	pid, err := ReadPID(path)
	if err != nil || !Alive(pid) {
		return 0
	}
	return pid
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
