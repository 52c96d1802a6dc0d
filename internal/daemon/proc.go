package daemon

import (
	"errors"
	"os"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// Alive reports whether pid names a live, non-zombie process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.Status(); err == nil && slices.Contains(st, process.Zombie) {
		return false
	}
	return true
}

// RSS returns the resident set size of pid in bytes, or 0 when unknown.
func RSS(pid int) uint64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}

// sendSignal sends sig to pid. A process that is already gone is not an error.
func sendSignal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func self() int { return os.Getpid() }
