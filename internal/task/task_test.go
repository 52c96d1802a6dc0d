package task

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition = %v, want %v", got, tt.want)
			}
			err := CheckTransition(tt.from, tt.to)
			if tt.want && err != nil {
				t.Fatalf("CheckTransition: %v", err)
			}
			if !tt.want && !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("CheckTransition err = %v, want ErrIllegalTransition", err)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if Status("paused").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestNextIDMonotonic(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	if got := NextID(now, 0); got != now.UnixMilli() {
		t.Fatalf("NextID fresh = %d, want %d", got, now.UnixMilli())
	}
	if got := NextID(now, now.UnixMilli()); got != now.UnixMilli()+1 {
		t.Fatalf("NextID same ms = %d, want %d", got, now.UnixMilli()+1)
	}
	// Clock stepped back: keep counting up from last.
	if got := NextID(now.Add(-time.Hour), now.UnixMilli()+5); got != now.UnixMilli()+6 {
		t.Fatalf("NextID clock step = %d, want %d", got, now.UnixMilli()+6)
	}
}

func TestParseID(t *testing.T) {
	if v, ok := ParseID("1700000000000"); !ok || v != 1700000000000 {
		t.Fatalf("ParseID = %d,%v", v, ok)
	}
	for _, bad := range []string{"", "abc", "-4", "0"} {
		if _, ok := ParseID(bad); ok {
			t.Fatalf("ParseID(%q) should fail", bad)
		}
	}
}

func TestNewLogPaths(t *testing.T) {
	lp := NewLogPaths("/tmp", "run_later_", "42")
	if lp.Stdout != filepath.Join("/tmp", "run_later_42.stdout") ||
		lp.Stderr != filepath.Join("/tmp", "run_later_42.stderr") ||
		lp.Exit != filepath.Join("/tmp", "run_later_42.exit") {
		t.Fatalf("unexpected log paths: %+v", lp)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := Task{ID: "1", ExitCode: IntPtr(3), FinishedAt: TimePtr(time.Now())}
	cp := orig.Clone()
	*cp.ExitCode = 9
	if *orig.ExitCode != 3 {
		t.Fatalf("Clone aliased ExitCode")
	}
	if cp.FinishedAt == orig.FinishedAt {
		t.Fatalf("Clone aliased FinishedAt")
	}
}
