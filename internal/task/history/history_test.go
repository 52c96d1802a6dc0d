package history

import (
	"strconv"
	"testing"
	"time"

	"runlater/internal/task"
)

func finished(id int, at time.Time) task.Task {
	return task.Task{
		ID:         strconv.Itoa(id),
		Status:     task.StatusCompleted,
		ExitCode:   task.IntPtr(0),
		FinishedAt: task.TimePtr(at),
	}
}

func TestAppendKeepsNewestWithinCap(t *testing.T) {
	const capN, extra = 10, 7
	h := New(capN, nil)
	base := time.Now()

	var evicted int
	for i := 1; i <= capN+extra; i++ {
		evicted += len(h.Append(finished(i, base.Add(time.Duration(i)*time.Second))))
	}
	if h.Len() != capN {
		t.Fatalf("Len = %d, want %d", h.Len(), capN)
	}
	if evicted != extra {
		t.Fatalf("evicted = %d, want %d", evicted, extra)
	}
	items := h.Items()
	for i, it := range items {
		want := strconv.Itoa(capN + extra - i)
		if it.ID != want {
			t.Fatalf("items[%d].ID = %s, want %s", i, it.ID, want)
		}
	}
	if h.Contains("1") {
		t.Fatalf("oldest entry should have been evicted")
	}
}

func TestList(t *testing.T) {
	h := New(5, nil)
	base := time.Now()
	for i := 1; i <= 3; i++ {
		h.Append(finished(i, base.Add(time.Duration(i)*time.Second)))
	}
	tests := []struct {
		n    int
		want int
	}{
		{1, 1},
		{2, 2},
		{10, 3},
		{0, 3},
		{-1, 3},
	}
	for _, tt := range tests {
		if got := len(h.List(tt.n)); got != tt.want {
			t.Fatalf("len(List(%d)) = %d, want %d", tt.n, got, tt.want)
		}
	}
	if got := h.List(1)[0].ID; got != "3" {
		t.Fatalf("List(1)[0].ID = %s, want 3", got)
	}
}

func TestNewSortsAndDedupes(t *testing.T) {
	base := time.Now()
	h := New(3, []task.Task{
		finished(1, base.Add(1*time.Second)),
		finished(4, base.Add(4*time.Second)),
		finished(2, base.Add(2*time.Second)),
		finished(4, base.Add(4*time.Second)),
		finished(3, base.Add(3*time.Second)),
	})
	got := h.Items()
	if len(got) != 3 {
		t.Fatalf("Len = %d, want 3", len(got))
	}
	for i, want := range []string{"4", "3", "2"} {
		if got[i].ID != want {
			t.Fatalf("items[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestResize(t *testing.T) {
	h := New(4, nil)
	base := time.Now()
	for i := 1; i <= 4; i++ {
		h.Append(finished(i, base.Add(time.Duration(i)*time.Second)))
	}
	ev := h.Resize(2)
	if len(ev) != 2 || h.Len() != 2 || h.Cap() != 2 {
		t.Fatalf("Resize(2): evicted=%d len=%d cap=%d", len(ev), h.Len(), h.Cap())
	}
	if h.Resize(0); h.Cap() != DefaultSize {
		t.Fatalf("Resize(0) cap = %d, want %d", h.Cap(), DefaultSize)
	}
}

func TestListReturnsCopies(t *testing.T) {
	h := New(2, nil)
	h.Append(finished(1, time.Now()))
	got := h.List(1)
	*got[0].ExitCode = 99
	if again := h.List(1); *again[0].ExitCode != 0 {
		t.Fatalf("List leaked internal pointer")
	}
}
