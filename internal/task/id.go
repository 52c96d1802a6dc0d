package task

import (
	"strconv"
	"time"
)

// NextID returns the id for a task created at now, given the last id handed
// out. Ids are decimal millisecond timestamps, strictly increasing even when
// the wall clock steps backwards or two tasks land in the same millisecond.
func NextID(now time.Time, last int64) int64 {
	ms := now.UnixMilli()
	if ms <= last {
		return last + 1
	}
	return ms
}

func FormatID(v int64) string { return strconv.FormatInt(v, 10) }

// ParseID parses a decimal task id. It is used when reloading last_id and
// when deriving a floor from persisted task ids.
func ParseID(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
