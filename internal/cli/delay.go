package cli

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var delayWords = regexp.MustCompile(`^(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?)$`)

// ParseDelay accepts "N seconds|minutes|hours" (singular or plural, short
// forms allowed) and Go durations such as "90s" or "1h30m". Days are not
// supported; negative delays are rejected.
func ParseDelay(s string) (time.Duration, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, usagef("delay is required (e.g. '5 minutes', '1 hour', '30 seconds')")
	}
	if m := delayWords.FindStringSubmatch(in); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, usagef("invalid delay %q: %v", s, err)
		}
		var unit time.Duration
		switch m[2][0] {
		case 's':
			unit = time.Second
		case 'm':
			unit = time.Minute
		default:
			unit = time.Hour
		}
		if n > int64(1<<63-1)/int64(unit) {
			return 0, usagef("delay %q is too large", s)
		}
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(strings.ReplaceAll(in, " ", ""))
	if err != nil {
		return 0, usagef("invalid delay %q (e.g. '5 minutes', '1 hour', '30 seconds', '1h30m')", s)
	}
	if d < 0 {
		return 0, usagef("delay %q is negative", s)
	}
	return d, nil
}

// ParseAt accepts RFC 3339 or a wall-clock "15:04" / "15:04:05" meaning the
// next such time after now.
func ParseAt(s string, now time.Time) (time.Time, error) {
	in := strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, in); err == nil {
		return t, nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		clock, err := time.ParseInLocation(layout, in, now.Location())
		if err != nil {
			continue
		}
		t := time.Date(now.Year(), now.Month(), now.Day(),
			clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Time{}, usagef("invalid time %q (want RFC3339 or HH:MM[:SS])", s)
}

func formatDelay(d time.Duration) string {
	if d < time.Second {
		return "now"
	}
	return fmt.Sprintf("in %s", d.Round(time.Second))
}
