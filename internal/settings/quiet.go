package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// QuietHours is a daily range during which alerts are recorded but not pushed.
// StartMinute > EndMinute means the range wraps past midnight.
type QuietHours struct {
	Enabled     bool   `json:"enabled"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Timezone    string `json:"timezone,omitempty"`
}

// Contains reports whether minuteOfDay falls inside the range. The start is
// inclusive and the end exclusive; an equal start and end is an empty range.
func (q QuietHours) Contains(minuteOfDay int) bool {
	if !q.Enabled || q.StartMinute == q.EndMinute {
		return false
	}
	m := ((minuteOfDay % minutesPerDay) + minutesPerDay) % minutesPerDay
	if q.StartMinute < q.EndMinute {
		return m >= q.StartMinute && m < q.EndMinute
	}
	return m >= q.StartMinute || m < q.EndMinute
}

// ActiveAt evaluates Contains for t in the configured timezone (local time when unset
// or unknown).
func (q QuietHours) ActiveAt(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	loc := time.Local
	if q.Timezone != "" {
		if l, err := time.LoadLocation(q.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)
	return q.Contains(local.Hour()*60 + local.Minute())
}

func (q QuietHours) normalize() QuietHours {
	out := q
	if out.StartMinute < 0 || out.StartMinute >= minutesPerDay {
		out.StartMinute = 0
	}
	if out.EndMinute < 0 || out.EndMinute >= minutesPerDay {
		out.EndMinute = 0
	}
	return out
}

// ParseClock converts "HH:MM" into minutes since midnight.
func ParseClock(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + m, nil
}
