package types

import (
	"fmt"
	"strings"
	"time"
)

// Interval is a half-open time range [Start, End) in Unix milliseconds, UTC.
// Intervals are the time-bounding component of every segment identity.
type Interval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Eternity spans the full representable time range. Used for "all of time"
// scoped operations.
func Eternity() Interval {
	return Interval{Start: minTimeMillis, End: maxTimeMillis}
}

const (
	// Bounds chosen to stay well inside time.UnixMilli's valid range while
	// covering any plausible data interval.
	minTimeMillis = -62135596800000 // 0001-01-01T00:00:00Z
	maxTimeMillis = 253402300799999 // 9999-12-31T23:59:59.999Z
)

// NewInterval builds an interval from two instants, truncated to milliseconds.
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UnixMilli(), End: end.UnixMilli()}
}

// ParseInterval parses "start/end" where both ends are RFC 3339 timestamps,
// e.g. "2017-10-15T00:00:00Z/2017-10-17T00:00:00Z".
func ParseInterval(s string) (Interval, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("types: invalid interval %q: missing '/'", s)
	}
	start, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Interval{}, fmt.Errorf("types: invalid interval start %q: %w", parts[0], err)
	}
	end, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return Interval{}, fmt.Errorf("types: invalid interval end %q: %w", parts[1], err)
	}
	iv := NewInterval(start, end)
	if iv.End < iv.Start {
		return Interval{}, fmt.Errorf("types: invalid interval %q: end before start", s)
	}
	return iv, nil
}

// MustParseInterval is ParseInterval that panics on error. Test helper.
func MustParseInterval(s string) Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// IsEmpty reports whether the interval covers no time at all.
func (iv Interval) IsEmpty() bool {
	return iv.End <= iv.Start
}

// Contains reports whether other lies fully within iv.
func (iv Interval) Contains(other Interval) bool {
	return iv.Start <= other.Start && other.End <= iv.End
}

// ContainsMillis reports whether the instant t lies within iv.
func (iv Interval) ContainsMillis(t int64) bool {
	return iv.Start <= t && t < iv.End
}

// Overlaps reports whether the two intervals share any instant. Empty
// intervals overlap nothing.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start < other.End && other.Start < iv.End
}

// Abuts reports whether other begins exactly where iv ends or vice versa.
func (iv Interval) Abuts(other Interval) bool {
	return iv.End == other.Start || other.End == iv.Start
}

// Compare orders intervals by (Start, End).
func (iv Interval) Compare(other Interval) int {
	switch {
	case iv.Start < other.Start:
		return -1
	case iv.Start > other.Start:
		return 1
	case iv.End < other.End:
		return -1
	case iv.End > other.End:
		return 1
	default:
		return 0
	}
}

// StartTime returns the inclusive start as a UTC time.
func (iv Interval) StartTime() time.Time {
	return time.UnixMilli(iv.Start).UTC()
}

// EndTime returns the exclusive end as a UTC time.
func (iv Interval) EndTime() time.Time {
	return time.UnixMilli(iv.End).UTC()
}

// String renders the interval as "start/end" in RFC 3339.
func (iv Interval) String() string {
	return iv.StartTime().Format(time.RFC3339) + "/" + iv.EndTime().Format(time.RFC3339)
}
