// Package interval holds the pure time arithmetic the conflict engine is built on.
// All durations and gaps are computed on absolute instants, so windows that
// cross midnight need no special casing.
package interval

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidWindow = errors.New("end must be after start")

// ParseError reports a malformed HH:mm clock string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid clock %q: %s", e.Input, e.Reason)
}

// TimeToMinutes converts a 24-hour "HH:mm" clock string into minutes since midnight.
func TimeToMinutes(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, &ParseError{Input: s, Reason: "expected HH:mm"}
	}
	if len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, &ParseError{Input: s, Reason: "expected HH:mm"}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || strings.ContainsAny(parts[0], "+-") {
		return 0, &ParseError{Input: s, Reason: "hour is not a number"}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || strings.ContainsAny(parts[1], "+-") {
		return 0, &ParseError{Input: s, Reason: "minute is not a number"}
	}
	if h < 0 || h > 23 {
		return 0, &ParseError{Input: s, Reason: "hour out of range"}
	}
	if m < 0 || m > 59 {
		return 0, &ParseError{Input: s, Reason: "minute out of range"}
	}
	return h*60 + m, nil
}

// Duration returns end-start in hours.
func Duration(start, end time.Time) float64 {
	return end.Sub(start).Hours()
}

// Overlaps treats both intervals as half-open [start, end): touching endpoints
// do not overlap.
func Overlaps(startA, endA, startB, endB time.Time) bool {
	return startA.Before(endB) && startB.Before(endA)
}

type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds are required: %w", ErrInvalidWindow)
	}
	if !w.End.After(w.Start) {
		return ErrInvalidWindow
	}
	return nil
}

func (w Window) Hours() float64 {
	return Duration(w.Start, w.End)
}

func (w Window) Overlaps(o Window) bool {
	return Overlaps(w.Start, w.End, o.Start, o.End)
}

// Pad widens the window by d on both sides.
func (w Window) Pad(d time.Duration) Window {
	return Window{Start: w.Start.Add(-d), End: w.End.Add(d)}
}

func (w Window) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}

// Merge sorts windows and coalesces the ones that overlap or touch.
func Merge(windows []Window) []Window {
	if len(windows) == 0 {
		return nil
	}
	sorted := make([]Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Gaps returns the parts of bounds not covered by busy. busy must be merged.
func Gaps(bounds Window, busy []Window) []Window {
	var out []Window
	cursor := bounds.Start
	for _, b := range busy {
		if !b.End.After(cursor) {
			continue
		}
		if !b.Start.Before(bounds.End) {
			break
		}
		if b.Start.After(cursor) {
			out = append(out, Window{Start: cursor, End: b.Start})
		}
		cursor = b.End
	}
	if bounds.End.After(cursor) {
		out = append(out, Window{Start: cursor, End: bounds.End})
	}
	return out
}

// DatesTouched lists the civil dates (YYYY-MM-DD in loc) the window occupies.
// The end instant is exclusive, so a shift ending exactly at midnight stays on one date.
func DatesTouched(w Window, loc *time.Location) []string {
	if loc == nil {
		loc = time.UTC
	}
	if !w.End.After(w.Start) {
		return nil
	}
	start := w.Start.In(loc)
	last := w.End.Add(-time.Nanosecond).In(loc)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc)

	var out []string
	for !day.After(lastDay) {
		out = append(out, day.Format("2006-01-02"))
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// DayStart returns midnight of the civil date in loc.
func DayStart(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02", date, loc)
}
