package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOverlap is returned when the commit-time re-check finds another active
	// shift for the same driver in the window. The store, not the pre-check, is
	// the authority on this.
	ErrOverlap           = errors.New("driver already has a shift in this window")
	ErrShiftsInTimeOff   = errors.New("driver has active shifts during the time off")
	ErrTimeOffApproved   = errors.New("driver has approved time off on these dates")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnavailable       = errors.New("schedule store unavailable")
)

// unavailable tags store faults so callers can tell them apart from findings.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsNotFound reports whether err is a not-found from any backend.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// lockKeys returns the (driver, date) serialization keys a window needs, sorted
// so concurrent writers always acquire them in the same order.
func lockKeys(driverID string, w interval.Window) []string {
	dates := interval.DatesTouched(w, time.UTC)
	keys := make([]string, 0, len(dates))
	for _, d := range dates {
		keys = append(keys, driverID+":"+d)
	}
	sort.Strings(keys)
	return keys
}
