package model

import (
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
)

const (
	ShiftStatusScheduled  = "scheduled"
	ShiftStatusConfirmed  = "confirmed"
	ShiftStatusInProgress = "in_progress"
	ShiftStatusCompleted  = "completed"
	ShiftStatusCancelled  = "cancelled"
	ShiftStatusNoShow     = "no_show"
)

type Shift struct {
	ID        string    `json:"id" bson:"_id"`
	DriverID  string    `json:"driver_id" bson:"driver_id"`
	StartTime time.Time `json:"start_time" bson:"start_time"`
	EndTime   time.Time `json:"end_time" bson:"end_time"`
	Status    string    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Active reports whether the shift still occupies the driver's calendar.
func (s Shift) Active() bool {
	return s.Status != ShiftStatusCancelled
}

// ValidShiftStatus reports whether status is one of the known lifecycle values.
func ValidShiftStatus(status string) bool {
	switch status {
	case ShiftStatusScheduled, ShiftStatusConfirmed, ShiftStatusInProgress,
		ShiftStatusCompleted, ShiftStatusCancelled, ShiftStatusNoShow:
		return true
	}
	return false
}

func (s Shift) Window() interval.Window {
	return interval.Window{Start: s.StartTime, End: s.EndTime}
}
