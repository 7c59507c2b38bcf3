package model

import "time"

const (
	DriverStatusActive   = "active"
	DriverStatusInactive = "inactive"
	DriverStatusOnLeave  = "on_leave"
)

// Driver is the roster entry the engine needs. Weekly hours are never stored;
// they are recomputed from shifts on every check.
type Driver struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	Status    string    `json:"status" bson:"status"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

func (d Driver) Available() bool {
	return d.Status == DriverStatusActive
}

// RankedDriver is one entry of an alternative-driver proposal.
type RankedDriver struct {
	DriverID    string     `json:"driver_id"`
	Name        string     `json:"name,omitempty"`
	Score       float64    `json:"score"`
	WeeklyHours float64    `json:"weekly_hours"`
	Conflicts   []Conflict `json:"conflicts"`
}

// AvailableSlot is a computed open window. Never persisted.
type AvailableSlot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}
