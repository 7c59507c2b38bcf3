package model

import "time"

const (
	TimeOffStatusPending   = "pending"
	TimeOffStatusApproved  = "approved"
	TimeOffStatusDenied    = "denied"
	TimeOffStatusCancelled = "cancelled"

	TimeOffCategoryVacation = "vacation"
	TimeOffCategorySick     = "sick"
	TimeOffCategoryPersonal = "personal"
	TimeOffCategoryOther    = "other"
)

// DateLayout is the civil date format used for time-off bounds.
const DateLayout = "2006-01-02"

// TimeOff is a date-granular absence. StartDate and EndDate are inclusive.
type TimeOff struct {
	ID        string     `json:"id" bson:"_id"`
	DriverID  string     `json:"driver_id" bson:"driver_id"`
	StartDate string     `json:"start_date" bson:"start_date"`
	EndDate   string     `json:"end_date" bson:"end_date"`
	Status    string     `json:"status" bson:"status"`
	Category  string     `json:"category" bson:"category"`
	Reason    string     `json:"reason,omitempty" bson:"reason,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty" bson:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty" bson:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" bson:"updated_at"`
}

// Covers reports whether the civil date d (YYYY-MM-DD) falls inside the record.
// The layout sorts lexically, so string comparison is enough.
func (t TimeOff) Covers(d string) bool {
	return t.StartDate <= d && d <= t.EndDate
}

func ValidTimeOffCategory(c string) bool {
	switch c {
	case TimeOffCategoryVacation, TimeOffCategorySick, TimeOffCategoryPersonal, TimeOffCategoryOther:
		return true
	}
	return false
}

// CanTransitionTimeOff encodes the approval lifecycle: pending records are decided
// once, approved records may only be cancelled.
func CanTransitionTimeOff(from, to string) bool {
	switch from {
	case TimeOffStatusPending:
		return to == TimeOffStatusApproved || to == TimeOffStatusDenied || to == TimeOffStatusCancelled
	case TimeOffStatusApproved:
		return to == TimeOffStatusCancelled
	}
	return false
}
