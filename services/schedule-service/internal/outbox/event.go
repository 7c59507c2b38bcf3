package outbox

const (
	EventShiftCreated     = "schedule.shift.created.v1"
	EventShiftRescheduled = "schedule.shift.rescheduled.v1"
	EventShiftSwapped     = "schedule.shift.swapped.v1"
	EventShiftCancelled   = "schedule.shift.cancelled.v1"
	EventTimeOffApproved  = "schedule.timeoff.approved.v1"
	EventTimeOffDenied    = "schedule.timeoff.denied.v1"
	EventTimeOffCancelled = "schedule.timeoff.cancelled.v1"
)

// Event is the envelope written to outbox_events in the same transaction as
// the schedule change. The Kafka topic is the event type.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
