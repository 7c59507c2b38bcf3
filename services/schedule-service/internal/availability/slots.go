package availability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
)

type Store interface {
	conflict.ShiftReader
	conflict.TimeOffReader
	GetDriver(ctx context.Context, id string) (model.Driver, error)
}

type Calculator struct {
	store    Store
	policies policy.Provider
	tracer   trace.Tracer
}

func NewCalculator(store Store, policies policy.Provider) *Calculator {
	return &Calculator{
		store:    store,
		policies: policies,
		tracer:   otel.Tracer("schedule-service/availability"),
	}
}

// GetAvailableTimeSlots returns the free windows of the driver's operating day
// that are at least slotMinutes long. Every existing shift is padded by the
// minimum rest on both sides first, so any returned window can be booked
// without breaking the rest rule. Approved time off on the date, or an inactive
// driver, leaves no slots.
func (c *Calculator) GetAvailableTimeSlots(ctx context.Context, driverID, date string, slotMinutes int) ([]model.AvailableSlot, error) {
	ctx, span := c.tracer.Start(ctx, "availability.slots", trace.WithAttributes(
		attribute.String("schedule.driver_id", driverID),
		attribute.String("schedule.date", date),
	))
	defer span.End()

	if driverID == "" {
		return nil, fmt.Errorf("%w: driver_id is required", conflict.ErrInvalidInput)
	}
	if slotMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", conflict.ErrInvalidInput)
	}
	p, err := c.policies.Policy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	bounds, err := p.DayBounds(date)
	if err != nil {
		return nil, fmt.Errorf("%w: date: %w", conflict.ErrInvalidInput, err)
	}

	d, err := c.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("get driver %s: %w", driverID, err)
	}
	if !d.Available() {
		return []model.AvailableSlot{}, nil
	}

	timeOff, err := c.store.ListApprovedTimeOff(ctx, driverID, date, date)
	if err != nil {
		return nil, fmt.Errorf("list time off: %w", err)
	}
	for _, t := range timeOff {
		if t.Status == model.TimeOffStatusApproved && t.Covers(date) {
			return []model.AvailableSlot{}, nil
		}
	}

	minRest := p.MinRest()
	shifts, err := c.store.ListShifts(ctx, driverID, bounds.Pad(minRest), "")
	if err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	busy := make([]interval.Window, 0, len(shifts))
	for _, s := range shifts {
		if !s.Active() {
			continue
		}
		busy = append(busy, s.Window().Pad(minRest))
	}

	need := time.Duration(slotMinutes) * time.Minute
	slots := []model.AvailableSlot{}
	for _, free := range interval.Gaps(bounds, interval.Merge(busy)) {
		if free.End.Sub(free.Start) < need {
			continue
		}
		slots = append(slots, model.AvailableSlot{StartTime: free.Start, EndTime: free.End})
	}
	span.SetAttributes(attribute.Int("schedule.slots", len(slots)))
	return slots, nil
}

// SlotStarts splits free windows into fixed start times where a booking of
// length duration fits, advancing by step.
func SlotStarts(free []model.AvailableSlot, duration, step time.Duration) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	var starts []time.Time
	for _, f := range free {
		for t := f.StartTime; !t.Add(duration).After(f.EndTime); t = t.Add(step) {
			starts = append(starts, t)
		}
	}
	return starts
}
