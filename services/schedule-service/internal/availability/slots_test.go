package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

var day = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

func hour(h int) time.Time {
	return day.Add(time.Duration(h) * time.Hour)
}

func seed(t *testing.T, shifts ...model.Shift) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.UpsertDriver(context.Background(), model.Driver{ID: "d1", Status: model.DriverStatusActive}); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	for _, s := range shifts {
		store.PutShift(s)
	}
	return store
}

func shortRest() policy.Policy {
	p := policy.Default()
	p.MinRestHours = 2
	return p
}

func TestGetAvailableTimeSlots_PadsShiftsByRest(t *testing.T) {
	store := seed(t,
		model.Shift{ID: "overnight", DriverID: "d1", StartTime: hour(-4), EndTime: hour(1)},
		model.Shift{ID: "midday", DriverID: "d1", StartTime: hour(10), EndTime: hour(12)},
		model.Shift{ID: "evening", DriverID: "d1", StartTime: hour(20), EndTime: hour(23)},
	)
	calc := NewCalculator(store, policy.NewStaticProvider(shortRest()))

	slots, err := calc.GetAvailableTimeSlots(context.Background(), "d1", "2026-03-03", 240)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d: %+v", len(slots), slots)
	}
	if !slots[0].StartTime.Equal(hour(3)) || !slots[0].EndTime.Equal(hour(8)) {
		t.Fatalf("unexpected first slot %s - %s", slots[0].StartTime, slots[0].EndTime)
	}
	if !slots[1].StartTime.Equal(hour(14)) || !slots[1].EndTime.Equal(hour(18)) {
		t.Fatalf("unexpected second slot %s - %s", slots[1].StartTime, slots[1].EndTime)
	}

	slots, err = calc.GetAvailableTimeSlots(context.Background(), "d1", "2026-03-03", 300)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 1 || !slots[0].StartTime.Equal(hour(3)) {
		t.Fatalf("expected only the 5h slot, got %+v", slots)
	}
}

func TestGetAvailableTimeSlots_SlotsAreRestCompliant(t *testing.T) {
	for name, p := range map[string]policy.Policy{"default": policy.Default(), "short": shortRest()} {
		t.Run(name, func(t *testing.T) {
			store := seed(t,
				model.Shift{ID: "prev", DriverID: "d1", StartTime: hour(-16), EndTime: hour(-7)},
				model.Shift{ID: "late", DriverID: "d1", StartTime: hour(18), EndTime: hour(22)},
			)
			provider := policy.NewStaticProvider(p)
			calc := NewCalculator(store, provider)
			engine := conflict.NewEngine(store, provider, nil)

			slots, err := calc.GetAvailableTimeSlots(context.Background(), "d1", "2026-03-03", 60)
			if err != nil {
				t.Fatalf("slots: %v", err)
			}
			if len(slots) == 0 {
				t.Fatal("expected at least one slot")
			}
			for _, s := range slots {
				w := model.Shift{StartTime: s.StartTime, EndTime: s.EndTime}.Window()
				conflicts, err := engine.CheckBreakTimeConflicts(context.Background(), "d1", w, p.MinRest(), "")
				if err != nil {
					t.Fatalf("break check: %v", err)
				}
				if len(conflicts) != 0 {
					t.Fatalf("slot %s breaks the rest rule: %+v", w, conflicts)
				}
				overlaps, err := engine.CheckOverlappingShifts(context.Background(), "d1", w, "")
				if err != nil {
					t.Fatalf("overlap check: %v", err)
				}
				if len(overlaps) != 0 {
					t.Fatalf("slot %s overlaps: %+v", w, overlaps)
				}
			}
		})
	}
}

func TestGetAvailableTimeSlots_OperatingDay(t *testing.T) {
	p := policy.Policy{OperatingDay: policy.OperatingDay{Start: "06:00", End: "18:00"}}
	p.SetDefaults()
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	calc := NewCalculator(seed(t), policy.NewStaticProvider(p))

	slots, err := calc.GetAvailableTimeSlots(context.Background(), "d1", "2026-03-03", 30)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 1 || !slots[0].StartTime.Equal(hour(6)) || !slots[0].EndTime.Equal(hour(18)) {
		t.Fatalf("expected the whole operating day, got %+v", slots)
	}
}

func TestGetAvailableTimeSlots_TimeOffLeavesNothing(t *testing.T) {
	store := seed(t)
	store.PutTimeOff(model.TimeOff{ID: "t1", DriverID: "d1", StartDate: "2026-03-02", EndDate: "2026-03-03", Status: model.TimeOffStatusApproved, Category: model.TimeOffCategorySick})
	calc := NewCalculator(store, policy.NewStaticProvider(policy.Default()))

	slots, err := calc.GetAvailableTimeSlots(context.Background(), "d1", "2026-03-03", 60)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if slots == nil || len(slots) != 0 {
		t.Fatalf("expected an empty list, got %+v", slots)
	}
}

func TestGetAvailableTimeSlots_InvalidInput(t *testing.T) {
	calc := NewCalculator(seed(t), policy.NewStaticProvider(policy.Default()))
	ctx := context.Background()

	if _, err := calc.GetAvailableTimeSlots(ctx, "d1", "03/03/2026", 60); !errors.Is(err, conflict.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad date, got %v", err)
	}
	if _, err := calc.GetAvailableTimeSlots(ctx, "d1", "2026-03-03", 0); !errors.Is(err, conflict.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero duration, got %v", err)
	}
	if _, err := calc.GetAvailableTimeSlots(ctx, "ghost", "2026-03-03", 60); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSlotStarts(t *testing.T) {
	free := []model.AvailableSlot{
		{StartTime: hour(9), EndTime: hour(10)},
		{StartTime: hour(14), EndTime: hour(14).Add(20 * time.Minute)},
	}
	starts := SlotStarts(free, 15*time.Minute, 15*time.Minute)
	if len(starts) != 5 {
		t.Fatalf("expected 5 starts, got %d", len(starts))
	}
	if !starts[3].Equal(hour(9).Add(45*time.Minute)) || !starts[4].Equal(hour(14)) {
		t.Fatalf("unexpected starts %v", starts)
	}
	if SlotStarts(free, 0, time.Minute) != nil {
		t.Fatal("expected nil for zero duration")
	}
}
