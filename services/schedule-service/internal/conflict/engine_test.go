package conflict

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

// monday is the start of an ISO week.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

func window(startDay, startHour, endDay, endHour int) interval.Window {
	return interval.Window{Start: at(startDay, startHour), End: at(endDay, endHour)}
}

func newTestEngine(t *testing.T, drivers ...string) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, id := range drivers {
		if err := store.UpsertDriver(context.Background(), model.Driver{ID: id, Name: id, Status: model.DriverStatusActive}); err != nil {
			t.Fatalf("seed driver: %v", err)
		}
	}
	return NewEngine(store, policy.NewStaticProvider(policy.Default()), nil), store
}

func putShift(store *storage.MemoryStore, id, driverID string, w interval.Window) {
	store.PutShift(model.Shift{ID: id, DriverID: driverID, StartTime: w.Start, EndTime: w.End})
}

func TestCheckOverlappingShifts(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	putShift(store, "s1", "d1", window(0, 8, 0, 12))

	conflicts, err := engine.CheckOverlappingShifts(ctx, "d1", window(0, 11, 0, 13), "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != model.ConflictOverlappingShift || c.Severity != model.SeverityHigh || c.ShiftID != "s1" {
		t.Fatalf("unexpected conflict %+v", c)
	}
	if !strings.Contains(c.Description, "s1") {
		t.Fatalf("description should name the shift: %q", c.Description)
	}

	conflicts, err = engine.CheckOverlappingShifts(ctx, "d1", window(0, 12, 0, 16), "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("back-to-back shift must not overlap, got %+v", conflicts)
	}

	// Editing s1 never reports s1 against itself.
	conflicts, err = engine.CheckOverlappingShifts(ctx, "d1", window(0, 9, 0, 13), "s1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts when excluding s1, got %+v", conflicts)
	}
}

func TestCheckOverlappingShifts_Overnight(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	putShift(store, "night", "d1", window(0, 22, 1, 6))

	conflicts, err := engine.CheckOverlappingShifts(context.Background(), "d1", window(1, 5, 1, 9), "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ShiftID != "night" {
		t.Fatalf("expected overnight shift to overlap, got %+v", conflicts)
	}
}

func TestCheckOverlappingShifts_IgnoresCancelledAndOtherDrivers(t *testing.T) {
	engine, store := newTestEngine(t, "d1", "d2")
	store.PutShift(model.Shift{ID: "gone", DriverID: "d1", StartTime: at(0, 8), EndTime: at(0, 12), Status: model.ShiftStatusCancelled})
	putShift(store, "other", "d2", window(0, 8, 0, 12))

	conflicts, err := engine.CheckOverlappingShifts(context.Background(), "d1", window(0, 9, 0, 10), "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", conflicts)
	}
}

func TestCheckBreakTimeConflicts(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	putShift(store, "s1", "d1", window(0, 8, 0, 17))
	minRest := 11 * time.Hour

	// 17:00 to 23:00 is a 6h gap.
	conflicts, err := engine.CheckBreakTimeConflicts(ctx, "d1", window(0, 23, 1, 8), minRest, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Type != model.ConflictInsufficientBreak || conflicts[0].ShiftID != "s1" {
		t.Fatalf("expected insufficient_break against s1, got %+v", conflicts)
	}
	if !strings.Contains(conflicts[0].Description, "6h") || !strings.Contains(conflicts[0].Description, "11h") {
		t.Fatalf("description should carry actual and required rest: %q", conflicts[0].Description)
	}

	// 17:00 to 05:00 next day is 12h.
	conflicts, err = engine.CheckBreakTimeConflicts(ctx, "d1", window(1, 5, 1, 14), minRest, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts for 12h gap, got %+v", conflicts)
	}

	// Exactly the minimum is enough.
	conflicts, err = engine.CheckBreakTimeConflicts(ctx, "d1", window(1, 4, 1, 10), minRest, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts for exact 11h gap, got %+v", conflicts)
	}
}

func TestCheckBreakTimeConflicts_NextShift(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	putShift(store, "early", "d1", window(1, 6, 1, 14))

	// Candidate ends 22:00, next shift starts 06:00: 8h.
	conflicts, err := engine.CheckBreakTimeConflicts(context.Background(), "d1", window(0, 14, 0, 22), 11*time.Hour, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ShiftID != "early" {
		t.Fatalf("expected conflict against the following shift, got %+v", conflicts)
	}
}

func TestCheckBreakTimeConflicts_ZeroRestDisables(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	putShift(store, "s1", "d1", window(0, 8, 0, 12))

	conflicts, err := engine.CheckBreakTimeConflicts(context.Background(), "d1", window(0, 12, 0, 16), 0, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", conflicts)
	}
}

func TestCheckMaxHoursPerWeek(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	// Six 9-hour shifts Monday to Saturday: 54h.
	for day := 0; day < 6; day++ {
		putShift(store, "s"+string(rune('a'+day)), "d1", window(day, 8, day, 17))
	}
	// A Sunday shift from the previous week must not count.
	putShift(store, "prev", "d1", window(-1, 8, -1, 20))

	conflicts, err := engine.CheckMaxHoursPerWeek(ctx, "d1", window(6, 8, 6, 11), 60, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("57h is within the cap, got %+v", conflicts)
	}

	conflicts, err = engine.CheckMaxHoursPerWeek(ctx, "d1", window(6, 8, 6, 17), 60, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Type != model.ConflictMaxHoursExceeded || conflicts[0].Severity != model.SeverityMedium {
		t.Fatalf("expected max_hours_exceeded for 63h, got %+v", conflicts)
	}
	if !strings.Contains(conflicts[0].Description, "63") {
		t.Fatalf("description should carry the total: %q", conflicts[0].Description)
	}

	// Rescheduling an existing shift does not count it twice.
	conflicts, err = engine.CheckMaxHoursPerWeek(ctx, "d1", window(5, 8, 5, 17), 54, "sf")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected excluded shift to be replaced, got %+v", conflicts)
	}

	// A non-positive cap disables the guard.
	conflicts, err = engine.CheckMaxHoursPerWeek(ctx, "d1", window(6, 8, 6, 17), 0, "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected disabled guard, got %+v", conflicts)
	}
}

func TestWeeklyTotalIsMonotonic(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	p := policy.Default()
	candidate := Candidate{DriverID: "d1", Window: window(3, 8, 3, 12)}

	prev := 0.0
	for day := 0; day < 3; day++ {
		_, total, err := engine.weekly(ctx, p, candidate, p.MaxWeeklyHours)
		if err != nil {
			t.Fatalf("weekly: %v", err)
		}
		if total < prev {
			t.Fatalf("weekly total decreased: %v < %v", total, prev)
		}
		prev = total
		putShift(store, "s"+string(rune('a'+day)), "d1", window(day, 8, day, 16))
	}
}

func TestCheckTimeOffConflicts(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	store.PutTimeOff(model.TimeOff{ID: "t1", DriverID: "d1", StartDate: "2026-03-04", EndDate: "2026-03-05", Status: model.TimeOffStatusPending, Category: model.TimeOffCategoryVacation})

	conflicts, err := engine.CheckTimeOffConflicts(ctx, "d1", window(2, 8, 2, 17))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("pending time off must not conflict, got %+v", conflicts)
	}

	store.PutTimeOff(model.TimeOff{ID: "t1", DriverID: "d1", StartDate: "2026-03-04", EndDate: "2026-03-05", Status: model.TimeOffStatusApproved, Category: model.TimeOffCategoryVacation})
	conflicts, err = engine.CheckTimeOffConflicts(ctx, "d1", window(2, 8, 2, 17))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Type != model.ConflictTimeOff || conflicts[0].Severity != model.SeverityCritical || conflicts[0].TimeOffID != "t1" {
		t.Fatalf("expected time_off_conflict, got %+v", conflicts)
	}

	// An overnight shift from the day before touches the first day off.
	conflicts, err = engine.CheckTimeOffConflicts(ctx, "d1", window(1, 22, 2, 6))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected overnight shift to hit time off, got %+v", conflicts)
	}

	// Ending at midnight does not touch the next date.
	conflicts, err = engine.CheckTimeOffConflicts(ctx, "d1", window(1, 16, 2, 0))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflict for shift ending at midnight, got %+v", conflicts)
	}
}

func TestCheckShiftsDuringTimeOff(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	putShift(store, "night", "d1", window(2, 22, 3, 6))

	conflicts, err := engine.CheckShiftsDuringTimeOff(ctx, "d1", "2026-03-05", "2026-03-05")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Type != model.ConflictShiftDuringTimeOff || conflicts[0].ShiftID != "night" {
		t.Fatalf("expected shift_during_time_off, got %+v", conflicts)
	}

	conflicts, err = engine.CheckShiftsDuringTimeOff(ctx, "d1", "2026-03-06", "2026-03-08")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", conflicts)
	}

	if _, err := engine.CheckShiftsDuringTimeOff(ctx, "d1", "2026-03-08", "2026-03-06"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for reversed range, got %v", err)
	}
}

func TestChecks_RejectInvalidInput(t *testing.T) {
	engine, _ := newTestEngine(t, "d1")
	ctx := context.Background()

	if _, err := engine.CheckOverlappingShifts(ctx, "d1", window(0, 10, 0, 10), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty window, got %v", err)
	}
	if _, err := engine.CheckOverlappingShifts(ctx, "", window(0, 8, 0, 10), ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing driver, got %v", err)
	}
	if _, err := engine.CheckBreakTimeConflicts(ctx, "d1", window(0, 8, 0, 10), -time.Hour, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative rest, got %v", err)
	}
	if _, err := engine.CheckAllConflicts(ctx, Candidate{DriverID: "ghost", Window: window(0, 8, 0, 10)}); !storage.IsNotFound(err) {
		t.Fatalf("expected not found for unknown driver, got %v", err)
	}
}

func TestWeekBounds(t *testing.T) {
	start, end := WeekBounds(at(6, 23), time.UTC)
	if !start.Equal(monday) || !end.Equal(monday.AddDate(0, 0, 7)) {
		t.Fatalf("unexpected week %s - %s", start, end)
	}

	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Sunday 23:30 UTC is already Monday in Paris.
	start, _ = WeekBounds(time.Date(2026, 3, 8, 23, 30, 0, 0, time.UTC), paris)
	if want := time.Date(2026, 3, 9, 0, 0, 0, 0, paris); !start.Equal(want) {
		t.Fatalf("expected week start %s, got %s", want, start)
	}
}

func TestCheckAllConflicts_Empty(t *testing.T) {
	engine, _ := newTestEngine(t, "d1")
	ctx := context.Background()
	candidate := Candidate{DriverID: "d1", Window: window(0, 8, 0, 17)}

	first, err := engine.CheckAllConflicts(ctx, candidate)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if first.HasConflicts || first.Conflicts == nil || len(first.Conflicts) != 0 {
		t.Fatalf("expected empty report, got %+v", first)
	}
	second, err := engine.CheckAllConflicts(ctx, candidate)
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reports differ: %+v vs %+v", first, second)
	}
}

func TestCheckAllConflicts_FixedOrder(t *testing.T) {
	engine, store := newTestEngine(t, "d1")
	ctx := context.Background()
	putShift(store, "s1", "d1", window(2, 6, 2, 10))
	putShift(store, "s2", "d1", window(1, 14, 2, 0))
	store.PutTimeOff(model.TimeOff{ID: "t1", DriverID: "d1", StartDate: "2026-03-04", EndDate: "2026-03-04", Status: model.TimeOffStatusApproved, Category: model.TimeOffCategorySick})

	report, err := engine.CheckAllConflicts(ctx, Candidate{DriverID: "d1", Window: window(2, 9, 2, 14)})
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	var types []string
	for _, c := range report.Conflicts {
		types = append(types, c.Type)
	}
	want := []string{model.ConflictOverlappingShift, model.ConflictInsufficientBreak, model.ConflictTimeOff}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	if !report.HasConflicts || report.MaxSeverity() != model.SeverityCritical {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestCheckAllConflicts_InactiveDriver(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	if err := store.UpsertDriver(ctx, model.Driver{ID: "d9", Status: model.DriverStatusOnLeave}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	report, err := engine.CheckAllConflicts(ctx, Candidate{DriverID: "d9", Window: window(0, 8, 0, 12)})
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0].Type != model.ConflictDriverUnavailable {
		t.Fatalf("expected driver_unavailable, got %+v", report.Conflicts)
	}
}

type failingTimeOff struct {
	*storage.MemoryStore
}

func (failingTimeOff) ListApprovedTimeOff(context.Context, string, string, string) ([]model.TimeOff, error) {
	return nil, storage.ErrUnavailable
}

func TestCheckAllConflicts_FailsClosed(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if err := store.UpsertDriver(ctx, model.Driver{ID: "d1", Status: model.DriverStatusActive}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	engine := NewEngine(failingTimeOff{store}, policy.NewStaticProvider(policy.Default()), nil)

	report, err := engine.CheckAllConflicts(ctx, Candidate{DriverID: "d1", Window: window(0, 8, 0, 12)})
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected store fault, got %v", err)
	}
	if report.HasConflicts || report.Conflicts != nil {
		t.Fatalf("a failed aggregation must not return a report, got %+v", report)
	}
}

func TestFindAlternativeDrivers(t *testing.T) {
	engine, store := newTestEngine(t, "d1", "d2", "d3", "d4", "d5")
	ctx := context.Background()
	if err := store.UpsertDriver(ctx, model.Driver{ID: "d6", Status: model.DriverStatusInactive}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	target := window(2, 8, 2, 17)

	// d3 overlaps the window: blocking.
	putShift(store, "d3-busy", "d3", window(2, 10, 2, 12))
	// d4 would exceed the weekly cap: medium, kept but ranked after clean drivers.
	for _, day := range []int{0, 1, 3, 4, 5, 6} {
		putShift(store, "d4-"+string(rune('a'+day)), "d4", window(day, 8, day, 17))
	}
	// d5 is clean but carries more hours than d2.
	putShift(store, "d5-mon", "d5", window(0, 8, 0, 17))

	ranked, err := engine.FindAlternativeDrivers(ctx, "d1", target, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	var ids []string
	for _, r := range ranked {
		ids = append(ids, r.DriverID)
	}
	if want := []string{"d2", "d5", "d4"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	if ranked[0].Score != 51 || ranked[1].Score != 42 {
		t.Fatalf("unexpected scores %v, %v", ranked[0].Score, ranked[1].Score)
	}
	if len(ranked[2].Conflicts) != 1 || ranked[2].Conflicts[0].Type != model.ConflictMaxHoursExceeded {
		t.Fatalf("expected d4 to carry its weekly conflict, got %+v", ranked[2].Conflicts)
	}

	ranked, err = engine.FindAlternativeDrivers(ctx, "d1", target, 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ranked) != 1 || ranked[0].DriverID != "d2" {
		t.Fatalf("expected limit to keep the best driver, got %+v", ranked)
	}
}

func TestFindAlternativeDrivers_DefaultLimitAndTimeOff(t *testing.T) {
	engine, store := newTestEngine(t, "d1", "d2", "d3")
	store.PutTimeOff(model.TimeOff{ID: "t2", DriverID: "d2", StartDate: "2026-03-04", EndDate: "2026-03-04", Status: model.TimeOffStatusApproved, Category: model.TimeOffCategoryPersonal})

	ranked, err := engine.FindAlternativeDrivers(context.Background(), "d1", window(2, 8, 2, 17), 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(ranked) != 1 || ranked[0].DriverID != "d3" {
		t.Fatalf("expected only d3, got %+v", ranked)
	}
}
