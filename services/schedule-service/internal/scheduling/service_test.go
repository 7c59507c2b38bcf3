package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

type countingCommits struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCommits) ObserveCommit(op, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[op+"/"+outcome]++
}

func (c *countingCommits) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func newTestService(t *testing.T, drivers ...string) (*Service, *storage.MemoryStore, *countingCommits) {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, id := range drivers {
		if err := store.UpsertDriver(context.Background(), model.Driver{ID: id, Status: model.DriverStatusActive}); err != nil {
			t.Fatalf("seed driver: %v", err)
		}
	}
	engine := conflict.NewEngine(store, policy.NewStaticProvider(policy.Default()), nil)
	commits := &countingCommits{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewService(store, engine, commits, logger), store, commits
}

func TestCreateShift_Clean(t *testing.T) {
	svc, store, commits := newTestService(t, "d1")
	ctx := context.Background()

	res, err := svc.CreateShift(ctx, CreateShiftRequest{DriverID: "d1", StartTime: at(0, 8), EndTime: at(0, 16)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Shift.ID == "" || res.Shift.Status != model.ShiftStatusScheduled {
		t.Fatalf("unexpected shift %+v", res.Shift)
	}
	if res.Report.HasConflicts {
		t.Fatalf("expected clean report, got %+v", res.Report)
	}
	if _, err := store.GetShift(ctx, res.Shift.ID); err != nil {
		t.Fatalf("shift not stored: %v", err)
	}
	if commits.get("create/committed") != 1 {
		t.Fatalf("expected one committed create, got %v", commits.counts)
	}
}

func TestCreateShift_BlockedByOverlap(t *testing.T) {
	svc, store, commits := newTestService(t, "d1")
	store.PutShift(model.Shift{ID: "s1", DriverID: "d1", StartTime: at(0, 8), EndTime: at(0, 16)})

	_, err := svc.CreateShift(context.Background(), CreateShiftRequest{DriverID: "d1", StartTime: at(0, 12), EndTime: at(0, 20), Override: true})
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Report.Conflicts[0].Type != model.ConflictOverlappingShift {
		t.Fatalf("unexpected report %+v", blocked.Report)
	}
	if report, ok := ReportOf(err); !ok || !report.HasConflicts {
		t.Fatal("expected ReportOf to expose the report")
	}
	if commits.get("create/blocked") != 1 {
		t.Fatalf("expected one blocked create, got %v", commits.counts)
	}
}

func TestCreateShift_OverrideForWeeklyHours(t *testing.T) {
	svc, store, _ := newTestService(t, "d1")
	ctx := context.Background()
	for day := 0; day < 6; day++ {
		store.PutShift(model.Shift{ID: "s" + string(rune('a'+day)), DriverID: "d1", StartTime: at(day, 8), EndTime: at(day, 17)})
	}
	req := CreateShiftRequest{DriverID: "d1", StartTime: at(6, 8), EndTime: at(6, 17)}

	_, err := svc.CreateShift(ctx, req)
	var override *OverrideRequiredError
	if !errors.As(err, &override) {
		t.Fatalf("expected OverrideRequiredError, got %v", err)
	}
	if override.Report.Conflicts[0].Type != model.ConflictMaxHoursExceeded {
		t.Fatalf("unexpected report %+v", override.Report)
	}

	req.Override = true
	res, err := svc.CreateShift(ctx, req)
	if err != nil {
		t.Fatalf("override create: %v", err)
	}
	if len(res.Report.Conflicts) != 1 {
		t.Fatalf("expected the overridden conflict in the result, got %+v", res.Report)
	}
}

func TestCreateShift_ConcurrentDoubleBooking(t *testing.T) {
	svc, _, _ := newTestService(t, "d1")
	ctx := context.Background()
	req := CreateShiftRequest{DriverID: "d1", StartTime: at(1, 8), EndTime: at(1, 16)}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateShift(ctx, req)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			var blocked *BlockedError
			if !errors.As(err, &blocked) && !errors.Is(err, storage.ErrOverlap) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one booking to succeed, got %d", successes)
	}
}

func TestRescheduleShift_ExcludesItself(t *testing.T) {
	svc, store, _ := newTestService(t, "d1")
	store.PutShift(model.Shift{ID: "s1", DriverID: "d1", StartTime: at(0, 8), EndTime: at(0, 12)})

	res, err := svc.RescheduleShift(context.Background(), RescheduleRequest{ShiftID: "s1", StartTime: at(0, 9), EndTime: at(0, 13)})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !res.Shift.StartTime.Equal(at(0, 9)) || !res.Shift.EndTime.Equal(at(0, 13)) {
		t.Fatalf("unexpected shift %+v", res.Shift)
	}

	if _, err := svc.RescheduleShift(context.Background(), RescheduleRequest{ShiftID: "missing", StartTime: at(0, 9), EndTime: at(0, 13)}); !storage.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSwapShift(t *testing.T) {
	svc, store, _ := newTestService(t, "d1", "d2", "d3")
	ctx := context.Background()
	store.PutShift(model.Shift{ID: "s1", DriverID: "d1", StartTime: at(2, 8), EndTime: at(2, 16)})
	store.PutShift(model.Shift{ID: "busy", DriverID: "d2", StartTime: at(2, 10), EndTime: at(2, 12)})

	_, err := svc.SwapShift(ctx, SwapRequest{ShiftID: "s1", ToDriverID: "d2"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected swap onto a busy driver to be blocked, got %v", err)
	}

	res, err := svc.SwapShift(ctx, SwapRequest{ShiftID: "s1", ToDriverID: "d3"})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.Shift.DriverID != "d3" {
		t.Fatalf("expected shift on d3, got %+v", res.Shift)
	}

	if _, err := svc.SwapShift(ctx, SwapRequest{ShiftID: "s1", ToDriverID: "d3"}); !errors.Is(err, conflict.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for swap to the same driver, got %v", err)
	}
}

func TestCancelShift_Idempotent(t *testing.T) {
	svc, store, _ := newTestService(t, "d1")
	store.PutShift(model.Shift{ID: "s1", DriverID: "d1", StartTime: at(0, 8), EndTime: at(0, 12)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := svc.CancelShift(ctx, "s1")
		if err != nil {
			t.Fatalf("cancel #%d: %v", i, err)
		}
		if s.Status != model.ShiftStatusCancelled {
			t.Fatalf("expected cancelled, got %s", s.Status)
		}
	}

	// The freed window can be booked again.
	if _, err := svc.CreateShift(ctx, CreateShiftRequest{DriverID: "d1", StartTime: at(0, 8), EndTime: at(0, 12)}); err != nil {
		t.Fatalf("rebook: %v", err)
	}
}

func TestTimeOffLifecycle(t *testing.T) {
	svc, store, _ := newTestService(t, "d1")
	ctx := context.Background()
	store.PutShift(model.Shift{ID: "s1", DriverID: "d1", StartTime: at(3, 8), EndTime: at(3, 16)})

	req, err := svc.RequestTimeOff(ctx, TimeOffRequest{DriverID: "d1", StartDate: "2026-03-05", EndDate: "2026-03-06", Category: model.TimeOffCategoryVacation})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.TimeOff.Status != model.TimeOffStatusPending || len(req.Conflicts) != 1 {
		t.Fatalf("expected pending request reporting s1, got %+v", req)
	}

	_, err = svc.ApproveTimeOff(ctx, Decision{TimeOffID: req.TimeOff.ID, DecidedBy: "ops"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Report.Conflicts[0].Type != model.ConflictShiftDuringTimeOff {
		t.Fatalf("expected approval blocked by s1, got %v", err)
	}

	if _, err := svc.CancelShift(ctx, "s1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	approved, err := svc.ApproveTimeOff(ctx, Decision{TimeOffID: req.TimeOff.ID, DecidedBy: "ops"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.TimeOff.Status != model.TimeOffStatusApproved || approved.TimeOff.DecidedBy != "ops" {
		t.Fatalf("unexpected record %+v", approved.TimeOff)
	}

	_, err = svc.CreateShift(ctx, CreateShiftRequest{DriverID: "d1", StartTime: at(4, 8), EndTime: at(4, 12), Override: true})
	if !errors.As(err, &blocked) || blocked.Report.Conflicts[0].Type != model.ConflictTimeOff {
		t.Fatalf("expected shift during approved time off to be blocked, got %v", err)
	}

	if _, err := svc.DenyTimeOff(ctx, Decision{TimeOffID: req.TimeOff.ID}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("approved time off cannot be denied, got %v", err)
	}
	cancelled, err := svc.CancelTimeOff(ctx, Decision{TimeOffID: req.TimeOff.ID})
	if err != nil || cancelled.Status != model.TimeOffStatusCancelled {
		t.Fatalf("cancel time off: %+v, %v", cancelled, err)
	}
}

func TestStoreRejectsShiftDuringApprovedTimeOff(t *testing.T) {
	_, store, _ := newTestService(t, "d1")
	store.PutTimeOff(model.TimeOff{ID: "t1", DriverID: "d1", StartDate: "2026-03-04", EndDate: "2026-03-04", Status: model.TimeOffStatusApproved})

	shift := &model.Shift{DriverID: "d1", StartTime: at(2, 8), EndTime: at(2, 12)}
	if err := store.CreateShift(context.Background(), shift, []string{"2026-03-04"}); !errors.Is(err, storage.ErrTimeOffApproved) {
		t.Fatalf("expected ErrTimeOffApproved, got %v", err)
	}
}

func TestDenyTimeOff(t *testing.T) {
	svc, _, commits := newTestService(t, "d1")
	ctx := context.Background()

	req, err := svc.RequestTimeOff(ctx, TimeOffRequest{DriverID: "d1", StartDate: "2026-03-09", EndDate: "2026-03-09"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.TimeOff.Category != model.TimeOffCategoryOther {
		t.Fatalf("expected default category, got %s", req.TimeOff.Category)
	}
	denied, err := svc.DenyTimeOff(ctx, Decision{TimeOffID: req.TimeOff.ID, DecidedBy: "ops"})
	if err != nil || denied.Status != model.TimeOffStatusDenied {
		t.Fatalf("deny: %+v, %v", denied, err)
	}
	if _, err := svc.DenyTimeOff(ctx, Decision{TimeOffID: req.TimeOff.ID}); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if commits.get("time_off_deny/rejected") != 1 {
		t.Fatalf("expected one rejected deny, got %v", commits.counts)
	}

	if _, err := svc.RequestTimeOff(ctx, TimeOffRequest{DriverID: "d1", StartDate: "2026-03-09", EndDate: "2026-03-09", Category: "holiday"}); !errors.Is(err, conflict.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown category, got %v", err)
	}
}
