// Package conflict decides whether a candidate shift fits a driver's calendar.
//
// Every check is a read-only function of its inputs and the store contents at
// call time. The same unexported checks serve the primary path, the aggregator
// and the alternative-driver finder, so the rules cannot drift between them.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
)

var ErrInvalidInput = errors.New("invalid input")

type ShiftReader interface {
	// ListShifts returns the driver's non-cancelled shifts overlapping w,
	// ordered by start, without excludeID.
	ListShifts(ctx context.Context, driverID string, w interval.Window, excludeID string) ([]model.Shift, error)
}

type TimeOffReader interface {
	// ListApprovedTimeOff returns approved records intersecting the inclusive date range.
	ListApprovedTimeOff(ctx context.Context, driverID, fromDate, toDate string) ([]model.TimeOff, error)
}

type Roster interface {
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	ListEligibleDrivers(ctx context.Context, excludeID string) ([]model.Driver, error)
}

type Store interface {
	ShiftReader
	TimeOffReader
	Roster
}

// Recorder receives check timings and findings. metrics.Recorder implements it.
type Recorder interface {
	ObserveCheck(check string, elapsed time.Duration, err error)
	ObserveConflicts(conflicts []model.Conflict)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCheck(string, time.Duration, error) {}
func (nopRecorder) ObserveConflicts([]model.Conflict)         {}

const (
	checkOverlap  = "overlap"
	checkRest     = "rest"
	checkWeekly   = "weekly_hours"
	checkTimeOff  = "time_off"
	checkAll      = "all"
	checkFinder   = "alternatives"
	checkTimeOffR = "time_off_request"
)

// Candidate is the proposed shift. ExcludeShiftID names the shift being edited
// so it is never reported against itself.
type Candidate struct {
	DriverID       string
	Window         interval.Window
	ExcludeShiftID string
}

func (c Candidate) validate() error {
	if strings.TrimSpace(c.DriverID) == "" {
		return fmt.Errorf("%w: driver_id is required", ErrInvalidInput)
	}
	if err := c.Window.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

type Engine struct {
	store    Store
	policies policy.Provider
	recorder Recorder
	tracer   trace.Tracer
}

// NewEngine wires the engine. A nil recorder disables metrics.
func NewEngine(store Store, policies policy.Provider, recorder Recorder) *Engine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Engine{
		store:    store,
		policies: policies,
		recorder: recorder,
		tracer:   otel.Tracer("schedule-service/conflict"),
	}
}

// Policy returns the policy snapshot checks run with.
func (e *Engine) Policy(ctx context.Context) (policy.Policy, error) {
	p, err := e.policies.Policy(ctx)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

// resolve validates the candidate and confirms the driver exists. An unknown
// driver is an error, never an empty calendar.
func (e *Engine) resolve(ctx context.Context, c Candidate) (model.Driver, policy.Policy, error) {
	if err := c.validate(); err != nil {
		return model.Driver{}, policy.Policy{}, err
	}
	p, err := e.Policy(ctx)
	if err != nil {
		return model.Driver{}, policy.Policy{}, err
	}
	d, err := e.store.GetDriver(ctx, c.DriverID)
	if err != nil {
		return model.Driver{}, policy.Policy{}, fmt.Errorf("get driver %s: %w", c.DriverID, err)
	}
	return d, p, nil
}

// observe wraps a check in a span and records its outcome.
func (e *Engine) observe(ctx context.Context, check, driverID string, fn func(context.Context) ([]model.Conflict, error)) ([]model.Conflict, error) {
	ctx, span := e.tracer.Start(ctx, "conflict."+check, trace.WithAttributes(
		attribute.String("schedule.driver_id", driverID),
	))
	defer span.End()

	start := time.Now()
	conflicts, err := fn(ctx)
	e.recorder.ObserveCheck(check, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("schedule.conflicts", len(conflicts)))
	return conflicts, nil
}

// CheckOverlappingShifts reports every existing shift of the driver that
// intersects the candidate window, including overnight shifts from the day before.
func (e *Engine) CheckOverlappingShifts(ctx context.Context, driverID string, w interval.Window, excludeShiftID string) ([]model.Conflict, error) {
	c := Candidate{DriverID: driverID, Window: w, ExcludeShiftID: excludeShiftID}
	_, p, err := e.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	return e.report(e.observe(ctx, checkOverlap, driverID, func(ctx context.Context) ([]model.Conflict, error) {
		return e.overlaps(ctx, p, c)
	}))
}

// CheckBreakTimeConflicts enforces minRest between the candidate and the
// driver's adjacent shifts.
func (e *Engine) CheckBreakTimeConflicts(ctx context.Context, driverID string, w interval.Window, minRest time.Duration, excludeShiftID string) ([]model.Conflict, error) {
	c := Candidate{DriverID: driverID, Window: w, ExcludeShiftID: excludeShiftID}
	_, p, err := e.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if minRest < 0 {
		return nil, fmt.Errorf("%w: minimum rest must not be negative", ErrInvalidInput)
	}
	return e.report(e.observe(ctx, checkRest, driverID, func(ctx context.Context) ([]model.Conflict, error) {
		return e.rest(ctx, p, c, minRest)
	}))
}

// CheckMaxHoursPerWeek sums the ISO week containing the candidate start.
// maxWeeklyHours <= 0 disables the guard.
func (e *Engine) CheckMaxHoursPerWeek(ctx context.Context, driverID string, w interval.Window, maxWeeklyHours float64, excludeShiftID string) ([]model.Conflict, error) {
	c := Candidate{DriverID: driverID, Window: w, ExcludeShiftID: excludeShiftID}
	_, p, err := e.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	return e.report(e.observe(ctx, checkWeekly, driverID, func(ctx context.Context) ([]model.Conflict, error) {
		conflicts, _, err := e.weekly(ctx, p, c, maxWeeklyHours)
		return conflicts, err
	}))
}

// CheckTimeOffConflicts reports approved time off on any date the candidate touches.
func (e *Engine) CheckTimeOffConflicts(ctx context.Context, driverID string, w interval.Window) ([]model.Conflict, error) {
	c := Candidate{DriverID: driverID, Window: w}
	_, p, err := e.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	return e.report(e.observe(ctx, checkTimeOff, driverID, func(ctx context.Context) ([]model.Conflict, error) {
		return e.timeOff(ctx, p, c)
	}))
}

// CheckShiftsDuringTimeOff is the reverse check used before approving a
// time-off request: every active shift inside the requested dates is reported.
func (e *Engine) CheckShiftsDuringTimeOff(ctx context.Context, driverID, startDate, endDate string) ([]model.Conflict, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, fmt.Errorf("%w: driver_id is required", ErrInvalidInput)
	}
	p, err := e.Policy(ctx)
	if err != nil {
		return nil, err
	}
	span, err := p.DateSpan(startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if _, err := e.store.GetDriver(ctx, driverID); err != nil {
		return nil, fmt.Errorf("get driver %s: %w", driverID, err)
	}
	return e.report(e.observe(ctx, checkTimeOffR, driverID, func(ctx context.Context) ([]model.Conflict, error) {
		shifts, err := e.store.ListShifts(ctx, driverID, span, "")
		if err != nil {
			return nil, fmt.Errorf("list shifts: %w", err)
		}
		var out []model.Conflict
		for _, s := range shifts {
			out = append(out, model.Conflict{
				Type:            model.ConflictShiftDuringTimeOff,
				Severity:        model.SeverityHigh,
				ShiftID:         s.ID,
				Description:     e.describe(ctx, "conflict.shift_during_time_off", p, map[string]any{"ShiftID": s.ID}, s.StartTime, s.EndTime),
				SuggestedAction: e.describe(ctx, "conflict.shift_during_time_off.action", p, nil),
			})
		}
		return out, nil
	}))
}

// report records findings and normalizes nil to an empty slice.
func (e *Engine) report(conflicts []model.Conflict, err error) ([]model.Conflict, error) {
	if err != nil {
		return nil, err
	}
	if conflicts == nil {
		conflicts = []model.Conflict{}
	}
	e.recorder.ObserveConflicts(conflicts)
	return conflicts, nil
}

func (e *Engine) overlaps(ctx context.Context, p policy.Policy, c Candidate) ([]model.Conflict, error) {
	shifts, err := e.store.ListShifts(ctx, c.DriverID, c.Window, c.ExcludeShiftID)
	if err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	var out []model.Conflict
	for _, s := range shifts {
		// The store filters by window already; re-test so a loose backend
		// query can never produce a false positive.
		if s.ID == c.ExcludeShiftID || !s.Active() || !interval.Overlaps(c.Window.Start, c.Window.End, s.StartTime, s.EndTime) {
			continue
		}
		out = append(out, model.Conflict{
			Type:            model.ConflictOverlappingShift,
			Severity:        model.SeverityHigh,
			ShiftID:         s.ID,
			Description:     e.describe(ctx, "conflict.overlapping_shift", p, map[string]any{"ShiftID": s.ID}, s.StartTime, s.EndTime),
			SuggestedAction: e.describe(ctx, "conflict.overlapping_shift.action", p, nil),
		})
	}
	return out, nil
}

func (e *Engine) rest(ctx context.Context, p policy.Policy, c Candidate, minRest time.Duration) ([]model.Conflict, error) {
	if minRest <= 0 {
		return nil, nil
	}
	shifts, err := e.store.ListShifts(ctx, c.DriverID, c.Window.Pad(minRest), c.ExcludeShiftID)
	if err != nil {
		return nil, fmt.Errorf("list adjacent shifts: %w", err)
	}

	var prev, next *model.Shift
	for i := range shifts {
		s := &shifts[i]
		if s.ID == c.ExcludeShiftID || !s.Active() {
			continue
		}
		switch {
		case !s.EndTime.After(c.Window.Start):
			if prev == nil || s.EndTime.After(prev.EndTime) {
				prev = s
			}
		case !s.StartTime.Before(c.Window.End):
			if next == nil || s.StartTime.Before(next.StartTime) {
				next = s
			}
		}
	}

	required := formatHours(minRest.Hours())
	var out []model.Conflict
	if prev != nil {
		if gap := c.Window.Start.Sub(prev.EndTime); gap < minRest {
			out = append(out, model.Conflict{
				Type:     model.ConflictInsufficientBreak,
				Severity: model.SeverityHigh,
				ShiftID:  prev.ID,
				Description: e.describe(ctx, "conflict.insufficient_break.before", p, map[string]any{
					"ShiftID":  prev.ID,
					"Actual":   formatHours(gap.Hours()),
					"Required": required,
				}, prev.StartTime, prev.EndTime),
				SuggestedAction: e.describe(ctx, "conflict.insufficient_break.action", p, nil),
			})
		}
	}
	if next != nil {
		if gap := next.StartTime.Sub(c.Window.End); gap < minRest {
			out = append(out, model.Conflict{
				Type:     model.ConflictInsufficientBreak,
				Severity: model.SeverityHigh,
				ShiftID:  next.ID,
				Description: e.describe(ctx, "conflict.insufficient_break.after", p, map[string]any{
					"ShiftID":  next.ID,
					"Actual":   formatHours(gap.Hours()),
					"Required": required,
				}, next.StartTime, next.EndTime),
				SuggestedAction: e.describe(ctx, "conflict.insufficient_break.action", p, nil),
			})
		}
	}
	return out, nil
}

// weekly returns the conflicts and the projected total including the candidate.
func (e *Engine) weekly(ctx context.Context, p policy.Policy, c Candidate, maxWeeklyHours float64) ([]model.Conflict, float64, error) {
	weekStart, weekEnd := WeekBounds(c.Window.Start, p.Location())
	shifts, err := e.store.ListShifts(ctx, c.DriverID, interval.Window{Start: weekStart, End: weekEnd}, c.ExcludeShiftID)
	if err != nil {
		return nil, 0, fmt.Errorf("list weekly shifts: %w", err)
	}
	total := c.Window.Hours()
	for _, s := range shifts {
		if s.ID == c.ExcludeShiftID || !s.Active() {
			continue
		}
		if s.StartTime.Before(weekStart) || !s.StartTime.Before(weekEnd) {
			continue
		}
		total += interval.Duration(s.StartTime, s.EndTime)
	}
	if maxWeeklyHours <= 0 || total <= maxWeeklyHours {
		return nil, total, nil
	}
	return []model.Conflict{{
		Type:     model.ConflictMaxHoursExceeded,
		Severity: model.SeverityMedium,
		Description: e.describe(ctx, "conflict.max_hours_exceeded", p, map[string]any{
			"Week":  weekStart.Format(model.DateLayout),
			"Total": formatHours(total),
			"Limit": formatHours(maxWeeklyHours),
		}),
		SuggestedAction: e.describe(ctx, "conflict.max_hours_exceeded.action", p, nil),
	}}, total, nil
}

func (e *Engine) timeOff(ctx context.Context, p policy.Policy, c Candidate) ([]model.Conflict, error) {
	dates := interval.DatesTouched(c.Window, p.Location())
	if len(dates) == 0 {
		return nil, nil
	}
	records, err := e.store.ListApprovedTimeOff(ctx, c.DriverID, dates[0], dates[len(dates)-1])
	if err != nil {
		return nil, fmt.Errorf("list time off: %w", err)
	}
	var out []model.Conflict
	for _, t := range records {
		// Never trust a backend to have filtered on status.
		if t.Status != model.TimeOffStatusApproved || t.StartDate > dates[len(dates)-1] || t.EndDate < dates[0] {
			continue
		}
		out = append(out, model.Conflict{
			Type:      model.ConflictTimeOff,
			Severity:  model.SeverityCritical,
			TimeOffID: t.ID,
			Description: e.describe(ctx, "conflict.time_off", p, map[string]any{
				"Category":  t.Category,
				"StartDate": t.StartDate,
				"EndDate":   t.EndDate,
			}),
			SuggestedAction: e.describe(ctx, "conflict.time_off.action", p, nil),
		})
	}
	return out, nil
}

// WeekBounds returns the ISO week (Monday 00:00 to next Monday 00:00) in loc
// that contains t.
func WeekBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	start := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 7)
}

func formatHours(h float64) string {
	return strconv.FormatFloat(math.Round(h*100)/100, 'f', -1, 64)
}
