// Package scheduling turns conflict reports into write decisions. The engine
// is advisory; the store re-validates every write under its own lock and has
// the last word.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

const (
	OpCreate        = "create"
	OpReschedule    = "reschedule"
	OpSwap          = "swap"
	OpCancel        = "cancel"
	OpTimeOff       = "time_off_request"
	OpApprove       = "time_off_approve"
	OpDeny          = "time_off_deny"
	OpTimeOffCancel = "time_off_cancel"

	outcomeCommitted        = "committed"
	outcomeBlocked          = "blocked"
	outcomeOverrideRequired = "override_required"
	outcomeRejected         = "rejected"
	outcomeFailed           = "failed"
)

type Store interface {
	GetShift(ctx context.Context, id string) (model.Shift, error)
	CreateShift(ctx context.Context, s *model.Shift, dates []string) error
	RescheduleShift(ctx context.Context, id string, w interval.Window, dates []string) (model.Shift, error)
	ReassignShift(ctx context.Context, id, toDriverID string, dates []string) (model.Shift, error)
	CancelShift(ctx context.Context, id string) (model.Shift, error)
	CreateTimeOff(ctx context.Context, t *model.TimeOff) error
	GetTimeOff(ctx context.Context, id string) (model.TimeOff, error)
	ApproveTimeOff(ctx context.Context, id string, span interval.Window, decidedBy string) (model.TimeOff, error)
	SetTimeOffStatus(ctx context.Context, id, status, decidedBy string) (model.TimeOff, error)
}

type Checker interface {
	Policy(ctx context.Context) (policy.Policy, error)
	CheckAllConflicts(ctx context.Context, c conflict.Candidate) (model.ConflictReport, error)
	CheckShiftsDuringTimeOff(ctx context.Context, driverID, startDate, endDate string) ([]model.Conflict, error)
}

type CommitRecorder interface {
	ObserveCommit(operation, outcome string)
}

type nopCommits struct{}

func (nopCommits) ObserveCommit(string, string) {}

// BlockedError means a conflict at or above the blocking severity was found.
// No override can push it through.
type BlockedError struct {
	Report model.ConflictReport
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %d conflict(s), highest severity %s", len(e.Report.Conflicts), e.Report.MaxSeverity())
}

// OverrideRequiredError means only lower-severity conflicts were found and the
// caller did not confirm them.
type OverrideRequiredError struct {
	Report model.ConflictReport
}

func (e *OverrideRequiredError) Error() string {
	return fmt.Sprintf("%d conflict(s) require an explicit override", len(e.Report.Conflicts))
}

// ReportOf extracts the conflict report from a decision error.
func ReportOf(err error) (model.ConflictReport, bool) {
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return blocked.Report, true
	}
	var override *OverrideRequiredError
	if errors.As(err, &override) {
		return override.Report, true
	}
	return model.ConflictReport{}, false
}

type Service struct {
	store   Store
	checker Checker
	commits CommitRecorder
	logger  *slog.Logger
}

func NewService(store Store, checker Checker, commits CommitRecorder, logger *slog.Logger) *Service {
	if commits == nil {
		commits = nopCommits{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		checker: checker,
		commits: commits,
		logger:  logger,
	}
}

type CreateShiftRequest struct {
	DriverID  string
	StartTime time.Time
	EndTime   time.Time
	Status    string
	Override  bool
}

type RescheduleRequest struct {
	ShiftID   string
	StartTime time.Time
	EndTime   time.Time
	Override  bool
}

type SwapRequest struct {
	ShiftID    string
	ToDriverID string
	Override   bool
}

type TimeOffRequest struct {
	DriverID  string
	StartDate string
	EndDate   string
	Category  string
	Reason    string
}

type Decision struct {
	TimeOffID string
	DecidedBy string
}

// ShiftResult carries the committed shift and the conflicts that were
// overridden to get there, if any.
type ShiftResult struct {
	Shift  model.Shift          `json:"shift"`
	Report model.ConflictReport `json:"report"`
}

type TimeOffResult struct {
	TimeOff   model.TimeOff    `json:"time_off"`
	Conflicts []model.Conflict `json:"conflicts"`
}

// decide applies the blocking policy to a report.
func decide(p policy.Policy, report model.ConflictReport, override bool) error {
	if !report.HasConflicts {
		return nil
	}
	if len(report.Blocking(p.Blocking())) > 0 {
		return &BlockedError{Report: report}
	}
	if !override {
		return &OverrideRequiredError{Report: report}
	}
	return nil
}

func (s *Service) finish(op string, err error) error {
	switch {
	case err == nil:
		s.commits.ObserveCommit(op, outcomeCommitted)
		return nil
	case errors.As(err, new(*BlockedError)):
		s.commits.ObserveCommit(op, outcomeBlocked)
	case errors.As(err, new(*OverrideRequiredError)):
		s.commits.ObserveCommit(op, outcomeOverrideRequired)
	case errors.Is(err, storage.ErrUnavailable):
		s.commits.ObserveCommit(op, outcomeFailed)
		s.logger.Error("schedule write failed", "op", op, "err", err)
	default:
		s.commits.ObserveCommit(op, outcomeRejected)
	}
	return err
}

// check runs the full conflict report for a placement and applies the policy.
func (s *Service) check(ctx context.Context, c conflict.Candidate, override bool) (policy.Policy, model.ConflictReport, error) {
	p, err := s.checker.Policy(ctx)
	if err != nil {
		return policy.Policy{}, model.ConflictReport{}, err
	}
	report, err := s.checker.CheckAllConflicts(ctx, c)
	if err != nil {
		return policy.Policy{}, model.ConflictReport{}, err
	}
	if err := decide(p, report, override); err != nil {
		return policy.Policy{}, model.ConflictReport{}, err
	}
	return p, report, nil
}

func (s *Service) CreateShift(ctx context.Context, req CreateShiftRequest) (ShiftResult, error) {
	res, err := s.createShift(ctx, req)
	return res, s.finish(OpCreate, err)
}

func (s *Service) createShift(ctx context.Context, req CreateShiftRequest) (ShiftResult, error) {
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = model.ShiftStatusScheduled
	}
	if !model.ValidShiftStatus(status) || status == model.ShiftStatusCancelled {
		return ShiftResult{}, fmt.Errorf("%w: status %q", conflict.ErrInvalidInput, req.Status)
	}
	w := interval.Window{Start: req.StartTime.UTC(), End: req.EndTime.UTC()}
	p, report, err := s.check(ctx, conflict.Candidate{DriverID: req.DriverID, Window: w}, req.Override)
	if err != nil {
		return ShiftResult{}, err
	}

	shift := &model.Shift{DriverID: req.DriverID, StartTime: w.Start, EndTime: w.End, Status: status}
	if err := s.store.CreateShift(ctx, shift, interval.DatesTouched(w, p.Location())); err != nil {
		return ShiftResult{}, fmt.Errorf("create shift: %w", err)
	}
	s.logger.Info("shift created", "shift_id", shift.ID, "driver_id", shift.DriverID, "overridden", len(report.Conflicts))
	return ShiftResult{Shift: *shift, Report: report}, nil
}

func (s *Service) RescheduleShift(ctx context.Context, req RescheduleRequest) (ShiftResult, error) {
	res, err := s.rescheduleShift(ctx, req)
	return res, s.finish(OpReschedule, err)
}

func (s *Service) rescheduleShift(ctx context.Context, req RescheduleRequest) (ShiftResult, error) {
	current, err := s.store.GetShift(ctx, req.ShiftID)
	if err != nil {
		return ShiftResult{}, fmt.Errorf("get shift %s: %w", req.ShiftID, err)
	}
	if !current.Active() {
		return ShiftResult{}, fmt.Errorf("reschedule %s shift: %w", current.Status, storage.ErrInvalidTransition)
	}
	w := interval.Window{Start: req.StartTime.UTC(), End: req.EndTime.UTC()}
	c := conflict.Candidate{DriverID: current.DriverID, Window: w, ExcludeShiftID: current.ID}
	p, report, err := s.check(ctx, c, req.Override)
	if err != nil {
		return ShiftResult{}, err
	}
	updated, err := s.store.RescheduleShift(ctx, current.ID, w, interval.DatesTouched(w, p.Location()))
	if err != nil {
		return ShiftResult{}, fmt.Errorf("reschedule shift: %w", err)
	}
	s.logger.Info("shift rescheduled", "shift_id", updated.ID, "driver_id", updated.DriverID)
	return ShiftResult{Shift: updated, Report: report}, nil
}

// SwapShift hands an existing shift to another driver. The target driver is
// checked exactly as a new placement would be.
func (s *Service) SwapShift(ctx context.Context, req SwapRequest) (ShiftResult, error) {
	res, err := s.swapShift(ctx, req)
	return res, s.finish(OpSwap, err)
}

func (s *Service) swapShift(ctx context.Context, req SwapRequest) (ShiftResult, error) {
	current, err := s.store.GetShift(ctx, req.ShiftID)
	if err != nil {
		return ShiftResult{}, fmt.Errorf("get shift %s: %w", req.ShiftID, err)
	}
	if !current.Active() {
		return ShiftResult{}, fmt.Errorf("swap %s shift: %w", current.Status, storage.ErrInvalidTransition)
	}
	if strings.TrimSpace(req.ToDriverID) == "" || req.ToDriverID == current.DriverID {
		return ShiftResult{}, fmt.Errorf("%w: to_driver_id must name another driver", conflict.ErrInvalidInput)
	}
	c := conflict.Candidate{DriverID: req.ToDriverID, Window: current.Window(), ExcludeShiftID: current.ID}
	p, report, err := s.check(ctx, c, req.Override)
	if err != nil {
		return ShiftResult{}, err
	}
	updated, err := s.store.ReassignShift(ctx, current.ID, req.ToDriverID, interval.DatesTouched(current.Window(), p.Location()))
	if err != nil {
		return ShiftResult{}, fmt.Errorf("reassign shift: %w", err)
	}
	s.logger.Info("shift swapped", "shift_id", updated.ID, "from_driver_id", current.DriverID, "to_driver_id", updated.DriverID)
	return ShiftResult{Shift: updated, Report: report}, nil
}

// CancelShift is idempotent for already cancelled shifts.
func (s *Service) CancelShift(ctx context.Context, shiftID string) (model.Shift, error) {
	shift, err := s.store.CancelShift(ctx, shiftID)
	if err != nil {
		err = fmt.Errorf("cancel shift %s: %w", shiftID, err)
	}
	return shift, s.finish(OpCancel, err)
}

// RequestTimeOff files a pending request. The shifts already inside the range
// are returned so the requester sees what approval would require.
func (s *Service) RequestTimeOff(ctx context.Context, req TimeOffRequest) (TimeOffResult, error) {
	res, err := s.requestTimeOff(ctx, req)
	return res, s.finish(OpTimeOff, err)
}

func (s *Service) requestTimeOff(ctx context.Context, req TimeOffRequest) (TimeOffResult, error) {
	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = model.TimeOffCategoryOther
	}
	if !model.ValidTimeOffCategory(category) {
		return TimeOffResult{}, fmt.Errorf("%w: category %q", conflict.ErrInvalidInput, req.Category)
	}
	conflicts, err := s.checker.CheckShiftsDuringTimeOff(ctx, req.DriverID, req.StartDate, req.EndDate)
	if err != nil {
		return TimeOffResult{}, err
	}
	t := &model.TimeOff{
		DriverID:  req.DriverID,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Category:  category,
		Reason:    strings.TrimSpace(req.Reason),
	}
	if err := s.store.CreateTimeOff(ctx, t); err != nil {
		return TimeOffResult{}, fmt.Errorf("create time off: %w", err)
	}
	s.logger.Info("time off requested", "time_off_id", t.ID, "driver_id", t.DriverID, "shifts_in_range", len(conflicts))
	return TimeOffResult{TimeOff: *t, Conflicts: conflicts}, nil
}

// ApproveTimeOff refuses while any active shift sits inside the range; those
// shifts must be reassigned or cancelled first.
func (s *Service) ApproveTimeOff(ctx context.Context, d Decision) (TimeOffResult, error) {
	res, err := s.approveTimeOff(ctx, d)
	return res, s.finish(OpApprove, err)
}

func (s *Service) approveTimeOff(ctx context.Context, d Decision) (TimeOffResult, error) {
	current, err := s.store.GetTimeOff(ctx, d.TimeOffID)
	if err != nil {
		return TimeOffResult{}, fmt.Errorf("get time off %s: %w", d.TimeOffID, err)
	}
	if !model.CanTransitionTimeOff(current.Status, model.TimeOffStatusApproved) {
		return TimeOffResult{}, fmt.Errorf("approve %s time off: %w", current.Status, storage.ErrInvalidTransition)
	}
	conflicts, err := s.checker.CheckShiftsDuringTimeOff(ctx, current.DriverID, current.StartDate, current.EndDate)
	if err != nil {
		return TimeOffResult{}, err
	}
	if len(conflicts) > 0 {
		return TimeOffResult{}, &BlockedError{Report: model.NewConflictReport(conflicts)}
	}
	p, err := s.checker.Policy(ctx)
	if err != nil {
		return TimeOffResult{}, err
	}
	span, err := p.DateSpan(current.StartDate, current.EndDate)
	if err != nil {
		return TimeOffResult{}, fmt.Errorf("%w: %w", conflict.ErrInvalidInput, err)
	}
	approved, err := s.store.ApproveTimeOff(ctx, current.ID, span, d.DecidedBy)
	if err != nil {
		return TimeOffResult{}, fmt.Errorf("approve time off: %w", err)
	}
	s.logger.Info("time off approved", "time_off_id", approved.ID, "driver_id", approved.DriverID, "decided_by", d.DecidedBy)
	return TimeOffResult{TimeOff: approved, Conflicts: []model.Conflict{}}, nil
}

func (s *Service) DenyTimeOff(ctx context.Context, d Decision) (model.TimeOff, error) {
	t, err := s.store.SetTimeOffStatus(ctx, d.TimeOffID, model.TimeOffStatusDenied, d.DecidedBy)
	if err != nil {
		err = fmt.Errorf("deny time off %s: %w", d.TimeOffID, err)
	}
	return t, s.finish(OpDeny, err)
}

// CancelTimeOff withdraws a pending or approved request.
func (s *Service) CancelTimeOff(ctx context.Context, d Decision) (model.TimeOff, error) {
	t, err := s.store.SetTimeOffStatus(ctx, d.TimeOffID, model.TimeOffStatusCancelled, d.DecidedBy)
	if err != nil {
		err = fmt.Errorf("cancel time off %s: %w", d.TimeOffID, err)
	}
	return t, s.finish(OpTimeOffCancel, err)
}
