package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

// MemoryStore keeps the schedule in process. One mutex serializes every write,
// which is a coarser version of the per-(driver, date) boundary the database
// backends use.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[string]model.Driver
	shifts   map[string]model.Shift
	timeOffs map[string]model.TimeOff
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:  map[string]model.Driver{},
		shifts:   map[string]model.Shift{},
		timeOffs: map[string]model.TimeOff{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListEligibleDrivers(_ context.Context, excludeID string) ([]model.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Driver
	for _, d := range m.drivers {
		if d.ID == excludeID || !d.Available() {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = m.now()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryStore) ListShifts(_ context.Context, driverID string, w interval.Window, excludeID string) ([]model.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeShiftsLocked(driverID, w, excludeID), nil
}

func (m *MemoryStore) activeShiftsLocked(driverID string, w interval.Window, excludeID string) []model.Shift {
	var out []model.Shift
	for _, s := range m.shifts {
		if s.DriverID != driverID || !s.Active() || s.ID == excludeID {
			continue
		}
		if interval.Overlaps(s.StartTime, s.EndTime, w.Start, w.End) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (m *MemoryStore) ListApprovedTimeOff(_ context.Context, driverID, fromDate, toDate string) ([]model.TimeOff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approvedTimeOffLocked(driverID, fromDate, toDate), nil
}

func (m *MemoryStore) approvedTimeOffLocked(driverID, fromDate, toDate string) []model.TimeOff {
	var out []model.TimeOff
	for _, t := range m.timeOffs {
		if t.DriverID != driverID || t.Status != model.TimeOffStatusApproved {
			continue
		}
		if t.StartDate <= toDate && fromDate <= t.EndDate {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate == out[j].StartDate {
			return out[i].ID < out[j].ID
		}
		return out[i].StartDate < out[j].StartDate
	})
	return out
}

func (m *MemoryStore) GetShift(_ context.Context, id string) (model.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shifts[id]
	if !ok {
		return model.Shift{}, ErrNotFound
	}
	return s, nil
}

// guardLocked re-validates a shift placement while the write lock is held.
func (m *MemoryStore) guardLocked(driverID string, w interval.Window, excludeID string, dates []string) error {
	if len(m.activeShiftsLocked(driverID, w, excludeID)) > 0 {
		return ErrOverlap
	}
	if len(dates) > 0 && len(m.approvedTimeOffLocked(driverID, dates[0], dates[len(dates)-1])) > 0 {
		return ErrTimeOffApproved
	}
	return nil
}

func (m *MemoryStore) CreateShift(_ context.Context, s *model.Shift, dates []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[s.DriverID]; !ok {
		return ErrNotFound
	}
	w := interval.Window{Start: s.StartTime, End: s.EndTime}
	if err := m.guardLocked(s.DriverID, w, "", dates); err != nil {
		return err
	}
	now := m.now()
	s.ID = uuid.NewString()
	if s.Status == "" {
		s.Status = model.ShiftStatusScheduled
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	m.shifts[s.ID] = *s
	return nil
}

func (m *MemoryStore) RescheduleShift(_ context.Context, id string, w interval.Window, dates []string) (model.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return model.Shift{}, ErrNotFound
	}
	if !s.Active() {
		return model.Shift{}, ErrInvalidTransition
	}
	if err := m.guardLocked(s.DriverID, w, id, dates); err != nil {
		return model.Shift{}, err
	}
	s.StartTime, s.EndTime, s.UpdatedAt = w.Start, w.End, m.now()
	m.shifts[id] = s
	return s, nil
}

func (m *MemoryStore) ReassignShift(_ context.Context, id, toDriverID string, dates []string) (model.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return model.Shift{}, ErrNotFound
	}
	if _, ok := m.drivers[toDriverID]; !ok {
		return model.Shift{}, ErrNotFound
	}
	if !s.Active() {
		return model.Shift{}, ErrInvalidTransition
	}
	w := interval.Window{Start: s.StartTime, End: s.EndTime}
	if err := m.guardLocked(toDriverID, w, id, dates); err != nil {
		return model.Shift{}, err
	}
	s.DriverID, s.UpdatedAt = toDriverID, m.now()
	m.shifts[id] = s
	return s, nil
}

func (m *MemoryStore) CancelShift(_ context.Context, id string) (model.Shift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shifts[id]
	if !ok {
		return model.Shift{}, ErrNotFound
	}
	if s.Status == model.ShiftStatusCancelled {
		return s, nil
	}
	if s.Status == model.ShiftStatusCompleted {
		return model.Shift{}, ErrInvalidTransition
	}
	s.Status, s.UpdatedAt = model.ShiftStatusCancelled, m.now()
	m.shifts[id] = s
	return s, nil
}

func (m *MemoryStore) CreateTimeOff(_ context.Context, t *model.TimeOff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[t.DriverID]; !ok {
		return ErrNotFound
	}
	now := m.now()
	t.ID = uuid.NewString()
	t.Status = model.TimeOffStatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	m.timeOffs[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTimeOff(_ context.Context, id string) (model.TimeOff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.timeOffs[id]
	if !ok {
		return model.TimeOff{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ApproveTimeOff(_ context.Context, id string, span interval.Window, decidedBy string) (model.TimeOff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeOffs[id]
	if !ok {
		return model.TimeOff{}, ErrNotFound
	}
	if !model.CanTransitionTimeOff(t.Status, model.TimeOffStatusApproved) {
		return model.TimeOff{}, ErrInvalidTransition
	}
	if len(m.activeShiftsLocked(t.DriverID, span, "")) > 0 {
		return model.TimeOff{}, ErrShiftsInTimeOff
	}
	return m.decideLocked(t, model.TimeOffStatusApproved, decidedBy), nil
}

func (m *MemoryStore) SetTimeOffStatus(_ context.Context, id, status, decidedBy string) (model.TimeOff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timeOffs[id]
	if !ok {
		return model.TimeOff{}, ErrNotFound
	}
	if status == model.TimeOffStatusApproved || !model.CanTransitionTimeOff(t.Status, status) {
		return model.TimeOff{}, ErrInvalidTransition
	}
	return m.decideLocked(t, status, decidedBy), nil
}

func (m *MemoryStore) decideLocked(t model.TimeOff, status, decidedBy string) model.TimeOff {
	now := m.now()
	t.Status = status
	t.DecidedBy = decidedBy
	t.DecidedAt = &now
	t.UpdatedAt = now
	m.timeOffs[t.ID] = t
	return t
}

// Seed helpers load fixtures without going through the commit guards.

func (m *MemoryStore) PutShift(s model.Shift) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == "" {
		s.Status = model.ShiftStatusScheduled
	}
	m.shifts[s.ID] = s
}

func (m *MemoryStore) PutTimeOff(t model.TimeOff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeOffs[t.ID] = t
}
