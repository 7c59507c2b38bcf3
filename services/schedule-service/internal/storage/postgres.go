package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/driverduty/libs/db"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/outbox"
)

const (
	shiftColumns = `id::text, driver_id, start_time, end_time, status, created_at, updated_at`

	timeOffColumns = `id::text, driver_id, to_char(start_date, 'YYYY-MM-DD'), to_char(end_date, 'YYYY-MM-DD'),
		status, category, reason, COALESCE(decided_by, ''), decided_at, created_at, updated_at`
)

// PostgresRepository serializes writes per (driver, UTC date) with
// transaction-scoped advisory locks. The shifts exclusion constraint backs the
// lock up: a 23P01 surfaces as ErrOverlap.
type PostgresRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgresRepository(pool *db.Pool, events *outbox.Repository) *PostgresRepository {
	if events == nil {
		events = outbox.NewRepository(pool)
	}
	return &PostgresRepository{pool: pool, outbox: events}
}

func (r *PostgresRepository) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	var d model.Driver
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, status, updated_at
		FROM drivers
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Status, &d.UpdatedAt)
	if err != nil {
		return model.Driver{}, classify("get driver", err)
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (r *PostgresRepository) ListEligibleDrivers(ctx context.Context, excludeID string) ([]model.Driver, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, status, updated_at
		FROM drivers
		WHERE status = 'active' AND id <> $1
		ORDER BY id
	`, excludeID)
	if err != nil {
		return nil, classify("list drivers", err)
	}
	defer rows.Close()

	var out []model.Driver
	for rows.Next() {
		var d model.Driver
		if err := rows.Scan(&d.ID, &d.Name, &d.Status, &d.UpdatedAt); err != nil {
			return nil, classify("list drivers", err)
		}
		d.UpdatedAt = d.UpdatedAt.UTC()
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, classify("list drivers", rows.Err())
	}
	return out, nil
}

func (r *PostgresRepository) UpsertDriver(ctx context.Context, d model.Driver) error {
	if err := upsertDriver(ctx, r.pool, d); err != nil {
		return classify("upsert driver", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertDriver(ctx context.Context, q execer, d model.Driver) error {
	_, err := q.Exec(ctx, `
		INSERT INTO drivers (id, name, status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			status = EXCLUDED.status,
			updated_at = now()
	`, d.ID, d.Name, d.Status)
	return err
}

func (r *PostgresRepository) ListShifts(ctx context.Context, driverID string, w interval.Window, excludeID string) ([]model.Shift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE driver_id = $1
			AND status <> 'cancelled'
			AND start_time < $3
			AND end_time > $2
			AND ($4::text = '' OR id::text <> $4::text)
		ORDER BY start_time, id
	`, driverID, w.Start, w.End, excludeID)
	if err != nil {
		return nil, classify("list shifts", err)
	}
	defer rows.Close()

	var out []model.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, classify("list shifts", err)
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, classify("list shifts", rows.Err())
	}
	return out, nil
}

func (r *PostgresRepository) ListApprovedTimeOff(ctx context.Context, driverID, fromDate, toDate string) ([]model.TimeOff, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+timeOffColumns+`
		FROM time_off
		WHERE driver_id = $1
			AND status = 'approved'
			AND start_date <= $3::date
			AND end_date >= $2::date
		ORDER BY start_date, id
	`, driverID, fromDate, toDate)
	if err != nil {
		return nil, classify("list time off", err)
	}
	defer rows.Close()

	var out []model.TimeOff
	for rows.Next() {
		t, err := scanTimeOff(rows)
		if err != nil {
			return nil, classify("list time off", err)
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, classify("list time off", rows.Err())
	}
	return out, nil
}

func (r *PostgresRepository) GetShift(ctx context.Context, id string) (model.Shift, error) {
	s, err := scanShift(r.pool.QueryRow(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id::text = $1`, id))
	if err != nil {
		return model.Shift{}, classify("get shift", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetTimeOff(ctx context.Context, id string) (model.TimeOff, error) {
	t, err := scanTimeOff(r.pool.QueryRow(ctx, `SELECT `+timeOffColumns+` FROM time_off WHERE id::text = $1`, id))
	if err != nil {
		return model.TimeOff{}, classify("get time off", err)
	}
	return t, nil
}

func (r *PostgresRepository) CreateShift(ctx context.Context, s *model.Shift, dates []string) error {
	w := s.Window()
	return r.inTx(ctx, "create shift", func(tx pgx.Tx) error {
		if err := requireDriver(ctx, tx, s.DriverID); err != nil {
			return err
		}
		if err := lock(ctx, tx, lockKeys(s.DriverID, w)); err != nil {
			return err
		}
		if err := guard(ctx, tx, s.DriverID, w, "", dates); err != nil {
			return err
		}
		if s.Status == "" {
			s.Status = model.ShiftStatusScheduled
		}
		id := uuid.NewString()
		err := tx.QueryRow(ctx, `
			INSERT INTO shifts (id, driver_id, start_time, end_time, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, id, s.DriverID, s.StartTime, s.EndTime, s.Status).Scan(&s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return err
		}
		s.ID = id
		s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
		return r.emit(ctx, tx, "shift", s.ID, outbox.EventShiftCreated, shiftEvent{Shift: *s})
	})
}

func (r *PostgresRepository) RescheduleShift(ctx context.Context, id string, w interval.Window, dates []string) (model.Shift, error) {
	var out model.Shift
	err := r.inTx(ctx, "reschedule shift", func(tx pgx.Tx) error {
		s, err := shiftForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !s.Active() {
			return ErrInvalidTransition
		}
		if err := lock(ctx, tx, lockKeys(s.DriverID, w)); err != nil {
			return err
		}
		if err := guard(ctx, tx, s.DriverID, w, id, dates); err != nil {
			return err
		}
		out, err = scanShift(tx.QueryRow(ctx, `
			UPDATE shifts
			SET start_time = $2, end_time = $3, updated_at = now()
			WHERE id = $1::uuid
			RETURNING `+shiftColumns, id, w.Start, w.End))
		if err != nil {
			return err
		}
		return r.emit(ctx, tx, "shift", id, outbox.EventShiftRescheduled, shiftEvent{
			Shift:         out,
			PreviousStart: &s.StartTime,
			PreviousEnd:   &s.EndTime,
		})
	})
	return out, err
}

func (r *PostgresRepository) ReassignShift(ctx context.Context, id, toDriverID string, dates []string) (model.Shift, error) {
	var out model.Shift
	err := r.inTx(ctx, "reassign shift", func(tx pgx.Tx) error {
		s, err := shiftForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := requireDriver(ctx, tx, toDriverID); err != nil {
			return err
		}
		if !s.Active() {
			return ErrInvalidTransition
		}
		w := s.Window()
		if err := lock(ctx, tx, lockKeys(toDriverID, w)); err != nil {
			return err
		}
		if err := guard(ctx, tx, toDriverID, w, id, dates); err != nil {
			return err
		}
		out, err = scanShift(tx.QueryRow(ctx, `
			UPDATE shifts
			SET driver_id = $2, updated_at = now()
			WHERE id = $1::uuid
			RETURNING `+shiftColumns, id, toDriverID))
		if err != nil {
			return err
		}
		return r.emit(ctx, tx, "shift", id, outbox.EventShiftSwapped, shiftEvent{
			Shift:            out,
			PreviousDriverID: s.DriverID,
		})
	})
	return out, err
}

func (r *PostgresRepository) CancelShift(ctx context.Context, id string) (model.Shift, error) {
	var out model.Shift
	err := r.inTx(ctx, "cancel shift", func(tx pgx.Tx) error {
		s, err := shiftForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		switch s.Status {
		case model.ShiftStatusCancelled:
			out = s
			return nil
		case model.ShiftStatusCompleted:
			return ErrInvalidTransition
		}
		out, err = scanShift(tx.QueryRow(ctx, `
			UPDATE shifts
			SET status = 'cancelled', updated_at = now()
			WHERE id = $1::uuid
			RETURNING `+shiftColumns, id))
		if err != nil {
			return err
		}
		return r.emit(ctx, tx, "shift", id, outbox.EventShiftCancelled, shiftEvent{Shift: out})
	})
	return out, err
}

func (r *PostgresRepository) CreateTimeOff(ctx context.Context, t *model.TimeOff) error {
	return r.inTx(ctx, "create time off", func(tx pgx.Tx) error {
		if err := requireDriver(ctx, tx, t.DriverID); err != nil {
			return err
		}
		created, err := scanTimeOff(tx.QueryRow(ctx, `
			INSERT INTO time_off (id, driver_id, start_date, end_date, status, category, reason)
			VALUES ($1, $2, $3::date, $4::date, 'pending', $5, $6)
			RETURNING `+timeOffColumns, uuid.NewString(), t.DriverID, t.StartDate, t.EndDate, t.Category, t.Reason))
		if err != nil {
			return err
		}
		*t = created
		return nil
	})
}

func (r *PostgresRepository) ApproveTimeOff(ctx context.Context, id string, span interval.Window, decidedBy string) (model.TimeOff, error) {
	var out model.TimeOff
	err := r.inTx(ctx, "approve time off", func(tx pgx.Tx) error {
		t, err := timeOffForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !model.CanTransitionTimeOff(t.Status, model.TimeOffStatusApproved) {
			return ErrInvalidTransition
		}
		if err := lock(ctx, tx, lockKeys(t.DriverID, span)); err != nil {
			return err
		}
		busy, err := hasActiveShift(ctx, tx, t.DriverID, span, "")
		if err != nil {
			return err
		}
		if busy {
			return ErrShiftsInTimeOff
		}
		out, err = decide(ctx, tx, id, model.TimeOffStatusApproved, decidedBy)
		if err != nil {
			return err
		}
		return r.emit(ctx, tx, "time_off", id, outbox.EventTimeOffApproved, out)
	})
	return out, err
}

func (r *PostgresRepository) SetTimeOffStatus(ctx context.Context, id, status, decidedBy string) (model.TimeOff, error) {
	var out model.TimeOff
	err := r.inTx(ctx, "set time off status", func(tx pgx.Tx) error {
		t, err := timeOffForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == model.TimeOffStatusApproved || !model.CanTransitionTimeOff(t.Status, status) {
			return ErrInvalidTransition
		}
		out, err = decide(ctx, tx, id, status, decidedBy)
		if err != nil {
			return err
		}
		eventType := outbox.EventTimeOffDenied
		if status == model.TimeOffStatusCancelled {
			eventType = outbox.EventTimeOffCancelled
		}
		return r.emit(ctx, tx, "time_off", id, eventType, out)
	})
	return out, err
}

// shiftEvent is the outbox payload for shift changes.
type shiftEvent struct {
	model.Shift
	PreviousDriverID string     `json:"previous_driver_id,omitempty"`
	PreviousStart    *time.Time `json:"previous_start_time,omitempty"`
	PreviousEnd      *time.Time `json:"previous_end_time,omitempty"`
}

func (r *PostgresRepository) emit(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	})
}

func (r *PostgresRepository) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

// lock takes the advisory locks in the order given; lockKeys sorts them.
func lock(ctx context.Context, tx pgx.Tx, keys []string) error {
	for _, key := range keys {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}
	}
	return nil
}

func guard(ctx context.Context, tx pgx.Tx, driverID string, w interval.Window, excludeID string, dates []string) error {
	busy, err := hasActiveShift(ctx, tx, driverID, w, excludeID)
	if err != nil {
		return err
	}
	if busy {
		return ErrOverlap
	}
	if len(dates) == 0 {
		return nil
	}
	var off bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM time_off
			WHERE driver_id = $1
				AND status = 'approved'
				AND start_date <= $3::date
				AND end_date >= $2::date
		)
	`, driverID, dates[0], dates[len(dates)-1]).Scan(&off)
	if err != nil {
		return err
	}
	if off {
		return ErrTimeOffApproved
	}
	return nil
}

func hasActiveShift(ctx context.Context, tx pgx.Tx, driverID string, w interval.Window, excludeID string) (bool, error) {
	var busy bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM shifts
			WHERE driver_id = $1
				AND status <> 'cancelled'
				AND start_time < $3
				AND end_time > $2
				AND ($4::text = '' OR id::text <> $4::text)
		)
	`, driverID, w.Start, w.End, excludeID).Scan(&busy)
	return busy, err
}

func requireDriver(ctx context.Context, tx pgx.Tx, id string) error {
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM drivers WHERE id = $1)`, id).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func shiftForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Shift, error) {
	return scanShift(tx.QueryRow(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id::text = $1 FOR UPDATE`, id))
}

func timeOffForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.TimeOff, error) {
	return scanTimeOff(tx.QueryRow(ctx, `SELECT `+timeOffColumns+` FROM time_off WHERE id::text = $1 FOR UPDATE`, id))
}

func decide(ctx context.Context, tx pgx.Tx, id, status, decidedBy string) (model.TimeOff, error) {
	return scanTimeOff(tx.QueryRow(ctx, `
		UPDATE time_off
		SET status = $2, decided_by = $3, decided_at = now(), updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+timeOffColumns, id, status, decidedBy))
}

func scanShift(row pgx.Row) (model.Shift, error) {
	var s model.Shift
	if err := row.Scan(&s.ID, &s.DriverID, &s.StartTime, &s.EndTime, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Shift{}, err
	}
	s.StartTime, s.EndTime = s.StartTime.UTC(), s.EndTime.UTC()
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return s, nil
}

func scanTimeOff(row pgx.Row) (model.TimeOff, error) {
	var t model.TimeOff
	var decidedAt *time.Time
	if err := row.Scan(&t.ID, &t.DriverID, &t.StartDate, &t.EndDate, &t.Status, &t.Category, &t.Reason,
		&t.DecidedBy, &decidedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.TimeOff{}, err
	}
	if decidedAt != nil {
		at := decidedAt.UTC()
		t.DecidedAt = &at
	}
	t.CreatedAt, t.UpdatedAt = t.CreatedAt.UTC(), t.UpdatedAt.UTC()
	return t, nil
}

// classify maps driver errors onto the storage sentinels. Domain sentinels
// raised inside a transaction pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	for _, sentinel := range []error{ErrNotFound, ErrOverlap, ErrShiftsInTimeOff, ErrTimeOffApproved, ErrInvalidTransition} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01":
			return ErrOverlap
		case "23503":
			return ErrNotFound
		}
	}
	return unavailable(op, err)
}
