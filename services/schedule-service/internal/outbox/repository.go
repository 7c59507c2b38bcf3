package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/driverduty/libs/db"
	otelx "github.com/md-rashed-zaman/driverduty/libs/otel"
)

// Repository owns outbox_events. Writes join the caller's transaction so an
// event exists exactly when the schedule change it describes does.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores evt inside tx with the caller's trace context, which the
// publisher restores when it ships the event.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	tc := otelx.CaptureTraceContext(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, tc.Traceparent, tc.Tracestate)
	return err
}

// Record is an unpublished row as the publisher sees it.
type Record struct {
	ID            int64     `db:"id"`
	EventID       string    `db:"event_id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Payload       []byte    `db:"payload"`
	Traceparent   string    `db:"traceparent"`
	Tracestate    string    `db:"tracestate"`
	CreatedAt     time.Time `db:"created_at"`
}

// FetchUnpublished claims up to limit rows in commit order. SKIP LOCKED lets
// several replicas publish without shipping a row twice.
func (r *Repository) FetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text AS event_id, aggregate_type, aggregate_id, event_type,
		       payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Record])
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// Pending counts unpublished rows; the publisher logs it after each batch.
func (r *Repository) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

// Prune deletes rows published before cutoff. Unpublished rows are never removed.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
