// Package events ships outbox rows written by the scheduling service to a
// message broker.
package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/therapy-clinic-scheduling/internal/scheduling"
)

// Outbox hands out batches of unpublished events. Process marks the batch
// published only when fn succeeds; otherwise the rows stay pending.
type Outbox interface {
	Process(ctx context.Context, limit int, fn func(ctx context.Context, batch []scheduling.EventLog) error) (int, error)
}

type PgOutbox struct {
	pool *pgxpool.Pool
}

func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

// Process locks up to limit pending rows with SKIP LOCKED, so several relay
// instances can run side by side without publishing a row twice.
func (o *PgOutbox) Process(ctx context.Context, limit int, fn func(ctx context.Context, batch []scheduling.EventLog) error) (int, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, appointment_id, therapist_id, payload, created_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, fmt.Errorf("select pending events: %w", err)
	}

	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scheduling.EventLog, error) {
		var ev scheduling.EventLog
		err := row.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &ev.TherapistID, &ev.Payload, &ev.CreatedAt)
		return ev, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan pending events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := fn(ctx, batch); err != nil {
		return 0, err
	}

	ids := make([]int64, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	if _, err := tx.Exec(ctx, `UPDATE event_logs SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
		return 0, fmt.Errorf("mark events published: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return len(batch), nil
}
