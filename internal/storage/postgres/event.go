package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianshop/checkout/internal/domain/payment"
)

var _ payment.Deduper = (*EventRepository)(nil)

// EventRepository is the durable webhook dedup tier. Processed identifiers
// survive restarts, so a crashed processor cannot re-apply an event it
// already completed.
type EventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository returns an EventRepository that uses the given pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// IsProcessed reports whether the event identifier was recorded before.
func (r *EventRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "checking event %q", eventID)
	}
	return exists, nil
}

// MarkProcessed records the identifier. Recording the same identifier twice
// is a no-op.
func (r *EventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING`, eventID)
	if err != nil {
		return errors.Wrapf(err, "recording event %q", eventID)
	}
	return nil
}
