package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianshop/checkout/internal/domain/order"
	"github.com/meridianshop/checkout/internal/domain/product"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

var _ order.Repository = (*OrderRepository)(nil)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// OrderRepository implements order.Repository backed by PostgreSQL. Order
// lines are serialized to JSON for storage in the JSONB column.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	linesJSON, err := json.Marshal(o.Lines)
	if err != nil {
		return errors.Wrap(err, "marshaling order lines")
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO orders (id, order_number, status, inventory_locked,
		                    payment_intent_id, total, lines, version)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		o.ID, o.Number, o.Status, o.InventoryLocked,
		o.PaymentIntentID, o.Total, linesJSON, o.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.Wrapf(order.ErrNumberTaken, "number %q", o.Number)
		}
		return errors.Wrapf(err, "creating order %q", o.ID)
	}
	return nil
}

// GetByID returns the order with the given identifier.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

// GetByPaymentIntent resolves an order from a payment intent identifier.
func (r *OrderRepository) GetByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error) {
	return r.get(ctx, `WHERE payment_intent_id = $1`, intentID)
}

func (r *OrderRepository) get(ctx context.Context, where string, arg any) (*order.Order, error) {
	var (
		o         order.Order
		intentID  *string
		linesJSON []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, order_number, status, inventory_locked, payment_intent_id,
		       total, lines, version, created_at, updated_at
		FROM orders `+where, arg,
	).Scan(&o.ID, &o.Number, &o.Status, &o.InventoryLocked, &intentID,
		&o.Total, &linesJSON, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "getting order")
	}

	if intentID != nil {
		o.PaymentIntentID = *intentID
	}
	if err := json.Unmarshal(linesJSON, &o.Lines); err != nil {
		return nil, errors.Wrap(err, "unmarshaling order lines")
	}
	return &o, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// update runs the version-guarded write without touching o.Version; callers
// increment it only once the surrounding work is committed.
func (r *OrderRepository) update(ctx context.Context, q execer, o *order.Order) error {
	tag, err := q.Exec(ctx, `
		UPDATE orders
		SET status = $3,
		    inventory_locked = $4,
		    payment_intent_id = NULLIF($5, ''),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2`,
		o.ID, o.Version, o.Status, o.InventoryLocked, o.PaymentIntentID)
	if err != nil {
		return errors.Wrapf(err, "updating order %q", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(order.ErrVersionConflict, "order %s version %d", o.ID, o.Version)
	}
	return nil
}

// Update writes the mutable order fields guarded by the optimistic version
// check. Status and InventoryLocked change in the same statement, so no
// reader can observe one without the other.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	if err := r.update(ctx, r.pool, o); err != nil {
		return err
	}
	o.Version++
	return nil
}

// UpdateReleasing commits the version-guarded order update together with the
// stock restoration. Either both land or neither does; a crash between the
// two can no longer strand decremented stock behind a FAILED or CANCELLED
// order.
func (r *OrderRepository) UpdateReleasing(ctx context.Context, o *order.Order, release []stock.Line) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin release tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := r.update(ctx, tx, o); err != nil {
		return err
	}
	for _, l := range release {
		if _, err := tx.Exec(ctx, `
			UPDATE products
			SET quantity = quantity + $2, updated_at = now()
			WHERE id = $1`,
			l.ProductID, l.Quantity); err != nil {
			return errors.Wrapf(err, "restoring %d x %s", l.Quantity, l.ProductID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit release tx")
	}
	o.Version++
	return nil
}

// UpdateReserving reserves the quantities and commits the version-guarded
// order update in the same transaction. A shortage on any line rolls the
// whole transaction back, leaving both the order and earlier lines exactly
// as they were.
func (r *OrderRepository) UpdateReserving(ctx context.Context, o *order.Order, reserve []stock.Line) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin reserve tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, l := range reserve {
		var available int
		err := tx.QueryRow(ctx,
			`SELECT quantity FROM products WHERE id = $1 FOR UPDATE`, l.ProductID,
		).Scan(&available)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return product.ErrNotFound
			}
			return errors.Wrapf(err, "locking product %q", l.ProductID)
		}
		if available < l.Quantity {
			return errors.Wrapf(stock.ErrInsufficientStock,
				"product %s: need %d, have %d", l.ProductID, l.Quantity, available)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE products
			SET quantity = quantity - $2, updated_at = now()
			WHERE id = $1`,
			l.ProductID, l.Quantity); err != nil {
			return errors.Wrapf(err, "reserving %d x %s", l.Quantity, l.ProductID)
		}
	}

	if err := r.update(ctx, tx, o); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit reserve tx")
	}
	o.Version++
	return nil
}
