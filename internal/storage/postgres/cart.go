package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianshop/checkout/internal/domain/cart"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

var (
	_ cart.Repository = (*CartRepository)(nil)
	_ cart.Sweeper    = (*CartRepository)(nil)
)

// CartRepository implements cart.Repository and cart.Sweeper backed by
// PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// Get returns the line for a product in a cart.
func (r *CartRepository) Get(ctx context.Context, cartID, productID string) (*cart.Line, error) {
	var l cart.Line
	err := r.pool.QueryRow(ctx, `
		SELECT cart_id, product_id, quantity, unit_price, reserved_until
		FROM cart_lines
		WHERE cart_id = $1 AND product_id = $2`,
		cartID, productID,
	).Scan(&l.CartID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.ReservedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrLineNotFound
		}
		return nil, errors.Wrapf(err, "getting cart line %s/%s", cartID, productID)
	}
	return &l, nil
}

// List returns all lines of a cart ordered by product.
func (r *CartRepository) List(ctx context.Context, cartID string) ([]cart.Line, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cart_id, product_id, quantity, unit_price, reserved_until
		FROM cart_lines
		WHERE cart_id = $1
		ORDER BY product_id`, cartID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing cart %s", cartID)
	}
	defer rows.Close()

	var lines []cart.Line
	for rows.Next() {
		var l cart.Line
		if err := rows.Scan(&l.CartID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.ReservedUntil); err != nil {
			return nil, errors.Wrap(err, "scanning cart line")
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// Upsert adds the line's quantity to the existing row or inserts it, and
// refreshes the hold expiry. The increment is relative: it commutes with a
// concurrent reaper delete, so the surviving row never claims units the
// ledger did not just commit. An existing row keeps its original unit price.
func (r *CartRepository) Upsert(ctx context.Context, l *cart.Line) (*cart.Line, error) {
	var out cart.Line
	err := r.pool.QueryRow(ctx, `
		INSERT INTO cart_lines (cart_id, product_id, quantity, unit_price, reserved_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cart_id, product_id) DO UPDATE
		SET quantity = cart_lines.quantity + EXCLUDED.quantity,
		    reserved_until = EXCLUDED.reserved_until
		RETURNING cart_id, product_id, quantity, unit_price, reserved_until`,
		l.CartID, l.ProductID, l.Quantity, l.UnitPrice, l.ReservedUntil,
	).Scan(&out.CartID, &out.ProductID, &out.Quantity, &out.UnitPrice, &out.ReservedUntil)
	if err != nil {
		return nil, errors.Wrapf(err, "upserting cart line %s/%s", l.CartID, l.ProductID)
	}
	return &out, nil
}

// Decrement shrinks the line and refreshes its hold, guarded so the update
// only lands while the row still holds more than qty units.
func (r *CartRepository) Decrement(ctx context.Context, cartID, productID string, qty int, reservedUntil time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE cart_lines
		SET quantity = quantity - $3, reserved_until = $4
		WHERE cart_id = $1 AND product_id = $2 AND quantity > $3`,
		cartID, productID, qty, reservedUntil)
	if err != nil {
		return errors.Wrapf(err, "decrementing cart line %s/%s", cartID, productID)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrLineNotFound
	}
	return nil
}

// Delete removes a line from the cart, returning the quantity it held.
func (r *CartRepository) Delete(ctx context.Context, cartID, productID string) (int, error) {
	var qty int
	err := r.pool.QueryRow(ctx, `
		DELETE FROM cart_lines
		WHERE cart_id = $1 AND product_id = $2
		RETURNING quantity`,
		cartID, productID,
	).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, cart.ErrLineNotFound
		}
		return 0, errors.Wrapf(err, "deleting cart line %s/%s", cartID, productID)
	}
	return qty, nil
}

// Drain atomically removes and returns the cart's non-expired lines. The
// deleting statement is the claim: once a row is gone the reaper cannot
// release its stock, so the quantities transfer cleanly to the order.
func (r *CartRepository) Drain(ctx context.Context, cartID string, now time.Time) ([]cart.Line, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM cart_lines
		WHERE cart_id = $1 AND reserved_until > $2
		RETURNING cart_id, product_id, quantity, unit_price, reserved_until`,
		cartID, now)
	if err != nil {
		return nil, errors.Wrapf(err, "draining cart %s", cartID)
	}
	defer rows.Close()

	var lines []cart.Line
	for rows.Next() {
		var l cart.Line
		if err := rows.Scan(&l.CartID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.ReservedUntil); err != nil {
			return nil, errors.Wrap(err, "scanning drained line")
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ReapExpired deletes every expired hold and returns its stock, both inside
// one transaction: a crash mid-sweep rolls back entirely, so restart can
// never double-release. Rows refreshed past their expiry between sweep start
// and the DELETE are skipped because the predicate is re-evaluated under the
// row lock.
func (r *CartRepository) ReapExpired(ctx context.Context, now time.Time) ([]stock.Line, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin reap tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
		DELETE FROM cart_lines
		WHERE reserved_until < $1
		RETURNING product_id, quantity`, now)
	if err != nil {
		return nil, errors.Wrap(err, "deleting expired lines")
	}

	// Aggregate per product so each stock row is touched once.
	perProduct := make(map[string]int)
	var reclaimed []stock.Line
	for rows.Next() {
		var l stock.Line
		if err := rows.Scan(&l.ProductID, &l.Quantity); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scanning reaped line")
		}
		reclaimed = append(reclaimed, l)
		perProduct[l.ProductID] += l.Quantity
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for productID, qty := range perProduct {
		if _, err := tx.Exec(ctx, `
			UPDATE products
			SET quantity = quantity + $2, updated_at = now()
			WHERE id = $1`,
			productID, qty); err != nil {
			return nil, errors.Wrapf(err, "restoring %d x %s", qty, productID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit reap tx")
	}
	return reclaimed, nil
}
