package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianshop/checkout/internal/domain/product"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

var _ stock.Ledger = (*StockRepository)(nil)

// StockRepository implements stock.Ledger on the products table. Per-product
// linearizability comes from the database: a single conditional UPDATE takes
// the row lock, checks availability, and decrements in one step, so two
// concurrent reservations for the last unit cannot both succeed.
type StockRepository struct {
	pool *pgxpool.Pool
}

// NewStockRepository returns a StockRepository that uses the given pool.
func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{pool: pool}
}

// Reserve atomically decrements available stock, rejecting the call when
// fewer than qty units remain.
func (r *StockRepository) Reserve(ctx context.Context, productID string, qty int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET quantity = quantity - $2, updated_at = now()
		WHERE id = $1 AND quantity >= $2`,
		productID, qty)
	if err != nil {
		return errors.Wrapf(err, "reserving %d x %s", qty, productID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: either the product is unknown or stock ran short.
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID,
	).Scan(&exists); err != nil {
		return errors.Wrapf(err, "checking product %q", productID)
	}
	if !exists {
		return product.ErrNotFound
	}
	return errors.Wrapf(stock.ErrInsufficientStock, "product %s", productID)
}

// Release atomically returns qty units to the product's stock. The INTEGER
// column makes Postgres reject an increment past its range, which is the
// only upper bound the ledger enforces.
func (r *StockRepository) Release(ctx context.Context, productID string, qty int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE products
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1`,
		productID, qty)
	if err != nil {
		return errors.Wrapf(err, "releasing %d x %s", qty, productID)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// ReserveAll reserves every line inside one transaction. Row locks are taken
// per product; a shortage on any line rolls the whole transaction back, so
// earlier lines are never left decremented.
func (r *StockRepository) ReserveAll(ctx context.Context, lines []stock.Line) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin reserve tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, l := range lines {
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

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit reserve tx")
	}
	return nil
}
