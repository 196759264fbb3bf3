// Package stock defines the ledger that owns sellable product quantities.
//
// The ledger is the single writer of a product's available quantity. Reserve
// and Release are atomic per product; two concurrent reservations for the
// last unit must never both succeed.
package stock

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrInsufficientStock is returned when a reservation cannot be satisfied.
// It is an expected business outcome, not an infrastructure fault, and is
// never retried automatically.
var ErrInsufficientStock = errors.New("insufficient stock")

// Line pairs a product with a quantity for multi-line ledger operations.
type Line struct {
	ProductID string
	Quantity  int
}

// Ledger provides atomic stock mutations.
type Ledger interface {
	// Reserve atomically checks that at least qty units are available and
	// decrements. Returns ErrInsufficientStock when the check fails.
	Reserve(ctx context.Context, productID string, qty int) error

	// Release atomically returns qty units to the product's available stock.
	Release(ctx context.Context, productID string, qty int) error

	// ReserveAll reserves every line or none: a shortage on any line rolls
	// back lines reserved earlier in the same call before the error is
	// returned.
	ReserveAll(ctx context.Context, lines []Line) error
}

// ReleaseAll returns every line's quantity to the ledger. Used by the order
// flow when a locked order fails or is cancelled before shipping.
func ReleaseAll(ctx context.Context, ledger Ledger, lines []Line) error {
	for _, l := range lines {
		if err := ledger.Release(ctx, l.ProductID, l.Quantity); err != nil {
			return errors.Wrapf(err, "release %d x %s", l.Quantity, l.ProductID)
		}
	}
	return nil
}
