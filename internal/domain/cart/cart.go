// Package cart implements time-boxed stock reservations attached to customer
// carts. A cart line holds stock against the ledger until it is converted
// into an order at checkout, released by the customer, or reclaimed by the
// reaper after its TTL expires.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/meridianshop/checkout/internal/domain/stock"
)

// Sentinel errors for cart operations.
var (
	ErrLineNotFound    = errors.New("cart line not found")
	ErrCartEmpty       = errors.New("cart has no valid lines")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

// Line is a single product hold inside a cart. UnitPrice snapshots the
// catalog price at the time the item was added, so later price changes do
// not affect lines already in a cart.
type Line struct {
	CartID        string
	ProductID     string
	Quantity      int
	UnitPrice     decimal.Decimal
	ReservedUntil time.Time
}

// Expired reports whether the line's hold has lapsed. An expired line is
// logically invalid even before the reaper deletes it.
func (l Line) Expired(now time.Time) bool {
	return l.ReservedUntil.Before(now)
}

// Repository defines persistence operations for cart lines. All mutations
// are relative or guarded: the manager races the reaper on expired rows, and
// an absolute write after a stale read could claim stock the ledger no
// longer backs.
type Repository interface {
	Get(ctx context.Context, cartID, productID string) (*Line, error)
	List(ctx context.Context, cartID string) ([]Line, error)

	// Upsert adds line.Quantity units to the cart's row for the product,
	// inserting the row when absent, and refreshes the hold to
	// line.ReservedUntil. The increment is relative, so when a reaper sweep
	// deletes an expired row between the caller's read and this write the
	// re-inserted row starts at exactly the newly reserved quantity. An
	// existing row keeps its original unit price. Returns the resulting
	// line.
	Upsert(ctx context.Context, line *Line) (*Line, error)

	// Decrement subtracts qty units from the line and refreshes its hold to
	// reservedUntil, but only while the row still exists with more than qty
	// units. Returns ErrLineNotFound otherwise, including when a reaper
	// sweep removed the row after the caller read it.
	Decrement(ctx context.Context, cartID, productID string, qty int, reservedUntil time.Time) error

	// Delete removes the line and returns the quantity it held at delete
	// time.
	Delete(ctx context.Context, cartID, productID string) (int, error)

	// Drain atomically deletes and returns all non-expired lines of the
	// cart. Expired lines are left in place for the reaper. Once a line is
	// drained the reaper can no longer touch it, so the stock it held stays
	// committed to the caller.
	Drain(ctx context.Context, cartID string, now time.Time) ([]Line, error)
}

// Sweeper reclaims expired holds. ReapExpired must atomically delete every
// line whose hold is still expired at delete time and return the exact
// quantities to the ledger, so that a crash mid-sweep can never release
// stock twice.
type Sweeper interface {
	ReapExpired(ctx context.Context, now time.Time) ([]stock.Line, error)
}
