// Package order implements the order aggregate and its guarded state
// machine, including the inventory lock taken at checkout.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/meridianshop/checkout/internal/domain/stock"
)

// Sentinel errors for order persistence and transitions.
var (
	ErrNotFound        = errors.New("order not found")
	ErrNumberTaken     = errors.New("order number already taken")
	ErrVersionConflict = errors.New("order was modified concurrently")
)

// Line is an immutable snapshot of a product, quantity, and unit price taken
// from the cart at checkout time. Catalog price changes never retroactively
// affect a placed order.
type Line struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order is the aggregate driven by the state machine. InventoryLocked marks
// that the ledger was already decremented for its lines (at checkout) and
// the payment-success path must not decrement again. Version implements
// optimistic concurrency: Status and InventoryLocked always change together
// under a version check.
type Order struct {
	ID              string
	Number          string
	Status          Status
	InventoryLocked bool
	PaymentIntentID string
	Total           decimal.Decimal
	Lines           []Line
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StockLines converts the order's lines into ledger lines.
func (o *Order) StockLines() []stock.Line {
	lines := make([]stock.Line, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = stock.Line{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return lines
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists a new order. Returns ErrNumberTaken when the order
	// number collides with an existing one.
	Create(ctx context.Context, o *Order) error

	GetByID(ctx context.Context, id string) (*Order, error)

	// GetByPaymentIntent resolves an order from the payment provider's
	// intent identifier. Returns ErrNotFound when no order carries it.
	GetByPaymentIntent(ctx context.Context, intentID string) (*Order, error)

	// Update writes Status, InventoryLocked, and PaymentIntentID guarded by
	// o.Version. On success the stored and in-memory versions are
	// incremented; when another writer got there first it returns
	// ErrVersionConflict and writes nothing.
	Update(ctx context.Context, o *Order) error

	// UpdateReleasing applies Update and returns the given quantities to
	// the stock ledger in one transaction, so a crash can never persist the
	// status change without the release or the release without the status.
	UpdateReleasing(ctx context.Context, o *Order, release []stock.Line) error

	// UpdateReserving reserves the given quantities and applies Update in
	// one transaction. A shortage returns stock.ErrInsufficientStock, a
	// concurrent writer returns ErrVersionConflict; either way both the
	// order and the stock stay untouched.
	UpdateReserving(ctx context.Context, o *Order, reserve []stock.Line) error
}
