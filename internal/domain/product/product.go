package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product represents a catalog item available for purchase. Quantity is the
// sellable stock and is mutated only through the stock ledger; every other
// component treats it as read-only.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
}
