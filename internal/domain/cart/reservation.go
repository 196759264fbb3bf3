package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/meridianshop/checkout/internal/domain/product"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

// Manager coordinates cart mutations with the stock ledger. Every mutation
// is all-or-nothing: when the ledger rejects a reservation, the cart line is
// left exactly as it was.
type Manager struct {
	lines    Repository
	products product.Repository
	ledger   stock.Ledger
	now      func() time.Time
}

// NewManager creates a Manager with the required dependencies.
func NewManager(lines Repository, products product.Repository, ledger stock.Ledger) *Manager {
	return &Manager{
		lines:    lines,
		products: products,
		ledger:   ledger,
		now:      time.Now,
	}
}

// AddOrIncrease adds qty units of a product to the cart, reserving them
// against the ledger. Only the delta is reserved; the row's existing
// quantity is already held. Every successful call refreshes the line's hold
// to now+ttl.
//
// Both the ledger reservation and the row write move by exactly qty, so a
// reaper sweep landing between them cannot desynchronize cart and ledger:
// the sweep releases precisely what the reclaimed row held, and the relative
// upsert re-creates the row holding only the fresh units.
func (m *Manager) AddOrIncrease(ctx context.Context, cartID, productID string, qty int, ttl time.Duration) (*Line, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, err := m.products.GetByID(ctx, productID)
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}

	if err := m.ledger.Reserve(ctx, productID, qty); err != nil {
		return nil, err
	}

	line, err := m.lines.Upsert(ctx, &Line{
		CartID:        cartID,
		ProductID:     productID,
		Quantity:      qty,
		UnitPrice:     p.Price,
		ReservedUntil: m.now().Add(ttl),
	})
	if err != nil {
		// Undo the reservation so the ledger matches the unchanged cart.
		if relErr := m.ledger.Release(ctx, productID, qty); relErr != nil {
			return nil, errors.Wrapf(err, "upsert cart line (release failed: %v)", relErr)
		}
		return nil, errors.Wrap(err, "upsert cart line")
	}

	return line, nil
}

// Decrease shrinks a line by qty units, returning them to the ledger.
// Decreasing to zero or below is equivalent to Remove.
func (m *Manager) Decrease(ctx context.Context, cartID, productID string, qty int, ttl time.Duration) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	line, err := m.lines.Get(ctx, cartID, productID)
	if err != nil {
		return errors.Wrap(err, "get cart line")
	}

	if qty >= line.Quantity {
		return m.Remove(ctx, cartID, productID)
	}

	// The guarded decrement refuses when the row changed or vanished after
	// the read above, so a reaper sweep reclaiming the row in that window
	// cannot lead to a second release of the same units.
	if err := m.lines.Decrement(ctx, cartID, productID, qty, m.now().Add(ttl)); err != nil {
		return errors.Wrap(err, "decrement cart line")
	}

	if err := m.ledger.Release(ctx, productID, qty); err != nil {
		return errors.Wrap(err, "release stock")
	}
	return nil
}

// Remove deletes a line and returns its full held quantity to the ledger.
// The delete reports the quantity it removed, so the release always matches
// the row's content at delete time, not an earlier read.
func (m *Manager) Remove(ctx context.Context, cartID, productID string) error {
	removed, err := m.lines.Delete(ctx, cartID, productID)
	if err != nil {
		return errors.Wrap(err, "delete cart line")
	}

	if err := m.ledger.Release(ctx, productID, removed); err != nil {
		return errors.Wrap(err, "release stock")
	}
	return nil
}

// List returns the cart's current lines, expired ones included; callers can
// distinguish them via Line.Expired.
func (m *Manager) List(ctx context.Context, cartID string) ([]Line, error) {
	lines, err := m.lines.List(ctx, cartID)
	if err != nil {
		return nil, errors.Wrap(err, "list cart lines")
	}
	return lines, nil
}

// ConvertToOrder atomically drains the cart's valid lines for checkout. It
// deliberately does not touch the ledger: the holds already represent
// committed stock, which the resulting order takes over as its inventory
// lock.
func (m *Manager) ConvertToOrder(ctx context.Context, cartID string) ([]Line, error) {
	lines, err := m.lines.Drain(ctx, cartID, m.now())
	if err != nil {
		return nil, errors.Wrap(err, "drain cart")
	}
	if len(lines) == 0 {
		return nil, ErrCartEmpty
	}
	return lines, nil
}
