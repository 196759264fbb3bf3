package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/product"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

// --- Mock implementations ---

type memLedger struct {
	mu        sync.Mutex
	available map[string]int
	reserves  int
	releases  int
}

func newMemLedger(initial map[string]int) *memLedger {
	avail := make(map[string]int, len(initial))
	for k, v := range initial {
		avail[k] = v
	}
	return &memLedger{available: avail}
}

func (l *memLedger) Reserve(_ context.Context, productID string, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.available[productID] < qty {
		return stock.ErrInsufficientStock
	}
	l.available[productID] -= qty
	l.reserves++
	return nil
}

func (l *memLedger) Release(_ context.Context, productID string, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available[productID] += qty
	l.releases++
	return nil
}

func (l *memLedger) ReserveAll(ctx context.Context, lines []stock.Line) error {
	for i, line := range lines {
		if err := l.Reserve(ctx, line.ProductID, line.Quantity); err != nil {
			for _, done := range lines[:i] {
				_ = l.Release(ctx, done.ProductID, done.Quantity)
			}
			return err
		}
	}
	return nil
}

func (l *memLedger) stock(productID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available[productID]
}

type memProducts struct {
	byID map[string]product.Product
}

func (m *memProducts) List(_ context.Context) ([]product.Product, error) {
	return nil, nil
}

func (m *memProducts) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// memLines implements Repository and Sweeper over a map, with an attached
// ledger so ReapExpired restores stock like the real storage does. The
// beforeUpsert and beforeDecrement hooks fire once, before the write takes
// the lock, to interleave a sweep into the read-reserve-write window.
type memLines struct {
	mu     sync.Mutex
	lines  map[string]Line // key: cartID + "|" + productID
	ledger *memLedger

	upsertErr       error
	beforeUpsert    func()
	beforeDecrement func()
}

func newMemLines(ledger *memLedger) *memLines {
	return &memLines{lines: make(map[string]Line), ledger: ledger}
}

func key(cartID, productID string) string { return cartID + "|" + productID }

func (m *memLines) Get(_ context.Context, cartID, productID string) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lines[key(cartID, productID)]
	if !ok {
		return nil, ErrLineNotFound
	}
	return &l, nil
}

func (m *memLines) List(_ context.Context, cartID string) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Line
	for _, l := range m.lines {
		if l.CartID == cartID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLines) Upsert(_ context.Context, l *Line) (*Line, error) {
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	if m.beforeUpsert != nil {
		hook := m.beforeUpsert
		m.beforeUpsert = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(l.CartID, l.ProductID)
	if existing, ok := m.lines[k]; ok {
		existing.Quantity += l.Quantity
		existing.ReservedUntil = l.ReservedUntil
		m.lines[k] = existing
		out := existing
		return &out, nil
	}
	m.lines[k] = *l
	out := *l
	return &out, nil
}

func (m *memLines) Decrement(_ context.Context, cartID, productID string, qty int, reservedUntil time.Time) error {
	if m.beforeDecrement != nil {
		hook := m.beforeDecrement
		m.beforeDecrement = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(cartID, productID)
	l, ok := m.lines[k]
	if !ok || l.Quantity <= qty {
		return ErrLineNotFound
	}
	l.Quantity -= qty
	l.ReservedUntil = reservedUntil
	m.lines[k] = l
	return nil
}

func (m *memLines) Delete(_ context.Context, cartID, productID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(cartID, productID)
	l, ok := m.lines[k]
	if !ok {
		return 0, ErrLineNotFound
	}
	delete(m.lines, k)
	return l.Quantity, nil
}

func (m *memLines) Drain(_ context.Context, cartID string, now time.Time) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Line
	for k, l := range m.lines {
		if l.CartID == cartID && l.ReservedUntil.After(now) {
			out = append(out, l)
			delete(m.lines, k)
		}
	}
	return out, nil
}

func (m *memLines) ReapExpired(ctx context.Context, now time.Time) ([]stock.Line, error) {
	m.mu.Lock()
	var reclaimed []stock.Line
	for k, l := range m.lines {
		if l.ReservedUntil.Before(now) {
			reclaimed = append(reclaimed, stock.Line{ProductID: l.ProductID, Quantity: l.Quantity})
			delete(m.lines, k)
		}
	}
	m.mu.Unlock()

	for _, l := range reclaimed {
		if err := m.ledger.Release(ctx, l.ProductID, l.Quantity); err != nil {
			return nil, err
		}
	}
	return reclaimed, nil
}

func (m *memLines) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// --- Helpers ---

func newTestManager(ledger *memLedger, lines *memLines, products map[string]product.Product) *Manager {
	return NewManager(lines, &memProducts{byID: products}, ledger)
}

func testProducts() map[string]product.Product {
	return map[string]product.Product{
		"p1": {ID: "p1", Name: "Widget", Price: decimal.RequireFromString("10.00")},
		"p2": {ID: "p2", Name: "Gadget", Price: decimal.RequireFromString("20.00")},
	}
}

const ttl = 15 * time.Minute

// --- Tests ---

func TestAddOrIncrease_NewLine(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	before := time.Now()
	line, err := m.AddOrIncrease(context.Background(), "c1", "p1", 3, ttl)
	require.NoError(t, err)

	assert.Equal(t, 3, line.Quantity)
	assert.True(t, decimal.RequireFromString("10.00").Equal(line.UnitPrice))
	assert.False(t, line.ReservedUntil.Before(before.Add(ttl)))
	assert.Equal(t, 7, ledger.stock("p1"))
}

func TestAddOrIncrease_ReservesOnlyDelta(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 3, ttl)
	require.NoError(t, err)

	line, err := m.AddOrIncrease(context.Background(), "c1", "p1", 2, ttl)
	require.NoError(t, err)

	assert.Equal(t, 5, line.Quantity)
	assert.Equal(t, 5, ledger.stock("p1"))
}

func TestAddOrIncrease_RefreshesHold(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }

	first, err := m.AddOrIncrease(context.Background(), "c1", "p1", 1, ttl)
	require.NoError(t, err)

	m.now = func() time.Time { return now.Add(10 * time.Minute) }
	second, err := m.AddOrIncrease(context.Background(), "c1", "p1", 1, ttl)
	require.NoError(t, err)

	assert.Equal(t, first.ReservedUntil.Add(10*time.Minute), second.ReservedUntil)
}

func TestAddOrIncrease_InvalidQuantity(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	m := newTestManager(ledger, newMemLines(ledger), testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 0, ttl)
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestAddOrIncrease_UnknownProduct(t *testing.T) {
	ledger := newMemLedger(nil)
	m := newTestManager(ledger, newMemLines(ledger), testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "missing", 1, ttl)
	require.ErrorIs(t, err, product.ErrNotFound)
}

func TestAddOrIncrease_InsufficientStockLeavesCartUntouched(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 2})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 3, ttl)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	assert.Equal(t, 0, lines.count())
	assert.Equal(t, 2, ledger.stock("p1"))
}

func TestAddOrIncrease_UpsertFailureReleasesReservation(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 5})
	lines := newMemLines(ledger)
	lines.upsertErr = errors.New("db write failed")
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 2, ttl)
	require.Error(t, err)

	assert.Equal(t, 5, ledger.stock("p1"))
	assert.Equal(t, 0, lines.count())
}

func TestAddOrIncrease_RacingReapKeepsCartBackedByLedger(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 2, ttl)
	require.NoError(t, err)
	require.Equal(t, 8, ledger.stock("p1"))

	// The hold lapses and a sweep lands between the next add's ledger
	// reservation and its row write.
	later := now.Add(ttl + time.Minute)
	m.now = func() time.Time { return later }
	r := NewReaper(lines, time.Minute, zap.NewNop())
	r.now = func() time.Time { return later }
	lines.beforeUpsert = func() {
		_, err := r.Sweep(context.Background())
		require.NoError(t, err)
	}

	line, err := m.AddOrIncrease(context.Background(), "c1", "p1", 1, ttl)
	require.NoError(t, err)

	// The sweep released the 2 stale units; only the fresh unit stays held,
	// and the row holds exactly that unit.
	assert.Equal(t, 1, line.Quantity)
	assert.Equal(t, 9, ledger.stock("p1"))

	converted, err := m.ConvertToOrder(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, converted, 1)
	assert.Equal(t, 10-ledger.stock("p1"), converted[0].Quantity)
}

func TestDecrease_ReleasesStock(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 5, ttl)
	require.NoError(t, err)

	require.NoError(t, m.Decrease(context.Background(), "c1", "p1", 2, ttl))

	line, err := lines.Get(context.Background(), "c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, line.Quantity)
	assert.Equal(t, 7, ledger.stock("p1"))
}

func TestDecrease_ToZeroRemovesLine(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 4, ttl)
	require.NoError(t, err)

	require.NoError(t, m.Decrease(context.Background(), "c1", "p1", 4, ttl))

	assert.Equal(t, 0, lines.count())
	assert.Equal(t, 10, ledger.stock("p1"))
}

func TestDecrease_RacingReapDoesNotDoubleRelease(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 5, ttl)
	require.NoError(t, err)
	require.Equal(t, 5, ledger.stock("p1"))

	// A sweep reclaims the expired row between the decrease's read and its
	// guarded write.
	later := now.Add(ttl + time.Minute)
	m.now = func() time.Time { return later }
	r := NewReaper(lines, time.Minute, zap.NewNop())
	r.now = func() time.Time { return later }
	lines.beforeDecrement = func() {
		_, err := r.Sweep(context.Background())
		require.NoError(t, err)
	}

	err = m.Decrease(context.Background(), "c1", "p1", 2, ttl)
	require.ErrorIs(t, err, ErrLineNotFound)

	// The sweep's release stands alone; the decrease must not add another.
	assert.Equal(t, 10, ledger.stock("p1"))
	assert.Equal(t, 0, lines.count())
}

func TestRemove_ReleasesFullHold(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 6, ttl)
	require.NoError(t, err)

	require.NoError(t, m.Remove(context.Background(), "c1", "p1"))

	assert.Equal(t, 0, lines.count())
	assert.Equal(t, 10, ledger.stock("p1"))
}

func TestRemove_NotFound(t *testing.T) {
	ledger := newMemLedger(nil)
	m := newTestManager(ledger, newMemLines(ledger), testProducts())

	err := m.Remove(context.Background(), "c1", "p1")
	require.ErrorIs(t, err, ErrLineNotFound)
}

func TestConvertToOrder_DrainsValidLinesWithoutLedgerCalls(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10, "p2": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 2, ttl)
	require.NoError(t, err)
	_, err = m.AddOrIncrease(context.Background(), "c1", "p2", 1, ttl)
	require.NoError(t, err)

	reservesBefore := ledger.reserves
	releasesBefore := ledger.releases

	converted, err := m.ConvertToOrder(context.Background(), "c1")
	require.NoError(t, err)

	assert.Len(t, converted, 2)
	assert.Equal(t, 0, lines.count())
	// Conversion transfers the holds; the ledger must not move.
	assert.Equal(t, reservesBefore, ledger.reserves)
	assert.Equal(t, releasesBefore, ledger.releases)
	assert.Equal(t, 8, ledger.stock("p1"))
	assert.Equal(t, 9, ledger.stock("p2"))
}

func TestConvertToOrder_SkipsExpiredLines(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10, "p2": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 2, ttl)
	require.NoError(t, err)
	_, err = m.AddOrIncrease(context.Background(), "c1", "p2", 1, ttl)
	require.NoError(t, err)

	// p1's hold lapses; only p2 converts, p1 stays for the reaper.
	m.now = func() time.Time { return now.Add(ttl + time.Minute) }
	_, err = m.AddOrIncrease(context.Background(), "c1", "p2", 1, ttl)
	require.NoError(t, err)

	converted, err := m.ConvertToOrder(context.Background(), "c1")
	require.NoError(t, err)

	require.Len(t, converted, 1)
	assert.Equal(t, "p2", converted[0].ProductID)
	assert.Equal(t, 1, lines.count())
}

func TestConvertToOrder_EmptyCart(t *testing.T) {
	ledger := newMemLedger(nil)
	m := newTestManager(ledger, newMemLines(ledger), testProducts())

	_, err := m.ConvertToOrder(context.Background(), "c1")
	require.ErrorIs(t, err, ErrCartEmpty)
}

func TestAddOrIncrease_ConcurrentLastUnit(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 1})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, cartID := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.AddOrIncrease(context.Background(), id, "p1", 1, ttl)
			results <- err
		}(cartID)
	}
	wg.Wait()
	close(results)

	var successes, rejections int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, stock.ErrInsufficientStock):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, rejections)
	assert.Equal(t, 0, ledger.stock("p1"))
}

func TestNoOversell_ConcurrentReservations(t *testing.T) {
	const initial = 10
	ledger := newMemLedger(map[string]int{"p1": initial})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	const attempts = 50
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cartID := "cart-" + string(rune('a'+n%26)) + string(rune('a'+n/26))
			_, err := m.AddOrIncrease(context.Background(), cartID, "p1", 1, ttl)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, stock.ErrInsufficientStock)
		}
	}

	assert.Equal(t, initial, successes)
	assert.Equal(t, 0, ledger.stock("p1"))
}
