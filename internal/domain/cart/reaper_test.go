package cart

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/stock"
)

type recordingSweeper struct {
	mu        sync.Mutex
	calls     int
	reclaimed []stock.Line
	err       error
}

func (s *recordingSweeper) ReapExpired(_ context.Context, _ time.Time) ([]stock.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.reclaimed, nil
}

func (s *recordingSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSweep_RestoresExpiredHolds(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10, "p2": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 3, ttl)
	require.NoError(t, err)
	_, err = m.AddOrIncrease(context.Background(), "c2", "p2", 2, ttl)
	require.NoError(t, err)

	require.Equal(t, 7, ledger.stock("p1"))
	require.Equal(t, 8, ledger.stock("p2"))

	r := NewReaper(lines, time.Minute, zap.NewNop())
	r.now = func() time.Time { return now.Add(ttl + time.Second) }

	reclaimed, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Len(t, reclaimed, 2)
	assert.Equal(t, 10, ledger.stock("p1"))
	assert.Equal(t, 10, ledger.stock("p2"))
	assert.Equal(t, 0, lines.count())
}

func TestSweep_LeavesValidHoldsAlone(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10, "p2": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 3, ttl)
	require.NoError(t, err)

	// The second hold is placed later and is still live at sweep time.
	m.now = func() time.Time { return now.Add(10 * time.Minute) }
	_, err = m.AddOrIncrease(context.Background(), "c2", "p2", 2, ttl)
	require.NoError(t, err)

	r := NewReaper(lines, time.Minute, zap.NewNop())
	r.now = func() time.Time { return now.Add(ttl + time.Second) }

	reclaimed, err := r.Sweep(context.Background())
	require.NoError(t, err)

	require.Len(t, reclaimed, 1)
	assert.Equal(t, "p1", reclaimed[0].ProductID)
	assert.Equal(t, 10, ledger.stock("p1"))
	assert.Equal(t, 8, ledger.stock("p2"))
	assert.Equal(t, 1, lines.count())
}

func TestSweep_Idempotent(t *testing.T) {
	ledger := newMemLedger(map[string]int{"p1": 10})
	lines := newMemLines(ledger)
	m := newTestManager(ledger, lines, testProducts())

	now := time.Now()
	m.now = func() time.Time { return now }
	_, err := m.AddOrIncrease(context.Background(), "c1", "p1", 4, ttl)
	require.NoError(t, err)

	r := NewReaper(lines, time.Minute, zap.NewNop())
	r.now = func() time.Time { return now.Add(ttl + time.Second) }

	first, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := r.Sweep(context.Background())
	require.NoError(t, err)

	assert.Empty(t, second)
	assert.Equal(t, 10, ledger.stock("p1"))
}

func TestRun_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	sweeper := &recordingSweeper{}
	r := NewReaper(sweeper, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sweeper.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestRun_SurvivesSweepErrors(t *testing.T) {
	sweeper := &recordingSweeper{err: errors.New("storage down")}
	r := NewReaper(sweeper, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sweeper.callCount() >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
