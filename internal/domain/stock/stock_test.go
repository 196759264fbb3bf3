package stock

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	released []Line
	failOn   string
}

func (l *stubLedger) Reserve(context.Context, string, int) error { return nil }

func (l *stubLedger) Release(_ context.Context, productID string, qty int) error {
	if productID == l.failOn {
		return errors.New("ledger unavailable")
	}
	l.released = append(l.released, Line{ProductID: productID, Quantity: qty})
	return nil
}

func (l *stubLedger) ReserveAll(context.Context, []Line) error { return nil }

func TestReleaseAll(t *testing.T) {
	ledger := &stubLedger{}
	lines := []Line{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 5},
	}

	require.NoError(t, ReleaseAll(context.Background(), ledger, lines))
	assert.Equal(t, lines, ledger.released)
}

func TestReleaseAll_StopsOnFirstError(t *testing.T) {
	ledger := &stubLedger{failOn: "p2"}
	lines := []Line{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 5},
		{ProductID: "p3", Quantity: 1},
	}

	err := ReleaseAll(context.Background(), ledger, lines)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p2")
	assert.Equal(t, []Line{{ProductID: "p1", Quantity: 2}}, ledger.released)
}
