package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LocalIntentSource issues payment intent identifiers at checkout. The core
// is provider-agnostic: the identifier is minted here, handed to the
// provider by the out-of-scope payment integration, and echoed back in
// webhook events, which is all the processor needs to match them.
type LocalIntentSource struct{}

// CreateIntent returns a fresh intent identifier for the order.
func (LocalIntentSource) CreateIntent(_ context.Context, _ string, _ decimal.Decimal) (string, error) {
	return "pi_" + uuid.NewString(), nil
}
