// Package payment consumes asynchronous payment-provider webhook events and
// drives the order state machine exactly once per logical outcome, tolerating
// duplicate and out-of-order deliveries.
package payment

import (
	"context"

	"github.com/go-faster/errors"
)

// Outcome is the terminal result a provider reports for a payment attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Sentinel errors for webhook processing.
var (
	// ErrDuplicateEvent marks an event whose identifier was already
	// processed. It is an intentional absorption point, not a failure.
	ErrDuplicateEvent = errors.New("webhook event already processed")

	ErrUnknownOutcome = errors.New("unknown payment outcome")
)

// Event is a payment-provider webhook delivery. The order is always resolved
// from PaymentIntentID, never from a client-supplied order identifier.
type Event struct {
	ID              string
	PaymentIntentID string
	Outcome         Outcome
}

// Deduper tracks processed event identifiers. IsProcessed is consulted
// before processing; MarkProcessed is recorded only after the transition
// succeeded, so a failed delivery stays available for provider retry.
type Deduper interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// ChainDeduper layers a fast cache (typically Redis) over the durable store
// (Postgres). Reads short-circuit on the first tier that knows the event;
// writes go to every tier, durable tier first.
type ChainDeduper struct {
	tiers []Deduper
}

// NewChainDeduper composes dedup tiers ordered fastest first for reads. The
// last tier is treated as the durable source of truth and written first.
func NewChainDeduper(tiers ...Deduper) *ChainDeduper {
	return &ChainDeduper{tiers: tiers}
}

// IsProcessed returns true as soon as any tier knows the event. A tier error
// is returned only when no remaining tier can answer.
func (c *ChainDeduper) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var (
		lastErr  error
		answered bool
	)
	for _, t := range c.tiers {
		seen, err := t.IsProcessed(ctx, eventID)
		if err != nil {
			lastErr = err
			continue
		}
		if seen {
			return true, nil
		}
		answered = true
	}
	if !answered && lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// MarkProcessed records the event in every tier, durable (last) tier first.
// Cache tier failures are ignored; the durable tier's error is returned.
func (c *ChainDeduper) MarkProcessed(ctx context.Context, eventID string) error {
	if len(c.tiers) == 0 {
		return nil
	}
	if err := c.tiers[len(c.tiers)-1].MarkProcessed(ctx, eventID); err != nil {
		return err
	}
	for _, t := range c.tiers[:len(c.tiers)-1] {
		_ = t.MarkProcessed(ctx, eventID)
	}
	return nil
}
