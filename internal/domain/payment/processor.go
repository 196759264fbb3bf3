package payment

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/order"
)

// Orders is the slice of the order service the processor drives.
type Orders interface {
	GetByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error)
	MarkPaid(ctx context.Context, orderID, intentID string) (*order.Order, error)
	MarkFailed(ctx context.Context, orderID, intentID string) (*order.Order, error)
}

// bloomCapacity sizes the in-process seen-event filter; at the expected
// webhook volume this keeps the false-positive rate around 0.1%.
const (
	bloomCapacity = 1_000_000
	bloomFPR      = 0.001
)

// Processor applies webhook events to orders at most once per event
// identifier. Dedup is layered: an in-process bloom filter answers
// "definitely new to this process" or "possibly seen", and only possible
// repeats pay for a Deduper lookup. A positive is always confirmed against
// the Deduper before an event is absorbed, so a bloom false positive can
// never drop a real event; a duplicate the filter never saw (restart,
// another instance) is caught through the state machine and a late Deduper
// check.
type Processor struct {
	orders Orders
	dedup  Deduper
	lg     *zap.Logger

	mu   sync.Mutex
	seen *bloom.BloomFilter
}

// NewProcessor creates a Processor.
func NewProcessor(orders Orders, dedup Deduper, lg *zap.Logger) *Processor {
	return &Processor{
		orders: orders,
		dedup:  dedup,
		lg:     lg,
		seen:   bloom.NewWithEstimates(bloomCapacity, bloomFPR),
	}
}

// Process applies one webhook event. Returned errors:
//
//   - ErrDuplicateEvent: identifier already processed; the caller should
//     acknowledge success so the provider stops retrying.
//   - order.ErrNotFound: the intent matches no order yet (delivery raced
//     checkout); the event stays unconsumed for provider retry.
//   - *order.IllegalTransitionError: the outcome is no longer applicable and
//     the order has not reached the event's target state.
//
// An event is marked processed only after its transition succeeded, so any
// failure leaves it claimable by a retry. Two concurrent deliveries of the
// same event can both pass the dedup read; the per-order version check then
// lets exactly one drive the transition and the other resolves as
// already-handled.
func (p *Processor) Process(ctx context.Context, ev Event) error {
	if ev.Outcome != OutcomeSucceeded && ev.Outcome != OutcomeFailed {
		return errors.Wrapf(ErrUnknownOutcome, "outcome %q", ev.Outcome)
	}

	// Fresh events, the common case, skip the dedup round trip entirely;
	// the filter only ever produces false positives, never false negatives
	// for identifiers this process marked.
	p.mu.Lock()
	probableRepeat := p.seen.TestString(ev.ID)
	p.mu.Unlock()

	if probableRepeat {
		seen, err := p.dedup.IsProcessed(ctx, ev.ID)
		if err != nil {
			return errors.Wrap(err, "dedup lookup")
		}
		if seen {
			p.lg.Info("duplicate webhook event absorbed",
				zap.String("event_id", ev.ID),
			)
			return ErrDuplicateEvent
		}
	}

	o, err := p.orders.GetByPaymentIntent(ctx, ev.PaymentIntentID)
	if err != nil {
		return errors.Wrapf(err, "resolve intent %q", ev.PaymentIntentID)
	}

	target := order.StatusPaid
	if ev.Outcome == OutcomeFailed {
		target = order.StatusFailed
	}

	switch ev.Outcome {
	case OutcomeSucceeded:
		_, err = p.orders.MarkPaid(ctx, o.ID, ev.PaymentIntentID)
	case OutcomeFailed:
		_, err = p.orders.MarkFailed(ctx, o.ID, ev.PaymentIntentID)
	}

	if err != nil {
		var itErr *order.IllegalTransitionError
		if errors.As(err, &itErr) && itErr.From == target {
			// The order already reached this event's outcome through another
			// delivery or an operator action: already handled, consume it.
			p.lg.Info("webhook event target state already reached",
				zap.String("event_id", ev.ID),
				zap.String("order_id", o.ID),
				zap.String("status", string(target)),
			)
			p.markProcessed(ctx, ev.ID)
			return nil
		}
		if errors.As(err, &itErr) {
			// A conflict on a fresh-looking event can still be a duplicate
			// the filter never saw, e.g. one first processed before a
			// restart while the order has since moved on. Confirm against
			// the durable store before reporting it as a conflict.
			if !probableRepeat {
				seen, dedupErr := p.dedup.IsProcessed(ctx, ev.ID)
				if dedupErr == nil && seen {
					p.lg.Info("duplicate webhook event absorbed",
						zap.String("event_id", ev.ID),
					)
					return ErrDuplicateEvent
				}
			}
			// Out-of-order delivery, e.g. "failed" after the order was paid.
			// Refuse the transition, keep the conflict visible.
			p.lg.Warn("webhook event conflicts with order state",
				zap.String("event_id", ev.ID),
				zap.String("order_id", o.ID),
				zap.String("from", string(itErr.From)),
				zap.String("to", string(itErr.To)),
			)
		}
		return err
	}

	p.markProcessed(ctx, ev.ID)
	return nil
}

// markProcessed records the identifier durably and in the bloom filter.
// Failure is logged only: the transition already stood, and a redelivery
// resolves as already-handled through the state machine.
func (p *Processor) markProcessed(ctx context.Context, eventID string) {
	if err := p.dedup.MarkProcessed(ctx, eventID); err != nil {
		p.lg.Warn("failed to record processed webhook event",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		return
	}
	p.mu.Lock()
	p.seen.AddString(eventID)
	p.mu.Unlock()
}
