package order

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianshop/checkout/internal/domain/cart"
	"github.com/meridianshop/checkout/internal/domain/stock"
)

// Lifecycle event names published to the notification feed.
const (
	EventCheckoutCreated = "order.checkout_created"
	EventPaid            = "order.paid"
	EventFailed          = "order.failed"
	EventCancelled       = "order.cancelled"
	EventShipped         = "order.shipped"
	EventDelivered       = "order.delivered"
	EventRefunded        = "order.refunded"
)

// CartConverter drains a cart's valid holds for checkout. Implemented by
// cart.Manager.
type CartConverter interface {
	ConvertToOrder(ctx context.Context, cartID string) ([]cart.Line, error)
}

// IntentCreator registers a payment attempt with the external payment
// provider and returns its stable intent identifier. Webhook events are
// later matched to orders through this identifier.
type IntentCreator interface {
	CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal) (string, error)
}

// Notifier receives best-effort lifecycle events. Implementations must not
// be relied on for correctness; failures are logged and never roll back a
// transition.
type Notifier interface {
	Publish(ctx context.Context, event string, o *Order) error
}

const (
	// transitionRetries bounds rereads after an optimistic version conflict.
	transitionRetries = 2
	numberRetries     = 3
	notifyTimeout     = 5 * time.Second
)

// Service drives the order state machine. All transitions are serialized per
// order through the repository's version check; on conflict the service
// rereads the order and re-evaluates the transition guard, so a webhook
// racing a customer cancel has exactly one winner and one IllegalTransition
// loser.
type Service struct {
	orders   Repository
	carts    CartConverter
	ledger   stock.Ledger
	intents  IntentCreator
	notifier Notifier
	lg       *zap.Logger
	now      func() time.Time
}

// NewService creates an order Service. intents and notifier may be nil when
// no payment provider or notification feed is configured.
func NewService(
	orders Repository,
	carts CartConverter,
	ledger stock.Ledger,
	intents IntentCreator,
	notifier Notifier,
	lg *zap.Logger,
) *Service {
	return &Service{
		orders:   orders,
		carts:    carts,
		ledger:   ledger,
		intents:  intents,
		notifier: notifier,
		lg:       lg,
		now:      time.Now,
	}
}

// Checkout converts the cart's holds into an order. The stock backing the
// lines was already decremented when the items entered the cart, so no
// ledger call happens here; the order is created with InventoryLocked=true
// to mark that commitment. Nothing is partially committed: if intent
// creation or persistence fails, the drained stock is returned to the
// ledger and no order exists.
func (s *Service) Checkout(ctx context.Context, cartID string) (*Order, error) {
	drained, err := s.carts.ConvertToOrder(ctx, cartID)
	if err != nil {
		return nil, err
	}

	lines := make([]Line, len(drained))
	total := decimal.Zero
	for i, l := range drained {
		lines[i] = Line{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		}
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}

	o := &Order{
		ID:              uuid.New().String(),
		Status:          StatusCheckoutCreated,
		InventoryLocked: true,
		Total:           total.Round(2),
		Lines:           lines,
		Version:         1,
		CreatedAt:       s.now(),
	}

	if s.intents != nil {
		intentID, err := s.intents.CreateIntent(ctx, o.ID, o.Total)
		if err != nil {
			s.releaseLines(ctx, o, "checkout intent rollback")
			return nil, errors.Wrap(err, "create payment intent")
		}
		o.PaymentIntentID = intentID
	}

	for attempt := 0; ; attempt++ {
		o.Number = NewOrderNumber()
		err := s.orders.Create(ctx, o)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNumberTaken) && attempt < numberRetries {
			continue
		}
		s.releaseLines(ctx, o, "checkout create rollback")
		return nil, errors.Wrap(err, "create order")
	}

	s.notify(ctx, EventCheckoutCreated, o)
	return o, nil
}

// GetByID returns the order with the given identifier.
func (s *Service) GetByID(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// GetByPaymentIntent resolves an order from a payment intent identifier.
func (s *Service) GetByPaymentIntent(ctx context.Context, intentID string) (*Order, error) {
	return s.orders.GetByPaymentIntent(ctx, intentID)
}

// MarkPaid moves the order to PAID. When the inventory lock is already held
// (the normal checkout flow) the ledger is not touched again. Orders created
// outside the locking flow get their stock reserved here, committed in the
// same transaction as the status change; a shortage at this point aborts the
// transition, the sale cannot be honored.
func (s *Service) MarkPaid(ctx context.Context, orderID, intentID string) (*Order, error) {
	for attempt := 0; ; attempt++ {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(o.Status, StatusPaid) {
			return nil, &IllegalTransitionError{OrderID: o.ID, From: o.Status, To: StatusPaid}
		}

		locked := o.InventoryLocked
		o.Status = StatusPaid
		o.InventoryLocked = true
		o.PaymentIntentID = intentID

		if locked {
			err = s.orders.Update(ctx, o)
		} else {
			err = s.orders.UpdateReserving(ctx, o, o.StockLines())
		}
		if err == nil {
			s.notify(ctx, EventPaid, o)
			return o, nil
		}
		if errors.Is(err, stock.ErrInsufficientStock) {
			return nil, errors.Wrap(err, "lock inventory at payment")
		}
		if errors.Is(err, ErrVersionConflict) && attempt < transitionRetries {
			continue
		}
		return nil, errors.Wrap(err, "update order")
	}
}

// MarkFailed moves a not-yet-paid order to FAILED, restoring any locked
// stock to the ledger.
func (s *Service) MarkFailed(ctx context.Context, orderID, intentID string) (*Order, error) {
	return s.failWith(ctx, orderID, intentID, StatusFailed, EventFailed)
}

// Cancel moves a pre-shipped order to CANCELLED, restoring locked stock
// exactly like MarkFailed.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	return s.failWith(ctx, orderID, "", StatusCancelled, EventCancelled)
}

// failWith performs a stock-restoring transition. The status change and the
// release commit in one repository transaction, guarded by the version check,
// so a retried attempt can never release the same stock twice and a crash can
// never persist one without the other.
func (s *Service) failWith(ctx context.Context, orderID, intentID string, to Status, event string) (*Order, error) {
	for attempt := 0; ; attempt++ {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(o.Status, to) {
			return nil, &IllegalTransitionError{OrderID: o.ID, From: o.Status, To: to}
		}

		var release []stock.Line
		if o.InventoryLocked {
			release = o.StockLines()
		}
		o.Status = to
		o.InventoryLocked = false
		if intentID != "" && o.PaymentIntentID == "" {
			o.PaymentIntentID = intentID
		}

		err = s.orders.UpdateReleasing(ctx, o, release)
		if err == nil {
			s.notify(ctx, event, o)
			return o, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < transitionRetries {
			continue
		}
		return nil, errors.Wrap(err, "update order")
	}
}

// MarkProcessing moves a paid order into fulfilment.
func (s *Service) MarkProcessing(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, StatusProcessing, "")
}

// MarkShipped records that the order left the warehouse.
func (s *Service) MarkShipped(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, StatusShipped, EventShipped)
}

// MarkDelivered records delivery, a terminal state.
func (s *Service) MarkDelivered(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, StatusDelivered, EventDelivered)
}

// Refund moves a paid order to REFUNDED. Sold stock is not returned to the
// ledger; refunded goods re-enter the catalog through a separate restocking
// flow, not this one.
func (s *Service) Refund(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, orderID, StatusRefunded, EventRefunded)
}

// transition performs a pure status change with no ledger side effects.
func (s *Service) transition(ctx context.Context, orderID string, to Status, event string) (*Order, error) {
	for attempt := 0; ; attempt++ {
		o, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(o.Status, to) {
			return nil, &IllegalTransitionError{OrderID: o.ID, From: o.Status, To: to}
		}

		o.Status = to
		err = s.orders.Update(ctx, o)
		if err == nil {
			if event != "" {
				s.notify(ctx, event, o)
			}
			return o, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < transitionRetries {
			continue
		}
		return nil, errors.Wrap(err, "update order")
	}
}

// releaseLines returns the order's full line quantities to the ledger,
// logging instead of failing: by the time this runs the transition outcome
// is already decided.
func (s *Service) releaseLines(ctx context.Context, o *Order, reason string) {
	if err := stock.ReleaseAll(ctx, s.ledger, o.StockLines()); err != nil {
		s.lg.Error("stock release failed",
			zap.String("order_id", o.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// notify publishes a lifecycle event without blocking the transition. The
// publish runs on its own goroutine with a detached context; failures are
// logged and dropped.
func (s *Service) notify(ctx context.Context, event string, o *Order) {
	if s.notifier == nil {
		return
	}
	snapshot := *o
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.notifier.Publish(ctx, event, &snapshot); err != nil {
			s.lg.Warn("order event publish failed",
				zap.String("event", event),
				zap.String("order_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}()
}

// orderNumberAlphabet is Crockford base32 without the ambiguous I, L, O, U.
const orderNumberAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewOrderNumber returns a random externally visible order number. A
// wall-clock scheme collides as soon as two orders share a tick; uniqueness
// here comes from 50 bits of randomness plus the unique index enforced at
// the storage layer, with Create retried on the (vanishingly rare) conflict.
func NewOrderNumber() string {
	var buf [10]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	for i, b := range buf {
		buf[i] = orderNumberAlphabet[int(b)%len(orderNumberAlphabet)]
	}
	return "ORD-" + string(buf[:])
}
