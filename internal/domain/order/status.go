package order

import "fmt"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusConfirmed       Status = "CONFIRMED"
	StatusCheckoutCreated Status = "CHECKOUT_CREATED"
	StatusPaid            Status = "PAID"
	StatusProcessing      Status = "PROCESSING"
	StatusShipped         Status = "SHIPPED"
	StatusDelivered       Status = "DELIVERED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
	StatusRefunded        Status = "REFUNDED"
)

// validNext is the transition table. CANCELLED is reachable from every
// pre-SHIPPED state, FAILED from every pre-PAID state, REFUNDED from every
// post-PAID non-terminal state.
var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusConfirmed:       true,
		StatusCheckoutCreated: true,
		StatusPaid:            true,
		StatusCancelled:       true,
		StatusFailed:          true,
	},
	StatusConfirmed: {
		StatusPaid:      true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusCheckoutCreated: {
		StatusPaid:      true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPaid: {
		StatusProcessing: true,
		StatusShipped:    true,
		StatusCancelled:  true,
		StatusRefunded:   true,
	},
	StatusProcessing: {
		StatusShipped:   true,
		StatusCancelled: true,
		StatusRefunded:  true,
	},
	StatusShipped: {
		StatusDelivered: true,
		StatusRefunded:  true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
	StatusFailed:    {},
	StatusRefunded:  {},
}

// CanTransition reports whether moving from one status to another is legal.
// It is callable independently of storage.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is defined for the status.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

// IllegalTransitionError reports a transition attempted from a state that
// does not permit it. It is never silently absorbed by the state machine;
// masking one would hide double-delivery or ordering bugs in the caller.
type IllegalTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal transition %s -> %s", e.OrderID, e.From, e.To)
}
