package orders

import "fmt"

type Status string

const (
	StatusCart              Status = "cart"
	StatusPendingPayment    Status = "pending_payment"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaid              Status = "paid"
	StatusProcessing        Status = "processing"
	StatusShipped           Status = "shipped"
	StatusDelivered         Status = "delivered"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
)

// Trigger is what asks the order to move.
type Trigger string

const (
	TriggerCreate           Trigger = "create"
	TriggerInitiatePayment  Trigger = "initiate_payment"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerAdminAdvance     Trigger = "admin_advance"
	TriggerRefund           Trigger = "refund"
)

// transitions: state x trigger -> next state. Anything missing is rejected.
var transitions = map[Status]map[Trigger]Status{
	StatusCart: {
		TriggerCreate: StatusPendingPayment,
	},
	StatusPendingPayment: {
		TriggerInitiatePayment:  StatusPaymentProcessing,
		TriggerPaymentSucceeded: StatusPaid, // missed intermediate event
		TriggerPaymentFailed:    StatusCancelled,
	},
	StatusPaymentProcessing: {
		TriggerPaymentSucceeded: StatusPaid,
		TriggerPaymentFailed:    StatusCancelled,
	},
	StatusPaid: {
		TriggerAdminAdvance: StatusProcessing,
		TriggerRefund:       StatusRefunded,
	},
	StatusProcessing: {
		TriggerAdminAdvance: StatusShipped,
		TriggerRefund:       StatusRefunded,
	},
	StatusShipped: {
		TriggerAdminAdvance: StatusDelivered,
		TriggerRefund:       StatusRefunded,
	},
	StatusDelivered: {
		TriggerRefund: StatusRefunded,
	},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// Transition is the only place an order's next status is decided.
func Transition(from Status, t Trigger) (Status, error) {
	next, ok := transitions[from][t]
	if !ok {
		return "", fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, from, t)
	}
	return next, nil
}

func CanTransition(from Status, t Trigger) bool {
	_, err := Transition(from, t)
	return err == nil
}

// AdvanceTo validates an admin move to a named target: exactly one forward
// step along paid -> processing -> shipped -> delivered.
func AdvanceTo(from, target Status) error {
	next, err := Transition(from, TriggerAdminAdvance)
	if err != nil {
		return err
	}
	if next != target {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	return nil
}

// AtLeastPaid is true once money has been captured for the order.
func (s Status) AtLeastPaid() bool {
	switch s {
	case StatusPaid, StatusProcessing, StatusShipped, StatusDelivered, StatusRefunded:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}
