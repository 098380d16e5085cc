package orders

import "errors"

// Business-rule failures. Callers match with errors.Is.
var (
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrProductNotFound       = errors.New("product not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrAlreadyTerminal       = errors.New("reservation already terminal")
	ErrReservationExpired    = errors.New("reservation expired")
	ErrNotExpired            = errors.New("reservation not yet expired")
	ErrInvalidTransition     = errors.New("invalid order status transition")
	ErrOrderNotFound         = errors.New("order not found")
	ErrEmptyCart             = errors.New("cart has no active reservations")
	ErrPartialCartInvalid    = errors.New("cart contains an invalid reservation")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrPaymentMismatch       = errors.New("payment does not match order")
	ErrDuplicateWebhookEvent = errors.New("webhook event already recorded")
)
