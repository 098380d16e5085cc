package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/stockflow/internal/inventory"
	"github.com/ariefcatur/stockflow/internal/logx"
	"github.com/ariefcatur/stockflow/internal/orders"
	"github.com/ariefcatur/stockflow/internal/payments"
	"github.com/ariefcatur/stockflow/internal/store"
)

const headerUserID = "X-User-ID"

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}

// writeError maps err through statusFor. Internal errors are logged and
// their text is not echoed back.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, name := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		logx.From(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorBody{Error: msg, Code: name})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrInvalidCursor),
		errors.Is(err, payments.ErrInvalidPayload),
		errors.Is(err, payments.ErrMissingEventID):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, orders.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, orders.ErrReservationNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, orders.ErrPaymentNotFound):
		return http.StatusNotFound, "payment_not_found"
	case errors.Is(err, orders.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, orders.ErrAlreadyTerminal):
		return http.StatusConflict, "already_terminal"
	case errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, orders.ErrPaymentMismatch):
		return http.StatusConflict, "payment_mismatch"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, orders.ErrPartialCartInvalid), errors.Is(err, orders.ErrReservationExpired):
		return http.StatusUnprocessableEntity, "cart_invalid"
	case errors.Is(err, orders.ErrEmptyCart):
		return http.StatusUnprocessableEntity, "empty_cart"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}
