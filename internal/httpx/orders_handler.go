package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/stockflow/internal/checkout"
	"github.com/ariefcatur/stockflow/internal/inventory"
	"github.com/ariefcatur/stockflow/internal/orders"
)

type OrdersHandler struct {
	Checkout  *checkout.Service
	Inventory *inventory.Service
}

type AddToCartReq struct {
	CartID    string `json:"cart_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderReq struct {
	CartID string `json:"cart_id"`
}

type PayReq struct {
	IntentID string `json:"intent_id"`
	Currency string `json:"currency"`
}

type AdvanceReq struct {
	Status orders.Status `json:"status"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/cart/add", h.addToCart)
	r.Post("/order", h.createOrder)
	r.Get("/order/{id}", h.getOrder)
	r.Get("/order/{id}/status", h.getStatus)
	r.Post("/order/{id}/pay", h.pay)
	r.Put("/order/{id}/status", h.advance)
	r.Post("/order/{id}/refund", h.refund)
}

// cart id defaults to the user: one open cart per user
func cartOf(r *http.Request, explicit string) (string, bool) {
	user := r.Header.Get(headerUserID)
	if user == "" {
		return "", false
	}
	if explicit != "" {
		return explicit, true
	}
	return user, true
}

func (h *OrdersHandler) addToCart(w http.ResponseWriter, r *http.Request) {
	var req AddToCartReq
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	cart, ok := cartOf(r, req.CartID)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + headerUserID, Code: "unauthorized"})
		return
	}
	if req.ProductID == "" {
		writeBadRequest(w, "missing product_id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Inventory.Reserve(ctx, req.ProductID, orders.CartHolder(cart), req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeBadRequest(w, "invalid json")
			return
		}
	}
	cart, ok := cartOf(r, req.CartID)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + headerUserID, Code: "unauthorized"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	d, err := h.Checkout.CreateOrder(ctx, r.Header.Get(headerUserID), cart)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	d, err := h.Checkout.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	st, err := h.Checkout.Status(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "status": st})
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	var req PayReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeBadRequest(w, "invalid json")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Checkout.InitiatePayment(ctx, chi.URLParam(r, "id"), req.IntentID, req.Currency)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *OrdersHandler) advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceReq
	if err := decode(r, &req); err != nil || !req.Status.Valid() {
		writeBadRequest(w, "invalid status")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Checkout.AdvanceStatus(ctx, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Checkout.Refund(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
