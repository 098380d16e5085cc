package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/stockflow/internal/inventory"
	"github.com/ariefcatur/stockflow/internal/orders"
)

type InventoryHandler struct {
	Inventory *inventory.Service
	Ledger    *inventory.Ledger
	Sweeper   *inventory.Sweeper
}

type AdjustStockReq struct {
	Stock *int   `json:"stock"`
	Notes string `json:"notes"`
}

type ReserveReq struct {
	ProductID  string            `json:"product_id"`
	HolderID   string            `json:"holder_id"`
	HolderType orders.HolderType `json:"holder_type"`
	Quantity   int               `json:"quantity"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func (h *InventoryHandler) Register(r *chi.Mux) {
	r.Route("/inventory", func(r chi.Router) {
		r.Get("/products/{id}/stock", h.getStock)
		r.Put("/products/{id}/stock", h.adjustStock)
		r.Get("/products/{id}/history", h.history)
		r.Post("/reservations", h.reserve)
		r.Post("/reservations/{id}/cancel", h.cancel)
		r.Post("/cleanup-expired", h.cleanupExpired)
		r.Get("/alerts", h.alerts)
		r.Get("/report", h.report)
	})
}

func (h *InventoryHandler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	lvl, err := h.Inventory.StockLevel(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lvl)
}

func (h *InventoryHandler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockReq
	if err := decode(r, &req); err != nil || req.Stock == nil {
		writeBadRequest(w, "stock is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	lvl, err := h.Inventory.AdjustStock(ctx, chi.URLParam(r, "id"), *req.Stock, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lvl)
}

func (h *InventoryHandler) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var hq inventory.HistoryQuery
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"from", &hq.From}, {"to", &hq.To}} {
		if v := q.Get(f.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeBadRequest(w, f.name+" must be RFC3339")
				return
			}
			*f.dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
		hq.Limit = n
	}
	hq.Cursor = q.Get("cursor")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	page, err := h.Ledger.History(ctx, chi.URLParam(r, "id"), hq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *InventoryHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveReq
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	if req.ProductID == "" || req.HolderID == "" {
		writeBadRequest(w, "missing fields")
		return
	}
	holder := orders.CartHolder(req.HolderID)
	switch req.HolderType {
	case "", orders.HolderCart:
	case orders.HolderOrder:
		holder = orders.OrderHolder(req.HolderID)
	default:
		writeBadRequest(w, "invalid holder_type")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Inventory.ReserveFor(ctx, req.ProductID, holder, req.Quantity, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *InventoryHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	if err := h.Inventory.Cancel(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(orders.ReservationReleased)})
}

func (h *InventoryHandler) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Sweeper.SweepOnce(ctx, h.Sweeper.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *InventoryHandler) alerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	alerts, err := h.Inventory.LowStockAlerts(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *InventoryHandler) report(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rep, err := h.Inventory.Report(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
