package httpx

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/stockflow/internal/payments"
)

const maxWebhookBody = 1 << 20

type PaymentsHandler struct {
	Processor *payments.Processor
}

func (h *PaymentsHandler) Register(r *chi.Mux) {
	r.Post("/payment/webhook", h.webhook)
	r.Get("/payment/webhooks/pending", h.pending)
}

// webhook acks every stored delivery with 200. Only a failure to store the
// raw event is a 5xx, so the gateway redelivers.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeBadRequest(w, "unreadable body")
		return
	}
	id, eventType, err := payments.ReadHeader(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	ack, err := h.Processor.Ingest(ctx, id, eventType, body)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "failed to record webhook", Code: "persist_failed"})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *PaymentsHandler) pending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	evs, err := h.Processor.Pending(ctx, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}
