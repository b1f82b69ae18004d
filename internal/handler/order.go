package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/orderdesk/internal/domain/order"
)

// SubmitOrder handles POST /api/orders.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req order.SubmitRequest
	err := h.decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customer_id":
			req.CustomerID, err = d.Str()
		case "product_id":
			req.ProductID, err = d.Str()
		case "quantity":
			req.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.CustomerID == "" || req.ProductID == "" {
		writeError(w, r, errors.Wrap(errBadRequest, "customer_id and product_id are required"))
		return
	}

	o, err := h.orders.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeOrder(e, *o, now)
	})
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o, now)
	})
}

// CancelOrder handles DELETE /api/orders/{id}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o, now)
	})
}

// ProcessOrder handles POST /api/orders/{id}/process: the order is processed
// at once regardless of its rank and returned in its final state.
func (h *Handler) ProcessOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.processor.ProcessOrder(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o, now)
	})
}

// QueueSnapshot handles GET /api/queue.
func (h *Handler) QueueSnapshot(w http.ResponseWriter, _ *http.Request) {
	entries := h.orders.Snapshot()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("size")
		e.Int(len(entries))
		e.FieldStart("orders")
		e.ArrStart()
		for _, q := range entries {
			encodeQueueEntry(e, q)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// ProcessQueue handles POST /api/queue/process by draining the queue once.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	summary, err := h.processor.Drain(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeSummary(e, summary)
	})
}
