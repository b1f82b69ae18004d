package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/order"
)

// ListCustomers handles GET /api/customers.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.customers.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, c := range customers {
			encodeCustomer(e, c)
		}
		e.ArrEnd()
	})
}

// CustomerOrders handles GET /api/customers/{id}/orders.
func (h *Handler) CustomerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.CustomerOrders(r.Context(), r.PathValue("id"))
	if errors.Is(err, order.ErrUnknownCustomer) {
		err = errors.Wrap(customer.ErrNotFound, r.PathValue("id"))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, o := range orders {
			encodeOrder(e, o, now)
		}
		e.ArrEnd()
	})
}

// ListProducts handles GET /api/products. Available stock comes from the
// in-memory ledger and excludes outstanding reservations.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, p := range products {
			available := -1
			if h.stock != nil {
				if n, err := h.stock.Available(p.ID); err == nil {
					available = n
				}
			}
			encodeProduct(e, p, available)
		}
		e.ArrEnd()
	})
}

// AddProduct handles POST /api/products.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	var (
		name  string
		stock int
		price decimal.Decimal
	)
	err := h.decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			name, err = d.Str()
		case "stock":
			stock, err = d.Int()
		case "price":
			price, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	p, err := h.catalog.Add(r.Context(), name, stock, price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeProduct(e, *p, p.Stock)
	})
}

// SetStock handles PUT /api/products/{id}/stock.
func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	var (
		stock int
		seen  bool
	)
	err := h.decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "stock" {
			return d.Skip()
		}
		seen = true
		var err error
		stock, err = d.Int()
		return err
	})
	if err == nil && !seen {
		err = errors.Wrap(errBadRequest, "stock is required")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.catalog.SetStock(r.Context(), r.PathValue("id"), stock); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPrice handles PUT /api/products/{id}/price.
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var price decimal.Decimal
	err := h.decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "price" {
			return d.Skip()
		}
		var err error
		price, err = decodeDecimal(d)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.catalog.SetPrice(r.Context(), r.PathValue("id"), price); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteProduct handles DELETE /api/products/{id}. Queued orders for the
// product are rejected when the processor reaches them.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
