package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/order"
	"github.com/xenking/orderdesk/internal/domain/product"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, product.ErrEmptyName),
		errors.Is(err, product.ErrNegativeStock),
		errors.Is(err, product.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, customer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrAlreadyTerminal),
		errors.Is(err, order.ErrInFlight),
		errors.Is(err, order.ErrDuplicateOrder):
		return http.StatusConflict
	case errors.Is(err, order.ErrUnknownCustomer),
		errors.Is(err, order.ErrUnknownProduct):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as {"code","message"}. Internal errors are logged and
// their message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}
