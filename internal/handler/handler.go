// Package handler exposes the order desk over HTTP with JSON bodies.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/order"
	"github.com/xenking/orderdesk/internal/domain/product"
	"github.com/xenking/orderdesk/internal/logsink"
	"github.com/xenking/orderdesk/internal/processor"
)

// Drainer runs processing on demand.
type Drainer interface {
	Drain(ctx context.Context) (processor.Summary, error)
	ProcessOrder(ctx context.Context, id string) (processor.Outcome, error)
}

// StockView reports in-memory stock availability.
type StockView interface {
	Available(productID string) (int, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// DefaultLogLimit is the number of log entries returned when the request
	// has no limit.
	DefaultLogLimit int
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

// Handler serves the REST API, delegating to the domain services.
type Handler struct {
	orders    *order.Service
	catalog   *product.Catalog
	customers customer.Repository
	processor Drainer
	logs      *logsink.Sink
	stock     StockView
	cfg       Config
	now       func() time.Time
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	orders *order.Service,
	catalog *product.Catalog,
	customers customer.Repository,
	proc Drainer,
	logs *logsink.Sink,
	stock StockView,
) *Handler {
	if cfg.DefaultLogLimit <= 0 {
		cfg.DefaultLogLimit = 100
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 16
	}
	return &Handler{
		orders:    orders,
		catalog:   catalog,
		customers: customers,
		processor: proc,
		logs:      logs,
		stock:     stock,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Register adds all API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.SubmitOrder)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.CancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/process", h.ProcessOrder)

	mux.HandleFunc("GET /api/queue", h.QueueSnapshot)
	mux.HandleFunc("POST /api/queue/process", h.ProcessQueue)

	mux.HandleFunc("GET /api/customers", h.ListCustomers)
	mux.HandleFunc("GET /api/customers/{id}/orders", h.CustomerOrders)

	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("POST /api/products", h.AddProduct)
	mux.HandleFunc("PUT /api/products/{id}/stock", h.SetStock)
	mux.HandleFunc("PUT /api/products/{id}/price", h.SetPrice)
	mux.HandleFunc("DELETE /api/products/{id}", h.DeleteProduct)

	mux.HandleFunc("GET /api/logs", h.ListLogs)
}
