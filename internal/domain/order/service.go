package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/product"
	"github.com/xenking/orderdesk/internal/logsink"
	"github.com/xenking/orderdesk/internal/scheduler/queue"
)

// Journal records audit entries.
type Journal interface {
	Record(ctx context.Context, e logsink.Entry) error
}

// SubmitRequest holds the input for submitting an order.
type SubmitRequest struct {
	CustomerID string
	ProductID  string
	Quantity   int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source for order timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// Service encapsulates order submission, cancellation and lookup.
type Service struct {
	customers customer.Repository
	products  product.Repository
	store     Store
	book      *Book
	queue     *queue.Queue
	journal   Journal
	now       func() time.Time

	// mu guards submitting: orders Submit has stored but not queued yet.
	mu         sync.Mutex
	submitting map[string]struct{}
	// adoptMu serializes adopting stored Pending orders into the book.
	adoptMu sync.Mutex
}

// NewService creates an order Service with the required dependencies.
func NewService(
	customers customer.Repository,
	products product.Repository,
	store Store,
	book *Book,
	q *queue.Queue,
	journal Journal,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		customers:  customers,
		products:   products,
		store:      store,
		book:       book,
		queue:      q,
		journal:    journal,
		now:        time.Now,
		submitting: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit validates a request, persists the order as Pending and queues it.
// Stock is not checked here; an order for an unavailable quantity is
// accepted and later rejected by the processor.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Order, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	c, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return nil, errors.Wrapf(ErrUnknownCustomer, "customer %s", req.CustomerID)
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	if _, err := s.products.GetByID(ctx, req.ProductID); err != nil {
		if errors.Is(err, product.ErrNotFound) {
			return nil, errors.Wrapf(ErrUnknownProduct, "product %s", req.ProductID)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	now := s.now().UTC()
	o := &Order{
		ID:         uuid.New().String(),
		CustomerID: c.ID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		Tier:       c.Tier,
		CreatedAt:  now,
		State:      StatePending,
		UpdatedAt:  now,
	}
	s.track(o.ID)
	defer s.untrack(o.ID)

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if err := s.enqueue(*o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting[id] = struct{}{}
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submitting, id)
}

func (s *Service) isSubmitting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.submitting[id]
	return ok
}

func (s *Service) enqueue(o Order) error {
	if err := s.book.Add(o); err != nil {
		return errors.Wrap(err, "register order")
	}
	if err := s.queue.Insert(QueueItem(o)); err != nil {
		return errors.Wrap(err, "queue order")
	}
	return nil
}

// Cancel rejects a Pending order with reason cancelled. Orders that are
// being processed cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (Order, error) {
	o, ok := s.book.Get(id)
	if !ok {
		stored, err := s.store.Get(ctx, id)
		if err != nil {
			return Order{}, err
		}
		if stored.State.Terminal() {
			return *stored, errors.Wrapf(ErrAlreadyTerminal, "order %s is %s", id, stored.State)
		}
		// Written by another process and not picked up yet.
		if _, err := s.adopt(ctx, id); err != nil {
			return Order{}, errors.Wrapf(err, "load order %s", id)
		}
		if o, ok = s.book.Get(id); !ok {
			return Order{}, errors.Wrapf(ErrInFlight, "order %s is being queued", id)
		}
	}
	if o.State != StatePending {
		return o, errors.Wrapf(ErrInFlight, "order %s", id)
	}

	// Removing the order from the queue claims it; if the processor popped
	// it first, it is in flight.
	item, err := s.queue.Remove(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return o, errors.Wrapf(ErrInFlight, "order %s", id)
		}
		return o, errors.Wrap(err, "dequeue order")
	}

	at := s.now().UTC()
	if err := s.store.SaveRejection(ctx, Rejection{
		OrderID:  id,
		Reason:   ReasonCancelled,
		Score:    o.Score,
		Attempts: o.Attempts,
		At:       at,
	}); err != nil {
		if qErr := s.queue.Insert(item); qErr != nil {
			zctx.From(ctx).Error("Requeue after failed cancellation", zap.String("order_id", id), zap.Error(qErr))
		}
		return o, fmt.Errorf("save cancellation: %w", err)
	}

	o, err = s.book.Transition(id, StatePending, StateRejected, at, func(o *Order) {
		o.Reason = ReasonCancelled
	})
	if err != nil {
		return o, errors.Wrap(err, "cancel order")
	}

	if err := s.journal.Record(ctx, Entry(o, logsink.KindOrderCancelled, logsink.SeverityInfo,
		fmt.Sprintf("Order %s cancelled | Wait: %.0fs", o.ID, o.Wait(at).Seconds()),
	)); err != nil {
		zctx.From(ctx).Warn("Cancellation log deferred", zap.String("order_id", id), zap.Error(err))
	}
	return o, nil
}

// Get returns an order by ID. Live orders come from the book, completed ones
// from the store.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	if o, ok := s.book.Get(id); ok {
		return o, nil
	}
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return Order{}, err
	}
	return *stored, nil
}

// Status returns the current state of an order.
func (s *Service) Status(ctx context.Context, id string) (State, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return o.State, nil
}

// Snapshot returns the queued orders in rank order.
func (s *Service) Snapshot() []queue.Entry {
	return s.queue.Snapshot()
}

// CustomerOrders returns the order history of a customer, newest first.
func (s *Service) CustomerOrders(ctx context.Context, customerID string) ([]Order, error) {
	if _, err := s.customers.GetByID(ctx, customerID); err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return nil, errors.Wrapf(ErrUnknownCustomer, "customer %s", customerID)
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	orders, err := s.store.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list customer orders: %w", err)
	}
	for i := range orders {
		if live, ok := s.book.Get(orders[i].ID); ok {
			orders[i] = live
		}
	}
	return orders, nil
}

// Recover loads persisted Pending orders that are not live yet into the book
// and the queue. It keeps their creation time, so they resume with the
// priority they earned. It runs at startup and again periodically to pick up
// orders written by other processes, such as the bulk importer.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	n := 0
	for _, o := range pending {
		if _, ok := s.book.Get(o.ID); ok {
			continue
		}
		adopted, err := s.adopt(ctx, o.ID)
		if err != nil {
			return n, errors.Wrapf(err, "recover order %s", o.ID)
		}
		if adopted {
			n++
		}
	}
	return n, nil
}

// adopt queues the stored order id if it is Pending and neither live nor
// being submitted. It reports whether the order was queued.
func (s *Service) adopt(ctx context.Context, id string) (bool, error) {
	s.adoptMu.Lock()
	defer s.adoptMu.Unlock()

	if s.isSubmitting(id) {
		return false, nil
	}
	if _, ok := s.book.Get(id); ok {
		return false, nil
	}
	// An order leaves the book only after its final state is stored, so a
	// fresh read tells a new order from one that just finished.
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return false, errors.Wrap(err, "get order")
	}
	if stored.State != StatePending {
		return false, nil
	}
	if err := s.enqueue(*stored); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// QueueItem returns the scheduling view of an order.
func QueueItem(o Order) queue.Item {
	return queue.Item{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		ProductID:  o.ProductID,
		Tier:       o.Tier,
		Quantity:   o.Quantity,
		CreatedAt:  o.CreatedAt,
	}
}

// Entry builds an audit entry describing o.
func Entry(o Order, kind logsink.Kind, severity logsink.Severity, msg string) logsink.Entry {
	return logsink.Entry{
		Severity:   severity,
		Kind:       kind,
		Message:    msg,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		ProductID:  o.ProductID,
		Tier:       o.Tier,
		Quantity:   o.Quantity,
		Score:      o.Score,
	}
}
