// Package processor runs the order processing loop: it takes the top ranked
// order from the queue, reserves stock and commits the outcome.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk/internal/domain/order"
	"github.com/xenking/orderdesk/internal/logsink"
	"github.com/xenking/orderdesk/internal/scheduler/priority"
	"github.com/xenking/orderdesk/internal/scheduler/queue"
	"github.com/xenking/orderdesk/internal/stock"
)

const instrumentationName = "github.com/xenking/orderdesk/internal/processor"

// Ledger is the stock view the processor reserves against.
type Ledger interface {
	TryReserve(productID string, qty int) (bool, error)
	Release(productID string, qty int) error
	Settle(productID string, qty int) error
}

// Journal records audit entries and retries the ones it could not write.
type Journal interface {
	Record(ctx context.Context, e logsink.Entry) error
	Flush(ctx context.Context) error
}

// Config controls the processing loop.
type Config struct {
	// Interval between drain passes of Run.
	Interval time.Duration
	// MaxAttempts is the number of infrastructure faults after which an
	// order is rejected.
	MaxAttempts int
	// RecoverInterval is the minimum delay between two pickups of stored
	// Pending orders. Zero picks them up on every drain pass.
	RecoverInterval time.Duration
}

// Recoverer queues stored Pending orders that are not live yet, such as
// orders written by the bulk importer.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Outcome is the result of processing one order.
type Outcome int

// Processing outcomes.
const (
	OutcomeNone Outcome = iota
	OutcomeFulfilled
	OutcomeRejected
	OutcomeRetry
)

// Summary counts the outcomes of a drain pass.
type Summary struct {
	Processed int
	Fulfilled int
	Rejected  int
	Retried   int
}

func (s *Summary) add(o Outcome) {
	switch o {
	case OutcomeFulfilled:
		s.Processed++
		s.Fulfilled++
	case OutcomeRejected:
		s.Processed++
		s.Rejected++
	case OutcomeRetry:
		s.Retried++
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithMeterProvider sets the provider for processing counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Processor) {
		p.meterProvider = mp
	}
}

// WithTracerProvider sets the provider for per-order spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Processor) {
		p.tracerProvider = tp
	}
}

// WithLogger sets the logger for the background loop.
func WithLogger(lg *zap.Logger) Option {
	return func(p *Processor) {
		p.lg = lg
	}
}

// WithRecoverer makes every drain pass first pick up stored Pending orders,
// at most once per RecoverInterval.
func WithRecoverer(r Recoverer) Option {
	return func(p *Processor) {
		p.recoverer = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// Processor moves orders through Pending -> Processing -> Fulfilled or
// Rejected. It holds no lock of its own while it talks to the store or the
// journal; queue, ledger and book operations are each atomic.
type Processor struct {
	cfg     Config
	queue   *queue.Queue
	ledger  Ledger
	book    *order.Book
	store   order.Store
	journal Journal
	scorer  *priority.Scorer
	now     func() time.Time
	lg      *zap.Logger

	recoverer   Recoverer
	lastRecover atomic.Int64

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	processed metric.Int64Counter
	fulfilled metric.Int64Counter
	rejected  metric.Int64Counter
	faults    metric.Int64Counter

	lastRun atomic.Int64

	// mu guards the background loop handle.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Processor.
func New(
	cfg Config,
	q *queue.Queue,
	ledger Ledger,
	book *order.Book,
	store order.Store,
	journal Journal,
	scorer *priority.Scorer,
	opts ...Option,
) (*Processor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	p := &Processor{
		cfg:            cfg,
		queue:          q,
		ledger:         ledger,
		book:           book,
		store:          store,
		journal:        journal,
		scorer:         scorer,
		now:            time.Now,
		lg:             zap.NewNop(),
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(p)
	}

	meter := p.meterProvider.Meter(instrumentationName)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	var err error
	if p.processed, err = meter.Int64Counter("orders.processed",
		metric.WithDescription("Orders that reached a terminal state in the processor"),
	); err != nil {
		return nil, errors.Wrap(err, "processed counter")
	}
	if p.fulfilled, err = meter.Int64Counter("orders.fulfilled"); err != nil {
		return nil, errors.Wrap(err, "fulfilled counter")
	}
	if p.rejected, err = meter.Int64Counter("orders.rejected"); err != nil {
		return nil, errors.Wrap(err, "rejected counter")
	}
	if p.faults, err = meter.Int64Counter("orders.faults",
		metric.WithDescription("Processing attempts that failed on infrastructure errors"),
	); err != nil {
		return nil, errors.Wrap(err, "faults counter")
	}
	return p, nil
}

// ProcessNext processes the top ranked order. It reports false when the
// queue was empty. Deferred log entries are written first; if that fails no
// order is taken.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	outcome, err := p.processNext(ctx)
	return outcome != OutcomeNone, err
}

func (p *Processor) processNext(ctx context.Context) (Outcome, error) {
	if err := p.journal.Flush(ctx); err != nil {
		return OutcomeNone, errors.Wrap(err, "flush log backlog")
	}

	item, score, err := p.queue.Pop()
	if errors.Is(err, queue.ErrQueueEmpty) {
		return OutcomeNone, nil
	}
	if err != nil {
		return OutcomeNone, errors.Wrap(err, "pop order")
	}
	return p.run(ctx, item, score)
}

// ProcessOrder takes the order id out of the queue and processes it at once,
// ahead of its rank. It fails with order.ErrInFlight when the order is being
// processed and with order.ErrAlreadyTerminal when it is complete.
func (p *Processor) ProcessOrder(ctx context.Context, id string) (Outcome, error) {
	if err := p.journal.Flush(ctx); err != nil {
		return OutcomeNone, errors.Wrap(err, "flush log backlog")
	}

	item, err := p.queue.Remove(id)
	if errors.Is(err, queue.ErrNotFound) {
		return OutcomeNone, p.notQueued(ctx, id)
	}
	if err != nil {
		return OutcomeNone, errors.Wrap(err, "dequeue order")
	}

	score, err := p.scorer.Score(item.Tier, p.now().Sub(item.CreatedAt).Seconds(), item.Quantity)
	if err != nil {
		return OutcomeNone, errors.Wrapf(err, "score order %s", id)
	}
	return p.run(ctx, item, score)
}

// notQueued explains why id is not in the queue.
func (p *Processor) notQueued(ctx context.Context, id string) error {
	if _, ok := p.book.Get(id); ok {
		return errors.Wrapf(order.ErrInFlight, "order %s", id)
	}
	stored, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return errors.Wrapf(order.ErrAlreadyTerminal, "order %s is %s", id, stored.State)
	}
	return errors.Wrapf(order.ErrNotFound, "order %s is not queued", id)
}

func (p *Processor) run(ctx context.Context, item queue.Item, score float64) (Outcome, error) {
	// Once taken from the queue, an order is carried to an outcome even if
	// ctx is cancelled; the loop stops between orders.
	ctx, span := p.tracer.Start(context.WithoutCancel(ctx), "processor.ProcessOrder",
		trace.WithAttributes(
			attribute.String("order.id", item.OrderID),
			attribute.String("order.tier", item.Tier.String()),
			attribute.String("product.id", item.ProductID),
			attribute.Int("order.quantity", item.Quantity),
			attribute.Float64("order.score", score),
		),
	)
	defer span.End()

	outcome, err := p.process(ctx, item, score)
	span.SetAttributes(attribute.Int("order.outcome", int(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (p *Processor) process(ctx context.Context, item queue.Item, score float64) (Outcome, error) {
	o, err := p.book.Transition(item.OrderID, order.StatePending, order.StateProcessing, p.now().UTC(), func(o *order.Order) {
		o.Score = score
	})
	if err != nil {
		// Queue and book disagree; the order cannot be processed.
		return OutcomeNone, errors.Wrapf(err, "start order %s", item.OrderID)
	}

	ok, err := p.ledger.TryReserve(o.ProductID, o.Quantity)
	switch {
	case errors.Is(err, stock.ErrUnknownProduct):
		return p.reject(ctx, o, order.ReasonProductUnavailable)
	case err != nil:
		return p.fault(ctx, o, errors.Wrap(err, "reserve stock"))
	case !ok:
		return p.reject(ctx, o, order.ReasonInsufficientStock)
	}

	at := p.now().UTC()
	cost, err := p.store.CommitFulfillment(ctx, order.Fulfillment{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		ProductID:  o.ProductID,
		Quantity:   o.Quantity,
		Score:      o.Score,
		At:         at,
	})
	if err != nil {
		p.release(ctx, o)
		switch {
		case errors.Is(err, order.ErrInsufficientBudget):
			return p.reject(ctx, o, order.ReasonInsufficientBudget)
		case errors.Is(err, order.ErrInsufficientStock):
			return p.reject(ctx, o, order.ReasonInsufficientStock)
		case errors.Is(err, order.ErrUnknownProduct):
			return p.reject(ctx, o, order.ReasonProductUnavailable)
		default:
			return p.fault(ctx, o, errors.Wrap(err, "commit fulfillment"))
		}
	}

	if err := p.ledger.Settle(o.ProductID, o.Quantity); err != nil {
		p.lg.Warn("Settle reservation", zap.String("order_id", o.ID), zap.Error(err))
	}
	o, err = p.book.Transition(o.ID, order.StateProcessing, order.StateFulfilled, at, func(o *order.Order) {
		o.Cost = cost
	})
	if err != nil {
		return OutcomeFulfilled, errors.Wrapf(err, "finish order %s", o.ID)
	}

	p.processed.Add(ctx, 1)
	p.fulfilled.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", o.Tier.String())))

	mult, _ := p.scorer.Multiplier(o.Tier)
	msg := fmt.Sprintf("Order %s processed | Priority: %.2f | Wait: %.0fs | Multiplier: %.1fx",
		o.ID, o.Score, o.Wait(at).Seconds(), mult)
	if err := p.journal.Record(ctx, order.Entry(o, logsink.KindOrderFulfilled, logsink.SeverityInfo, msg)); err != nil {
		return OutcomeFulfilled, errors.Wrap(err, "record fulfillment")
	}
	return OutcomeFulfilled, nil
}

// release returns a reservation after a failed commit.
func (p *Processor) release(ctx context.Context, o order.Order) {
	if err := p.ledger.Release(o.ProductID, o.Quantity); err != nil {
		// The product was removed or restocked meanwhile; the ledger no
		// longer tracks this reservation.
		p.lg.Warn("Release reservation",
			zap.String("order_id", o.ID),
			zap.String("product_id", o.ProductID),
			zap.Error(err),
		)
	}
}

// reject records a business rejection. A store failure while saving it is
// treated as an infrastructure fault.
func (p *Processor) reject(ctx context.Context, o order.Order, reason order.Reason) (Outcome, error) {
	at := p.now().UTC()
	if err := p.store.SaveRejection(ctx, order.Rejection{
		OrderID:  o.ID,
		Reason:   reason,
		Score:    o.Score,
		Attempts: o.Attempts,
		At:       at,
	}); err != nil {
		return p.fault(ctx, o, errors.Wrap(err, "save rejection"))
	}
	return p.finishRejected(ctx, o, reason, at, logsink.SeverityWarn)
}

func (p *Processor) finishRejected(ctx context.Context, o order.Order, reason order.Reason, at time.Time, sev logsink.Severity) (Outcome, error) {
	attempts := o.Attempts
	o, err := p.book.Transition(o.ID, order.StateProcessing, order.StateRejected, at, func(live *order.Order) {
		live.Reason = reason
		live.Attempts = attempts
	})
	if err != nil {
		return OutcomeRejected, errors.Wrapf(err, "reject order %s", o.ID)
	}

	p.processed.Add(ctx, 1)
	p.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))

	msg := fmt.Sprintf("Order %s rejected | Reason: %s | Priority: %.2f | Wait: %.0fs",
		o.ID, reason, o.Score, o.Wait(at).Seconds())
	if err := p.journal.Record(ctx, order.Entry(o, logsink.KindOrderRejected, sev, msg)); err != nil {
		return OutcomeRejected, errors.Wrap(err, "record rejection")
	}
	return OutcomeRejected, nil
}

// fault handles an infrastructure error: the order goes back to Pending and
// is queued again with its original creation time, or is rejected once it
// has failed MaxAttempts times. The cause is always returned.
func (p *Processor) fault(ctx context.Context, o order.Order, cause error) (Outcome, error) {
	p.faults.Add(ctx, 1)
	attempts := o.Attempts + 1
	at := p.now().UTC()
	cause = errors.Wrapf(cause, "order %s attempt %d", o.ID, attempts)

	if attempts >= p.cfg.MaxAttempts {
		o.Attempts = attempts
		err := p.store.SaveRejection(ctx, order.Rejection{
			OrderID:  o.ID,
			Reason:   order.ReasonRetriesExhausted,
			Score:    o.Score,
			Attempts: attempts,
			At:       at,
		})
		if err == nil {
			if _, err := p.finishRejected(ctx, o, order.ReasonRetriesExhausted, at, logsink.SeverityError); err != nil {
				p.lg.Error("Finish exhausted order", zap.String("order_id", o.ID), zap.Error(err))
			}
			return OutcomeRejected, cause
		}
		p.lg.Error("Save exhausted order", zap.String("order_id", o.ID), zap.Error(err))
	}

	if err := p.store.SaveAttempt(ctx, o.ID, attempts, at); err != nil {
		p.lg.Warn("Save attempt", zap.String("order_id", o.ID), zap.Error(err))
	}
	o, err := p.book.Transition(o.ID, order.StateProcessing, order.StatePending, at, func(o *order.Order) {
		o.Attempts = attempts
	})
	if err != nil {
		return OutcomeRetry, errors.Wrapf(err, "requeue order %s", o.ID)
	}
	if err := p.queue.Insert(order.QueueItem(o)); err != nil {
		return OutcomeRetry, errors.Wrapf(err, "requeue order %s", o.ID)
	}

	msg := fmt.Sprintf("Order %s returned to queue | Attempt: %d/%d | Error: %v",
		o.ID, attempts, p.cfg.MaxAttempts, cause)
	if err := p.journal.Record(ctx, order.Entry(o, logsink.KindOrderRetry, logsink.SeverityWarn, msg)); err != nil {
		p.lg.Warn("Retry log deferred", zap.String("order_id", o.ID), zap.Error(err))
	}
	return OutcomeRetry, cause
}

// Drain processes orders until the queue is empty, an error occurs or ctx is
// cancelled. It appends one batch summary entry when any order reached a
// terminal state.
func (p *Processor) Drain(ctx context.Context) (Summary, error) {
	p.pickUp(ctx)

	var (
		sum Summary
		err error
	)
	for ctx.Err() == nil {
		var outcome Outcome
		outcome, err = p.processNext(ctx)
		sum.add(outcome)
		if err != nil || outcome == OutcomeNone {
			break
		}
	}

	if sum.Processed > 0 {
		msg := fmt.Sprintf("Batch processing completed: %d orders processed | Fulfilled: %d | Rejected: %d",
			sum.Processed, sum.Fulfilled, sum.Rejected)
		if recErr := p.journal.Record(ctx, logsink.Entry{
			Severity: logsink.SeverityInfo,
			Kind:     logsink.KindBatchSummary,
			Message:  msg,
		}); recErr != nil && err == nil {
			err = errors.Wrap(recErr, "record batch summary")
		}
	}
	return sum, err
}

// pickUp queues stored Pending orders when RecoverInterval has passed
// since the last pickup. Failures are logged; queued orders still drain.
func (p *Processor) pickUp(ctx context.Context) {
	if p.recoverer == nil {
		return
	}
	now := p.now().UnixNano()
	last := p.lastRecover.Load()
	if last != 0 && now-last < int64(p.cfg.RecoverInterval) {
		return
	}
	if !p.lastRecover.CompareAndSwap(last, now) {
		return
	}

	n, err := p.recoverer.Recover(ctx)
	if err != nil {
		p.lg.Warn("Pick up stored orders", zap.Error(err))
		return
	}
	if n > 0 {
		p.lg.Info("Picked up stored orders", zap.Int("orders", n))
	}
}

// Run drains the queue every Interval until ctx is cancelled. Errors are
// logged and the loop continues; faulted orders are already back in the
// queue.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	sum, err := p.Drain(ctx)
	p.lastRun.Store(p.now().UnixNano())
	if err != nil && ctx.Err() == nil {
		p.lg.Error("Processing pass failed",
			zap.Int("processed", sum.Processed),
			zap.Error(err),
		)
		return
	}
	if sum.Processed > 0 {
		p.lg.Info("Processing pass completed",
			zap.Int("processed", sum.Processed),
			zap.Int("fulfilled", sum.Fulfilled),
			zap.Int("rejected", sum.Rejected),
		)
	}
}

// Start runs the loop in a background goroutine. Calling Start while the
// loop is running is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the current iteration to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// LastRun returns the time of the last completed loop iteration, or the
// zero time if none completed yet.
func (p *Processor) LastRun() time.Time {
	n := p.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
