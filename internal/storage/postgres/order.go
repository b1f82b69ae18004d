package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/order"
)

const (
	orderColumns = `id, customer_id, product_id, quantity, tier, state, score, attempts, reason, cost, created_at, updated_at`

	createOrderSQL = `INSERT INTO orders
		(id, customer_id, product_id, quantity, tier, state, score, attempts, reason, cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	importOrderSQL = `INSERT INTO orders
		(id, customer_id, product_id, quantity, tier, state, request_key, created_at, updated_at)
		SELECT $1, c.id, $3, $4, c.tier, 'pending', $5, $6, $6
		FROM customers c WHERE c.id = $2
		ON CONFLICT (request_key) DO NOTHING`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listPendingSQL = `SELECT ` + orderColumns + ` FROM orders WHERE state = 'pending' ORDER BY created_at, id`

	listByCustomerSQL = `SELECT ` + orderColumns + ` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id`

	lockProductSQL = `SELECT price, stock FROM products WHERE id = $1 FOR UPDATE`

	debitCustomerSQL = `UPDATE customers
		SET budget = budget - $2, total_spent = total_spent + $2
		WHERE id = $1 AND budget >= $2`

	decrementStockSQL = `UPDATE products SET stock = stock - $2 WHERE id = $1 AND stock >= $2`

	fulfillOrderSQL = `UPDATE orders
		SET state = 'fulfilled', score = $2, cost = $3, updated_at = $4
		WHERE id = $1 AND state = 'pending'`

	rejectOrderSQL = `UPDATE orders
		SET state = 'rejected', reason = $2, score = $3, attempts = $4, updated_at = $5
		WHERE id = $1 AND state = 'pending'`

	saveAttemptSQL = `UPDATE orders SET attempts = $2, updated_at = $3 WHERE id = $1 AND state = 'pending'`
)

var _ order.Store = (*OrderRepository)(nil)

// OrderRepository implements order.Store backed by PostgreSQL. The order
// state column only holds pending, fulfilled and rejected; Processing exists
// in memory only and is persisted as pending.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.CustomerID, o.ProductID, o.Quantity, o.Tier.String(), persistedState(o.State),
		o.Score, o.Attempts, string(o.Reason), o.Cost, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// ImportRequest is a pending order loaded in bulk.
type ImportRequest struct {
	ID         string
	CustomerID string
	ProductID  string
	Quantity   int
	RequestKey string
	CreatedAt  time.Time
}

// Import inserts pending orders in one batch. Requests whose key was already
// imported or whose customer does not exist are skipped. It returns the
// number of inserted orders.
func (r *OrderRepository) Import(ctx context.Context, reqs []ImportRequest) (int64, error) {
	batch := &pgx.Batch{}
	for _, req := range reqs {
		batch.Queue(importOrderSQL, req.ID, req.CustomerID, req.ProductID, req.Quantity, req.RequestKey, req.CreatedAt)
	}

	var inserted int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range reqs {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return err
			}
			inserted += tag.RowsAffected()
		}
		return results.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("importing %d orders: %w", len(reqs), err)
	}
	return inserted, nil
}

// Get returns an order by ID.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(order.ErrNotFound, "order %s", id)
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// ListPending returns all pending orders, oldest first.
func (r *OrderRepository) ListPending(ctx context.Context) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listPendingSQL)
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// ListByCustomer returns the orders of a customer, newest first.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listByCustomerSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of customer %q: %w", customerID, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// CommitFulfillment decrements stock, debits the customer and marks the order
// fulfilled in one transaction. The product row is locked first so that the
// price used for the debit is the one in effect at commit.
func (r *OrderRepository) CommitFulfillment(ctx context.Context, f order.Fulfillment) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			price decimal.Decimal
			stock int
		)
		if err := tx.QueryRow(ctx, lockProductSQL, f.ProductID).Scan(&price, &stock); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(order.ErrUnknownProduct, "product %s", f.ProductID)
			}
			return fmt.Errorf("locking product: %w", err)
		}
		if stock < f.Quantity {
			return errors.Wrapf(order.ErrInsufficientStock, "product %s: %d < %d", f.ProductID, stock, f.Quantity)
		}

		cost = price.Mul(decimal.NewFromInt(int64(f.Quantity))).Round(2)
		tag, err := tx.Exec(ctx, debitCustomerSQL, f.CustomerID, cost)
		if err != nil {
			return fmt.Errorf("debiting customer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(order.ErrInsufficientBudget, "customer %s: cost %s", f.CustomerID, cost)
		}

		if _, err := tx.Exec(ctx, decrementStockSQL, f.ProductID, f.Quantity); err != nil {
			return fmt.Errorf("decrementing stock: %w", err)
		}

		tag, err = tx.Exec(ctx, fulfillOrderSQL, f.OrderID, f.Score, cost, f.At)
		if err != nil {
			return fmt.Errorf("fulfilling order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errors.Errorf("order %s is not pending", f.OrderID)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("committing order %q: %w", f.OrderID, err)
	}
	return cost, nil
}

// SaveRejection marks a pending order rejected.
func (r *OrderRepository) SaveRejection(ctx context.Context, rej order.Rejection) error {
	tag, err := r.pool.Exec(ctx, rejectOrderSQL, rej.OrderID, string(rej.Reason), rej.Score, rej.Attempts, rej.At)
	if err != nil {
		return fmt.Errorf("rejecting order %q: %w", rej.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(order.ErrNotFound, "pending order %s", rej.OrderID)
	}
	return nil
}

// SaveAttempt records the number of failed processing attempts.
func (r *OrderRepository) SaveAttempt(ctx context.Context, orderID string, attempts int, at time.Time) error {
	if _, err := r.pool.Exec(ctx, saveAttemptSQL, orderID, attempts, at); err != nil {
		return fmt.Errorf("saving attempt of order %q: %w", orderID, err)
	}
	return nil
}

func persistedState(s order.State) string {
	if s == order.StateProcessing {
		return order.StatePending.String()
	}
	return s.String()
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o           order.Order
		tier, state string
		reason      string
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.ProductID, &o.Quantity, &tier, &state,
		&o.Score, &o.Attempts, &reason, &o.Cost, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	if o.Tier, err = customer.ParseTier(tier); err != nil {
		return o, fmt.Errorf("order %q: %w", o.ID, err)
	}
	if o.State, err = order.ParseState(state); err != nil {
		return o, fmt.Errorf("order %q: %w", o.ID, err)
	}
	o.Reason = order.Reason(reason)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
