package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderdesk/internal/domain/customer"
)

const (
	listCustomersSQL = `SELECT id, name, tier, budget, total_spent FROM customers ORDER BY name, id`

	getCustomerByIDSQL = `SELECT id, name, tier, budget, total_spent FROM customers WHERE id = $1`

	upsertCustomerSQL = `INSERT INTO customers (id, name, tier, budget, total_spent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, tier = EXCLUDED.tier, budget = EXCLUDED.budget`
)

var _ customer.Repository = (*CustomerRepository)(nil)

// CustomerRepository implements customer.Repository backed by PostgreSQL.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository returns a CustomerRepository that uses the given pool.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// List returns all customers ordered by name.
func (r *CustomerRepository) List(ctx context.Context) ([]customer.Customer, error) {
	rows, err := r.pool.Query(ctx, listCustomersSQL)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	return pgx.CollectRows(rows, scanCustomer)
}

// GetByID returns a single customer by its identifier.
func (r *CustomerRepository) GetByID(ctx context.Context, id string) (*customer.Customer, error) {
	rows, err := r.pool.Query(ctx, getCustomerByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCustomer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}
	return &c, nil
}

// Upsert creates or updates a customer. Total spent is only set on insert.
func (r *CustomerRepository) Upsert(ctx context.Context, c customer.Customer) error {
	if _, err := r.pool.Exec(ctx, upsertCustomerSQL, c.ID, c.Name, c.Tier.String(), c.Budget, c.TotalSpent); err != nil {
		return fmt.Errorf("upserting customer %q: %w", c.ID, err)
	}
	return nil
}

func scanCustomer(row pgx.CollectableRow) (customer.Customer, error) {
	var (
		c    customer.Customer
		tier string
	)
	if err := row.Scan(&c.ID, &c.Name, &tier, &c.Budget, &c.TotalSpent); err != nil {
		return c, err
	}
	t, err := customer.ParseTier(tier)
	if err != nil {
		return c, fmt.Errorf("customer %q: %w", c.ID, err)
	}
	c.Tier = t
	return c, nil
}
