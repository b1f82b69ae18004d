package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderdesk/internal/domain/product"
)

const (
	listProductsSQL = `SELECT id, name, stock, price FROM products ORDER BY name, id`

	getProductByIDSQL = `SELECT id, name, stock, price FROM products WHERE id = $1`

	createProductSQL = `INSERT INTO products (id, name, stock, price) VALUES ($1, $2, $3, $4)`

	upsertProductSQL = `INSERT INTO products (id, name, stock, price) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, stock = EXCLUDED.stock, price = EXCLUDED.price`

	updateStockSQL = `UPDATE products SET stock = $2 WHERE id = $1`

	updatePriceSQL = `UPDATE products SET price = $2 WHERE id = $1`

	deleteProductSQL = `DELETE FROM products WHERE id = $1`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns all products ordered by name.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// Create inserts a new product.
func (r *ProductRepository) Create(ctx context.Context, p *product.Product) error {
	if _, err := r.pool.Exec(ctx, createProductSQL, p.ID, p.Name, p.Stock, p.Price); err != nil {
		return fmt.Errorf("creating product %q: %w", p.ID, err)
	}
	return nil
}

// Upsert creates or replaces a product.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	if _, err := r.pool.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.Stock, p.Price); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// UpdateStock overwrites the stock of a product.
func (r *ProductRepository) UpdateStock(ctx context.Context, id string, stock int) error {
	return r.execOne(ctx, updateStockSQL, id, stock)
}

// UpdatePrice overwrites the unit price of a product.
func (r *ProductRepository) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) error {
	return r.execOne(ctx, updatePriceSQL, id, price)
}

// Delete removes a product.
func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, deleteProductSQL, id)
}

// execOne runs a statement that must affect exactly the product id.
func (r *ProductRepository) execOne(ctx context.Context, sql, id string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("updating product %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Stock, &p.Price)
	return p, err
}
