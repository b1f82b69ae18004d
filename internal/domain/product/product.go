package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product represents a catalog item with its available stock.
type Product struct {
	ID    string
	Name  string
	Stock int
	Price decimal.Decimal
}

// Repository defines persistence operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	Create(ctx context.Context, p *Product) error
	UpdateStock(ctx context.Context, id string, stock int) error
	UpdatePrice(ctx context.Context, id string, price decimal.Decimal) error
	Delete(ctx context.Context, id string) error
}
