package product

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors for catalog administration.
var (
	ErrEmptyName     = errors.New("product name required")
	ErrNegativeStock = errors.New("stock must not be negative")
	ErrInvalidPrice  = errors.New("price must be greater than 0")
)

// StockLevels is the in-memory stock view that must follow catalog changes.
// Set receives the stored stock level.
type StockLevels interface {
	Set(productID string, level int)
	Remove(productID string)
}

// Catalog encapsulates product administration. Every stock change is written
// to the repository first and then mirrored into the stock levels.
type Catalog struct {
	repo  Repository
	stock StockLevels
}

// NewCatalog creates a Catalog over the given repository and stock view.
func NewCatalog(repo Repository, stock StockLevels) *Catalog {
	return &Catalog{repo: repo, stock: stock}
}

// List returns all products.
func (c *Catalog) List(ctx context.Context) ([]Product, error) {
	return c.repo.List(ctx)
}

// Add validates and persists a new product and registers its stock.
func (c *Catalog) Add(ctx context.Context, name string, stock int, price decimal.Decimal) (*Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if stock < 0 {
		return nil, errors.Wrapf(ErrNegativeStock, "stock %d", stock)
	}
	if !price.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidPrice, "price %s", price)
	}

	p := &Product{
		ID:    uuid.New().String(),
		Name:  name,
		Stock: stock,
		Price: price.Round(2),
	}
	if err := c.repo.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create product")
	}
	c.stock.Set(p.ID, p.Stock)
	return p, nil
}

// SetStock overwrites the stock level of a product.
func (c *Catalog) SetStock(ctx context.Context, id string, stock int) error {
	if stock < 0 {
		return errors.Wrapf(ErrNegativeStock, "stock %d", stock)
	}
	if err := c.repo.UpdateStock(ctx, id, stock); err != nil {
		return errors.Wrap(err, "update stock")
	}
	c.stock.Set(id, stock)
	return nil
}

// SetPrice changes the unit price of a product.
func (c *Catalog) SetPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return errors.Wrapf(ErrInvalidPrice, "price %s", price)
	}
	if err := c.repo.UpdatePrice(ctx, id, price.Round(2)); err != nil {
		return errors.Wrap(err, "update price")
	}
	return nil
}

// Remove deletes a product. Pending orders for it are rejected when the
// processor reaches them.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	if err := c.repo.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete product")
	}
	c.stock.Remove(id)
	return nil
}
