package product

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	products map[string]Product
	err      error
}

func (m *mockRepo) List(_ context.Context) ([]Product, error) { return nil, m.err }

func (m *mockRepo) GetByID(_ context.Context, id string) (*Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *mockRepo) Create(_ context.Context, p *Product) error {
	if m.err != nil {
		return m.err
	}
	m.products[p.ID] = *p
	return nil
}

func (m *mockRepo) UpdateStock(_ context.Context, id string, stock int) error {
	if m.err != nil {
		return m.err
	}
	p, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Stock = stock
	m.products[id] = p
	return nil
}

func (m *mockRepo) UpdatePrice(_ context.Context, _ string, _ decimal.Decimal) error { return m.err }

func (m *mockRepo) Delete(_ context.Context, id string) error {
	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	delete(m.products, id)
	return nil
}

type mockLevels struct {
	set     map[string]int
	removed []string
}

func (m *mockLevels) Set(productID string, level int) { m.set[productID] = level }

func (m *mockLevels) Remove(productID string) { m.removed = append(m.removed, productID) }

func newTestCatalog() (*Catalog, *mockRepo, *mockLevels) {
	repo := &mockRepo{products: map[string]Product{
		"p1": {ID: "p1", Name: "Product1", Stock: 5, Price: decimal.NewFromInt(10)},
	}}
	levels := &mockLevels{set: make(map[string]int)}
	return NewCatalog(repo, levels), repo, levels
}

func TestCatalog_AddValidation(t *testing.T) {
	tests := []struct {
		name    string
		product string
		stock   int
		price   decimal.Decimal
		want    error
	}{
		{name: "blank name", product: "  ", stock: 1, price: decimal.NewFromInt(1), want: ErrEmptyName},
		{name: "negative stock", product: "Widget", stock: -1, price: decimal.NewFromInt(1), want: ErrNegativeStock},
		{name: "zero price", product: "Widget", stock: 1, price: decimal.Zero, want: ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, levels := newTestCatalog()

			_, err := c.Add(context.Background(), tt.product, tt.stock, tt.price)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, levels.set)
		})
	}
}

func TestCatalog_AddRegistersStock(t *testing.T) {
	c, repo, levels := newTestCatalog()

	p, err := c.Add(context.Background(), " Widget ", 7, decimal.RequireFromString("12.345"))
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, "12.35", p.Price.StringFixed(2))
	assert.Equal(t, 7, levels.set[p.ID])
	assert.Contains(t, repo.products, p.ID)
}

func TestCatalog_StoreFailureKeepsLevels(t *testing.T) {
	c, repo, levels := newTestCatalog()
	repo.err = errors.New("db down")

	_, err := c.Add(context.Background(), "Widget", 1, decimal.NewFromInt(1))
	require.ErrorContains(t, err, "create product")

	err = c.SetStock(context.Background(), "p1", 9)
	require.ErrorContains(t, err, "db down")
	assert.Empty(t, levels.set)
}

func TestCatalog_SetStockAndRemove(t *testing.T) {
	c, repo, levels := newTestCatalog()
	ctx := context.Background()

	require.ErrorIs(t, c.SetStock(ctx, "p1", -3), ErrNegativeStock)
	require.NoError(t, c.SetStock(ctx, "p1", 40))
	assert.Equal(t, 40, repo.products["p1"].Stock)
	assert.Equal(t, 40, levels.set["p1"])

	require.ErrorIs(t, c.SetPrice(ctx, "p1", decimal.NewFromInt(-1)), ErrInvalidPrice)

	require.NoError(t, c.Remove(ctx, "p1"))
	assert.Equal(t, []string{"p1"}, levels.removed)
	require.ErrorIs(t, c.Remove(ctx, "p1"), ErrNotFound)
}
