// Command seed-db loads the default product catalog, a set of random
// customers and, optionally, back-dated pending orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/product"
	"github.com/xenking/orderdesk/internal/storage/postgres"
)

const minPremium = 2

var defaultProducts = []product.Product{
	{ID: "product-1", Name: "Product1", Stock: 500, Price: decimal.NewFromInt(100)},
	{ID: "product-2", Name: "Product2", Stock: 10, Price: decimal.NewFromInt(50)},
	{ID: "product-3", Name: "Product3", Stock: 200, Price: decimal.NewFromInt(45)},
	{ID: "product-4", Name: "Product4", Stock: 75, Price: decimal.NewFromInt(75)},
	{ID: "product-5", Name: "Product5", Stock: 0, Price: decimal.NewFromInt(500)},
}

var names = []string{
	"Ava Stone", "Ben Carter", "Chloe Park", "Dan Reyes", "Ella Moore",
	"Finn Walsh", "Grace Liu", "Hugo Brandt", "Iris Novak", "Jonas Berg",
	"Kira Sato", "Leo Marsh",
}

type options struct {
	databaseURL string
	customers   int
	orders      int
	maxAge      time.Duration
	seed        uint64
}

func main() {
	var opts options

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.customers, "customers", 0, "number of customers to create (0 picks 5-10)")
	flag.IntVar(&opts.orders, "orders", 0, "number of back-dated pending orders to create")
	flag.DurationVar(&opts.maxAge, "max-age", 2*time.Hour, "maximum age of back-dated orders")
	flag.Uint64Var(&opts.seed, "seed", 0, "random seed (0 uses the current time)")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.seed == 0 {
		opts.seed = uint64(time.Now().UnixNano())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, opts options) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	rng := rand.New(rand.NewPCG(opts.seed, opts.seed>>1))

	if err := seedProducts(ctx, postgres.NewProductRepository(pool)); err != nil {
		return errors.Wrap(err, "seed products")
	}

	customers := randomCustomers(rng, opts.customers)
	if err := seedCustomers(ctx, postgres.NewCustomerRepository(pool), customers); err != nil {
		return errors.Wrap(err, "seed customers")
	}

	if opts.orders > 0 {
		if err := seedOrders(ctx, postgres.NewOrderRepository(pool), rng, customers, opts); err != nil {
			return errors.Wrap(err, "seed orders")
		}
	}

	return nil
}

func seedProducts(ctx context.Context, repo *postgres.ProductRepository) error {
	slog.Info("upserting products", slog.Int("count", len(defaultProducts)))

	for _, p := range defaultProducts {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("stock", p.Stock),
			slog.String("price", p.Price.StringFixed(2)),
		)
	}

	return nil
}

// randomCustomers returns n customers, or 5-10 when n is zero, with at least
// two Premium accounts and budgets between 500 and 3000.
func randomCustomers(rng *rand.Rand, n int) []customer.Customer {
	if n <= 0 {
		n = 5 + rng.IntN(6)
	}
	n = max(n, minPremium)

	out := make([]customer.Customer, n)
	for i := range out {
		tier := customer.TierNormal
		if i < minPremium || rng.IntN(3) == 0 {
			tier = customer.TierPremium
		}
		out[i] = customer.Customer{
			ID:     fmt.Sprintf("customer-%02d", i+1),
			Name:   names[i%len(names)],
			Tier:   tier,
			Budget: decimal.NewFromInt(int64(500 + rng.IntN(2501))),
		}
	}
	rng.Shuffle(len(out), func(i, j int) {
		out[i].Tier, out[j].Tier = out[j].Tier, out[i].Tier
	})
	return out
}

func seedCustomers(ctx context.Context, repo *postgres.CustomerRepository, customers []customer.Customer) error {
	slog.Info("upserting customers", slog.Int("count", len(customers)))

	for _, c := range customers {
		if err := repo.Upsert(ctx, c); err != nil {
			return errors.Wrapf(err, "upsert customer %s", c.ID)
		}
		slog.Info("upserted customer",
			slog.String("id", c.ID),
			slog.String("tier", c.Tier.String()),
			slog.String("budget", c.Budget.StringFixed(2)),
		)
	}

	return nil
}

// seedOrders inserts pending orders created up to opts.maxAge ago, so that
// the scheduler starts with a mix of waiting times.
func seedOrders(
	ctx context.Context,
	repo *postgres.OrderRepository,
	rng *rand.Rand,
	customers []customer.Customer,
	opts options,
) error {
	now := time.Now().UTC()
	maxAge := max(opts.maxAge, time.Second)
	reqs := make([]postgres.ImportRequest, opts.orders)
	for i := range reqs {
		c := customers[rng.IntN(len(customers))]
		p := defaultProducts[rng.IntN(len(defaultProducts))]
		age := time.Duration(rng.Int64N(int64(maxAge)))

		id := uuid.NewString()
		reqs[i] = postgres.ImportRequest{
			ID:         id,
			CustomerID: c.ID,
			ProductID:  p.ID,
			Quantity:   1 + rng.IntN(5),
			RequestKey: "seed-" + id,
			CreatedAt:  now.Add(-age),
		}
	}

	inserted, err := repo.Import(ctx, reqs)
	if err != nil {
		return err
	}
	slog.Info("inserted back-dated orders", slog.Int64("count", inserted))
	return nil
}
