// Command order-import loads pending orders from gzip-compressed CSV files.
//
// Each line is customer_id,product_id,quantity,request_key with an optional
// fifth RFC 3339 created_at column. Lines sharing a request key are imported
// once; keys already present in the database are skipped by the insert.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orderdesk/internal/storage/postgres"
)

const (
	bloomFPR      = 0.0001
	progressEvery = 100_000
)

type options struct {
	pattern     string
	databaseURL string
	batchSize   int
	strict      bool
	dryRun      bool
}

// parsedFile holds the valid requests of one file in line order.
type parsedFile struct {
	path    string
	reqs    []postgres.ImportRequest
	invalid int
}

func main() {
	var opts options

	flag.StringVar(&opts.pattern, "files", "data/orders*.csv.gz", "glob of gzip-compressed order files")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "orders per insert batch")
	flag.BoolVar(&opts.strict, "strict", false, "fail on the first malformed line instead of skipping it")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "parse and deduplicate without writing to the database")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("order import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("order import completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", opts.pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", opts.pattern)
	}

	slog.Info("parsing files", slog.Int("files", len(files)))

	parsed, err := parseFiles(ctx, files, time.Now().UTC(), opts.strict)
	if err != nil {
		return errors.Wrap(err, "parse files")
	}

	reqs, duplicates := dedupe(parsed)
	slog.Info("requests ready",
		slog.Int("unique", len(reqs)),
		slog.Int("duplicates", duplicates),
	)

	if opts.dryRun || len(reqs) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := write(ctx, postgres.NewOrderRepository(pool), reqs, opts.batchSize); err != nil {
		return errors.Wrap(err, "write orders")
	}

	return nil
}

// parseFiles parses every file concurrently. Results keep the order of files.
func parseFiles(ctx context.Context, files []string, now time.Time, strict bool) ([]parsedFile, error) {
	out := make([]parsedFile, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			pf, err := parseFile(ctx, path, now, strict)
			if err != nil {
				return err
			}
			out[i] = pf
			slog.Info("parsed file",
				slog.String("path", path),
				slog.Int("requests", len(pf.reqs)),
				slog.Int("invalid", pf.invalid),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseFile(ctx context.Context, path string, now time.Time, strict bool) (parsedFile, error) {
	pf := parsedFile{path: path}

	f, err := os.Open(path)
	if err != nil {
		return pf, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return pf, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return pf, err
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		req, err := parseLine(text, now)
		if err != nil {
			if strict {
				return pf, errors.Wrapf(err, "%s:%d", path, line)
			}
			pf.invalid++
			continue
		}
		pf.reqs = append(pf.reqs, req)
		if line%progressEvery == 0 {
			slog.Info("parse progress", slog.String("path", path), slog.Int("lines", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return pf, errors.Wrapf(err, "scan %s", path)
	}
	return pf, nil
}

// parseLine parses customer_id,product_id,quantity,request_key[,created_at].
// A header line fails on the quantity column.
func parseLine(text string, now time.Time) (postgres.ImportRequest, error) {
	fields := strings.Split(text, ",")
	if len(fields) != 4 && len(fields) != 5 {
		return postgres.ImportRequest{}, errors.Errorf("expected 4 or 5 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	customerID, productID, key := fields[0], fields[1], fields[3]
	if customerID == "" || productID == "" || key == "" {
		return postgres.ImportRequest{}, errors.New("empty customer, product or request key")
	}
	qty, err := strconv.Atoi(fields[2])
	if err != nil {
		return postgres.ImportRequest{}, errors.Wrap(err, "quantity")
	}
	if qty <= 0 {
		return postgres.ImportRequest{}, errors.Errorf("quantity must be greater than 0, got %d", qty)
	}

	createdAt := now
	if len(fields) == 5 && fields[4] != "" {
		createdAt, err = time.Parse(time.RFC3339, fields[4])
		if err != nil {
			return postgres.ImportRequest{}, errors.Wrap(err, "created_at")
		}
		createdAt = createdAt.UTC()
		if createdAt.After(now) {
			return postgres.ImportRequest{}, errors.Errorf("created_at %s is in the future", fields[4])
		}
	}

	return postgres.ImportRequest{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		ProductID:  productID,
		Quantity:   qty,
		RequestKey: key,
		CreatedAt:  createdAt,
	}, nil
}

// dedupe keeps the first request for every key. A bloom filter finds the
// keys that may repeat; only those are tracked exactly.
func dedupe(files []parsedFile) ([]postgres.ImportRequest, int) {
	total := 0
	for _, pf := range files {
		total += len(pf.reqs)
	}
	if total == 0 {
		return nil, 0
	}

	filter := bloom.NewWithEstimates(uint(total), bloomFPR)
	suspects := make(map[string]struct{})
	for _, pf := range files {
		for _, r := range pf.reqs {
			if filter.TestAndAddString(r.RequestKey) {
				suspects[r.RequestKey] = struct{}{}
			}
		}
	}

	out := make([]postgres.ImportRequest, 0, total)
	seen := make(map[string]struct{}, len(suspects))
	duplicates := 0
	for _, pf := range files {
		for _, r := range pf.reqs {
			if _, suspect := suspects[r.RequestKey]; suspect {
				if _, dup := seen[r.RequestKey]; dup {
					duplicates++
					continue
				}
				seen[r.RequestKey] = struct{}{}
			}
			out = append(out, r)
		}
	}
	return out, duplicates
}

func write(ctx context.Context, repo *postgres.OrderRepository, reqs []postgres.ImportRequest, batchSize int) error {
	batchSize = max(batchSize, 1)
	slog.Info("writing orders", slog.Int("count", len(reqs)), slog.Int("batch_size", batchSize))

	var inserted int64
	for start := 0; start < len(reqs); start += batchSize {
		end := min(start+batchSize, len(reqs))
		n, err := repo.Import(ctx, reqs[start:end])
		if err != nil {
			return errors.Wrapf(err, "import batch at %d", start)
		}
		inserted += n
		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(reqs)))
	}

	slog.Info("orders inserted",
		slog.Int64("inserted", inserted),
		slog.Int64("skipped", int64(len(reqs))-inserted),
	)
	return nil
}
