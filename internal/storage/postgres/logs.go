package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/logsink"
)

const (
	appendLogSQL = `INSERT INTO order_logs
		(seq, logged_at, severity, kind, message, order_id, customer_id, product_id, tier, quantity, score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	recentLogsSQL = `SELECT seq, logged_at, severity, kind, message, order_id, customer_id, product_id, tier, quantity, score
		FROM order_logs ORDER BY seq DESC LIMIT $1`
)

var _ logsink.Store = (*LogRepository)(nil)

// LogRepository implements logsink.Store backed by PostgreSQL.
type LogRepository struct {
	pool *pgxpool.Pool
}

// NewLogRepository returns a LogRepository that uses the given pool.
func NewLogRepository(pool *pgxpool.Pool) *LogRepository {
	return &LogRepository{pool: pool}
}

// AppendLog inserts a log entry.
func (r *LogRepository) AppendLog(ctx context.Context, e logsink.Entry) error {
	var tier string
	if e.Tier.Valid() {
		tier = e.Tier.String()
	}
	_, err := r.pool.Exec(ctx, appendLogSQL,
		e.Seq, e.Time, string(e.Severity), string(e.Kind), e.Message,
		e.OrderID, e.CustomerID, e.ProductID, tier, e.Quantity, e.Score,
	)
	if err != nil {
		return fmt.Errorf("appending log %d: %w", e.Seq, err)
	}
	return nil
}

// RecentLogs returns up to limit of the newest entries in chronological
// order.
func (r *LogRepository) RecentLogs(ctx context.Context, limit int) ([]logsink.Entry, error) {
	rows, err := r.pool.Query(ctx, recentLogsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent logs: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanLogEntry)
	if err != nil {
		return nil, fmt.Errorf("listing recent logs: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}

func scanLogEntry(row pgx.CollectableRow) (logsink.Entry, error) {
	var (
		e              logsink.Entry
		severity, kind string
		tier           string
	)
	err := row.Scan(
		&e.Seq, &e.Time, &severity, &kind, &e.Message,
		&e.OrderID, &e.CustomerID, &e.ProductID, &tier, &e.Quantity, &e.Score,
	)
	if err != nil {
		return e, err
	}
	e.Severity = logsink.Severity(severity)
	e.Kind = logsink.Kind(kind)
	e.Time = e.Time.UTC()
	if tier != "" {
		// Entries are written by this package; an unknown tier leaves the
		// zero value.
		e.Tier, _ = customer.ParseTier(tier)
	}
	return e, nil
}
