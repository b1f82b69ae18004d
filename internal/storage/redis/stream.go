// Package redis mirrors the audit log into a Redis stream so that external
// viewers can follow it without polling the API.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenking/orderdesk/internal/logsink"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "orderdesk:logs"

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

var _ logsink.Mirror = (*StreamPublisher)(nil)

// StreamPublisher appends log entries to a capped Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher returns a publisher writing to stream. maxLen caps the
// stream approximately; zero leaves it uncapped.
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish adds e to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, e logsink.Entry) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: entryValues(e),
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Ping checks the connection.
func (p *StreamPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func entryValues(e logsink.Entry) map[string]any {
	v := map[string]any{
		"seq":      strconv.FormatInt(e.Seq, 10),
		"time":     e.Time.UTC().Format(time.RFC3339Nano),
		"severity": string(e.Severity),
		"kind":     string(e.Kind),
		"message":  e.Message,
	}
	if e.OrderID != "" {
		v["order_id"] = e.OrderID
		v["customer_id"] = e.CustomerID
		v["product_id"] = e.ProductID
		v["tier"] = e.Tier.String()
		v["quantity"] = strconv.Itoa(e.Quantity)
		v["score"] = strconv.FormatFloat(e.Score, 'f', 4, 64)
	}
	return v
}
