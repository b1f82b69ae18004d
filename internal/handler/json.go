package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/domain/order"
	"github.com/xenking/orderdesk/internal/domain/product"
	"github.com/xenking/orderdesk/internal/logsink"
	"github.com/xenking/orderdesk/internal/processor"
	"github.com/xenking/orderdesk/internal/scheduler/queue"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeBody reads a JSON object from the request, calling field for every
// key. Unknown keys must be skipped by the callback.
func (h *Handler) decodeBody(r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return errors.Wrap(errBadRequest, "read body")
	}
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		return field(d, string(key))
	}); err != nil {
		return errors.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var s string
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		s = v
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		s = n.String()
	default:
		return decimal.Zero, errors.New("expected number")
	}
	return decimal.NewFromString(s)
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeOrder(e *jx.Encoder, o order.Order, now time.Time) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("customer_id")
	e.Str(o.CustomerID)
	e.FieldStart("product_id")
	e.Str(o.ProductID)
	e.FieldStart("quantity")
	e.Int(o.Quantity)
	e.FieldStart("tier")
	e.Str(o.Tier.String())
	e.FieldStart("state")
	e.Str(o.State.String())
	e.FieldStart("score")
	e.Float64(o.Score)
	e.FieldStart("attempts")
	e.Int(o.Attempts)
	if o.Reason != "" {
		e.FieldStart("reason")
		e.Str(string(o.Reason))
	}
	if o.State == order.StateFulfilled {
		e.FieldStart("cost")
		e.Str(o.Cost.StringFixed(2))
	}
	e.FieldStart("wait_seconds")
	e.Float64(o.Wait(now).Seconds())
	e.FieldStart("created_at")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updated_at")
	encodeTime(e, o.UpdatedAt)
	e.ObjEnd()
}

func encodeQueueEntry(e *jx.Encoder, q queue.Entry) {
	e.ObjStart()
	e.FieldStart("rank")
	e.Int(q.Rank)
	e.FieldStart("order_id")
	e.Str(q.OrderID)
	e.FieldStart("customer_id")
	e.Str(q.CustomerID)
	e.FieldStart("product_id")
	e.Str(q.ProductID)
	e.FieldStart("tier")
	e.Str(q.Tier.String())
	e.FieldStart("quantity")
	e.Int(q.Quantity)
	e.FieldStart("score")
	e.Float64(q.Score)
	e.FieldStart("wait_seconds")
	e.Float64(q.Wait.Seconds())
	e.FieldStart("created_at")
	encodeTime(e, q.CreatedAt)
	e.ObjEnd()
}

func encodeSummary(e *jx.Encoder, s processor.Summary) {
	e.ObjStart()
	e.FieldStart("processed")
	e.Int(s.Processed)
	e.FieldStart("fulfilled")
	e.Int(s.Fulfilled)
	e.FieldStart("rejected")
	e.Int(s.Rejected)
	e.FieldStart("retried")
	e.Int(s.Retried)
	e.ObjEnd()
}

func encodeCustomer(e *jx.Encoder, c customer.Customer) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("name")
	e.Str(c.Name)
	e.FieldStart("tier")
	e.Str(c.Tier.String())
	e.FieldStart("budget")
	e.Str(c.Budget.StringFixed(2))
	e.FieldStart("total_spent")
	e.Str(c.TotalSpent.StringFixed(2))
	e.ObjEnd()
}

// encodeProduct writes p. available is omitted when negative.
func encodeProduct(e *jx.Encoder, p product.Product, available int) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("stock")
	e.Int(p.Stock)
	if available >= 0 {
		e.FieldStart("available")
		e.Int(available)
	}
	e.FieldStart("price")
	e.Str(p.Price.StringFixed(2))
	e.ObjEnd()
}

func encodeLogEntry(e *jx.Encoder, l logsink.Entry) {
	e.ObjStart()
	e.FieldStart("seq")
	e.Int64(l.Seq)
	e.FieldStart("time")
	encodeTime(e, l.Time)
	e.FieldStart("severity")
	e.Str(string(l.Severity))
	e.FieldStart("kind")
	e.Str(string(l.Kind))
	e.FieldStart("message")
	e.Str(l.Message)
	if l.OrderID != "" {
		e.FieldStart("order_id")
		e.Str(l.OrderID)
		e.FieldStart("customer_id")
		e.Str(l.CustomerID)
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("tier")
		e.Str(l.Tier.String())
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("score")
		e.Float64(l.Score)
	}
	e.ObjEnd()
}
