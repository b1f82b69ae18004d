// Package logsink records the append-only audit log of processing outcomes.
package logsink

import (
	"time"

	"github.com/xenking/orderdesk/internal/domain/customer"
)

// Severity classifies a log entry.
type Severity string

// Severities, in increasing order.
const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError:
		return true
	}
	return false
}

// Kind identifies the event a log entry describes.
type Kind string

// Entry kinds.
const (
	KindOrderFulfilled Kind = "order_fulfilled"
	KindOrderRejected  Kind = "order_rejected"
	KindOrderCancelled Kind = "order_cancelled"
	KindOrderRetry     Kind = "order_retry"
	KindBatchSummary   Kind = "batch_summary"
)

// Entry is a single audit record. OrderID is empty for entries that do not
// refer to one order, such as batch summaries.
type Entry struct {
	Seq      int64
	Time     time.Time
	Severity Severity
	Kind     Kind
	Message  string

	OrderID    string
	CustomerID string
	ProductID  string
	Tier       customer.Tier
	Quantity   int
	Score      float64
}

// Predicate selects entries in Filter.
type Predicate func(Entry) bool

// ByOrder matches entries referring to orderID.
func ByOrder(orderID string) Predicate {
	return func(e Entry) bool { return e.OrderID == orderID }
}

// BySeverity matches entries of the given severity.
func BySeverity(s Severity) Predicate {
	return func(e Entry) bool { return e.Severity == s }
}

// All matches entries satisfying every predicate.
func All(preds ...Predicate) Predicate {
	return func(e Entry) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}
}
