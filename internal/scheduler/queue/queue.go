// Package queue keeps pending orders ranked by their live priority score.
package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/orderdesk/internal/domain/customer"
	"github.com/xenking/orderdesk/internal/scheduler/priority"
)

// Sentinel errors returned by Queue operations.
var (
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrDuplicateOrder = errors.New("order already queued")
	ErrNotFound       = errors.New("order not queued")
)

// Item is the scheduling view of a pending order.
type Item struct {
	OrderID    string
	CustomerID string
	ProductID  string
	Tier       customer.Tier
	Quantity   int
	CreatedAt  time.Time
}

// Entry is a read-only ranked summary of a queued order.
type Entry struct {
	Item
	Rank  int
	Score float64
	Wait  time.Duration
}

type node struct {
	item  Item
	seq   uint64
	index int
}

// Queue is a priority queue of pending orders. All methods are safe for
// concurrent use; each operation is atomic on its own.
//
// Scores are not cached. Comparisons evaluate the score from the creation
// timestamp at the current clock reading, so Pop always reflects current
// wait times. The scorer weights wait linearly with a fixed multiplier per
// tier, which means the relative order of two queued items never changes as
// time advances and the heap remains valid between operations.
type Queue struct {
	scorer *priority.Scorer
	now    func() time.Time

	mu     sync.Mutex
	nodes  []*node
	byID   map[string]*node
	seq    uint64
	passAt time.Time
	cmpAt  time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used to compute wait times.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates an empty Queue ranking items with the given scorer.
func New(scorer *priority.Scorer, opts ...Option) *Queue {
	q := &Queue{
		scorer: scorer,
		now:    time.Now,
		byID:   make(map[string]*node),
	}
	for _, o := range opts {
		o(q)
	}
	q.passAt = q.now()
	return q
}

// Insert adds an item. It fails with ErrDuplicateOrder if an item with the
// same order ID is already queued. A creation time in the future is clamped
// to now, so every queued item ages at the same rate.
func (q *Queue) Insert(item Item) error {
	if !item.Tier.Valid() {
		return errors.Wrapf(priority.ErrInvalidTier, "order %s", item.OrderID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[item.OrderID]; ok {
		return errors.Wrapf(ErrDuplicateOrder, "order %s", item.OrderID)
	}

	q.pass()
	if item.CreatedAt.After(q.passAt) {
		item.CreatedAt = q.passAt
	}
	q.seq++
	n := &node{item: item, seq: q.seq}
	q.byID[item.OrderID] = n
	heap.Push((*nodeHeap)(q), n)
	return nil
}

// Peek returns the highest ranked item without removing it.
func (q *Queue) Peek() (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.nodes) == 0 {
		return Item{}, ErrQueueEmpty
	}
	return q.nodes[0].item, nil
}

// Pop removes and returns the highest ranked item together with its score
// at the time of removal.
func (q *Queue) Pop() (Item, float64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.nodes) == 0 {
		return Item{}, 0, ErrQueueEmpty
	}

	q.pass()
	n := heap.Pop((*nodeHeap)(q)).(*node)
	delete(q.byID, n.item.OrderID)
	return n.item, q.score(n.item, q.passAt), nil
}

// Remove deletes a queued item by order ID.
func (q *Queue) Remove(orderID string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.byID[orderID]
	if !ok {
		return Item{}, errors.Wrapf(ErrNotFound, "order %s", orderID)
	}

	q.pass()
	heap.Remove((*nodeHeap)(q), n.index)
	delete(q.byID, orderID)
	return n.item, nil
}

// Contains reports whether an order is queued.
func (q *Queue) Contains(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.byID[orderID]
	return ok
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.nodes)
}

// Snapshot returns all queued items in rank order. Scores and waits are
// evaluated at the last scheduling pass (the last Insert, Pop or Remove), so
// repeated snapshots without intervening changes are identical.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	nodes := make([]*node, len(q.nodes))
	copy(nodes, q.nodes)
	at := q.passAt
	q.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool {
		return q.less(nodes[i], nodes[j], at)
	})

	entries := make([]Entry, len(nodes))
	for i, n := range nodes {
		entries[i] = Entry{
			Item:  n.item,
			Rank:  i + 1,
			Score: q.score(n.item, at),
			Wait:  waitAt(n.item, at),
		}
	}
	return entries
}

// pass records a scheduling pass. Must be called with q.mu held.
func (q *Queue) pass() {
	q.passAt = q.now()
	q.cmpAt = q.passAt
}

func (q *Queue) score(item Item, at time.Time) float64 {
	// Tier is validated on Insert, so Score cannot fail here.
	s, _ := q.scorer.Score(item.Tier, waitAt(item, at).Seconds(), item.Quantity)
	return s
}

// less ranks a ahead of b: Premium first, then higher live score, then
// earlier creation, then earlier insertion.
func (q *Queue) less(a, b *node, at time.Time) bool {
	if a.item.Tier != b.item.Tier {
		return a.item.Tier == customer.TierPremium
	}
	sa, sb := q.score(a.item, at), q.score(b.item, at)
	if sa != sb {
		return sa > sb
	}
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.Before(b.item.CreatedAt)
	}
	return a.seq < b.seq
}

func waitAt(item Item, at time.Time) time.Duration {
	d := at.Sub(item.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}

// nodeHeap adapts Queue to container/heap. Methods must be called with q.mu
// held.
type nodeHeap Queue

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	return (*Queue)(h).less(h.nodes[i], h.nodes[j], h.cmpAt)
}

func (h *nodeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.nodes[i].index = i
	h.nodes[j].index = j
}

func (h *nodeHeap) Push(x any) {
	n := x.(*node)
	n.index = len(h.nodes)
	h.nodes = append(h.nodes, n)
}

func (h *nodeHeap) Pop() any {
	old := h.nodes
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.index = -1
	h.nodes = old[:last]
	return n
}
