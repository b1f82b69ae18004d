package logsink

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// ErrMirror marks an Append error raised after the entry was recorded. The
// entry is durable and visible through Tail; only a mirror missed it.
var ErrMirror = errors.New("log mirror failed")

// ErrInvalidSeverity is returned for an entry whose severity is not one of
// the known levels.
var ErrInvalidSeverity = errors.New("invalid severity")

// DefaultCapacity bounds the in-memory window when a durable store is
// configured and no capacity is given.
const DefaultCapacity = 1000

// Store is the durable log backend.
type Store interface {
	AppendLog(ctx context.Context, e Entry) error
	// RecentLogs returns up to limit of the newest entries in chronological
	// order.
	RecentLogs(ctx context.Context, limit int) ([]Entry, error)
}

// Mirror receives every recorded entry for external viewers.
type Mirror interface {
	Publish(ctx context.Context, e Entry) error
}

// Option configures a Sink.
type Option func(*Sink)

// WithStore makes the sink write every entry to a durable store before it is
// recorded in memory.
func WithStore(s Store) Option {
	return func(k *Sink) {
		k.store = s
	}
}

// WithMirror adds a mirror that is published to after the entry is recorded.
func WithMirror(m Mirror) Option {
	return func(k *Sink) {
		k.mirrors = append(k.mirrors, m)
	}
}

// WithCapacity bounds the in-memory window. It has no effect without a store,
// since memory is then the only copy of the log.
func WithCapacity(n int) Option {
	return func(k *Sink) {
		k.capacity = n
	}
}

// WithClock overrides the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(k *Sink) {
		k.now = now
	}
}

// Sink is the append-only log. Appends are serialized so that sequence
// numbers match the order entries reach the store; readers never wait on
// store I/O.
type Sink struct {
	store    Store
	mirrors  []Mirror
	capacity int
	now      func() time.Time

	// writeMu serializes Append and Restore.
	writeMu sync.Mutex
	seq     int64

	// mu guards entries.
	mu      sync.RWMutex
	entries []Entry
}

// New creates a Sink.
func New(opts ...Option) *Sink {
	s := &Sink{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.capacity = 0
	} else if s.capacity <= 0 {
		s.capacity = DefaultCapacity
	}
	return s
}

// Append records an entry. Seq is always assigned; Time is assigned when
// zero so that retried entries keep their original timestamp.
//
// A store failure is returned and the entry is not recorded. A mirror failure
// is returned wrapped with ErrMirror after the entry has been recorded.
func (s *Sink) Append(ctx context.Context, e Entry) (Entry, error) {
	e, err := normalize(e)
	if err != nil {
		return e, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e.Seq = s.seq + 1
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}

	if s.store != nil {
		if err := s.store.AppendLog(ctx, e); err != nil {
			return e, errors.Wrap(err, "store log entry")
		}
	}
	s.seq = e.Seq
	s.record(e)

	var mirrorErr error
	for _, m := range s.mirrors {
		if err := m.Publish(ctx, e); err != nil && mirrorErr == nil {
			mirrorErr = errors.Wrapf(ErrMirror, "seq %d: %v", e.Seq, err)
		}
	}
	return e, mirrorErr
}

// normalize defaults an empty severity to info and rejects unknown ones.
func normalize(e Entry) (Entry, error) {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if !e.Severity.Valid() {
		return e, errors.Wrapf(ErrInvalidSeverity, "%q", e.Severity)
	}
	return e, nil
}

func (s *Sink) record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	if s.capacity > 0 && len(s.entries) > s.capacity {
		// Copy so the dropped prefix can be collected.
		trimmed := make([]Entry, s.capacity, s.capacity+s.capacity/4)
		copy(trimmed, s.entries[len(s.entries)-s.capacity:])
		s.entries = trimmed
	}
}

// Restore loads the newest entries from the store into memory and continues
// sequence numbering after them. It is a no-op without a store.
func (s *Sink) Restore(ctx context.Context, limit int) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	if limit <= 0 || limit > s.capacity {
		limit = s.capacity
	}

	entries, err := s.store.RecentLogs(ctx, limit)
	if err != nil {
		return 0, errors.Wrap(err, "load recent logs")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, e := range entries {
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}

	s.mu.Lock()
	s.entries = append(entries[:0:0], entries...)
	s.mu.Unlock()
	return len(entries), nil
}

// Tail returns the last n entries in chronological order. n <= 0 returns all
// entries held in memory.
func (s *Sink) Tail(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && n < len(s.entries) {
		start = len(s.entries) - n
	}
	out := make([]Entry, len(s.entries)-start)
	copy(out, s.entries[start:])
	return out
}

// Filter returns the entries matching pred in chronological order.
func (s *Sink) Filter(pred Predicate) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries held in memory.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
