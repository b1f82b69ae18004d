package logsink

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Recorder appends entries to a Sink without ever dropping one. Entries the
// sink refuses are kept in a backlog and written, in order, before any newer
// entry.
type Recorder struct {
	sink *Sink

	mu      sync.Mutex
	backlog []Entry
}

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(sink *Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Sink returns the underlying sink.
func (r *Recorder) Sink() *Sink {
	return r.sink
}

// Record appends e after any backlog. On failure e stays queued and the
// error is returned. Mirror failures are logged and otherwise ignored, since
// the entry is already recorded. An entry the sink could never accept is
// refused without touching the backlog.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	e, err := normalize(e)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.backlog = append(r.backlog, e)
	return r.flush(ctx)
}

// Flush writes the backlog. It stops at the first failure, keeping that
// entry and everything after it.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush(ctx)
}

func (r *Recorder) flush(ctx context.Context) error {
	for len(r.backlog) > 0 {
		e := r.backlog[0]
		stored, err := r.sink.Append(ctx, e)
		switch {
		case errors.Is(err, ErrMirror):
			zctx.From(ctx).Warn("Log mirror failed",
				zap.Int64("seq", stored.Seq),
				zap.String("kind", string(stored.Kind)),
				zap.Error(err),
			)
		case err != nil:
			return errors.Wrapf(err, "append log (%d pending)", len(r.backlog))
		}
		r.backlog[0] = Entry{}
		r.backlog = r.backlog[1:]
	}
	r.backlog = nil
	return nil
}

// Pending returns the number of entries waiting to be written.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}
