package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than limit goroutines are running.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines running, limit %d", n, limit)
		}
		return nil
	}
}

// PingCheck adapts a ping function such as pgxpool.Pool.Ping.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// HeartbeatCheck fails when last reports a time older than maxAge. A zero
// time passes until grace has elapsed since the check was created, which
// covers the first loop iteration after startup.
func HeartbeatCheck(last func() time.Time, maxAge, grace time.Duration) CheckFunc {
	return heartbeatCheck(last, maxAge, grace, time.Now)
}

func heartbeatCheck(last func() time.Time, maxAge, grace time.Duration, now func() time.Time) CheckFunc {
	created := now()
	return func(context.Context) error {
		t := last()
		at := now()
		if t.IsZero() {
			if at.Sub(created) > grace {
				return errors.Errorf("no heartbeat within %s of startup", grace)
			}
			return nil
		}
		if age := at.Sub(t); age > maxAge {
			return errors.Errorf("last heartbeat %s ago, max %s", age.Truncate(time.Millisecond), maxAge)
		}
		return nil
	}
}

// BacklogCheck fails when size reports more than limit queued items.
func BacklogCheck(size func() int, limit int) CheckFunc {
	return func(context.Context) error {
		if n := size(); n > limit {
			return errors.Errorf("backlog %d exceeds limit %d", n, limit)
		}
		return nil
	}
}
