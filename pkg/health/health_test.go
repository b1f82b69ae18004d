package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type probeBody struct {
	status string
	checks map[string]string
}

func serve(t *testing.T, handler http.HandlerFunc) (int, probeBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := probeBody{checks: map[string]string{}}
	err := jx.DecodeBytes(rec.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			v, err := d.Str()
			body.status = v
			return err
		case "checks":
			return d.Obj(func(d *jx.Decoder, name string) error {
				v, err := d.Str()
				body.checks[name] = v
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return rec.Code, body
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestProbeThresholds(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		wantHealthy bool
	}{
		{name: "no runs", failures: 0, wantHealthy: true},
		{name: "below threshold", failures: 2, wantHealthy: true},
		{name: "at threshold", failures: 3, wantHealthy: false},
		{name: "above threshold", failures: 5, wantHealthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProbe("db", time.Second, failing("refused"), DefaultThresholds)
			runN(p, tt.failures)
			_, failed := p.failure()
			assert.Equal(t, tt.wantHealthy, !failed)
		})
	}
}

func TestProbeRecovers(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	check := func(context.Context) error {
		if broken.Load() {
			return errors.New("down")
		}
		return nil
	}

	p := newProbe("redis", time.Second, check, Thresholds{Failure: 1, Success: 2})
	runN(p, 1)
	msg, failed := p.failure()
	require.True(t, failed)
	assert.Equal(t, "down", msg)

	broken.Store(false)
	runN(p, 1)
	_, failed = p.failure()
	assert.True(t, failed, "one success is below the success threshold")

	runN(p, 1)
	_, failed = p.failure()
	assert.False(t, failed)
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passing())
	h.AddLivenessCheck("db", time.Second, failing("connection refused"))

	code, body := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.status)
	assert.Empty(t, body.checks)

	runN(h.liveness[1], 3)
	code, body = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, body.checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())

	code, body := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.checks, "_readiness")
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.status)
	assert.True(t, h.IsReady())

	h.AddReadiness("processor", time.Second, failing("stalled"), Thresholds{Failure: 1})
	runN(h.readiness[1], 1)
	code, body = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"processor": "stalled"}, body.checks)
	assert.False(t, h.IsReady())

	h.SetReady(false)
	_, body = serve(t, h.ReadyEndpoint)
	assert.Len(t, body.checks, 2)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		mu    sync.Mutex
		calls int
	)
	h := New()
	h.AddLivenessCheck("count", time.Second, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})

	h.Start(context.Background(), 10*time.Millisecond)
	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("a", time.Second, passing())
	h.AddReadinessCheck("b", time.Second, failing("x"))
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				h.LiveEndpoint(httptest.NewRecorder(), req)
				h.ReadyEndpoint(httptest.NewRecorder(), req)
				_ = h.IsReady()
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(func(context.Context) error { return nil })(context.Background()))

	err := PingCheck(func(context.Context) error { return errors.New("refused") })(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestHeartbeatCheck(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		last    time.Time
		elapsed time.Duration
		wantErr bool
	}{
		{name: "no beat within grace", elapsed: 5 * time.Second},
		{name: "no beat after grace", elapsed: 20 * time.Second, wantErr: true},
		{name: "fresh beat", last: start.Add(25 * time.Second), elapsed: 30 * time.Second},
		{name: "stale beat", last: start.Add(time.Second), elapsed: 30 * time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := start
			check := heartbeatCheck(
				func() time.Time { return tt.last },
				10*time.Second, 15*time.Second,
				func() time.Time { return now },
			)
			now = start.Add(tt.elapsed)

			err := check(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBacklogCheck(t *testing.T) {
	size := 10
	check := BacklogCheck(func() int { return size }, 10)
	assert.NoError(t, check(context.Background()))

	size = 11
	assert.Error(t, check(context.Background()))
}
