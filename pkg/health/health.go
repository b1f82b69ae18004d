// Package health serves liveness and readiness probes backed by periodic
// background checks.
//
// A check flips to unhealthy only after FailureThreshold consecutive
// failures and back to healthy after SuccessThreshold consecutive
// successes, so a single slow ping does not take the service out of
// rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc reports a problem with a component, or nil when it is healthy.
type CheckFunc func(ctx context.Context) error

// Thresholds control how many consecutive results flip a probe.
type Thresholds struct {
	Failure int
	Success int
}

// DefaultThresholds is used by AddLivenessCheck and AddReadinessCheck.
var DefaultThresholds = Thresholds{Failure: 3, Success: 1}

// probe is one registered check. run is only called from the probe's own
// goroutine, so the counters need no locking; healthy and lastErr are read by
// HTTP handlers.
type probe struct {
	name       string
	timeout    time.Duration
	check      CheckFunc
	thresholds Thresholds

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func newProbe(name string, timeout time.Duration, check CheckFunc, th Thresholds) *probe {
	if th.Failure <= 0 {
		th.Failure = DefaultThresholds.Failure
	}
	if th.Success <= 0 {
		th.Success = DefaultThresholds.Success
	}
	p := &probe{name: name, timeout: timeout, check: check, thresholds: th}
	p.healthy.Store(true)
	return p
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.thresholds.Failure {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.thresholds.Success {
		p.healthy.Store(true)
	}
}

func (p *probe) failure() (string, bool) {
	if p.healthy.Load() {
		return "", false
	}
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error(), true
	}
	return "check is unhealthy", true
}

// Health aggregates liveness and readiness probes.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*probe
	readiness []*probe
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New returns a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that decides whether the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.AddLiveness(name, timeout, check, DefaultThresholds)
}

// AddLiveness registers a liveness check with custom thresholds.
func (h *Health) AddLiveness(name string, timeout time.Duration, check CheckFunc, th Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newProbe(name, timeout, check, th))
}

// AddReadinessCheck registers a check that decides whether the service
// should receive traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.AddReadiness(name, timeout, check, DefaultThresholds)
}

// AddReadiness registers a readiness check with custom thresholds.
func (h *Health) AddReadiness(name string, timeout time.Duration, check CheckFunc, th Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newProbe(name, timeout, check, th))
}

// Start runs every registered check once immediately and then every
// interval, each in its own goroutine. Checks registered after Start are not
// run.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	probes := append(append([]*probe{}, h.liveness...), h.readiness...)
	h.mu.Unlock()

	for _, p := range probes {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			loop(ctx, p, interval)
		}()
	}
}

func loop(ctx context.Context, p *probe, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Stop cancels the check goroutines and waits for them to exit.
func (h *Health) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// SetReady sets the manual readiness gate. Services set it after startup and
// clear it at the beginning of a graceful shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the gate is open and every readiness check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	return len(failures(h.snapshot(false))) == 0
}

func (h *Health) snapshot(live bool) []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if live {
		return append([]*probe{}, h.liveness...)
	}
	return append([]*probe{}, h.readiness...)
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	respond(w, failures(h.snapshot(true)))
}

// ReadyEndpoint serves /readyz. The manual gate is reported as the
// "_readiness" check.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(false))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	respond(w, failed)
}

func failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		if msg, failed := p.failure(); failed {
			out[p.name] = msg
		}
	}
	return out
}

// respond writes {"status":"ok"} or {"status":"unhealthy","checks":{...}}.
func respond(w http.ResponseWriter, failed map[string]string) {
	status, text := http.StatusOK, "ok"
	if len(failed) > 0 {
		status, text = http.StatusServiceUnavailable, "unhealthy"
	}

	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	e.Str(text)
	if len(names) > 0 {
		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failed[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
