package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the per-client sliding window limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per Window.
	Max    int
	Window time.Duration
	// KeyFunc identifies the client. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
}

// window counts requests in the current fixed window and remembers the
// previous one. The estimate weights the previous count by how much of it
// still overlaps the sliding window.
type window struct {
	start time.Time
	curr  float64
	prev  float64
}

type decision struct {
	allowed   bool
	remaining int
	reset     time.Time
}

// limiter holds the per-key windows.
type limiter struct {
	max  int
	size time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(max int, size time.Duration) *limiter {
	return &limiter{max: max, size: size, windows: make(map[string]*window)}
}

func (l *limiter) allow(key string, now time.Time) decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{start: now.Truncate(l.size)}
		l.windows[key] = w
	}
	if elapsed := now.Sub(w.start); elapsed >= l.size {
		if elapsed >= 2*l.size {
			w.prev = 0
		} else {
			w.prev = w.curr
		}
		w.curr = 0
		w.start = now.Truncate(l.size)
	}

	overlap := 1 - float64(now.Sub(w.start))/float64(l.size)
	estimate := w.prev*math.Max(overlap, 0) + w.curr
	d := decision{reset: w.start.Add(l.size)}
	if estimate >= float64(l.max) {
		return d
	}
	w.curr++
	d.allowed = true
	d.remaining = max(int(float64(l.max)-estimate-1), 0)
	return d
}

// sweep drops keys that have been idle for two windows.
func (l *limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.size {
			delete(l.windows, key)
		}
	}
}

func (l *limiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RateLimit limits requests per client. Rejected requests get 429 with a
// Retry-After header; every response carries X-RateLimit-* headers. Idle
// clients are never evicted; use RateLimitWithCleanup for long-running
// servers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return rateLimit(cfg, newLimiter(cfg.Max, cfg.Window))
}

// RateLimitWithCleanup is RateLimit with a background sweep of idle clients
// every two windows, until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg.Max, cfg.Window)
	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.sweep(now)
			}
		}
	}()
	return rateLimit(cfg, l)
}

func rateLimit(cfg RateLimitConfig, l *limiter) Middleware {
	key := cfg.KeyFunc
	if key == nil {
		key = ClientIP
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d := l.allow(key(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.reset.Unix(), 10))
			if !d.allowed {
				wait := math.Ceil(max(d.reset.Sub(now), 0).Seconds())
				h.Set("Retry-After", strconv.Itoa(int(wait)))
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For address, X-Real-IP, or the
// host part of RemoteAddr, in that order.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
