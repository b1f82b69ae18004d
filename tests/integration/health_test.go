//go:build integration

package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

// backlogLimit matches ORDERDESK_HEALTH_MAX_BACKLOG in docker-compose.test.yml.
const backlogLimit = 20

func TestReadyz_QueueBacklog(t *testing.T) {
	_, normal := customersByTier(t)
	processQueue(t)

	waitForReadiness(t, func(status int, body healthResponse) bool {
		return status == http.StatusOK && body.Status == "ok"
	})

	// product-5 has no stock, so draining rejects these orders without
	// touching any stock level or budget.
	for range backlogLimit + 1 {
		submit(t, orderRequest{CustomerID: normal.ID, ProductID: "product-5", Quantity: 1})
	}

	body := waitForReadiness(t, func(status int, body healthResponse) bool {
		return status == http.StatusServiceUnavailable && body.Checks["queue"] != ""
	})
	if body.Status != "unhealthy" {
		t.Errorf("status: got %q, want unhealthy", body.Status)
	}
	if !strings.Contains(body.Checks["queue"], "exceeds limit 20") {
		t.Errorf("queue check: %q", body.Checks["queue"])
	}
	for name := range body.Checks {
		if name != "queue" {
			t.Errorf("unexpected failing check %q: %q", name, body.Checks[name])
		}
	}

	// A full queue is a readiness concern only; with the loop disabled there
	// is no processor heartbeat to go stale either.
	live := doGet(t, "/livez")
	defer live.Body.Close()
	expectStatus(t, live, http.StatusOK)

	summary := processQueue(t)
	if summary.Rejected < backlogLimit+1 {
		t.Errorf("summary: %+v", summary)
	}
	waitForReadiness(t, func(status int, body healthResponse) bool {
		return status == http.StatusOK && len(body.Checks) == 0
	})
}

// waitForReadiness polls /readyz until done accepts the response and returns
// the accepted body. Checks run every second in the test stack.
func waitForReadiness(t *testing.T, done func(status int, body healthResponse) bool) healthResponse {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var last healthResponse
	for {
		resp := doGet(t, "/readyz")
		last = decodeJSON[healthResponse](t, resp)
		status := resp.StatusCode
		resp.Body.Close()
		if done(status, last) {
			return last
		}

		select {
		case <-ctx.Done():
			t.Fatalf("readiness did not settle: last %d %+v", status, last)
		case <-time.After(200 * time.Millisecond):
		}
	}
}
