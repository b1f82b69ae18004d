//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"regexp"
	"testing"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestSubmitOrder_Validation(t *testing.T) {
	premium, _ := customersByTier(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"customer_id":`, http.StatusBadRequest},
		{"missing customer", `{"product_id":"product-1","quantity":1}`, http.StatusBadRequest},
		{"zero quantity", fmt.Sprintf(`{"customer_id":%q,"product_id":"product-1","quantity":0}`, premium.ID), http.StatusBadRequest},
		{"negative quantity", fmt.Sprintf(`{"customer_id":%q,"product_id":"product-1","quantity":-2}`, premium.ID), http.StatusBadRequest},
		{"unknown customer", `{"customer_id":"nobody","product_id":"product-1","quantity":1}`, http.StatusUnprocessableEntity},
		{"unknown product", fmt.Sprintf(`{"customer_id":%q,"product_id":"product-999","quantity":1}`, premium.ID), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRaw(t, http.MethodPost, "/api/orders", tt.body)
			defer resp.Body.Close()
			expectStatus(t, resp, tt.status)

			body := decodeJSON[errorResponse](t, resp)
			if body.Code != tt.status {
				t.Errorf("code: got %d, want %d", body.Code, tt.status)
			}
			if body.Message == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestSubmitAndProcess_Fulfilled(t *testing.T) {
	premium, _ := customersByTier(t)

	o := submit(t, orderRequest{CustomerID: premium.ID, ProductID: "product-1", Quantity: 1})
	if !uuidPattern.MatchString(o.ID) {
		t.Errorf("order id %q is not a UUID", o.ID)
	}
	if o.State != "pending" {
		t.Fatalf("state: got %q, want pending", o.State)
	}
	if o.Tier != "Premium" {
		t.Errorf("tier: got %q, want Premium", o.Tier)
	}

	summary := processQueue(t)
	if summary.Processed < 1 || summary.Fulfilled < 1 {
		t.Fatalf("summary: %+v", summary)
	}

	got := getOrder(t, o.ID)
	if got.State != "fulfilled" {
		t.Fatalf("state: got %q, want fulfilled (reason %q)", got.State, got.Reason)
	}
	if got.Cost != "100.00" {
		t.Errorf("cost: got %q, want 100.00", got.Cost)
	}

	resp := doGet(t, "/api/logs?order_id="+o.ID)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	entries := decodeJSON[[]logEntry](t, resp)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry for order, got %d", len(entries))
	}
	if entries[0].Kind != "order_fulfilled" || entries[0].Severity != "info" {
		t.Errorf("entry: %+v", entries[0])
	}
}

func TestSubmitAndProcess_Rejected(t *testing.T) {
	_, normal := customersByTier(t)

	tests := []struct {
		name   string
		req    orderRequest
		reason string
	}{
		// product-5 is seeded with zero stock.
		{"out of stock", orderRequest{CustomerID: normal.ID, ProductID: "product-5", Quantity: 1}, "insufficient_stock"},
		// 150 x 45.00 exceeds every seeded budget.
		{"over budget", orderRequest{CustomerID: normal.ID, ProductID: "product-3", Quantity: 150}, "insufficient_budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := submit(t, tt.req)
			processQueue(t)

			got := getOrder(t, o.ID)
			if got.State != "rejected" {
				t.Fatalf("state: got %q, want rejected", got.State)
			}
			if got.Reason != tt.reason {
				t.Errorf("reason: got %q, want %q", got.Reason, tt.reason)
			}
			if got.Cost != "" {
				t.Errorf("rejected order has cost %q", got.Cost)
			}
		})
	}
}

func TestCancelOrder(t *testing.T) {
	_, normal := customersByTier(t)

	o := submit(t, orderRequest{CustomerID: normal.ID, ProductID: "product-4", Quantity: 1})

	resp := do(t, http.MethodDelete, "/api/orders/"+o.ID, nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	cancelled := decodeJSON[orderResponse](t, resp)
	if cancelled.State != "rejected" || cancelled.Reason != "cancelled" {
		t.Fatalf("cancelled order: state %q reason %q", cancelled.State, cancelled.Reason)
	}

	again := do(t, http.MethodDelete, "/api/orders/"+o.ID, nil)
	defer again.Body.Close()
	expectStatus(t, again, http.StatusConflict)

	queue := getQueue(t)
	for _, q := range queue.Orders {
		if q.OrderID == o.ID {
			t.Fatal("cancelled order still queued")
		}
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	resp := doGet(t, "/api/orders/00000000-0000-0000-0000-000000000000")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)

	missing := do(t, http.MethodDelete, "/api/orders/00000000-0000-0000-0000-000000000000", nil)
	defer missing.Body.Close()
	expectStatus(t, missing, http.StatusNotFound)
}

func TestQueue_PremiumFirst(t *testing.T) {
	premium, normal := customersByTier(t)

	// The Normal order is older and larger, Premium still ranks ahead.
	n := submit(t, orderRequest{CustomerID: normal.ID, ProductID: "product-3", Quantity: 5})
	p := submit(t, orderRequest{CustomerID: premium.ID, ProductID: "product-3", Quantity: 1})
	t.Cleanup(func() {
		for _, id := range []string{n.ID, p.ID} {
			resp := do(t, http.MethodDelete, "/api/orders/"+id, nil)
			resp.Body.Close()
		}
	})

	queue := getQueue(t)
	if queue.Size != len(queue.Orders) {
		t.Errorf("size %d, orders %d", queue.Size, len(queue.Orders))
	}

	rank := map[string]int{}
	for i, q := range queue.Orders {
		if q.Rank != i+1 {
			t.Errorf("entry %d has rank %d", i, q.Rank)
		}
		if i > 0 && q.Score > queue.Orders[i-1].Score {
			t.Errorf("entry %d scores above its predecessor", i)
		}
		rank[q.OrderID] = q.Rank
	}
	if rank[p.ID] == 0 || rank[n.ID] == 0 {
		t.Fatalf("orders missing from snapshot: %v", rank)
	}
	if rank[p.ID] > rank[n.ID] {
		t.Errorf("premium order ranked %d, behind normal order at %d", rank[p.ID], rank[n.ID])
	}
}

func TestProcessSelectedOrder(t *testing.T) {
	premium, normal := customersByTier(t)

	top := submit(t, orderRequest{CustomerID: premium.ID, ProductID: "product-5", Quantity: 1})
	picked := submit(t, orderRequest{CustomerID: normal.ID, ProductID: "product-5", Quantity: 1})
	t.Cleanup(func() {
		resp := do(t, http.MethodDelete, "/api/orders/"+top.ID, nil)
		resp.Body.Close()
	})

	resp := doPost(t, "/api/orders/"+picked.ID+"/process", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	got := decodeJSON[orderResponse](t, resp)
	if got.ID != picked.ID || got.State != "rejected" || got.Reason != "insufficient_stock" {
		t.Fatalf("processed order: %+v", got)
	}

	queued := false
	for _, q := range getQueue(t).Orders {
		if q.OrderID == picked.ID {
			t.Errorf("processed order %s still queued", picked.ID)
		}
		queued = queued || q.OrderID == top.ID
	}
	if !queued {
		t.Errorf("higher ranked order %s left the queue", top.ID)
	}

	again := doPost(t, "/api/orders/"+picked.ID+"/process", nil)
	defer again.Body.Close()
	expectStatus(t, again, http.StatusConflict)
}

func TestCustomerOrders(t *testing.T) {
	premium, _ := customersByTier(t)

	o := submit(t, orderRequest{CustomerID: premium.ID, ProductID: "product-2", Quantity: 1})
	processQueue(t)

	resp := doGet(t, "/api/customers/"+premium.ID+"/orders")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	found := false
	for _, got := range decodeJSON[[]orderResponse](t, resp) {
		if got.CustomerID != premium.ID {
			t.Errorf("order %s belongs to %s", got.ID, got.CustomerID)
		}
		found = found || got.ID == o.ID
	}
	if !found {
		t.Errorf("order %s not listed for customer", o.ID)
	}

	unknown := doGet(t, "/api/customers/nobody/orders")
	defer unknown.Body.Close()
	expectStatus(t, unknown, http.StatusNotFound)
}

func TestListLogs(t *testing.T) {
	resp := doGet(t, "/api/logs?limit=5")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	entries := decodeJSON[[]logEntry](t, resp)
	if len(entries) > 5 {
		t.Fatalf("limit ignored: got %d entries", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("entries out of order at %d", i)
		}
	}

	bad := doGet(t, "/api/logs?severity=loud")
	defer bad.Body.Close()
	expectStatus(t, bad, http.StatusBadRequest)
}

func getQueue(t *testing.T) queueResponse {
	t.Helper()

	resp := doGet(t, "/api/queue")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	return decodeJSON[queueResponse](t, resp)
}
