//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go/modules/compose"
	"github.com/testcontainers/testcontainers-go/wait"
)

const seededProducts = 5

var (
	baseURL    string
	httpClient *http.Client
)

// Response types are defined locally to keep tests black-box.

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type customerResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tier       string `json:"tier"`
	Budget     string `json:"budget"`
	TotalSpent string `json:"total_spent"`
}

type productResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	Available *int   `json:"available,omitempty"`
	Price     string `json:"price"`
}

type orderRequest struct {
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
}

type orderResponse struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	ProductID   string  `json:"product_id"`
	Quantity    int     `json:"quantity"`
	Tier        string  `json:"tier"`
	State       string  `json:"state"`
	Score       float64 `json:"score"`
	Attempts    int     `json:"attempts"`
	Reason      string  `json:"reason"`
	Cost        string  `json:"cost"`
	WaitSeconds float64 `json:"wait_seconds"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type queueEntry struct {
	Rank       int     `json:"rank"`
	OrderID    string  `json:"order_id"`
	CustomerID string  `json:"customer_id"`
	Tier       string  `json:"tier"`
	Quantity   int     `json:"quantity"`
	Score      float64 `json:"score"`
}

type queueResponse struct {
	Size   int          `json:"size"`
	Orders []queueEntry `json:"orders"`
}

type summaryResponse struct {
	Processed int `json:"processed"`
	Fulfilled int `json:"fulfilled"`
	Rejected  int `json:"rejected"`
	Retried   int `json:"retried"`
}

type logEntry struct {
	Seq      int64  `json:"seq"`
	Severity string `json:"severity"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	OrderID  string `json:"order_id"`
}

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Coverage output directory for the instrumented binary.
	if err := os.MkdirAll("coverdir", 0o777); err != nil {
		log.Fatalf("create coverdir: %v", err)
	}

	dc, err := tc.NewDockerCompose("docker-compose.test.yml")
	if err != nil {
		log.Fatalf("compose init: %v", err)
	}

	// Start postgres and redis, run the one-shot seed service, then start the
	// API and wait until it reports ready. The API loads the stock ledger at
	// startup, so it must come up after seeding.
	err = dc.
		WaitForService("api", wait.ForHTTP("/readyz").WithPort("8080/tcp")).
		Up(ctx, tc.Wait(true))
	if err != nil {
		log.Fatalf("compose up: %v", err)
	}

	apiContainer, err := dc.ServiceContainer(ctx, "api")
	if err != nil {
		log.Fatalf("api container: %v", err)
	}

	host, err := apiContainer.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}

	mappedPort, err := apiContainer.MappedPort(ctx, "8080/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	baseURL = fmt.Sprintf("http://%s:%s", host, mappedPort.Port())
	httpClient = &http.Client{Timeout: 10 * time.Second}
	log.Printf("API available at %s", baseURL)

	if err := waitForSeededData(ctx); err != nil {
		log.Fatalf("wait for seed: %v", err)
	}

	result := m.Run()

	// Stop gracefully so the coverage-instrumented binary flushes to
	// GOCOVERDIR. The compose file sets stop_signal: SIGINT because app.Run
	// handles SIGINT for graceful shutdown.
	stopTimeout := 30 * time.Second
	if err := apiContainer.Stop(ctx, &stopTimeout); err != nil {
		log.Printf("stop api container: %v", err)
	}

	if err := dc.Down(context.Background(), tc.RemoveOrphans(true)); err != nil {
		log.Printf("compose down: %v", err)
	}

	return result
}

// waitForSeededData polls the product list until every seeded product is
// visible with ledger availability.
func waitForSeededData(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for seeded data (last: %s): %w", lastErr, ctx.Err())
		case <-ticker.C:
			resp, err := httpClient.Get(baseURL + "/api/products")
			if err != nil {
				lastErr = err.Error()
				continue
			}

			var products []productResponse
			if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
				lastErr = fmt.Sprintf("decode: %v (status: %d)", err, resp.StatusCode)
				resp.Body.Close()
				continue
			}
			resp.Body.Close()

			if len(products) == seededProducts {
				log.Printf("seed data ready: %d products", len(products))
				return nil
			}
			lastErr = fmt.Sprintf("got %d products, want %d", len(products), seededProducts)
		}
	}
}

// HTTP helpers.

func do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, baseURL+path, r)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}

	return resp
}

func doGet(t *testing.T, path string) *http.Response {
	t.Helper()
	return do(t, http.MethodGet, path, nil)
}

func doPost(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return do(t, http.MethodPost, path, body)
}

func doRaw(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, baseURL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}

	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// customersByTier returns one seeded customer of each tier.
func customersByTier(t *testing.T) (premium, normal customerResponse) {
	t.Helper()

	resp := doGet(t, "/api/customers")
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	for _, c := range decodeJSON[[]customerResponse](t, resp) {
		switch c.Tier {
		case "Premium":
			if premium.ID == "" {
				premium = c
			}
		case "Normal":
			if normal.ID == "" {
				normal = c
			}
		}
	}
	if premium.ID == "" || normal.ID == "" {
		t.Skip("seed produced a single tier")
	}
	return premium, normal
}

func submit(t *testing.T, req orderRequest) orderResponse {
	t.Helper()

	resp := doPost(t, "/api/orders", req)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusCreated)

	return decodeJSON[orderResponse](t, resp)
}

func getOrder(t *testing.T, id string) orderResponse {
	t.Helper()

	resp := doGet(t, "/api/orders/"+id)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	return decodeJSON[orderResponse](t, resp)
}

func processQueue(t *testing.T) summaryResponse {
	t.Helper()

	resp := doPost(t, "/api/queue/process", nil)
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	return decodeJSON[summaryResponse](t, resp)
}
