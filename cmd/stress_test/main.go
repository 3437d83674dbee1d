package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any, out *envelope) (int, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "order service base URL")
	itemID := flag.Int64("item", 3, "catalog item id to add")
	totalRequests := flag.Int("requests", 50, "number of concurrent add-item requests")
	expectedStock := flag.Int("stock", 20, "stock of the catalog item before the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c := &client{baseURL: *baseURL, http: &http.Client{Timeout: 30 * time.Second}}

	// Register a client to own every order
	var registered envelope
	if code, err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{"name": "stress test"}, &registered); err != nil || code != http.StatusOK {
		log.Fatalf("register client: status %d: %v", code, err)
	}
	var creds struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(registered.Data, &creds); err != nil {
		log.Fatalf("decode registration: %v", err)
	}
	c.apiKey = creds.APIKey

	// One order per request so only the catalog row lock is contended
	orderIDs := make([]int64, *totalRequests)
	for i := range orderIDs {
		var created envelope
		if code, err := c.do(ctx, http.MethodPost, "/api/orders", nil, &created); err != nil || code != http.StatusCreated {
			log.Fatalf("create order: status %d: %v", code, err)
		}
		var order struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(created.Data, &order); err != nil {
			log.Fatalf("decode order: %v", err)
		}
		orderIDs[i] = order.ID
	}

	var (
		successCount      atomic.Int32
		outOfStockCount   atomic.Int32
		retryableCount    atomic.Int32
		otherFailureCount atomic.Int32
	)

	var wg sync.WaitGroup
	start := time.Now()

	for _, orderID := range orderIDs {
		wg.Add(1)
		go func(orderID int64) {
			defer wg.Done()

			var resp envelope
			code, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/orders/%d/items", orderID),
				map[string]any{"nomenclature_id": *itemID, "quantity": 1}, &resp)
			switch {
			case err != nil:
				otherFailureCount.Add(1)
			case code == http.StatusOK:
				successCount.Add(1)
			case resp.Error == "insufficient_stock":
				outOfStockCount.Add(1)
			case code == http.StatusServiceUnavailable:
				retryableCount.Add(1)
			default:
				otherFailureCount.Add(1)
			}
		}(orderID)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	outOfStock := int(outOfStockCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Expected Stock:   %d\n", *expectedStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", outOfStock)
	fmt.Printf("Retryable (503):  %d\n", retryableCount.Load())
	fmt.Printf("Other failures:   %d\n", otherFailureCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	want := min(*expectedStock, *totalRequests)
	if success == want && outOfStock == *totalRequests-want {
		fmt.Printf("PASS: exactly %d additions succeeded, %d ran out of stock\n", want, outOfStock)
		return
	}
	fmt.Printf("FAIL: expected %d success/%d out of stock, got %d/%d\n",
		want, *totalRequests-want, success, outOfStock)
	os.Exit(1)
}
