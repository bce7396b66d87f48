package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/billygk/fundingwatch/internal/models"
)

func TestFetchInstrumentsFollowsPagination(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		cursor := r.URL.Query().Get("cursor")

		var list []map[string]string
		var next string
		switch {
		case n == 1 && cursor == "":
			list = []map[string]string{{"symbol": "BTCUSDT", "contractType": "LinearPerpetual", "status": "Trading"}}
			next = "page2"
		case cursor == "page2":
			list = []map[string]string{{"symbol": "ETHUSDT", "contractType": "LinearPerpetual", "status": "Trading"}}
			next = ""
		default:
			t.Fatalf("unexpected call %d with cursor %q", n, cursor)
		}

		rawList, _ := json.Marshal(list)
		resp := map[string]interface{}{
			"retCode": 0,
			"retMsg":  "OK",
			"result": map[string]interface{}{
				"list":           json.RawMessage(rawList),
				"nextPageCursor": next,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(server.URL, 2*time.Second, 100, time.Second, 4, 10*time.Millisecond, 5, time.Minute)
	defer c.Close()

	rows, err := c.FetchInstruments(context.Background(), models.CategoryLinear)
	if err != nil {
		t.Fatalf("FetchInstruments returned error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows across 2 pages, got %d", len(rows))
	}
	if rows[0].Symbol != "BTCUSDT" || rows[1].Symbol != "ETHUSDT" {
		t.Errorf("unexpected symbols: %+v", rows)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected exactly 2 HTTP calls, got %d", calls)
	}
}

func TestDoRequestRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]interface{}{
			"retCode": 0,
			"retMsg":  "OK",
			"result": map[string]interface{}{
				"list":           json.RawMessage("[]"),
				"nextPageCursor": "",
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(server.URL, 2*time.Second, 100, time.Second, 4, 5*time.Millisecond, 5, time.Minute)
	defer c.Close()

	_, err := c.FetchInstruments(context.Background(), models.CategoryLinear)
	if err != nil {
		t.Fatalf("expected eventual success after retries, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts (2 failures + 1 success), got %d", calls)
	}
}

func TestDoRequestFailsFastOnNonRetryableAPIError(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		resp := map[string]interface{}{
			"retCode": 10001,
			"retMsg":  "invalid symbol",
			"result":  map[string]interface{}{"list": json.RawMessage("[]"), "nextPageCursor": ""},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(server.URL, 2*time.Second, 100, time.Second, 4, 5*time.Millisecond, 5, time.Minute)
	defer c.Close()

	_, err := c.FetchInstruments(context.Background(), models.CategoryLinear)
	if err == nil {
		t.Fatal("expected error for delist retCode")
	}
	if _, ok := err.(*DelistedError); !ok {
		t.Errorf("expected *DelistedError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 attempt (no retry on delist), got %d", calls)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, 2*time.Second, 100, time.Second, 1, time.Millisecond, 2, time.Hour)
	defer c.Close()

	for i := 0; i < 2; i++ {
		if _, err := c.FetchInstruments(context.Background(), models.CategoryLinear); err == nil {
			t.Fatalf("expected error on call %d", i)
		}
	}

	_, err := c.FetchInstruments(context.Background(), models.CategoryLinear)
	if _, ok := err.(*ErrBreakerOpen); !ok {
		t.Fatalf("expected breaker to be open after threshold failures, got %T: %v", err, err)
	}
}
