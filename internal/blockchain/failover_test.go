package blockchain_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gikenye/minilend-sub000/internal/blockchain"
)

func rpcResultServer(t *testing.T, result any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}))
}

func rpcErrorServer(t *testing.T, code int, message string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": code, "message": message},
		})
	}))
}

func TestFailoverRotatesOnTransientError(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	healthy := rpcResultServer(t, "0x2a")
	defer healthy.Close()

	c, err := blockchain.NewFailoverClient([]string{broken.URL, healthy.URL}, 3)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("block number: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected block 42, got %d", got)
	}
	// The successful endpoint stays current for the next call.
	if c.Endpoint() != healthy.URL {
		t.Fatalf("expected cursor on healthy endpoint, got %s", c.Endpoint())
	}
}

func TestFailoverNonTransientErrorPropagates(t *testing.T) {
	var secondCalled atomic.Bool
	reverting := rpcErrorServer(t, 3, "execution reverted")
	defer reverting.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0x1"})
	}))
	defer second.Close()

	c, err := blockchain.NewFailoverClient([]string{reverting.URL, second.URL}, 3)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = c.BlockNumber(context.Background())
	var rpcErr *blockchain.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if secondCalled.Load() {
		t.Fatal("non-transient error must not rotate to the next endpoint")
	}
	if c.Endpoint() != reverting.URL {
		t.Fatalf("cursor moved on non-transient error")
	}
}

func TestFailoverAllEndpointsExhausted(t *testing.T) {
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer b.Close()

	c, err := blockchain.NewFailoverClient([]string{a.URL, b.URL}, 3)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = c.BlockNumber(context.Background())
	if !errors.Is(err, blockchain.ErrAllEndpointsFailed) {
		t.Fatalf("expected ErrAllEndpointsFailed, got %v", err)
	}
}

func TestFailoverReset(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	healthy := rpcResultServer(t, "0x1")
	defer healthy.Close()

	c, err := blockchain.NewFailoverClient([]string{broken.URL, healthy.URL}, 3)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := c.BlockNumber(context.Background()); err != nil {
		t.Fatalf("block number: %v", err)
	}
	if c.Endpoint() != healthy.URL {
		t.Fatalf("expected rotation to healthy endpoint")
	}

	c.Reset()
	if c.Endpoint() != broken.URL {
		t.Fatalf("reset must pin the cursor to endpoint 0")
	}
}

func TestFailoverRequiresEndpoint(t *testing.T) {
	if _, err := blockchain.NewFailoverClient(nil, 3); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
	if _, err := blockchain.NewFailoverClient([]string{" ", ""}, 3); err == nil {
		t.Fatal("expected error for blank endpoints")
	}
}
