package blockchain

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FailoverClient executes JSON-RPC operations against a rotating list of
// equivalent endpoints. On a transient failure it advances the cursor to the
// next endpoint (wrapping) and retries; deterministic errors propagate
// unchanged. The cursor is shared by every caller of the same client, so a
// rotation triggered by one request is observed by the next.
type FailoverClient struct {
	endpoints  []string
	maxRetries int
	transport  *rpcTransport

	mu     sync.Mutex
	cursor int
}

func NewFailoverClient(endpoints []string, maxRetries int) (*FailoverClient, error) {
	clean := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if trimmed := strings.TrimSpace(e); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("at least one rpc endpoint is required")
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &FailoverClient{
		endpoints:  clean,
		maxRetries: maxRetries,
		transport:  newRPCTransport(),
	}, nil
}

// Reset pins the cursor back to the primary endpoint. Called before
// user-critical writes so they prefer endpoint 0.
func (c *FailoverClient) Reset() {
	c.mu.Lock()
	c.cursor = 0
	c.mu.Unlock()
}

// Endpoint returns the endpoint the next operation will hit.
func (c *FailoverClient) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.cursor]
}

func (c *FailoverClient) current() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor, c.endpoints[c.cursor]
}

// rotateFrom advances the cursor past the endpoint at idx. If a concurrent
// caller already moved the cursor elsewhere the rotation is skipped so two
// failures on the same endpoint do not jump two slots.
func (c *FailoverClient) rotateFrom(idx int) {
	c.mu.Lock()
	if c.cursor == idx {
		c.cursor = (c.cursor + 1) % len(c.endpoints)
	}
	c.mu.Unlock()
}

// execute runs fn against the current endpoint, rotating on transient errors.
// Attempts are bounded by maxRetries and by one full lap over the endpoint
// list. The lock is never held across the network call.
func (c *FailoverClient) execute(ctx context.Context, fn func(ctx context.Context, endpoint string) error) error {
	attempts := c.maxRetries + 1
	if n := len(c.endpoints); attempts > n {
		attempts = n
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		idx, endpoint := c.current()
		err := fn(ctx, endpoint)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		c.rotateFrom(idx)
	}
	return fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
}

func (c *FailoverClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := c.execute(ctx, func(ctx context.Context, endpoint string) error {
		n, err := c.transport.blockNumber(ctx, endpoint)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

func (c *FailoverClient) GetLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	var out []LogEntry
	err := c.execute(ctx, func(ctx context.Context, endpoint string) error {
		logs, err := c.transport.getLogs(ctx, endpoint, filter)
		if err != nil {
			return err
		}
		out = logs
		return nil
	})
	return out, err
}

func (c *FailoverClient) Call(ctx context.Context, from, to, data string) (string, error) {
	var out string
	err := c.execute(ctx, func(ctx context.Context, endpoint string) error {
		res, err := c.transport.ethCall(ctx, endpoint, from, to, data)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (c *FailoverClient) SendTransaction(ctx context.Context, from, to, data string, gasLimit uint64) (string, error) {
	var out string
	err := c.execute(ctx, func(ctx context.Context, endpoint string) error {
		hash, err := c.transport.sendTransaction(ctx, endpoint, from, to, data, gasLimit)
		if err != nil {
			return err
		}
		out = hash
		return nil
	})
	return out, err
}
