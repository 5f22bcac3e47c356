package blockchain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrAllEndpointsFailed is returned once every configured endpoint has been
// tried for a single operation and each attempt failed transiently.
var ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")

// RPCError is a JSON-RPC error object returned by an endpoint. Whether it is
// retryable depends on the code and message, not on the transport.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is a non-2xx HTTP response from an endpoint before any
// JSON-RPC payload could be read.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("rpc http status %d", e.StatusCode)
}

// isTransient reports whether an error is worth retrying on another endpoint.
// Reverts and malformed-argument errors are deterministic and must propagate
// unchanged; timeouts, connection failures, rate limits and stale block
// windows differ per endpoint.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == 429 || httpErr.StatusCode >= 500
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		// -32005 is the conventional "limit exceeded" code. Some providers
		// signal rate limiting or pruned block ranges only in the message.
		if rpcErr.Code == -32005 {
			return true
		}
		msg := strings.ToLower(rpcErr.Message)
		for _, marker := range []string{
			"rate limit",
			"too many requests",
			"block range",
			"block out of range",
			"missing trie node",
			"stale",
			"timeout",
		} {
			if strings.Contains(msg, marker) {
				return true
			}
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "eof", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
