package jsonrpc

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-errors/errors"
)

const (
	DefaultMaxConcurrent = 5
	DefaultMaxRetries    = 5

	DefaultBaseRetryDelay = 1 * time.Second
	DefaultMaxRetryDelay  = 30 * time.Second

	DefaultRequestTimeout = 30 * time.Second

	// transport-level retries cover connection resets only; everything
	// with an HTTP status is classified by the gateway itself
	transportRetryMax = 2
)

type Config struct {
	URL string

	// MaxConcurrent bounds the number of in-flight upstream calls.
	MaxConcurrent int

	// MaxRetries bounds re-queues of a single request on rate-limit
	// signals. Other errors are never retried.
	MaxRetries int

	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// RetryJitterMax bounds the random jitter added to each retry
	// delay. Defaults to one second.
	RetryJitterMax time.Duration

	// RequestsPerSecond throttles dispatch ahead of the concurrency
	// cap. Zero disables the limiter.
	RequestsPerSecond int
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.RetryJitterMax <= 0 {
		c.RetryJitterMax = time.Second
	}
}

// HTTPError is a non-200 upstream status, surfaced before any JSON-RPC
// envelope decoding.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %s", e.Status)
}

// RPCError is the error object of a JSON-RPC response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrRetriesExhausted wraps the final rate-limit error once a request
// has used up its retry budget. The underlying error stays reachable so
// callers can still classify it as a rate-limit signal.
var ErrRetriesExhausted = errors.New("rpc retries exhausted")

// RateLimitPredicate decides whether an upstream error is a rate-limit
// signal. The gateway retries only on these.
type RateLimitPredicate func(error) bool

// IsRateLimit is the default predicate: HTTP 429, JSON-RPC error code
// 429, or a "Too Many Requests" message fragment.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == 429 {
		return true
	}
	return strings.Contains(err.Error(), "Too Many Requests")
}
