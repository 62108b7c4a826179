package jsonrpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/go-errors/errors"
	"go.uber.org/ratelimit"
)

// Caller is the single entry point to the upstream node. Every
// component that talks to the chain does so through a Caller, so the
// gateway's concurrency cap and throttle apply by construction.
type Caller interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

const methodChainID = "eth_chainId"

type callResult struct {
	result json.RawMessage
	err    error
}

// queuedRequest lives from submission until terminal resolution.
// Multiple callers may wait on one request (chainId coalescing).
type queuedRequest struct {
	method   string
	params   []interface{}
	attempts int
	waiters  []chan callResult
}

func (r *queuedRequest) resolve(res callResult) {
	for _, w := range r.waiters {
		w <- res
	}
}

type completion struct {
	req         *queuedRequest
	res         callResult
	rateLimited bool
}

// Gateway funnels all JSON-RPC traffic through one scheduling pump: a
// FIFO pending queue, an in-flight cap, a process-wide throttle gate
// closed on rate-limit signals, per-request retries with exponential
// backoff and jitter, and a memoized eth_chainId response.
//
// The pump goroutine exclusively owns the queue, the in-flight counter,
// the gate and the chainId cache; submissions and completions reach it
// as messages (no locks).
type Gateway struct {
	log       *slog.Logger
	cfg       Config
	transport *transport
	limiter   ratelimit.Limiter

	// IsRateLimited classifies upstream errors as rate-limit signals.
	// Swappable for tests and odd providers; defaults to IsRateLimit.
	IsRateLimited RateLimitPredicate

	submitCh chan *queuedRequest
	doneCh   chan completion
}

func NewGateway(log *slog.Logger, cfg Config) *Gateway {
	cfg.applyDefaults()
	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}
	return &Gateway{
		log:           log.With("module", "rpc-gateway"),
		cfg:           cfg,
		transport:     newTransport(log, cfg.URL),
		limiter:       limiter,
		IsRateLimited: IsRateLimit,
		submitCh:      make(chan *queuedRequest),
		doneCh:        make(chan completion),
	}
}

// Start launches the pump. The context governs the gateway's lifetime:
// cancelling it fails all pending requests and terminates in-flight
// HTTP calls.
func (g *Gateway) Start(ctx context.Context) {
	go g.pump(ctx)
}

// Call submits a request and waits for its terminal resolution. The
// queue does not support cancellation; a caller whose context expires
// abandons the wait while the request itself runs to completion.
func (g *Gateway) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	waiter := make(chan callResult, 1)
	req := &queuedRequest{
		method:  method,
		params:  params,
		waiters: []chan callResult{waiter},
	}
	select {
	case g.submitCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-waiter:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) pump(ctx context.Context) {
	pending := linkedlistqueue.New()
	inFlight := 0
	var gateOpenAt time.Time

	var chainID json.RawMessage
	var chainIDInFlight *queuedRequest

	dispatch := func() {
		now := time.Now()
		for inFlight < g.cfg.MaxConcurrent && !now.Before(gateOpenAt) {
			v, ok := pending.Dequeue()
			if !ok {
				break
			}
			req := v.(*queuedRequest)
			inFlight++
			observeInFlight(inFlight)
			go g.execute(ctx, req)
		}
		observeQueueDepth(pending.Size())
	}

	for {
		dispatch()

		// arm a wakeup if only the gate is holding work back
		var gateCh <-chan time.Time
		if !pending.Empty() && inFlight < g.cfg.MaxConcurrent {
			if wait := time.Until(gateOpenAt); wait > 0 {
				gateCh = time.After(wait)
			}
		}

		select {
		case <-ctx.Done():
			for !pending.Empty() {
				v, _ := pending.Dequeue()
				v.(*queuedRequest).resolve(callResult{err: ctx.Err()})
			}
			return

		case req := <-g.submitCh:
			if req.method == methodChainID {
				if chainID != nil {
					req.resolve(callResult{result: chainID})
					continue
				}
				if chainIDInFlight != nil {
					chainIDInFlight.waiters = append(chainIDInFlight.waiters, req.waiters...)
					continue
				}
				chainIDInFlight = req
			}
			pending.Enqueue(req)

		case c := <-g.doneCh:
			inFlight--
			observeInFlight(inFlight)
			if !c.rateLimited {
				if c.req.method == methodChainID {
					// terminal either way; a leftover in-flight marker
					// would strand future callers on a dead request
					chainIDInFlight = nil
					if c.res.err == nil {
						chainID = c.res.result
					}
				}
				c.req.resolve(c.res)
				continue
			}

			observeRateLimitHit(c.req.method)
			if c.req.attempts >= g.cfg.MaxRetries {
				if c.req.method == methodChainID {
					chainIDInFlight = nil
				}
				c.req.resolve(callResult{
					err: errors.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.req.attempts+1, c.res.err),
				})
				continue
			}
			c.req.attempts++
			delay := g.retryDelay(c.req.attempts)
			release := time.Now().Add(delay)
			if release.After(gateOpenAt) {
				gateOpenAt = release
			}
			g.log.Warn("Rate limited by upstream, re-queueing",
				"method", c.req.method,
				"attempt", c.req.attempts,
				"backoff", delay.String(),
			)
			pending.Enqueue(c.req)

		case <-gateCh:
		}
	}
}

func (g *Gateway) execute(ctx context.Context, req *queuedRequest) {
	g.limiter.Take()
	result, err := g.transport.roundTrip(ctx, req.method, req.params)
	c := completion{
		req:         req,
		res:         callResult{result: result, err: err},
		rateLimited: err != nil && g.IsRateLimited(err),
	}
	select {
	case g.doneCh <- c:
	case <-ctx.Done():
		req.resolve(callResult{err: ctx.Err()})
	}
}

// retryDelay for attempt n is min(base * 2^n + jitter, max).
func (g *Gateway) retryDelay(attempt int) time.Duration {
	delay := g.cfg.BaseRetryDelay << uint(attempt)
	delay += time.Duration(rand.Int63n(int64(g.cfg.RetryJitterMax)))
	if delay > g.cfg.MaxRetryDelay {
		delay = g.cfg.MaxRetryDelay
	}
	return delay
}
