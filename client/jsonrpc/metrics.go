package jsonrpc

import (
	"net/url"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rpcRequestCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "erc20_ingester",
		Subsystem: "rpc_gateway",
		Name:      "request_total",
		Help:      "Total number of RPC node requests",
	},
	[]string{"status", "method"},
)

var rpcRequestDurationMillis = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "erc20_ingester",
		Subsystem: "rpc_gateway",
		Name:      "request_duration_millis",
		Help:      "Duration of RPC node requests in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 4000},
	},
	[]string{"status", "method"},
)

var rpcRateLimitHits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "erc20_ingester",
		Subsystem: "rpc_gateway",
		Name:      "rate_limit_hits_total",
		Help:      "Rate-limit signals observed per method",
	},
	[]string{"method"},
)

var rpcInFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "erc20_ingester",
		Subsystem: "rpc_gateway",
		Name:      "in_flight",
		Help:      "Upstream calls currently in flight",
	},
)

var rpcQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "erc20_ingester",
		Subsystem: "rpc_gateway",
		Name:      "queue_depth",
		Help:      "Requests waiting in the pending queue",
	},
)

func observeRPCRequest(status string, method string, t0 time.Time) {
	rpcRequestCount.WithLabelValues(status, method).Inc()
	rpcRequestDurationMillis.WithLabelValues(status, method).Observe(float64(time.Since(t0).Milliseconds()))
}

func observeRPCRequestErr(err error, method string, t0 time.Time) {
	observeRPCRequest(errorToStatus(err), method, t0)
}

func observeRateLimitHit(method string) {
	rpcRateLimitHits.WithLabelValues(method).Inc()
}

func observeInFlight(n int) {
	rpcInFlight.Set(float64(n))
}

func observeQueueDepth(n int) {
	rpcQueueDepth.Set(float64(n))
}

func errorToStatus(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return "rpc_" + strconv.Itoa(rpcErr.Code)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout"
		}
		return "connection_refused"
	}
	return "unknown_error"
}
