package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
)

// transport performs one JSON-RPC exchange per roundTrip call. Retry
// policy at this layer covers connection-level failures only; responses
// that carry an HTTP status are returned to the gateway for
// classification.
type transport struct {
	client  *retryablehttp.Client
	url     string
	log     *slog.Logger
	bufPool *sync.Pool
}

func newTransport(log *slog.Logger, url string) *transport {
	client := retryablehttp.NewClient()
	client.RetryMax = transportRetryMax
	client.Logger = log
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp == nil && err != nil {
			log.Warn("Retrying request to RPC node", "error", err)
			return true, nil
		}
		return false, nil
	}
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient.Timeout = DefaultRequestTimeout

	return &transport{
		client: client,
		url:    url,
		log:    log,
		bufPool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (t *transport) roundTrip(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	t0 := time.Now()
	result, err := t.doRequest(ctx, method, params)
	if err != nil {
		observeRPCRequestErr(err, method, t0)
		return nil, err
	}
	observeRPCRequest("ok", method, t0)
	return result, nil
}

func (t *transport) doRequest(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	buf := t.bufPool.Get().(*bytes.Buffer)
	defer t.bufPool.Put(buf)
	buf.Reset()

	reqData := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}
	if err := json.NewEncoder(buf).Encode(reqData); err != nil {
		return nil, errors.Errorf("failed to encode request for method %s: %w", method, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.url, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// log payloads can be large; ask for zstd when the node supports it
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Errorf("failed to send request for method %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(&HTTPError{StatusCode: resp.StatusCode, Status: resp.Status})
	}

	body := resp.Body
	if resp.Header.Get("Content-Encoding") == "zstd" {
		dec, err := zstd.NewReader(resp.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Errorf("failed to open zstd body for method %s: %w", method, err)
		}
		defer dec.Close()
		body = dec.IOReadCloser()
	}

	var envelope rpcResponse
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		return nil, errors.Errorf("failed to decode response for method %s: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, errors.New(envelope.Error)
	}
	return envelope.Result, nil
}
