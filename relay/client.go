// Package relay sends signed JSON-RPC requests to a bundle relay
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/flashbots/go-bundle-client/metrics"
	"github.com/flashbots/go-bundle-client/signature"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	jsonrpcVersion     = "2.0"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseSize    = 10 * 1024 * 1024
)

var errMissingResult = errors.New("response has neither result nor error")

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit throttles outgoing calls. Calls wait for a token, they are never dropped.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// Client is a single relay endpoint. Every Call is one HTTP attempt, retries are up to the caller.
type Client struct {
	log        *zap.Logger
	url        string
	signer     *signature.Signer
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Uint64
}

func NewClient(log *zap.Logger, url string, signer *signature.Signer, opts ...Option) *Client {
	c := &Client{
		log:        log.Named("relay").With(zap.String("url", url)),
		url:        url,
		signer:     signer,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string {
	return c.url
}

// Call sends method with params and decodes the result into result (which may be nil).
// A null result leaves result untouched.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	start := time.Now()
	err := c.call(ctx, method, params, result)
	metrics.RecordRelayCallDuration(method, time.Since(start))
	if err != nil {
		metrics.IncRelayCallFailure(method, errorKind(err))
		c.log.Debug("Relay call failed", zap.String("method", method), zap.Duration("duration", time.Since(start)), zap.Error(err))
		return err
	}
	c.log.Debug("Relay call", zap.String("method", method), zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Err: err}
		}
	}

	request := &jsonrpc.RPCRequest{
		Method:  method,
		Params:  params,
		ID:      int(c.nextID.Add(1)),
		JSONRPC: jsonrpcVersion,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	// the signature covers exactly the bytes that are sent
	header, err := c.signer.Create(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(signature.HTTPHeader, header)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &TransportError{StatusCode: resp.StatusCode, Err: err}
	}

	return decodeResponse(resp.StatusCode, respBody, result)
}

func decodeResponse(status int, body []byte, result any) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return notJSONRPC(status, body, err)
	}
	if envelope == nil {
		return notJSONRPC(status, body, errMissingResult)
	}

	if rawErr, ok := envelope["error"]; ok && !isNull(rawErr) {
		var rpcErr jsonrpc.RPCError
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return &NonConformantResponseError{StatusCode: status, Body: string(body), Err: err}
		}
		return &ProtocolError{
			StatusCode: status,
			Code:       rpcErr.Code,
			Message:    rpcErr.Message,
			Data:       rpcErr.Data,
		}
	}

	rawResult, ok := envelope["result"]
	if !ok {
		return notJSONRPC(status, body, errMissingResult)
	}
	if !isSuccessStatus(status) {
		// a result with an error status is ambiguous
		return &TransportError{StatusCode: status, Body: string(body)}
	}
	if result == nil || isNull(rawResult) {
		return nil
	}
	if err := json.Unmarshal(rawResult, result); err != nil {
		return &NonConformantResponseError{StatusCode: status, Body: string(rawResult), Err: err}
	}
	return nil
}

// notJSONRPC classifies a body that is not a JSON-RPC response.
// Server errors and empty error bodies are transport failures, anything else keeps the raw text.
func notJSONRPC(status int, body []byte, cause error) error {
	empty := len(bytes.TrimSpace(body)) == 0
	if status >= http.StatusInternalServerError || (!isSuccessStatus(status) && empty) {
		return &TransportError{StatusCode: status, Body: string(body)}
	}
	return &NonConformantResponseError{StatusCode: status, Body: string(body), Err: cause}
}

func isSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
