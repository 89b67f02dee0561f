// Package relaytest provides an in-process relay that speaks the bundle relay JSON-RPC protocol.
// Handlers are plain Go functions, requests must carry a valid X-Flashbots-Signature.
package relaytest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-bundle-client/signature"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeCustomError    = -32000
)

type signerKey struct{}

type Methods map[string]any

// Error lets a handler choose the JSON-RPC error code
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *responseError   `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call is a request accepted by the relay
type Call struct {
	Method string
	Params []json.RawMessage
	Signer common.Address
}

type Handler struct {
	methods map[string]method

	mu    sync.Mutex
	calls []Call
}

func NewHandler(methods Methods) (*Handler, error) {
	m := make(map[string]method, len(methods))
	for name, fn := range methods {
		handler, err := newMethod(fn)
		if err != nil {
			return nil, err
		}
		m[name] = handler
	}
	return &Handler{methods: m}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, CodeParseError, err.Error())
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusOK, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, http.StatusOK, req.ID, CodeInvalidRequest, "invalid jsonrpc version")
		return
	}

	signer, err := signature.Verify(r.Header.Get(signature.HTTPHeader), body)
	if err != nil {
		writeError(w, http.StatusForbidden, req.ID, CodeInvalidRequest, err.Error())
		return
	}
	ctx := context.WithValue(r.Context(), signerKey{}, signer)

	m, ok := h.methods[req.Method]
	if !ok {
		writeError(w, http.StatusOK, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: req.Method, Params: req.Params, Signer: signer})
	h.mu.Unlock()

	result, err := m.call(ctx, req.Params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			writeError(w, http.StatusOK, req.ID, rpcErr.Code, rpcErr.Message)
			return
		}
		writeError(w, http.StatusOK, req.ID, CodeCustomError, err.Error())
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusOK, req.ID, CodeCustomError, err.Error())
		return
	}
	raw := json.RawMessage(encoded)
	writeJSON(w, http.StatusOK, response{JSONRPC: "2.0", ID: req.ID, Result: &raw})
}

// Calls returns the accepted requests in arrival order
func (h *Handler) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	res := make([]Call, len(h.calls))
	copy(res, h.calls)
	return res
}

func GetSigner(ctx context.Context) common.Address {
	value, ok := ctx.Value(signerKey{}).(common.Address)
	if !ok {
		return common.Address{}
	}
	return value
}

// Server is a Handler served over HTTP for the duration of a test
type Server struct {
	*Handler
	URL string
}

func NewServer(t testing.TB, methods Methods) *Server {
	t.Helper()
	handler, err := NewHandler(methods)
	if err != nil {
		t.Fatalf("relaytest: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Server{Handler: handler, URL: srv.URL}
}

func writeError(w http.ResponseWriter, status int, id any, code int, msg string) {
	writeJSON(w, status, response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &responseError{Code: code, Message: msg},
	})
}

func writeJSON(w http.ResponseWriter, status int, res response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
