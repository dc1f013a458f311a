package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Layr-Labs/walletlink-go/pkg/persistence"
	"github.com/Layr-Labs/walletlink-go/pkg/persistence/memory"
)

// NewTestStorage returns a scoped store over a fresh in-memory backend.
func NewTestStorage(scope string) *persistence.ScopedStore {
	return persistence.NewScopedStore(memory.NewMemoryPersistence(), scope)
}

// JSONRPCCall is one request received by a JSONRPCServer.
type JSONRPCCall struct {
	Method string
	Params json.RawMessage
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// JSONRPCServer is a minimal chain node answering from a fixed result table.
// Methods without a result get a -32601 error.
type JSONRPCServer struct {
	*httptest.Server

	mu      sync.Mutex
	results map[string]any
	calls   []JSONRPCCall
}

// NewJSONRPCServer starts a JSON-RPC server closed with t.
func NewJSONRPCServer(t *testing.T, results map[string]any) *JSONRPCServer {
	s := &JSONRPCServer{results: make(map[string]any)}
	for k, v := range results {
		s.results[k] = v
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetResult sets the result returned for method.
func (s *JSONRPCServer) SetResult(method string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[method] = result
}

// Calls returns the requests received so far.
func (s *JSONRPCServer) Calls() []JSONRPCCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JSONRPCCall(nil), s.calls...)
}

func (s *JSONRPCServer) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req jsonRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "batch requests are not supported", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, JSONRPCCall{Method: req.Method, Params: req.Params})
	result, ok := s.results[req.Method]
	s.mu.Unlock()

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	if ok {
		resp.Result = result
	} else {
		resp.Error = &jsonRPCError{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
