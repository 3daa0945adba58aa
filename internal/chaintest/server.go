// Package chaintest provides a scripted JSON-RPC node for tests.
package chaintest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type callArgs struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Input string `json:"input"`
	Data  string `json:"data"`
}

// Error is a JSON-RPC error returned by a handler. Data is hex revert data.
type Error struct {
	Code    int
	Message string
	Data    string
}

// Revert builds the error a node returns for a reverted eth_call.
func Revert(reason string) *Error {
	return &Error{Code: 3, Message: "execution reverted: " + reason}
}

// Handler serves one raw JSON-RPC method.
type Handler func(params []json.RawMessage) (any, *Error)

// CallHandler serves one contract method. Args are the unpacked inputs.
type CallHandler func(to common.Address, args []interface{}) ([]interface{}, *Error)

type callRoute struct {
	method abi.Method
	fn     CallHandler
}

type Server struct {
	*httptest.Server

	t        testing.TB
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]callRoute
	counts   map[string]int
	failNext int
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		handlers: map[string]Handler{},
		calls:    map[string]callRoute{},
		counts:   map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// OnCall routes eth_call requests whose selector matches parsed.Methods[method].
func (s *Server) OnCall(parsed abi.ABI, method string, fn CallHandler) {
	m, ok := parsed.Methods[method]
	if !ok {
		s.t.Fatalf("chaintest: unknown abi method %s", method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[hex.EncodeToString(m.ID)] = callRoute{method: m, fn: fn}
}

// FailNext answers the next n HTTP requests with a 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Count returns how many requests hit a JSON-RPC method or, for eth_call, a contract method name.
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.counts[req.Method]++
		s.mu.Unlock()
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	s.counts[req.Method]++
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()

	if req.Method == "eth_call" && !ok {
		result, rpcErr := s.serveCall(req.Params)
		writeResponse(w, req.ID, result, rpcErr)
		return
	}
	if !ok {
		writeResponse(w, req.ID, nil, &Error{Code: -32601, Message: fmt.Sprintf("method not supported in test: %s", req.Method)})
		return
	}
	result, rpcErr := handler(req.Params)
	writeResponse(w, req.ID, result, rpcErr)
}

func (s *Server) serveCall(params []json.RawMessage) (any, *Error) {
	if len(params) == 0 {
		return nil, &Error{Code: -32602, Message: "missing call arguments"}
	}
	var args callArgs
	if err := json.Unmarshal(params[0], &args); err != nil {
		return nil, &Error{Code: -32602, Message: err.Error()}
	}
	input := args.Input
	if input == "" {
		input = args.Data
	}
	data, err := hex.DecodeString(strings.TrimPrefix(input, "0x"))
	if err != nil || len(data) < 4 {
		return nil, &Error{Code: -32602, Message: "invalid call data"}
	}

	s.mu.Lock()
	route, ok := s.calls[hex.EncodeToString(data[:4])]
	if ok {
		s.counts[route.method.Name]++
	}
	s.mu.Unlock()
	if !ok {
		// An address without code answers with empty data.
		return "0x", nil
	}

	inputs, err := route.method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, &Error{Code: -32602, Message: err.Error()}
	}
	outputs, rpcErr := route.fn(common.HexToAddress(args.To), inputs)
	if rpcErr != nil {
		return nil, rpcErr
	}
	encoded, err := route.method.Outputs.Pack(outputs...)
	if err != nil {
		s.t.Errorf("chaintest: pack %s outputs: %v", route.method.Name, err)
		return nil, &Error{Code: -32603, Message: err.Error()}
	}
	return "0x" + hex.EncodeToString(encoded), nil
}

func writeResponse(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *Error) {
	if len(id) == 0 {
		id = json.RawMessage("1")
	}
	payload := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		body := map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
		if rpcErr.Data != "" {
			body["data"] = rpcErr.Data
		}
		payload["error"] = body
	} else {
		payload["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
