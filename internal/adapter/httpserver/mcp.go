package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/censusgate/censusgate/internal/domain"
	"github.com/censusgate/censusgate/internal/observability"
)

// SessionHeader carries the opaque session id on every protocol request
// after initialize.
const SessionHeader = "Session-Id"

// ProtocolVersion is the protocol revision echoed during initialize.
const ProtocolVersion = "2025-03-26"

// JSON-RPC 2.0 error codes, plus the implementation-defined range for
// pipeline failures.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func rpcResult(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcFail(id json.RawMessage, code int, message string, data any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}

// HandleMCP dispatches the protocol endpoint by HTTP method.
func (s *Server) HandleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.mcpPost(w, r)
	case http.MethodGet:
		s.mcpStream(w, r)
	case http.MethodDelete:
		s.mcpDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) mcpPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcFail(nil, codeParseError, "unreadable body", nil))
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcFail(nil, codeParseError, "malformed JSON-RPC request", nil))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusBadRequest, rpcFail(req.ID, codeInvalidRequest, "jsonrpc must be \"2.0\" with a method", nil))
		return
	}

	// Notifications carry no id and get no body back.
	if req.ID == nil {
		s.handleNotification(r, req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Method == "initialize" {
		s.rpcInitialize(w, r, req)
		return
	}

	// Every other request requires an established session.
	sess, err := s.Sessions.Get(r.Header.Get(SessionHeader))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcFail(req.ID, codeInvalidRequest,
			"a valid Session-Id header is required; call initialize first",
			map[string]string{"kind": domain.ErrorKind(err)}))
		return
	}

	switch req.Method {
	case "ping":
		writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{}))
	case "tools/list":
		writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{"tools": s.toolDefinitions()}))
	case "tools/call":
		s.rpcToolCall(w, r, req, sess)
	case "resources/list":
		writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{"resources": s.Resources.List()}))
	case "resources/read":
		s.rpcResourceRead(w, req)
	default:
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method), nil))
	}
}

func (s *Server) handleNotification(r *http.Request, req rpcRequest) {
	switch req.Method {
	case "notifications/initialized", "notifications/cancelled":
		observability.LoggerFromContext(r.Context()).Debug("protocol notification",
			slog.String("method", req.Method))
	default:
		observability.LoggerFromContext(r.Context()).Debug("ignoring unknown notification",
			slog.String("method", req.Method))
	}
}

func (s *Server) rpcInitialize(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcFail(req.ID, codeInvalidParams, "malformed initialize params", nil))
			return
		}
	}

	sess := s.Sessions.Create(params.ClientInfo.Name)
	w.Header().Set(SessionHeader, sess.ID)
	writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
		"serverInfo": map[string]string{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}))
}

func (s *Server) rpcToolCall(w http.ResponseWriter, r *http.Request, req rpcRequest, sess *domain.Session) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeJSON(w, http.StatusBadRequest, rpcFail(req.ID, codeInvalidParams, "tools/call needs a tool name", nil))
		return
	}

	// Rate limiting keys on the session so one chatty client cannot starve
	// the rest. Allow decides and consumes atomically.
	if s.Limiter != nil {
		allowed, _, resetAt, _ := s.Limiter.Allow(r.Context(), "session:"+sess.ID)
		if !allowed {
			writeJSON(w, http.StatusTooManyRequests, rpcFail(req.ID, codeServerError,
				"rate limit exceeded; slow down",
				map[string]any{
					"kind":    "RATE_LIMITED",
					"resetAt": resetAt.UTC().Format(time.RFC3339),
				}))
			return
		}
	}

	out, err := s.callTool(r.Context(), params.Name, params.Arguments, sess)
	if err != nil {
		if errors.Is(err, errUnknownTool) {
			writeJSON(w, http.StatusOK, rpcFail(req.ID, codeMethodNotFound,
				fmt.Sprintf("unknown tool %q", params.Name), nil))
			return
		}
		// Tool-level failures ride inside a successful JSON-RPC response, as
		// an error-flagged tool result.
		writeJSON(w, http.StatusOK, rpcResult(req.ID, toolErrorResult(r, err)))
		return
	}
	writeJSON(w, http.StatusOK, rpcResult(req.ID, out))
}

func (s *Server) rpcResourceRead(w http.ResponseWriter, req rpcRequest) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		writeJSON(w, http.StatusBadRequest, rpcFail(req.ID, codeInvalidParams, "resources/read needs a uri", nil))
		return
	}
	res, ok := s.Resources.Read(params.URI)
	if !ok {
		writeJSON(w, http.StatusOK, rpcFail(req.ID, codeInvalidParams,
			fmt.Sprintf("unknown resource %q", params.URI), nil))
		return
	}
	writeJSON(w, http.StatusOK, rpcResult(req.ID, map[string]any{
		"contents": []any{res},
	}))
}

// mcpStream opens a server-sent-events channel. The gateway has no
// server-initiated messages yet, so the stream only carries keep-alive
// comments until the client goes away.
func (s *Server) mcpStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Sessions.Get(r.Header.Get(SessionHeader)); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcFail(nil, codeInvalidRequest,
			"a valid Session-Id header is required", nil))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) mcpDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, rpcFail(nil, codeInvalidRequest,
			"a Session-Id header is required", nil))
		return
	}
	if !s.Sessions.Delete(id) {
		writeJSON(w, http.StatusNotFound, rpcFail(nil, codeInvalidRequest,
			"unknown session", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
