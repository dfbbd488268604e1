package mcpgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
)

// JSON-RPC error codes, matching the standard reserved range.
const (
	rpcErrParse          = -32700
	rpcErrInvalidRequest = -32600
	rpcErrMethodNotFound = -32601
	rpcErrInternal       = -32603
)

// toolsSpec mirrors the three tools the original stdio MCP server
// exposed to an editor-integrated AI client: notify, ask_confirmation,
// get_user_feedback. The "question" REST endpoint has no JSON-RPC
// counterpart since the original tool set never had one.
var toolsSpec = []map[string]any{
	{
		"name":        "notify",
		"description": "Send a message to the primary channel. Use for progress updates, questions, or when the user needs to act.",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []string{"message"},
		},
	},
	{
		"name":        "ask_confirmation",
		"description": "Ask the user to confirm or reject an action before it happens. Blocks until answered or timed out.",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message":     map[string]any{"type": "string"},
				"timeout_sec": map[string]any{"type": "integer", "default": 120},
			},
			"required": []string{"message"},
		},
	},
	{
		"name":        "get_user_feedback",
		"description": "Retrieve and clear any feedback messages the user has queued since the last call.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	},
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// handleRPC implements the JSON-RPC face over the same authenticated
// endpoint id as the REST face, independently of it — no state carries
// over between a REST /confirmation call and an RPC tools/call for the
// same endpoint.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcErrParse, Message: "invalid JSON"}})
		return
	}

	switch req.Method {
	case "initialize":
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "assistant-fabric-mcp", "version": "1.0"},
		}})
	case "tools/list":
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": toolsSpec}})
	case "tools/call":
		s.handleToolsCall(w, r, ep, req)
	default:
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcErrMethodNotFound, Message: "unknown method: " + req.Method}})
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, ep *Endpoint, req rpcRequest) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcErrInvalidRequest, Message: "invalid params"}})
		return
	}

	var args struct {
		Message    string `json:"message"`
		TimeoutSec int    `json:"timeout_sec"`
	}
	_ = json.Unmarshal(params.Arguments, &args)

	text, err := s.dispatchTool(r.Context(), ep, params.Name, args.Message, args.TimeoutSec)
	if err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: rpcErrInternal, Message: err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}})
}

// dispatchTool implements the three tools directly against the same
// stores the REST face uses. ask_confirmation blocks synchronously here,
// matching the original stdio server's call/response contract — the
// REST face's non-blocking Create is a deliberate difference for the
// HTTP+SSE contract, not something the two faces need to agree on.
func (s *Server) dispatchTool(ctx context.Context, ep *Endpoint, name, message string, timeoutSec int) (string, error) {
	switch name {
	case "notify":
		if strings.TrimSpace(message) == "" {
			return "error: message is empty", nil
		}
		if err := s.Bus.Publish(ctx, bus.TopicFeedback+".notify."+ep.ID, bus.FeedbackMessage{
			EndpointID: ep.ID, ChatID: ep.ChatID, Text: message,
		}); err != nil {
			return "", err
		}
		return "sent", nil

	case "ask_confirmation":
		if strings.TrimSpace(message) == "" {
			return "error: message is empty", nil
		}
		timeout := time.Duration(timeoutSec) * time.Second
		rec, err := s.Confirmations.Ask(ctx, ep.ID, ep.ChatID, message, timeout)
		if err != nil {
			return "", err
		}
		payload, _ := json.Marshal(map[string]any{
			"confirmed": rec.Outcome == OutcomeConfirmed,
			"rejected":  rec.Outcome == OutcomeRejected,
			"timeout":   rec.Outcome == OutcomeTimedOut,
			"reply":     rec.Reply,
		})
		return string(payload), nil

	case "get_user_feedback":
		items := []json.RawMessage{}
		for {
			raw, ok, err := s.Endpoints.PopEvent(ctx, ep.ID, 0)
			if err != nil {
				return "", err
			}
			if !ok {
				break
			}
			items = append(items, raw)
		}
		payload, _ := json.Marshal(items)
		return string(payload), nil

	default:
		return "unknown tool: " + name, nil
	}
}
