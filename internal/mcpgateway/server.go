package mcpgateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/config"
	"github.com/anemos/assistant-fabric/internal/otelx"
)

const basePath = "/mcp/v1/agent/"

// Server is the multi-tenant HTTP surface an external AI client uses to
// notify a chat, ask for confirmation, and drain feedback — one
// authenticated endpoint per tenant chat.
type Server struct {
	Endpoints     *EndpointStore
	Confirmations *Confirmations
	Bus           *bus.Bus
	Auth          *AuthMiddleware
	RateLimit     *RateLimiter
	Logger        *slog.Logger
	Config        config.MCPGatewayConfig
}

func NewServer(b *bus.Bus, endpoints *EndpointStore, confirmations *Confirmations, cfg config.MCPGatewayConfig, metrics *otelx.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Endpoints:     endpoints,
		Confirmations: confirmations,
		Bus:           b,
		Auth:          &AuthMiddleware{Store: endpoints},
		RateLimit:     NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 20}, metrics),
		Logger:        logger,
		Config:        cfg,
	}
}

// Handler builds the routed, authenticated, rate-limited http.Handler.
// Auth runs before RateLimit so the limiter can key by the authenticated
// endpoint id instead of falling back to RemoteAddr.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(basePath, s.route)

	rateLimited := s.RateLimit.Wrap(mux)
	return s.Auth.Wrap(pathEndpointID, rateLimited)
}

func pathEndpointID(r *http.Request) string {
	rest := strings.TrimPrefix(r.URL.Path, basePath)
	parts := strings.SplitN(rest, "/", 2)
	return parts[0]
}

// route dispatches on the action segment after the endpoint id, mirroring
// the manual method/path checks the rest of this fabric's HTTP surfaces use.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, basePath)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeJSONError(w, http.StatusNotFound, "unknown endpoint path")
		return
	}
	ep := EndpointFromContext(r.Context())
	if ep == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	switch parts[1] {
	case "notify":
		s.handleNotify(w, r, ep)
	case "question":
		s.handleQuestion(w, r, ep)
	case "confirmation":
		s.handleConfirmation(w, r, ep)
	case "replies":
		s.handleReplies(w, r, ep)
	case "events":
		s.handleEvents(w, r, ep)
	case "rpc":
		s.handleRPC(w, r, ep)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown action")
	}
}

type messageBody struct {
	Message    string `json:"message"`
	TimeoutSec int    `json:"timeout_sec"`
}

// handleNotify publishes an unconditional feedback message to the
// endpoint's chat and returns 202. There is nothing to correlate: the
// caller doesn't wait for delivery confirmation.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, ok := decodeMessageBody(w, r)
	if !ok {
		return
	}
	if err := s.Bus.Publish(r.Context(), bus.TopicFeedback+".notify."+ep.ID, bus.FeedbackMessage{
		EndpointID: ep.ID, ChatID: ep.ChatID, Text: body.Message,
	}); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleQuestion is notify's advisory sibling: same delivery, no
// confirm/reject controls, no correlation.
func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, ok := decodeMessageBody(w, r)
	if !ok {
		return
	}
	if err := s.Bus.Publish(r.Context(), bus.TopicFeedback+".question."+ep.ID, bus.FeedbackMessage{
		EndpointID: ep.ID, ChatID: ep.ChatID, Text: body.Message,
	}); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleConfirmation creates a ConfirmationRecord and returns its
// correlation id right away; it never blocks the request goroutine on
// the eventual answer, which arrives via /events or /replies.
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, ok := decodeMessageBody(w, r)
	if !ok {
		return
	}
	timeout := time.Duration(body.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(s.Config.ConfirmationTimeoutSecs) * time.Second
	}
	rec, err := s.Confirmations.Create(r.Context(), ep.ID, ep.ChatID, body.Message, timeout)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"correlation_id": rec.CorrelationID})
}

// handleReplies drains the endpoint's queued feedback/confirmation events
// atomically. It waits up to FeedbackDrainTimeoutSecs for the first item
// before responding with an empty list.
func (s *Server) handleReplies(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	wait := time.Duration(s.Config.FeedbackDrainTimeoutSecs) * time.Second
	items := []json.RawMessage{}
	for {
		raw, ok, err := s.Endpoints.PopEvent(r.Context(), ep.ID, wait)
		if err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "bus unavailable")
			return
		}
		if !ok {
			break
		}
		items = append(items, raw)
		wait = 0 // only block once; drain whatever else is already queued instantly
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

// handleEvents is a long-lived SSE stream of confirmation and feedback
// events for ep, with a 15s keepalive comment so proxies don't idle the
// connection out. Late subscribers never see events published before
// they connected — /replies exists to bridge exactly that gap.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.Bus.Subscribe(r.Context(), bus.TopicMCPEvents+"."+ep.ID)
	defer sub.Close()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.C():
			var envelope struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", envelope.Type, envelope.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func decodeMessageBody(w http.ResponseWriter, r *http.Request) (messageBody, bool) {
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return messageBody{}, false
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required")
		return messageBody{}, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
