package mcpgateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/config"
)

type testServer struct {
	server    *Server
	endpoints *EndpointStore
	bus       *bus.Bus
	epID      string
	secret    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	b := bus.New(bus.NewMemoryBackend())
	endpoints := NewEndpointStore(b)
	confirmations := NewConfirmations(b, endpoints, nil)
	ep, secret, err := endpoints.Create(context.Background(), "cursor", "chat-1")
	if err != nil {
		t.Fatalf("Create endpoint: %v", err)
	}
	srv := NewServer(b, endpoints, confirmations, config.MCPGatewayConfig{
		ConfirmationTimeoutSecs:  120,
		FeedbackDrainTimeoutSecs: 0,
	}, nil, nil)
	return &testServer{server: srv, endpoints: endpoints, bus: b, epID: ep.ID, secret: secret}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+ts.secret)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNotifyReturns202AndPublishesFeedback(t *testing.T) {
	ts := newTestServer(t)

	sub := ts.bus.Subscribe(context.Background(), bus.TopicFeedback+".notify."+ts.epID)
	defer sub.Close()

	rec := ts.do(t, http.MethodPost, basePath+ts.epID+"/notify", `{"message":"build finished"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}

	select {
	case ev := <-sub.C():
		var msg bus.FeedbackMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Text != "build finished" {
			t.Fatalf("Text = %q", msg.Text)
		}
	default:
		t.Fatal("expected a FeedbackMessage to be published")
	}
}

func TestNotifyRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, basePath+ts.epID+"/notify", `{"message":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConfirmationReturnsCorrelationIDWithoutBlocking(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, basePath+ts.epID+"/confirmation", `{"message":"deploy?"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["correlation_id"] == "" {
		t.Fatal("expected a non-empty correlation_id")
	}
}

func TestRepliesDrainsQueuedEvents(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.endpoints.PushEvent(context.Background(), ts.epID, "feedback", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}

	rec := ts.do(t, http.MethodGet, basePath+ts.epID+"/replies", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Events) != 1 {
		t.Fatalf("len(Events) = %d, want 1", len(out.Events))
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, basePath+ts.epID+"/notify", strings.NewReader(`{"message":"x"}`))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestUnknownEndpointIsRejected(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, basePath+"does-not-exist/notify", strings.NewReader(`{"message":"x"}`))
	req.Header.Set("Authorization", "Bearer "+ts.secret)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden && rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 403 or 404", rec.Code)
	}
}

func TestRPCToolsListReturnsThreeTools(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, basePath+ts.epID+"/rpc", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	result, ok := out.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result = %#v, want a map", out.Result)
	}
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != 3 {
		t.Fatalf("tools = %#v, want 3 entries", result["tools"])
	}
}

func TestRPCNotifyToolPublishesFeedback(t *testing.T) {
	ts := newTestServer(t)
	sub := ts.bus.Subscribe(context.Background(), bus.TopicFeedback+".notify."+ts.epID)
	defer sub.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"notify","arguments":{"message":"hi"}}}`
	rec := ts.do(t, http.MethodPost, basePath+ts.epID+"/rpc", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	select {
	case <-sub.C():
	default:
		t.Fatal("expected the notify tool call to publish a FeedbackMessage")
	}
}

func TestEventsStreamsConfirmationResolution(t *testing.T) {
	ts := newTestServer(t)
	httpServer := httptest.NewServer(ts.server.Handler())
	defer httpServer.Close()

	req, err := http.NewRequest(http.MethodGet, httpServer.URL+basePath+ts.epID+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+ts.secret)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rec, err := ts.server.Confirmations.Create(context.Background(), ts.epID, "chat-1", "deploy?", time.Minute)
		if err != nil {
			t.Errorf("Create: %v", err)
			return
		}
		if _, err := ts.server.Confirmations.Resolve(context.Background(), rec.CorrelationID, OutcomeConfirmed, ""); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	sawConfirmationEvent := false
	for scanner.Scan() && time.Now().Before(deadline) {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: confirmation") {
			sawConfirmationEvent = true
			break
		}
	}
	if !sawConfirmationEvent {
		t.Fatal("expected an SSE confirmation event")
	}
}

func TestRPCUnknownMethodReturnsMethodNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, basePath+ts.epID+"/rpc", `{"jsonrpc":"2.0","id":1,"method":"bogus"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (JSON-RPC errors are 200 with an error body)", rec.Code)
	}
	var out rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Error == nil || out.Error.Code != rpcErrMethodNotFound {
		t.Fatalf("Error = %#v, want method-not-found", out.Error)
	}
}
