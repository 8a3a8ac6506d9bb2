package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eenlars/alive-sub007/internal/config"
	"github.com/eenlars/alive-sub007/internal/metrics"
	"github.com/eenlars/alive-sub007/internal/registry"
	"github.com/eenlars/alive-sub007/internal/scheduler"
	"github.com/eenlars/alive-sub007/internal/streambuf"
	"github.com/eenlars/alive-sub007/internal/worker"
)

type fakeAgent struct {
	emit worker.ChunkEmitter
}

func (a *fakeAgent) Execute(ctx context.Context, prompt string) error {
	a.emit("m1", json.RawMessage(`{"text":"hello"}`))
	return nil
}

func (a *fakeAgent) Busy() bool            { return false }
func (a *fakeAgent) Exited() bool          { return false }
func (a *fakeAgent) LastActive() time.Time { return time.Now() }
func (a *fakeAgent) Age() time.Duration    { return 0 }
func (a *fakeAgent) Pid() int              { return 12345 }
func (a *fakeAgent) Stop() error           { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		AuthDisabled:         true,
		AllowedOrigins:       []string{"https://app.example.com"},
		CancelCompleteBudget: 2 * time.Second,
	}
	m := metrics.New()
	reg := registry.New(m)
	buf := streambuf.New(streambuf.Config{
		Retention:  time.Minute,
		GCInterval: time.Minute,
		MaxChunks:  64,
	}, nil, m)

	spawn := func(ctx context.Context, ownerUserID, workspace string, emit worker.ChunkEmitter) (scheduler.Agent, error) {
		return &fakeAgent{emit: emit}, nil
	}
	pool := scheduler.New(scheduler.Config{
		MaxWorkers:             4,
		WorkersPerCoreRatio:    10,
		MaxWorkersPerUser:      2,
		MaxWorkersPerWorkspace: 2,
		QueueDepthPerUser:      2,
		QueueDepthPerWorkspace: 2,
		QueueDepthGlobal:       8,
		CancelBudget:           2 * time.Second,
	}, reg, buf, nil, m, spawn, nil, nil)

	return New(cfg, nil, pool, reg, buf, m)
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User-ID", "user-a")
	req.Header.Set("X-Workspace", "ws-1")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHandleSubmit_RequiresIdentityHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/executions", bytes.NewBufferString(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	s.handleSubmit(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleSubmit_RejectsEmptyPrompt(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.handleSubmit, "POST", "/v1/executions", submitRequest{
		TabGroupID: "tg-1", TabID: "tab-1", Prompt: "   ",
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleSubmit_RunsExecutionAndBuffersStream(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.handleSubmit, "POST", "/v1/executions", submitRequest{
		TabGroupID: "tg-1", TabID: "tab-1", Prompt: "hello",
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	requestID, _ := body["requestId"].(string)
	if requestID == "" {
		t.Fatal("expected a requestId in the response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := s.buffer.Read(requestID, 0)
		if ok && snap.State == streambuf.StateComplete {
			if len(snap.Chunks) != 1 {
				t.Fatalf("expected 1 buffered chunk, got %d", len(snap.Chunks))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("execution did not complete in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleCancel_UnknownRequestReportsAlreadyComplete(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.handleCancel, "POST", "/v1/executions/cancel", cancelRequest{
		RequestID: "req-missing",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "already_complete" {
		t.Fatalf("expected already_complete, got %v", body["status"])
	}
}

func TestHandleCancel_OtherUsersExecutionIsForbidden(t *testing.T) {
	s := newTestServer(t)
	s.registry.Register("req-1", "user-b", "user-b::ws-1::conv", func(ctx context.Context) error {
		return nil
	})

	rec := doJSON(t, s.handleCancel, "POST", "/v1/executions/cancel", cancelRequest{
		RequestID: "req-1",
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if _, live := s.registry.Lookup("req-1"); !live {
		t.Fatal("entry should survive an unauthorized cancel")
	}
}

func TestHandleCancel_LiveExecutionByRequestID(t *testing.T) {
	s := newTestServer(t)
	fired := false
	s.registry.Register("req-1", "user-a", "user-a::ws-1::conv", func(ctx context.Context) error {
		fired = true
		return nil
	})

	rec := doJSON(t, s.handleCancel, "POST", "/v1/executions/cancel", cancelRequest{
		RequestID: "req-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %v", body["status"])
	}
	if !fired {
		t.Fatal("cancel callback did not fire")
	}
}

func TestHandleReconnect_NoConversationMeansNoStream(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.handleReconnect, "POST", "/v1/executions/reconnect", reconnectRequest{
		TabGroupID: "tg-1", TabID: "tab-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["hasStream"] != false {
		t.Fatalf("expected hasStream false, got %v", body["hasStream"])
	}
}

func TestHandleReconnect_ReturnsChunksPastCursor(t *testing.T) {
	s := newTestServer(t)

	key := "user-a::ws-1::tg-1::tab-1"
	s.rememberConversation(key, "req-1")
	for i := 0; i < 5; i++ {
		s.buffer.Append("req-1", "", json.RawMessage(`{}`))
	}
	s.buffer.Complete("req-1", streambuf.StateComplete)

	rec := doJSON(t, s.handleReconnect, "POST", "/v1/executions/reconnect", reconnectRequest{
		TabGroupID: "tg-1", TabID: "tab-1", LastSeenSeq: 3,
	})

	body := decodeBody(t, rec)
	if body["hasStream"] != true {
		t.Fatalf("expected hasStream true, got %v", body["hasStream"])
	}
	if body["state"] != string(streambuf.StateComplete) {
		t.Fatalf("expected complete state, got %v", body["state"])
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 chunks past the cursor, got %d", len(messages))
	}
}

func TestHandleReconnect_AcknowledgeDiscardsBuffer(t *testing.T) {
	s := newTestServer(t)

	key := "user-a::ws-1::tg-1::tab-1"
	s.rememberConversation(key, "req-1")
	s.buffer.Append("req-1", "", json.RawMessage(`{}`))
	s.buffer.Complete("req-1", streambuf.StateComplete)

	rec := doJSON(t, s.handleReconnect, "POST", "/v1/executions/reconnect", reconnectRequest{
		TabGroupID: "tg-1", TabID: "tab-1", Acknowledge: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if _, ok := s.buffer.Read("req-1", 0); ok {
		t.Fatal("buffer should be discarded after acknowledge")
	}
	rec = doJSON(t, s.handleReconnect, "POST", "/v1/executions/reconnect", reconnectRequest{
		TabGroupID: "tg-1", TabID: "tab-1",
	})
	if body := decodeBody(t, rec); body["hasStream"] != false {
		t.Fatal("conversation index should be cleared after acknowledge")
	}
}

func TestHandleReconnect_AcknowledgeWhileStreamingKeepsBuffer(t *testing.T) {
	s := newTestServer(t)

	key := "user-a::ws-1::tg-1::tab-1"
	s.rememberConversation(key, "req-1")
	for i := 0; i < 3; i++ {
		s.buffer.Append("req-1", "", json.RawMessage(`{}`))
	}

	rec := doJSON(t, s.handleReconnect, "POST", "/v1/executions/reconnect", reconnectRequest{
		TabGroupID: "tg-1", TabID: "tab-1", Acknowledge: true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["state"] != string(streambuf.StateStreaming) {
		t.Fatalf("expected streaming state, got %v", body["state"])
	}

	// The live execution's buffer and sequence numbering must survive.
	if _, ok := s.buffer.Read("req-1", 0); !ok {
		t.Fatal("a streaming buffer must not be discarded by acknowledge")
	}
	if seq := s.buffer.Append("req-1", "", json.RawMessage(`{}`)); seq != 4 {
		t.Fatalf("got seq %d after acknowledge, want 4", seq)
	}
	rec = doJSON(t, s.handleReconnect, "POST", "/v1/executions/reconnect", reconnectRequest{
		TabGroupID: "tg-1", TabID: "tab-1",
	})
	if body := decodeBody(t, rec); body["hasStream"] != true {
		t.Fatal("conversation must still resolve to the live stream")
	}
}

func TestHandleSubmit_RejectedExecutionSurfacesErroredStream(t *testing.T) {
	cfg := &config.Config{
		AuthDisabled:         true,
		CancelCompleteBudget: 2 * time.Second,
	}
	m := metrics.New()
	reg := registry.New(m)
	buf := streambuf.New(streambuf.Config{
		Retention:  time.Minute,
		GCInterval: time.Minute,
	}, nil, m)
	spawn := func(ctx context.Context, ownerUserID, workspace string, emit worker.ChunkEmitter) (scheduler.Agent, error) {
		return nil, errors.New("agent binary missing")
	}
	pool := scheduler.New(scheduler.Config{
		MaxWorkers:             4,
		WorkersPerCoreRatio:    10,
		MaxWorkersPerUser:      2,
		MaxWorkersPerWorkspace: 2,
		QueueDepthPerUser:      2,
		QueueDepthPerWorkspace: 2,
		QueueDepthGlobal:       8,
		CancelBudget:           2 * time.Second,
	}, reg, buf, nil, m, spawn, nil, nil)
	s := New(cfg, nil, pool, reg, buf, m)

	rec := doJSON(t, s.handleSubmit, "POST", "/v1/executions", submitRequest{
		TabGroupID: "tg-1", TabID: "tab-1", Prompt: "hello",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	requestID, _ := decodeBody(t, rec)["requestId"].(string)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, ok := s.buffer.Read(requestID, 0)
		if ok && snap.State == streambuf.StateError {
			if len(snap.Chunks) == 0 {
				t.Fatal("errored stream should carry an error chunk")
			}
			var payload map[string]string
			if err := json.Unmarshal(snap.Chunks[len(snap.Chunks)-1].Payload, &payload); err != nil {
				t.Fatalf("decode error chunk: %v", err)
			}
			if payload["error"] == "" {
				t.Fatal("error chunk should describe the failure")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("rejected execution never surfaced an errored stream")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCORSMiddleware_AllowsConfiguredOrigin(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), []string{"https://*.example.com"})

	req := httptest.NewRequest("OPTIONS", "/v1/executions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected origin echoed back, got %q", got)
	}
}
