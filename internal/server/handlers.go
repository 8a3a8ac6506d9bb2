package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eenlars/alive-sub007/internal/auth"
	"github.com/eenlars/alive-sub007/internal/convkey"
	"github.com/eenlars/alive-sub007/internal/registry"
	"github.com/eenlars/alive-sub007/internal/scheduler"
	"github.com/eenlars/alive-sub007/internal/streambuf"
	"github.com/google/uuid"
)

type submitRequest struct {
	TabGroupID string `json:"tabGroupId"`
	TabID      string `json:"tabId"`
	Worktree   string `json:"worktree,omitempty"`
	Prompt     string `json:"prompt"`
}

type cancelRequest struct {
	RequestID  string `json:"requestId,omitempty"`
	TabGroupID string `json:"tabGroupId,omitempty"`
	TabID      string `json:"tabId,omitempty"`
	Worktree   string `json:"worktree,omitempty"`
}

type reconnectRequest struct {
	TabGroupID  string `json:"tabGroupId"`
	TabID       string `json:"tabId"`
	Worktree    string `json:"worktree,omitempty"`
	Acknowledge bool   `json:"acknowledge"`
	LastSeenSeq uint64 `json:"lastSeenSeq,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit admits a prompt and responds with the request ID as soon
// as the execution is handed to the scheduler. The execution itself
// outlives this HTTP request.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	key, err := convkey.New(identity.UserID, identity.Workspace, req.Worktree, req.TabGroupID, req.TabID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID := uuid.NewString()
	s.rememberConversation(key.String(), requestID)

	go func() {
		err := s.pool.Execute(context.Background(), scheduler.Request{
			RequestID:       requestID,
			UserID:          identity.UserID,
			Workspace:       identity.Workspace,
			ConversationKey: key.String(),
			Prompt:          req.Prompt,
		})
		if err != nil {
			slog.Warn("Execution failed",
				"requestId", requestID, "userId", identity.UserID, "error", err)
			s.failStream(requestID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        true,
		"requestId": requestID,
	})
}

// handleCancel stops a live execution. requestId takes precedence over
// the tab fields when both are present. Ownership violations return 403
// without revealing whether the execution exists; a cancel that races
// natural completion reports already_complete, never an error.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CancelCompleteBudget)
	defer cancel()

	var cancelled bool
	var err error
	var target string

	switch {
	case req.RequestID != "":
		target = req.RequestID
		cancelled, err = s.registry.CancelByRequestID(ctx, req.RequestID, identity.UserID)
	case req.TabGroupID != "" && req.TabID != "":
		key, keyErr := convkey.New(identity.UserID, identity.Workspace, req.Worktree, req.TabGroupID, req.TabID)
		if keyErr != nil {
			writeError(w, http.StatusBadRequest, keyErr.Error())
			return
		}
		target = req.TabID
		cancelled, err = s.registry.CancelByConversationKey(ctx, key.String(), identity.UserID)
	default:
		writeError(w, http.StatusBadRequest, "requestId or tabGroupId+tabId is required")
		return
	}

	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		s.countCancel("unauthorized")
		writeError(w, http.StatusForbidden, "not authorized to cancel this execution")
		return
	case err != nil:
		// A failed cleanup is an operational concern, distinct from the
		// normal not-found race.
		s.countCancel("error")
		slog.Error("Cancel failed", "target", target, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	case cancelled:
		s.countCancel("cancelled")
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "status": "cancelled", "requestId": target,
		})
	default:
		s.countCancel("not_found")
		writeJSON(w, http.StatusOK, map[string]any{
			"ok": true, "status": "already_complete", "requestId": target,
		})
	}
}

// handleReconnect returns buffered chunks past the client's cursor. A
// missing buffer is a success-shaped "no recoverable stream", never an
// error. acknowledge=true discards the buffer after the response is
// produced.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req reconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := convkey.New(identity.UserID, identity.Workspace, req.Worktree, req.TabGroupID, req.TabID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requestID, found := s.lookupConversation(key.String())
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "hasStream": false})
		return
	}

	snap, exists := s.buffer.Read(requestID, req.LastSeenSeq)
	if !exists {
		s.forgetConversation(key.String(), requestID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "hasStream": false})
		return
	}

	messages := snap.Chunks
	if messages == nil {
		messages = []streambuf.Chunk{}
	}

	// The discard only takes effect once the stream is terminal; an
	// acknowledge that races a still-running execution leaves the buffer
	// and the conversation index in place.
	if req.Acknowledge && s.buffer.Acknowledge(requestID) {
		s.forgetConversation(key.String(), requestID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"hasStream": true,
		"requestId": requestID,
		"state":     snap.State,
		"messages":  messages,
	})
}

// failStream turns a submission the scheduler rejected (or a run that
// failed before finalizing) into an errored stream the client can
// observe via reconnect, instead of an indistinguishable "no stream".
// Safe after a normal finalization: appends to a terminal buffer are
// dropped and Complete is idempotent.
func (s *Server) failStream(requestID string, cause error) {
	payload, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		payload = []byte(`{"error":"execution failed"}`)
	}
	s.buffer.Append(requestID, uuid.NewString(), json.RawMessage(payload))
	s.buffer.Complete(requestID, streambuf.StateError)
}

// authenticate resolves the caller's identity, writing the error
// response itself when authentication fails.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if s.config.AuthDisabled {
		identity := auth.Identity{
			UserID:    r.Header.Get("X-User-ID"),
			Workspace: r.Header.Get("X-Workspace"),
		}
		if identity.UserID == "" || identity.Workspace == "" {
			writeError(w, http.StatusUnauthorized, "X-User-ID and X-Workspace headers are required")
			return auth.Identity{}, false
		}
		return identity, true
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return auth.Identity{}, false
	}
	identity, err := s.validator.Validate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return auth.Identity{}, false
	}
	return identity, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// WebSocket clients cannot set headers from the browser; allow the
	// token as a query parameter on upgrade requests.
	return r.URL.Query().Get("token")
}

func (s *Server) countCancel(outcome string) {
	if s.metrics != nil {
		s.metrics.Cancellations.WithLabelValues("user", outcome).Inc()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
