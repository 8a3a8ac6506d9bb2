// Package server provides the HTTP and WebSocket surface of the stream
// session service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/eenlars/alive-sub007/internal/auth"
	"github.com/eenlars/alive-sub007/internal/config"
	"github.com/eenlars/alive-sub007/internal/metrics"
	"github.com/eenlars/alive-sub007/internal/registry"
	"github.com/eenlars/alive-sub007/internal/scheduler"
	"github.com/eenlars/alive-sub007/internal/streambuf"
)

// Server routes requests into the scheduler, registry, and stream
// buffer. All three are constructed services injected at creation, not
// ambient globals, so tests can build a fresh instance per case.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	validator  *auth.Validator
	pool       *scheduler.Pool
	registry   *registry.Registry
	buffer     *streambuf.Buffer
	metrics    *metrics.Metrics
	hub        *hub

	// conversations maps a conversation key to its most recent
	// execution, outliving the registry entry so reconnects can find
	// the buffer after completion.
	convMu        sync.Mutex
	conversations map[string]string
}

// New creates a server. The validator is nil when auth is disabled.
func New(cfg *config.Config, validator *auth.Validator, pool *scheduler.Pool, reg *registry.Registry, buf *streambuf.Buffer, m *metrics.Metrics) *Server {
	s := &Server{
		config:        cfg,
		validator:     validator,
		pool:          pool,
		registry:      reg,
		buffer:        buf,
		metrics:       m,
		hub:           newHub(),
		conversations: make(map[string]string),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would set a deadline on the underlying
	// net.Conn before the handler runs, which kills hijacked WebSocket
	// connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// Hub returns the live-stream fanout, for wiring as the pool's sinks.
func (s *Server) Hub() *hub {
	return s.hub
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/executions", s.handleSubmit)
	mux.HandleFunc("GET /v1/executions/ws", s.handleStreamWS)
	mux.HandleFunc("POST /v1/executions/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/executions/reconnect", s.handleReconnect)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Start begins serving. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start() error {
	slog.Info("Starting stream session service", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// rememberConversation indexes the latest execution for a conversation
// so reconnects can locate the stream buffer after completion.
func (s *Server) rememberConversation(conversationKey, requestID string) {
	s.convMu.Lock()
	s.conversations[conversationKey] = requestID
	s.convMu.Unlock()
}

// lookupConversation returns the latest execution for a conversation.
func (s *Server) lookupConversation(conversationKey string) (string, bool) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	id, ok := s.conversations[conversationKey]
	return id, ok
}

// forgetConversation drops the index entry if it still points at
// requestID.
func (s *Server) forgetConversation(conversationKey, requestID string) {
	s.convMu.Lock()
	if s.conversations[conversationKey] == requestID {
		delete(s.conversations, conversationKey)
	}
	s.convMu.Unlock()
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:]
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
