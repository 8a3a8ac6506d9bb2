package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eenlars/alive-sub007/internal/streambuf"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsSendBuffer is the per-connection event buffer; a slow consumer
	// that falls this far behind is disconnected and catches up through
	// the reconnect path.
	wsSendBuffer = 256
)

// wsEvent is one message to a stream viewer.
type wsEvent struct {
	Type      string           `json:"type"` // chunk | state
	RequestID string           `json:"requestId"`
	Chunk     *streambuf.Chunk `json:"chunk,omitempty"`
	State     streambuf.State  `json:"state,omitempty"`
}

type subscriber struct {
	ch   chan wsEvent
	done chan struct{}
	once sync.Once
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.done) })
}

// hub fans live stream events out to WebSocket viewers per execution.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(requestID string) *subscriber {
	sub := &subscriber{
		ch:   make(chan wsEvent, wsSendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[requestID] == nil {
		h.subs[requestID] = make(map[*subscriber]struct{})
	}
	h.subs[requestID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(requestID string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[requestID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, requestID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

func (h *hub) broadcast(requestID string, ev wsEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[requestID] {
		select {
		case sub.ch <- ev:
		default:
			// Slow viewer; it recovers via reconnect.
			sub.close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			sub.close()
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
}

// OnChunk is the pool's chunk sink.
func (h *hub) OnChunk(requestID string, c streambuf.Chunk) {
	h.broadcast(requestID, wsEvent{Type: "chunk", RequestID: requestID, Chunk: &c})
}

// OnComplete is the pool's completion sink.
func (h *hub) OnComplete(requestID string, state streambuf.State) {
	h.broadcast(requestID, wsEvent{Type: "state", RequestID: requestID, State: state})
}

// handleStreamWS attaches a viewer to a live execution. Buffered chunks
// past sinceSeq are replayed first, then live events stream until the
// execution turns terminal or the client disconnects.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	requestID := r.URL.Query().Get("requestId")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	var sinceSeq uint64
	if v := r.URL.Query().Get("sinceSeq"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sinceSeq")
			return
		}
		sinceSeq = parsed
	}

	// A live entry under another owner must not be attachable; absence
	// is fine, the stream may simply have completed.
	if entry, live := s.registry.Lookup(requestID); live && entry.OwnerUserID != identity.UserID {
		writeError(w, http.StatusForbidden, "not authorized for this stream")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range s.config.AllowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe(requestID)
	defer s.hub.unsubscribe(requestID, sub)

	// Read pump: the client sends nothing meaningful, but reading
	// surfaces disconnects.
	go func() {
		defer sub.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Replay buffered chunks before switching to live events. The
	// subscription is already active, so anything emitted during replay
	// is queued; duplicates across the boundary are filtered by seq.
	maxSeq := sinceSeq
	snap, exists := s.buffer.Read(requestID, sinceSeq)
	if exists {
		for _, c := range snap.Chunks {
			if err := s.writeEvent(conn, wsEvent{Type: "chunk", RequestID: requestID, Chunk: &c}); err != nil {
				return
			}
			if c.Seq > maxSeq {
				maxSeq = c.Seq
			}
		}
		if snap.State != streambuf.StateStreaming {
			_ = s.writeEvent(conn, wsEvent{Type: "state", RequestID: requestID, State: snap.State})
			return
		}
	}

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-sub.ch:
			if ev.Type == "chunk" && ev.Chunk.Seq <= maxSeq {
				continue
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Type == "chunk" {
				maxSeq = ev.Chunk.Seq
			}
			if ev.Type == "state" {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev wsEvent) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
