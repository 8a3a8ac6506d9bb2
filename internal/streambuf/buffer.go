// Package streambuf stores the chunks an execution has emitted so a
// client can catch up after a dropped connection. Buffers outlive the
// HTTP response that produced them and are discarded on client
// acknowledgment or by retention GC.
package streambuf

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eenlars/alive-sub007/internal/metrics"
)

// State is a stream's lifecycle state.
type State string

const (
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Chunk is one emitted unit of stream output. Payload is opaque to the
// buffer; MessageID lets clients deduplicate replays across reconnects.
type Chunk struct {
	Seq       uint64          `json:"streamSeq"`
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload"`
}

// Snapshot is the result of a read: the current state plus the chunks
// after the caller's cursor.
type Snapshot struct {
	State  State
	Chunks []Chunk
}

// Journal receives best-effort write-behind copies of buffer mutations.
// Implementations must not be required for correctness; failures are
// counted and swallowed.
type Journal interface {
	AppendChunk(requestID string, c Chunk) error
	SetState(requestID string, s State) error
	Delete(requestID string) error
}

type stream struct {
	state     State
	chunks    []Chunk
	nextSeq   uint64
	updatedAt time.Time
}

// Config bounds the buffer store.
type Config struct {
	// Retention is how long a buffer survives after its last mutation.
	// It must cover a plausible reconnect window (hidden tab made
	// visible again).
	Retention time.Duration
	// GCInterval is how often the retention sweep runs.
	GCInterval time.Duration
	// MaxChunks bounds chunks held per stream; the oldest are dropped
	// once exceeded.
	MaxChunks int
}

// Buffer is the process-wide stream buffer store.
type Buffer struct {
	mu      sync.RWMutex
	streams map[string]*stream

	cfg     Config
	journal Journal
	metrics *metrics.Metrics
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an empty buffer store. The journal and metrics may be nil.
func New(cfg Config, journal Journal, m *metrics.Metrics) *Buffer {
	return &Buffer{
		streams: make(map[string]*stream),
		cfg:     cfg,
		journal: journal,
		metrics: m,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start begins the retention GC loop.
func (b *Buffer) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.gc()
			}
		}
	}()
}

// Stop terminates the GC loop and waits for it to exit.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Begin ensures a stream exists for requestID in the streaming state.
// Called when an execution is bound to a request, so the buffer can be
// read and finalized even before the first chunk is emitted. A no-op if
// the stream already exists.
func (b *Buffer) Begin(requestID string) {
	b.mu.Lock()
	if _, ok := b.streams[requestID]; ok {
		b.mu.Unlock()
		return
	}
	b.streams[requestID] = &stream{state: StateStreaming, updatedAt: b.now()}
	b.mu.Unlock()

	b.journalWrite(func(j Journal) error { return j.SetState(requestID, StateStreaming) })
}

// Append records a chunk for requestID and returns its sequence number.
// Sequence numbers start at 1 and are gap-free per stream. The buffer is
// created on first append. Appends after the stream turned terminal are
// dropped and return 0.
func (b *Buffer) Append(requestID, messageID string, payload json.RawMessage) uint64 {
	b.mu.Lock()
	s, ok := b.streams[requestID]
	if !ok {
		s = &stream{state: StateStreaming}
		b.streams[requestID] = s
	}
	if s.state != StateStreaming {
		b.mu.Unlock()
		return 0
	}
	s.nextSeq++
	c := Chunk{Seq: s.nextSeq, MessageID: messageID, Payload: payload}
	s.chunks = append(s.chunks, c)
	if b.cfg.MaxChunks > 0 && len(s.chunks) > b.cfg.MaxChunks {
		s.chunks = s.chunks[len(s.chunks)-b.cfg.MaxChunks:]
	}
	s.updatedAt = b.now()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BufferedChunks.Inc()
	}
	b.journalWrite(func(j Journal) error { return j.AppendChunk(requestID, c) })
	return c.Seq
}

// Complete transitions a stream to a terminal state. Idempotent: once
// terminal, later calls are no-ops and the first terminal state wins.
// Completing an unknown requestID is also a no-op, since the buffer may
// already have been acknowledged and discarded.
func (b *Buffer) Complete(requestID string, final State) {
	if final != StateComplete && final != StateError {
		final = StateComplete
	}

	b.mu.Lock()
	s, ok := b.streams[requestID]
	if !ok || s.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	s.state = final
	s.updatedAt = b.now()
	b.mu.Unlock()

	b.journalWrite(func(j Journal) error { return j.SetState(requestID, final) })
}

// MarkComplete transitions a stream to the complete state. It exists so
// the registry reaper can finalize a reaped execution's buffer.
func (b *Buffer) MarkComplete(requestID string) {
	b.Complete(requestID, StateComplete)
}

// Read returns the stream's state and all chunks with sequence numbers
// strictly greater than sinceSeq, in order. The second return is false
// when no buffer exists, which callers must treat as "no active or
// recoverable stream" rather than an error.
func (b *Buffer) Read(requestID string, sinceSeq uint64) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.streams[requestID]
	if !ok {
		return Snapshot{}, false
	}

	var out []Chunk
	for _, c := range s.chunks {
		if c.Seq > sinceSeq {
			out = append(out, c)
		}
	}
	return Snapshot{State: s.state, Chunks: out}, true
}

// Acknowledge permanently discards a terminal buffer and reports whether
// it did. A streaming buffer is never discarded: the execution is still
// appending, and dropping it would restart the sequence numbering on the
// next append.
func (b *Buffer) Acknowledge(requestID string) bool {
	b.mu.Lock()
	s, ok := b.streams[requestID]
	if !ok || s.state == StateStreaming {
		b.mu.Unlock()
		return false
	}
	delete(b.streams, requestID)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BuffersDiscarded.WithLabelValues("acknowledged").Inc()
	}
	b.journalWrite(func(j Journal) error { return j.Delete(requestID) })
	return true
}

// Len returns the number of live buffers.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams)
}

// gc drops buffers whose last mutation is older than the retention
// window, regardless of state. A streaming buffer only ages out this way
// when its execution died without finalizing it.
func (b *Buffer) gc() {
	cutoff := b.now().Add(-b.cfg.Retention)

	b.mu.Lock()
	var expired []string
	for id, s := range b.streams {
		if s.updatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(b.streams, id)
	}
	b.mu.Unlock()

	for _, id := range expired {
		slog.Debug("Stream buffer expired", "requestId", id)
		if b.metrics != nil {
			b.metrics.BuffersDiscarded.WithLabelValues("expired").Inc()
		}
		b.journalWrite(func(j Journal) error { return j.Delete(id) })
	}
}

// journalWrite runs a journal operation best-effort. The journal is an
// auxiliary durability layer; its failures never fail the caller.
func (b *Buffer) journalWrite(op func(Journal) error) {
	if b.journal == nil {
		return
	}
	if err := op(b.journal); err != nil {
		slog.Warn("Stream journal write failed", "error", err)
		if b.metrics != nil {
			b.metrics.JournalErrors.Inc()
		}
	}
}
