// Package ackclient implements the consumer side of the stream
// protocol: it tracks the highest sequence number seen for one tab's
// conversation, debounces acknowledgments back to the server, and on
// visibility changes or reload catches up from the server's buffer and
// polls until the stream reaches a terminal state.
package ackclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eenlars/alive-sub007/internal/streambuf"
)

// State is the client-visible lifecycle of one execution.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// ackTimeout bounds one acknowledgment round trip.
const ackTimeout = 5 * time.Second

// Cursor tracks stream progress for one execution. LastAckedSeq never
// exceeds LastSeenSeq and both only ever advance.
type Cursor struct {
	LastSeenSeq  uint64
	LastAckedSeq uint64
}

// Transport is the server surface the client speaks to. Implementations
// are bound to one tab's conversation.
type Transport interface {
	// Fetch returns the buffered stream since lastSeenSeq.
	Fetch(ctx context.Context, lastSeenSeq uint64) (hasStream bool, state streambuf.State, chunks []streambuf.Chunk, err error)
	// Ack reports consumption progress. final=true tells the server the
	// buffer can be discarded.
	Ack(ctx context.Context, lastSeenSeq uint64, final bool) error
}

// Config tunes acknowledgment and catch-up behaviour. Debounce and poll
// intervals bound ack traffic without letting the server's view of
// client progress go stale indefinitely.
type Config struct {
	// DebounceWindow delays an ack after a chunk arrives so a burst
	// produces one ack, not one per chunk.
	DebounceWindow time.Duration
	// BatchThreshold flushes immediately once this many chunks are
	// unacknowledged.
	BatchThreshold uint64
	// PollInterval is the catch-up polling cadence while the server
	// still reports a streaming state.
	PollInterval time.Duration
	// MaxPolls caps one catch-up session so a dead stream cannot be
	// polled forever.
	MaxPolls int
}

type ackPhase int

const (
	ackIdle ackPhase = iota
	ackScheduled
	ackInFlight
)

// Client is the per-tab protocol driver. Apply is invoked for every
// chunk exactly once per execution, across live delivery and replay.
// Observe must be driven from a single goroutine (the connection's read
// loop); arrival order is only preserved under that discipline, since
// apply runs outside the client's lock.
type Client struct {
	cfg       Config
	transport Transport
	apply     func(streambuf.Chunk)

	mu         sync.Mutex
	state      State
	cursor     Cursor
	seen       map[string]struct{}
	phase      ackPhase
	timer      *time.Timer
	finalAcked bool
	pollCancel context.CancelFunc
}

// New creates a client in the idle state.
func New(cfg Config, transport Transport, apply func(streambuf.Chunk)) *Client {
	return &Client{
		cfg:       cfg,
		transport: transport,
		apply:     apply,
		state:     StateIdle,
		seen:      make(map[string]struct{}),
	}
}

// Begin resets the client for a new execution on this tab.
func (c *Client) Begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.state = StateStreaming
	c.cursor = Cursor{}
	c.seen = make(map[string]struct{})
	c.phase = ackIdle
	c.finalAcked = false
}

// Observe processes one live chunk. Returns false when the chunk was
// already applied (duplicate across a disconnect boundary).
func (c *Client) Observe(chunk streambuf.Chunk) bool {
	c.mu.Lock()
	if _, dup := c.seen[chunk.MessageID]; dup {
		c.mu.Unlock()
		return false
	}
	c.seen[chunk.MessageID] = struct{}{}
	if chunk.Seq > c.cursor.LastSeenSeq {
		c.cursor.LastSeenSeq = chunk.Seq
	}
	c.scheduleAckLocked()
	c.mu.Unlock()

	c.apply(chunk)
	return true
}

// Finish records a terminal state reported by the live connection and
// sends the final acknowledgment so the server can discard the buffer.
func (c *Client) Finish(state State) {
	c.mu.Lock()
	c.setTerminalLocked(state)
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cursor returns the current progress cursor.
func (c *Client) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Show handles the tab becoming visible (or mounting after a reload):
// it catches up from the server's buffer and, if the stream is still
// live, polls until it turns terminal, the poll cap is reached, or the
// tab is hidden.
func (c *Client) Show() {
	c.mu.Lock()
	if c.pollCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.mu.Unlock()

	go c.resync(ctx)
}

// Hide stops any catch-up polling; a hidden tab must not generate
// traffic.
func (c *Client) Hide() {
	c.mu.Lock()
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.mu.Unlock()
}

func (c *Client) resync(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		if c.pollCancel != nil {
			c.pollCancel()
			c.pollCancel = nil
		}
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		since := c.cursor.LastSeenSeq
		c.mu.Unlock()

		hasStream, state, chunks, err := c.transport.Fetch(ctx, since)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("Stream catch-up fetch failed", "error", err)
			}
			return
		}
		if !hasStream {
			// The buffer is gone: either nothing ran, or it completed
			// and was already cleaned up. Nothing to recover.
			c.mu.Lock()
			if c.state == StateStreaming {
				c.state = StateComplete
			}
			c.mu.Unlock()
			return
		}

		c.replay(chunks)

		if state != streambuf.StateStreaming {
			c.mu.Lock()
			c.setTerminalLocked(terminalState(state))
			c.mu.Unlock()
			return
		}
		if attempt >= c.cfg.MaxPolls {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// replay applies fetched chunks, skipping any already seen live.
func (c *Client) replay(chunks []streambuf.Chunk) {
	for _, chunk := range chunks {
		c.mu.Lock()
		if _, dup := c.seen[chunk.MessageID]; dup {
			c.mu.Unlock()
			continue
		}
		c.seen[chunk.MessageID] = struct{}{}
		if chunk.Seq > c.cursor.LastSeenSeq {
			c.cursor.LastSeenSeq = chunk.Seq
		}
		c.mu.Unlock()
		c.apply(chunk)
	}
}

// scheduleAckLocked runs the debounce state machine: flush immediately
// once the unacked gap reaches the batch threshold, otherwise arm the
// debounce timer. An in-flight flush is never overlapped.
func (c *Client) scheduleAckLocked() {
	gap := c.cursor.LastSeenSeq - c.cursor.LastAckedSeq
	if gap == 0 || c.phase == ackInFlight {
		return
	}
	if c.cfg.BatchThreshold > 0 && gap >= c.cfg.BatchThreshold {
		c.startFlushLocked(false)
		return
	}
	if c.phase == ackIdle {
		c.phase = ackScheduled
		c.timer = time.AfterFunc(c.cfg.DebounceWindow, c.onDebounce)
	}
}

func (c *Client) onDebounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != ackScheduled {
		return
	}
	c.startFlushLocked(false)
}

func (c *Client) startFlushLocked(final bool) {
	c.stopTimerLocked()
	c.phase = ackInFlight
	seq := c.cursor.LastSeenSeq
	go c.flush(seq, final)
}

// flush performs one acknowledgment round trip. Failures are swallowed;
// the next chunk or the reconnect path retries.
func (c *Client) flush(seq uint64, final bool) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	err := c.transport.Ack(ctx, seq, final)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		slog.Debug("Acknowledgment flush failed", "seq", seq, "error", err)
	} else if seq > c.cursor.LastAckedSeq {
		c.cursor.LastAckedSeq = seq
	}
	c.phase = ackIdle

	if !final && c.state == StateStreaming && c.cursor.LastSeenSeq > c.cursor.LastAckedSeq {
		c.phase = ackScheduled
		c.timer = time.AfterFunc(c.cfg.DebounceWindow, c.onDebounce)
	}
}

// setTerminalLocked transitions to a terminal state and sends the one
// final acknowledgment for this execution.
func (c *Client) setTerminalLocked(state State) {
	if c.state != StateStreaming {
		return
	}
	c.state = state
	c.stopTimerLocked()
	if !c.finalAcked {
		c.finalAcked = true
		c.phase = ackInFlight
		go c.flush(c.cursor.LastSeenSeq, true)
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func terminalState(s streambuf.State) State {
	if s == streambuf.StateError {
		return StateError
	}
	return StateComplete
}
