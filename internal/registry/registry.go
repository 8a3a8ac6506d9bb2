// Package registry tracks live executions so they can be cancelled by
// request ID or conversation key. It is process-wide, in-memory state:
// entries exist only while an execution is running, so the map stays
// small and conversation-key lookup is a linear scan.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eenlars/alive-sub007/internal/metrics"
)

// ErrUnauthorized is returned when the caller does not own the targeted
// execution. The cancel callback is not invoked and the entry is left
// registered. The error carries no detail about the entry so a caller
// cannot probe for other users' executions.
var ErrUnauthorized = errors.New("caller does not own this execution")

// CancelFunc aborts the underlying execution. It must not return until
// cleanup (conversation lock released, subprocess terminated) has actually
// finished, not merely been requested.
type CancelFunc func(ctx context.Context) error

// Entry is one live execution's cancellation handle.
type Entry struct {
	RequestID       string
	OwnerUserID     string
	ConversationKey string
	CreatedAt       time.Time

	cancel CancelFunc
	// claimed is set under the registry mutex by the first successful
	// cancel so the callback fires at most once.
	claimed bool
}

// Registry is the process-wide execution cancellation registry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an empty registry. The metrics instance may be nil.
func New(m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		metrics: m,
		now:     time.Now,
	}
}

// Register makes an execution visible to concurrent cancel calls. It
// overwrites any prior entry for the same request ID; callers guarantee
// request ID uniqueness.
func (r *Registry) Register(requestID, ownerUserID, conversationKey string, cancel CancelFunc) {
	r.mu.Lock()
	r.entries[requestID] = &Entry{
		RequestID:       requestID,
		OwnerUserID:     ownerUserID,
		ConversationKey: conversationKey,
		CreatedAt:       r.now(),
		cancel:          cancel,
	}
	count := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RegistryEntries.Set(float64(count))
	}
}

// Unregister removes an entry. Idempotent; called on normal completion so
// a concurrent late cancel observes "not found" instead of double-cleaning.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	delete(r.entries, requestID)
	count := len(r.entries)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RegistryEntries.Set(float64(count))
	}
}

// CancelByRequestID cancels the execution registered under requestID.
//
// Returns (false, nil) when no live entry exists — a normal outcome, since
// cancellation races natural completion. Returns ErrUnauthorized without
// invoking the callback when callerUserID does not own the entry. On a
// match it blocks until the cancel callback has completed, then removes
// the entry and returns true. A second concurrent or subsequent cancel
// for the same ID observes "not found".
func (r *Registry) CancelByRequestID(ctx context.Context, requestID, callerUserID string) (bool, error) {
	r.mu.Lock()
	entry, ok := r.entries[requestID]
	if !ok || entry.claimed {
		r.mu.Unlock()
		return false, nil
	}
	if entry.OwnerUserID != callerUserID {
		r.mu.Unlock()
		return false, ErrUnauthorized
	}
	entry.claimed = true
	r.mu.Unlock()

	return true, r.finishCancel(ctx, entry)
}

// CancelByConversationKey cancels the live execution for a conversation
// key. This is the fallback used when the client clicks Stop before it
// has received a request ID. Same authorization and completion semantics
// as CancelByRequestID.
func (r *Registry) CancelByConversationKey(ctx context.Context, conversationKey, callerUserID string) (bool, error) {
	r.mu.Lock()
	var entry *Entry
	for _, e := range r.entries {
		if e.ConversationKey == conversationKey && !e.claimed {
			entry = e
			break
		}
	}
	if entry == nil {
		r.mu.Unlock()
		return false, nil
	}
	if entry.OwnerUserID != callerUserID {
		r.mu.Unlock()
		return false, ErrUnauthorized
	}
	entry.claimed = true
	r.mu.Unlock()

	return true, r.finishCancel(ctx, entry)
}

// finishCancel runs the claimed entry's callback to completion and then
// removes the entry. The await-before-remove ordering is what lets
// callers treat "cancel returned" as "cleanup finished".
func (r *Registry) finishCancel(ctx context.Context, entry *Entry) error {
	err := entry.cancel(ctx)
	r.Unregister(entry.RequestID)
	if err != nil {
		slog.Error("Execution cancel callback failed",
			"requestId", entry.RequestID, "error", err)
		return err
	}
	return nil
}

// Lookup returns a copy of the entry for a request ID, if present.
func (r *Registry) Lookup(requestID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[requestID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// expiredBefore returns copies of unclaimed entries created before the
// cutoff. Used by the TTL reaper.
func (r *Registry) expiredBefore(cutoff time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Entry
	for _, e := range r.entries {
		if !e.claimed && e.CreatedAt.Before(cutoff) {
			expired = append(expired, *e)
		}
	}
	return expired
}
