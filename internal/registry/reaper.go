package registry

import (
	"context"
	"log/slog"
	"time"
)

// StreamFinalizer marks a stream buffer terminal so a client that is
// still polling a reaped execution does not wait forever.
type StreamFinalizer interface {
	MarkComplete(requestID string)
}

// ReaperConfig configures the TTL reaper.
type ReaperConfig struct {
	// EntryTTL is how old an entry must be before it is considered
	// orphaned. This is a safety net, not the primary cleanup path: it
	// must exceed the slowest legitimate execution by a wide margin,
	// since reaping is indistinguishable from a user Stop.
	EntryTTL time.Duration
	// Interval is how often the reaper sweeps.
	Interval time.Duration
	// CancelBudget bounds how long each reaped entry's cancel callback
	// may take before the sweep moves on.
	CancelBudget time.Duration
}

// Reaper force-cancels registry entries that have exceeded their TTL,
// using the same code path as a user-initiated Stop.
type Reaper struct {
	registry  *Registry
	finalizer StreamFinalizer
	cfg       ReaperConfig

	done chan struct{}
	wg   chan struct{}
}

// NewReaper creates a reaper for the given registry. The finalizer may
// be nil when no stream buffer is wired (tests).
func NewReaper(r *Registry, finalizer StreamFinalizer, cfg ReaperConfig) *Reaper {
	return &Reaper{
		registry:  r,
		finalizer: finalizer,
		cfg:       cfg,
		done:      make(chan struct{}),
		wg:        make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (rp *Reaper) Start() {
	go func() {
		defer close(rp.wg)
		ticker := time.NewTicker(rp.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-rp.done:
				return
			case <-ticker.C:
				rp.Sweep()
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (rp *Reaper) Stop() {
	close(rp.done)
	<-rp.wg
}

// Sweep cancels every entry older than the TTL. Failures are isolated
// per entry so one bad cancel callback cannot halt the sweep.
func (rp *Reaper) Sweep() {
	cutoff := rp.registry.now().Add(-rp.cfg.EntryTTL)
	expired := rp.registry.expiredBefore(cutoff)

	for _, entry := range expired {
		rp.reapOne(entry)
	}
}

func (rp *Reaper) reapOne(entry Entry) {
	slog.Warn("Reaping execution past registry TTL",
		"requestId", entry.RequestID,
		"age", rp.registry.now().Sub(entry.CreatedAt),
		"ttl", rp.cfg.EntryTTL)

	ctx, cancel := context.WithTimeout(context.Background(), rp.cfg.CancelBudget)
	defer cancel()

	// The reaper acts as the owning user: this path is not reachable by
	// any other caller, and authorization must stay on the shared path.
	cancelled, err := rp.registry.CancelByRequestID(ctx, entry.RequestID, entry.OwnerUserID)
	if err != nil {
		slog.Error("Reaper cancel failed", "requestId", entry.RequestID, "error", err)
		if rp.registry.metrics != nil {
			rp.registry.metrics.Cancellations.WithLabelValues("reaper", "error").Inc()
		}
	} else if cancelled {
		if rp.registry.metrics != nil {
			rp.registry.metrics.Cancellations.WithLabelValues("reaper", "cancelled").Inc()
		}
	}

	// Mark the stream terminal even when the cancel errored, so a
	// polling client stops waiting.
	if rp.finalizer != nil {
		rp.finalizer.MarkComplete(entry.RequestID)
	}
}
