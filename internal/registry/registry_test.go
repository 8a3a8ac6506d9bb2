package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func noopCancel(context.Context) error { return nil }

func TestRegistry_CancelByRequestID(t *testing.T) {
	r := New(nil)
	var fired int32
	r.Register("req-1", "user-a", "user-a::ws::conv-1", func(context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	ok, err := r.CancelByRequestID(context.Background(), "req-1", "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected cancel to report true")
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected callback to fire once, fired %d", fired)
	}
	if r.Len() != 0 {
		t.Fatalf("expected entry removed, registry has %d entries", r.Len())
	}
}

func TestRegistry_CancelTwiceFiresCallbackOnce(t *testing.T) {
	r := New(nil)
	var fired int32
	r.Register("req-1", "user-a", "key-1", func(context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	ok, err := r.CancelByRequestID(context.Background(), "req-1", "user-a")
	if err != nil || !ok {
		t.Fatalf("first cancel: ok=%v err=%v", ok, err)
	}
	ok, err = r.CancelByRequestID(context.Background(), "req-1", "user-a")
	if err != nil {
		t.Fatalf("second cancel: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("second cancel should observe not found")
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
}

func TestRegistry_CancelUnknownRequestIsNotFound(t *testing.T) {
	r := New(nil)
	ok, err := r.CancelByRequestID(context.Background(), "req-missing", "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected not found for unknown request")
	}
}

func TestRegistry_CancelUnauthorized(t *testing.T) {
	r := New(nil)
	var fired int32
	r.Register("req-2", "user-b", "key-2", func(context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	_, err := r.CancelByRequestID(context.Background(), "req-2", "user-c")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("callback must not fire on unauthorized cancel")
	}
	if r.Len() != 1 {
		t.Fatal("entry must stay registered after unauthorized cancel")
	}

	// The rightful owner can still cancel.
	ok, err := r.CancelByRequestID(context.Background(), "req-2", "user-b")
	if err != nil || !ok {
		t.Fatalf("owner cancel: ok=%v err=%v", ok, err)
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
}

func TestRegistry_CancelAwaitsAsyncCallback(t *testing.T) {
	r := New(nil)
	var cleanupDone atomic.Bool
	r.Register("req-3", "user-a", "key-3", func(context.Context) error {
		time.Sleep(50 * time.Millisecond) // simulated subprocess teardown
		cleanupDone.Store(true)
		return nil
	})

	ok, err := r.CancelByRequestID(context.Background(), "req-3", "user-a")
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if !cleanupDone.Load() {
		t.Fatal("cancel returned before the callback finished cleanup")
	}
}

func TestRegistry_CancelByConversationKey(t *testing.T) {
	r := New(nil)
	var fired int32
	r.Register("req-1", "user-a", "A::ws::conv-1", func(context.Context) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})

	ok, err := r.CancelByConversationKey(context.Background(), "A::ws::conv-1", "user-a")
	if err != nil || !ok {
		t.Fatalf("cancel by key: ok=%v err=%v", ok, err)
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}

	ok, err = r.CancelByConversationKey(context.Background(), "A::ws::conv-1", "user-a")
	if err != nil {
		t.Fatalf("second cancel by key: unexpected error: %v", err)
	}
	if ok {
		t.Fatal("second cancel by key should observe not found")
	}
}

func TestRegistry_CancelByConversationKeyUnauthorized(t *testing.T) {
	r := New(nil)
	r.Register("req-9", "user-b", "B::ws::conv-9", noopCancel)

	_, err := r.CancelByConversationKey(context.Background(), "B::ws::conv-9", "user-c")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatal("entry must stay registered after unauthorized cancel")
	}
}

func TestRegistry_CancelErrorPropagatesAndRemovesEntry(t *testing.T) {
	r := New(nil)
	cleanupErr := fmt.Errorf("subprocess would not die")
	r.Register("req-4", "user-a", "key-4", func(context.Context) error {
		return cleanupErr
	})

	ok, err := r.CancelByRequestID(context.Background(), "req-4", "user-a")
	if !ok {
		t.Fatal("cancel should have matched the entry")
	}
	if !errors.Is(err, cleanupErr) {
		t.Fatalf("expected cleanup error, got %v", err)
	}
	// The callback has been consumed; the entry must not be retried.
	if r.Len() != 0 {
		t.Fatal("entry should be removed even when cleanup errors")
	}
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := New(nil)
	r.Register("req-5", "user-a", "key-5", noopCancel)
	r.Unregister("req-5")
	r.Unregister("req-5")
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d entries", r.Len())
	}
}

func TestRegistry_ConcurrentCancelFiresOnce(t *testing.T) {
	r := New(nil)
	var fired int32
	r.Register("req-6", "user-a", "key-6", func(context.Context) error {
		atomic.AddInt32(&fired, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	var trueCount int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.CancelByRequestID(context.Background(), "req-6", "user-a")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				atomic.AddInt32(&trueCount, 1)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if atomic.LoadInt32(&trueCount) != 1 {
		t.Fatalf("%d callers observed true, want exactly 1", trueCount)
	}
}

type fakeFinalizer struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeFinalizer) MarkComplete(requestID string) {
	f.mu.Lock()
	f.completed = append(f.completed, requestID)
	f.mu.Unlock()
}

func TestReaper_SweepCancelsOnlyExpiredEntries(t *testing.T) {
	r := New(nil)
	base := time.Now()
	r.now = func() time.Time { return base }

	ttl := time.Minute

	var oldFired, youngFired int32
	r.Register("req-old", "user-a", "key-old", func(context.Context) error {
		atomic.AddInt32(&oldFired, 1)
		return nil
	})
	r.Register("req-young", "user-a", "key-young", func(context.Context) error {
		atomic.AddInt32(&youngFired, 1)
		return nil
	})

	// Backdate the old entry past the TTL; leave the young one just inside it.
	r.mu.Lock()
	r.entries["req-old"].CreatedAt = base.Add(-ttl - time.Millisecond)
	r.entries["req-young"].CreatedAt = base.Add(-ttl + time.Millisecond)
	r.mu.Unlock()

	fin := &fakeFinalizer{}
	rp := NewReaper(r, fin, ReaperConfig{
		EntryTTL:     ttl,
		Interval:     time.Hour, // sweep manually
		CancelBudget: time.Second,
	})
	rp.Sweep()

	if atomic.LoadInt32(&oldFired) != 1 {
		t.Fatalf("expired entry cancel fired %d times, want 1", oldFired)
	}
	if atomic.LoadInt32(&youngFired) != 0 {
		t.Fatal("entry inside TTL must not be reaped")
	}
	if len(fin.completed) != 1 || fin.completed[0] != "req-old" {
		t.Fatalf("expected stream buffer finalized for req-old, got %v", fin.completed)
	}
	if _, ok := r.Lookup("req-young"); !ok {
		t.Fatal("young entry should remain registered")
	}
}

func TestReaper_SweepContinuesPastFailingEntry(t *testing.T) {
	r := New(nil)
	base := time.Now()
	r.now = func() time.Time { return base }

	var secondFired int32
	r.Register("req-bad", "user-a", "key-bad", func(context.Context) error {
		return errors.New("cleanup failure")
	})
	r.Register("req-good", "user-a", "key-good", func(context.Context) error {
		atomic.AddInt32(&secondFired, 1)
		return nil
	})
	r.mu.Lock()
	for _, e := range r.entries {
		e.CreatedAt = base.Add(-2 * time.Hour)
	}
	r.mu.Unlock()

	fin := &fakeFinalizer{}
	rp := NewReaper(r, fin, ReaperConfig{
		EntryTTL:     time.Hour,
		Interval:     time.Hour,
		CancelBudget: time.Second,
	})
	rp.Sweep()

	if atomic.LoadInt32(&secondFired) != 1 {
		t.Fatal("sweep must continue past a failing entry")
	}
	if len(fin.completed) != 2 {
		t.Fatalf("expected both buffers finalized, got %v", fin.completed)
	}
}
