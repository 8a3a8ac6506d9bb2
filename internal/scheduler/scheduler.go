// Package scheduler owns the pool of agent workers. It decides for each
// incoming execution whether to run it now, queue it, or reject it,
// enforcing fairness quotas and host-health limits, and reclaims worker
// capacity in the background.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/eenlars/alive-sub007/internal/hostload"
	"github.com/eenlars/alive-sub007/internal/metrics"
	"github.com/eenlars/alive-sub007/internal/registry"
	"github.com/eenlars/alive-sub007/internal/streambuf"
	"github.com/eenlars/alive-sub007/internal/worker"
	"github.com/google/uuid"
)

// ErrQueueFull is returned when a request cannot run immediately and
// every applicable queue bound is exhausted. Unbounded queueing is a
// memory-growth hazard, so past the bounds we reject.
var ErrQueueFull = errors.New("admission queue is full")

// Agent is the worker surface the pool manages. Satisfied by
// *worker.Worker; faked in tests.
type Agent interface {
	Execute(ctx context.Context, prompt string) error
	Busy() bool
	Exited() bool
	LastActive() time.Time
	Age() time.Duration
	Pid() int
	Stop() error
}

// SpawnFunc creates a new agent worker. Injectable so tests can run the
// pool without real subprocesses.
type SpawnFunc func(ctx context.Context, ownerUserID, workspace string, emit worker.ChunkEmitter) (Agent, error)

// HostProbe supplies host pressure snapshots.
type HostProbe interface {
	Snapshot() (hostload.Snapshot, error)
}

// ChunkSink receives each chunk as it is buffered, for live fanout to
// connected clients.
type ChunkSink func(requestID string, c streambuf.Chunk)

// CompleteSink is notified when an execution's stream turns terminal.
type CompleteSink func(requestID string, state streambuf.State)

// Config holds the pool's policy parameters.
type Config struct {
	MaxWorkers             int
	WorkersPerCoreRatio    float64
	MaxWorkersPerUser      int
	MaxWorkersPerWorkspace int

	QueueDepthPerUser      int
	QueueDepthPerWorkspace int
	QueueDepthGlobal       int

	WorkerIdleTimeout time.Duration
	WorkerMaxAge      time.Duration
	ReclaimEvery      time.Duration
	OrphanSweepEvery  time.Duration

	LoadShedThreshold float64
	PidHighWaterRatio float64
	PidMinHeadroom    int
	PressureRecheck   time.Duration

	// CancelBudget bounds registry cancels issued by reclamation.
	CancelBudget time.Duration
}

// Request is one prompt execution to admit and run.
type Request struct {
	RequestID       string
	UserID          string
	Workspace       string
	ConversationKey string
	Prompt          string
}

type slot struct {
	id          string
	ownerUserID string
	workspace   string
	agent       Agent

	mu             sync.Mutex
	busy           bool
	spawning       bool
	currentRequest string
}

func (s *slot) setCurrentRequest(id string) {
	s.mu.Lock()
	s.currentRequest = id
	s.mu.Unlock()
}

func (s *slot) request() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRequest
}

type waiter struct {
	userID    string
	workspace string
	ready     chan struct{}
}

// Pool is the worker pool scheduler.
type Pool struct {
	cfg        Config
	registry   *registry.Registry
	buffer     *streambuf.Buffer
	probe      HostProbe
	metrics    *metrics.Metrics
	spawn      SpawnFunc
	onChunk    ChunkSink
	onComplete CompleteSink

	mu               sync.Mutex
	slots            map[string]*slot
	queue            []*waiter
	queuedPerUser    map[string]int
	queuedPerWS      map[string]int
	pidDeferredUntil time.Time

	numCPU int
	now    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool. The chunk and complete sinks may be nil.
func New(cfg Config, reg *registry.Registry, buf *streambuf.Buffer, probe HostProbe, m *metrics.Metrics, spawn SpawnFunc, onChunk ChunkSink, onComplete CompleteSink) *Pool {
	return &Pool{
		cfg:           cfg,
		registry:      reg,
		buffer:        buf,
		probe:         probe,
		metrics:       m,
		spawn:         spawn,
		onChunk:       onChunk,
		onComplete:    onComplete,
		slots:         make(map[string]*slot),
		queuedPerUser: make(map[string]int),
		queuedPerWS:   make(map[string]int),
		numCPU:        runtime.NumCPU(),
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

// Start launches the reclamation and orphan sweep loops.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.loop(p.cfg.ReclaimEvery, p.reclaim)
	go p.loop(p.cfg.OrphanSweepEvery, p.sweepOrphans)
}

func (p *Pool) loop(interval time.Duration, fn func()) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop terminates the background loops and all workers.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.slots = make(map[string]*slot)
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, s := range slots {
		if s.agent != nil {
			if err := s.agent.Stop(); err != nil {
				slog.Warn("Worker stop failed during drain", "workerId", s.id, "error", err)
			}
		}
	}
}

// Execute admits req, runs it on a worker, and finalizes the stream
// buffer and cancellation registry. Blocks until the execution reaches a
// terminal state; callers that need to return early run it in a
// goroutine. ctx cancellation applies to the admission wait only.
func (p *Pool) Execute(ctx context.Context, req Request) error {
	s, err := p.admit(ctx, req.UserID, req.Workspace)
	if err != nil {
		return err
	}

	s.setCurrentRequest(req.RequestID)

	// The stream buffer must exist before the execution is cancellable:
	// a cancel or reclaim of a run that has not emitted yet still has to
	// finalize a stream the client can observe.
	p.buffer.Begin(req.RequestID)

	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()
	execDone := make(chan struct{})

	p.registry.Register(req.RequestID, req.UserID, req.ConversationKey, func(cctx context.Context) error {
		cancelExec()
		select {
		case <-execDone:
			return nil
		case <-cctx.Done():
			return fmt.Errorf("await execution cleanup: %w", cctx.Err())
		}
	})

	execErr := s.agent.Execute(execCtx, req.Prompt)

	final := streambuf.StateComplete
	if execErr != nil && execCtx.Err() == nil {
		final = streambuf.StateError
	}
	p.buffer.Complete(req.RequestID, final)
	if p.onComplete != nil {
		p.onComplete(req.RequestID, final)
	}
	s.setCurrentRequest("")
	close(execDone)
	p.registry.Unregister(req.RequestID)
	p.release(s)

	if execErr != nil && execCtx.Err() == nil {
		return execErr
	}
	return nil
}

// admit reserves a worker slot for the request, waiting in the bounded
// queue when fairness or capacity requires it.
func (p *Pool) admit(ctx context.Context, userID, workspace string) (*slot, error) {
	for {
		s, reason := p.tryAdmit(userID, workspace)
		if s != nil {
			if s.spawning {
				return p.finishSpawn(ctx, s, userID, workspace)
			}
			p.countAdmission("admitted", "reuse")
			return s, nil
		}

		if err := p.waitInQueue(ctx, userID, workspace, reason); err != nil {
			return nil, err
		}
	}
}

// tryAdmit evaluates the admission pipeline under the pool lock. It
// returns a reserved slot, or nil with the reason the request must wait.
func (p *Pool) tryAdmit(userID, workspace string) (*slot, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.busyForUserLocked(userID) >= p.cfg.MaxWorkersPerUser {
		return nil, "fairness_user"
	}
	if p.busyForWorkspaceLocked(workspace) >= p.cfg.MaxWorkersPerWorkspace {
		return nil, "fairness_workspace"
	}

	// Reuse an idle worker already bound to this user and workspace.
	for _, s := range p.slots {
		if !s.busy && !s.spawning && s.agent != nil && !s.agent.Exited() &&
			s.ownerUserID == userID && s.workspace == workspace {
			s.busy = true
			p.updateGaugesLocked()
			return s, ""
		}
	}

	// Need a new worker. Capacity adapts to the host core count.
	if len(p.slots) >= p.ceiling() {
		if !p.evictLRUIdleLocked() {
			return nil, "capacity"
		}
	}

	if reason := p.spawnGateLocked(); reason != "" {
		return nil, reason
	}

	// Reserve a placeholder so concurrent admissions see the slot; the
	// subprocess spawn happens outside the lock.
	s := &slot{
		id:          uuid.NewString(),
		ownerUserID: userID,
		workspace:   workspace,
		busy:        true,
		spawning:    true,
	}
	p.slots[s.id] = s
	p.updateGaugesLocked()
	return s, ""
}

// spawnGateLocked applies the load-shedding and pid-pressure gates that
// block new spawns while the host is under pressure.
func (p *Pool) spawnGateLocked() string {
	if p.probe == nil {
		return ""
	}

	if p.now().Before(p.pidDeferredUntil) {
		return "pid_pressure"
	}

	snap, err := p.probe.Snapshot()
	if err != nil {
		slog.Warn("Host pressure probe failed, allowing spawn", "error", err)
		return ""
	}

	if snap.Load1 > float64(p.numCPU)*p.cfg.LoadShedThreshold {
		return "load_shed"
	}

	if snap.PidRatio() > p.cfg.PidHighWaterRatio || snap.PidHeadroom() < p.cfg.PidMinHeadroom {
		p.pidDeferredUntil = p.now().Add(p.cfg.PressureRecheck)
		slog.Warn("Deferring worker spawns on pid pressure",
			"threads", snap.Threads, "pidMax", snap.PidMax, "until", p.pidDeferredUntil)
		return "pid_pressure"
	}
	return ""
}

// finishSpawn creates the subprocess for a reserved placeholder slot.
func (p *Pool) finishSpawn(ctx context.Context, s *slot, userID, workspace string) (*slot, error) {
	agent, err := p.spawn(ctx, userID, workspace, p.makeEmitter(s))
	if err != nil {
		p.mu.Lock()
		delete(p.slots, s.id)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.wakeQueue()
		p.countAdmission("rejected", "spawn_failed")
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	p.mu.Lock()
	s.agent = agent
	s.spawning = false
	p.mu.Unlock()

	p.countAdmission("admitted", "spawned")
	return s, nil
}

// waitInQueue parks the caller until capacity may have changed. Rejects
// with ErrQueueFull once any queue bound is exhausted.
func (p *Pool) waitInQueue(ctx context.Context, userID, workspace, reason string) error {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.QueueDepthGlobal ||
		p.queuedPerUser[userID] >= p.cfg.QueueDepthPerUser ||
		p.queuedPerWS[workspace] >= p.cfg.QueueDepthPerWorkspace {
		p.mu.Unlock()
		p.countAdmission("rejected", "queue_full")
		return fmt.Errorf("%w (%s)", ErrQueueFull, reason)
	}

	w := &waiter{userID: userID, workspace: workspace, ready: make(chan struct{}, 1)}
	p.queue = append(p.queue, w)
	p.queuedPerUser[userID]++
	p.queuedPerWS[workspace]++
	p.setQueueGaugeLocked()
	p.mu.Unlock()

	p.countAdmission("queued", reason)

	select {
	case <-w.ready:
		p.dequeue(w)
		return nil
	case <-ctx.Done():
		p.dequeue(w)
		return ctx.Err()
	case <-p.done:
		p.dequeue(w)
		return errors.New("scheduler shutting down")
	}
}

func (p *Pool) dequeue(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.queuedPerUser[w.userID]--
			p.queuedPerWS[w.workspace]--
			p.setQueueGaugeLocked()
			return
		}
	}
}

// wakeQueue signals every parked waiter to re-run the admission
// pipeline. Ready channels are buffered, so a waiter signalled twice
// before waking coalesces the wakeups.
func (p *Pool) wakeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.queue {
		select {
		case w.ready <- struct{}{}:
		default:
		}
	}
}

// release returns a slot to the idle set and wakes the queue.
func (p *Pool) release(s *slot) {
	p.mu.Lock()
	s.busy = false
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.wakeQueue()
}

// ceiling is the dynamic capacity limit: the configured max bounded by
// host cores times the per-core ratio.
func (p *Pool) ceiling() int {
	byCore := int(float64(p.numCPU) * p.cfg.WorkersPerCoreRatio)
	if byCore < 1 {
		byCore = 1
	}
	if p.cfg.MaxWorkers < byCore {
		return p.cfg.MaxWorkers
	}
	return byCore
}

// evictLRUIdleLocked removes the least-recently-used idle worker to free
// a slot. Busy workers are never evicted by this path.
func (p *Pool) evictLRUIdleLocked() bool {
	var lru *slot
	for _, s := range p.slots {
		if s.busy || s.spawning || s.agent == nil {
			continue
		}
		if lru == nil || s.agent.LastActive().Before(lru.agent.LastActive()) {
			lru = s
		}
	}
	if lru == nil {
		return false
	}

	delete(p.slots, lru.id)
	p.updateGaugesLocked()
	if p.metrics != nil {
		p.metrics.Evictions.WithLabelValues("lru").Inc()
	}
	slog.Info("Evicting idle worker for capacity", "workerId", lru.id, "userId", lru.ownerUserID)
	go func() {
		if err := lru.agent.Stop(); err != nil {
			slog.Warn("Evicted worker stop failed", "workerId", lru.id, "error", err)
		}
	}()
	return true
}

// reclaim terminates idle workers past the inactivity timeout and
// workers past the maximum age. A busy over-age worker is cancelled
// through the registry so its stream buffer is finalized and its
// conversation cleaned up; killing it out-of-band would leave the client
// believing the stream is still live.
func (p *Pool) reclaim() {
	now := p.now()

	p.mu.Lock()
	var toStop []*slot
	var toCancel []*slot
	for _, s := range p.slots {
		if s.spawning || s.agent == nil {
			continue
		}
		overAge := p.cfg.WorkerMaxAge > 0 && s.agent.Age() > p.cfg.WorkerMaxAge
		if s.busy {
			if overAge {
				toCancel = append(toCancel, s)
			}
			continue
		}
		idleFor := now.Sub(s.agent.LastActive())
		if overAge || (p.cfg.WorkerIdleTimeout > 0 && idleFor > p.cfg.WorkerIdleTimeout) {
			delete(p.slots, s.id)
			toStop = append(toStop, s)
			if p.metrics != nil {
				if overAge {
					p.metrics.Evictions.WithLabelValues("max_age").Inc()
				} else {
					p.metrics.Evictions.WithLabelValues("idle").Inc()
				}
			}
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, s := range toStop {
		slog.Info("Reclaiming worker", "workerId", s.id, "userId", s.ownerUserID)
		if err := s.agent.Stop(); err != nil {
			slog.Warn("Worker stop failed during reclaim", "workerId", s.id, "error", err)
		}
	}
	if len(toStop) > 0 {
		p.wakeQueue()
	}

	for _, s := range toCancel {
		reqID := s.request()
		if reqID == "" {
			continue
		}
		slog.Warn("Cancelling over-age busy worker through registry",
			"workerId", s.id, "requestId", reqID)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CancelBudget)
		if _, err := p.registry.CancelByRequestID(ctx, reqID, s.ownerUserID); err != nil {
			slog.Error("Over-age worker cancel failed", "workerId", s.id, "error", err)
		}
		cancel()
		// No eviction count here: the slot is still in the pool, and the
		// sweep that removes it once idle records the max_age eviction.
	}
}

// sweepOrphans removes slots whose subprocess has died underneath the
// pool. A busy orphan's execution fails on its own (the protocol
// connection is gone), so the sweep only has to reap idle carcasses.
func (p *Pool) sweepOrphans() {
	p.mu.Lock()
	var orphans []*slot
	for _, s := range p.slots {
		if s.spawning || s.agent == nil || s.busy {
			continue
		}
		if s.agent.Exited() {
			delete(p.slots, s.id)
			orphans = append(orphans, s)
			if p.metrics != nil {
				p.metrics.Evictions.WithLabelValues("orphan").Inc()
			}
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, s := range orphans {
		slog.Warn("Sweeping orphaned worker", "workerId", s.id, "pid", s.agent.Pid())
		_ = s.agent.Stop()
	}
	if len(orphans) > 0 {
		p.wakeQueue()
	}
}

// makeEmitter routes a worker's session updates to the stream buffer
// under whatever execution is currently bound to the slot.
func (p *Pool) makeEmitter(s *slot) worker.ChunkEmitter {
	return func(messageID string, payload json.RawMessage) {
		reqID := s.request()
		if reqID == "" {
			return
		}
		seq := p.buffer.Append(reqID, messageID, payload)
		if seq == 0 {
			return
		}
		if p.onChunk != nil {
			p.onChunk(reqID, streambuf.Chunk{Seq: seq, MessageID: messageID, Payload: payload})
		}
	}
}

// WorkerCount returns the number of live slots.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// QueueLen returns the number of parked admission waiters.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) busyForUserLocked(userID string) int {
	n := 0
	for _, s := range p.slots {
		if s.busy && s.ownerUserID == userID {
			n++
		}
	}
	return n
}

func (p *Pool) busyForWorkspaceLocked(workspace string) int {
	n := 0
	for _, s := range p.slots {
		if s.busy && s.workspace == workspace {
			n++
		}
	}
	return n
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	idle, busy := 0, 0
	for _, s := range p.slots {
		if s.busy {
			busy++
		} else {
			idle++
		}
	}
	p.metrics.PoolWorkers.WithLabelValues("idle").Set(float64(idle))
	p.metrics.PoolWorkers.WithLabelValues("busy").Set(float64(busy))
}

func (p *Pool) setQueueGaugeLocked() {
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
	}
}

func (p *Pool) countAdmission(outcome, reason string) {
	if p.metrics != nil {
		p.metrics.Admissions.WithLabelValues(outcome, reason).Inc()
	}
}
