package worker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// Config describes one worker slot.
type Config struct {
	Process ProcessConfig

	// InitTimeout bounds the ACP handshake (Initialize + NewSession).
	InitTimeout time.Duration
	// PromptTimeout bounds a single prompt execution.
	PromptTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

// Worker is one pooled agent subprocess with a live ACP session. The
// scheduler binds it to at most one execution at a time.
type Worker struct {
	ID          string
	OwnerUserID string
	Workspace   string

	cfg       Config
	process   *Process
	conn      *acpsdk.ClientSideConnection
	sessionID acpsdk.SessionId
	spawnedAt time.Time

	mu         sync.Mutex
	busy       bool
	lastActive time.Time
	exited     bool
}

// Spawn starts the subprocess and completes the ACP handshake. The
// emitter receives every session update the agent produces across all
// executions run on this worker.
func Spawn(ctx context.Context, ownerUserID, workspace string, cfg Config, emit ChunkEmitter) (*Worker, error) {
	process, err := StartProcess(cfg.Process)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		ID:          uuid.NewString(),
		OwnerUserID: ownerUserID,
		Workspace:   workspace,
		cfg:         cfg,
		process:     process,
		spawnedAt:   time.Now(),
		lastActive:  time.Now(),
	}

	w.conn = acpsdk.NewClientSideConnection(&acpClient{emit: emit}, process.Stdin(), process.Stdout())

	go w.monitorStderr()
	go w.monitorExit()

	initCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout)
	defer cancel()

	if _, err := w.conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}); err != nil {
		_ = process.Stop(cfg.StopGrace)
		return nil, fmt.Errorf("acp initialize: %w", err)
	}

	sessResp, err := w.conn.NewSession(initCtx, acpsdk.NewSessionRequest{
		Cwd:        cfg.Process.WorkDir,
		McpServers: []acpsdk.McpServer{},
	})
	if err != nil {
		_ = process.Stop(cfg.StopGrace)
		return nil, fmt.Errorf("acp new session: %w", err)
	}
	w.sessionID = sessResp.SessionId

	slog.Info("Worker ready",
		"workerId", w.ID, "userId", ownerUserID, "workspace", workspace, "pid", process.Pid())
	return w, nil
}

// Execute runs one prompt to completion. Blocks until the agent's turn
// ends, the context is cancelled, or the prompt timeout elapses. Session
// updates flow through the emitter passed at spawn.
func (w *Worker) Execute(ctx context.Context, prompt string) error {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is already executing", w.ID)
	}
	if w.exited {
		w.mu.Unlock()
		return fmt.Errorf("worker %s process has exited", w.ID)
	}
	w.busy = true
	w.lastActive = time.Now()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.busy = false
		w.lastActive = time.Now()
		w.mu.Unlock()
	}()

	promptCtx, cancel := context.WithTimeout(ctx, w.cfg.PromptTimeout)
	defer cancel()

	_, err := w.conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: w.sessionID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(prompt)},
	})
	if err != nil {
		return fmt.Errorf("prompt execution: %w", err)
	}
	return nil
}

// Busy reports whether an execution is currently bound to this worker.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// Exited reports whether the subprocess has died underneath us.
func (w *Worker) Exited() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exited
}

// LastActive returns when the worker last started or finished an
// execution.
func (w *Worker) LastActive() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}

// Age returns time since spawn.
func (w *Worker) Age() time.Duration {
	return time.Since(w.spawnedAt)
}

// Pid returns the subprocess pid.
func (w *Worker) Pid() int {
	return w.process.Pid()
}

// Stop terminates the subprocess gracefully.
func (w *Worker) Stop() error {
	return w.process.Stop(w.cfg.StopGrace)
}

// monitorStderr drains and logs the agent's stderr so a wedged pipe
// cannot block the subprocess.
func (w *Worker) monitorStderr() {
	stderr := w.process.Stderr()
	if stderr == nil {
		return
	}
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			slog.Debug("Agent stderr", "workerId", w.ID, "line", line)
		}
	}
}

// monitorExit marks the worker dead when the subprocess exits so the
// pool's orphan sweep can reclaim the slot.
func (w *Worker) monitorExit() {
	err := w.process.Wait()

	w.mu.Lock()
	w.exited = true
	wasBusy := w.busy
	w.mu.Unlock()

	if err != nil {
		slog.Warn("Agent process exited", "workerId", w.ID, "busy", wasBusy, "error", err)
	} else {
		slog.Info("Agent process exited", "workerId", w.ID, "busy", wasBusy)
	}
}
