// Package worker runs one agent subprocess per pool slot and drives it
// over the Agent Client Protocol. A worker is bound to at most one
// execution at a time.
package worker

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ProcessConfig describes how to spawn the agent subprocess.
type ProcessConfig struct {
	// Command is the agent binary (e.g. "claude-code-acp").
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Env is extra environment in KEY=value form, appended to the
	// parent environment.
	Env []string
	// WorkDir is the working directory for the subprocess.
	WorkDir string
	// ContainerID, when set, runs the command inside a Docker container
	// via docker exec instead of directly on the host.
	ContainerID string
	// ContainerUser is the user for docker exec.
	ContainerUser string
	// UsePTY spawns the subprocess under a pseudo-terminal for agent
	// CLIs that refuse to stream without one. PTY mode merges stderr
	// into stdout.
	UsePTY bool
}

// Process supervises one agent subprocess and exposes its stdio for the
// NDJSON protocol connection.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	ptmx      *os.File
	startTime time.Time

	mu      sync.Mutex
	stopped bool

	waitOnce sync.Once
	waitErr  error
}

// StartProcess spawns the agent subprocess per cfg.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	var cmd *exec.Cmd
	if cfg.ContainerID != "" {
		args := []string{"exec", "-i"}
		if cfg.ContainerUser != "" {
			args = append(args, "-u", cfg.ContainerUser)
		}
		if cfg.WorkDir != "" {
			args = append(args, "-w", cfg.WorkDir)
		}
		for _, env := range cfg.Env {
			args = append(args, "-e", env)
		}
		args = append(args, cfg.ContainerID, cfg.Command)
		args = append(args, cfg.Args...)
		cmd = exec.Command("docker", args...)
	} else {
		cmd = exec.Command(cfg.Command, cfg.Args...)
		cmd.Dir = cfg.WorkDir
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	p := &Process{cmd: cmd, startTime: time.Now()}

	if cfg.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("start agent under pty: %w", err)
		}
		p.ptmx = ptmx
		p.stdin = ptmx
		p.stdout = ptmx
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stdin.Close()
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			stdin.Close()
			stdout.Close()
			return nil, fmt.Errorf("create stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			stdin.Close()
			stdout.Close()
			stderr.Close()
			return nil, fmt.Errorf("start agent process: %w", err)
		}
		p.stdin = stdin
		p.stdout = stdout
		p.stderr = stderr
	}

	slog.Info("Agent process started",
		"command", cfg.Command, "container", cfg.ContainerID, "pid", cmd.Process.Pid)
	return p, nil
}

// Stdin returns the writer to the agent's stdin.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the reader from the agent's stdout.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the agent's stderr reader, or nil in PTY mode.
func (p *Process) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

// Pid returns the subprocess pid, or 0 if it never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Age returns how long the subprocess has been running.
func (p *Process) Age() time.Duration {
	return time.Since(p.startTime)
}

// Wait blocks until the subprocess exits. Safe to call from multiple
// goroutines; all callers observe the same result.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Stop terminates the subprocess gracefully: close stdin, SIGTERM, wait
// up to grace, then SIGKILL. Idempotent.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stdin.Close()
	if p.ptmx != nil {
		p.ptmx.Close()
	}

	if p.cmd.Process == nil {
		return nil
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	exited := make(chan error, 1)
	go func() { exited <- p.Wait() }()

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		slog.Warn("Agent process ignored SIGTERM, killing", "pid", p.Pid())
		_ = p.cmd.Process.Kill()
		<-exited
		return nil
	}
}
