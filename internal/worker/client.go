package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// maxFileBytes bounds agent file reads and writes.
const maxFileBytes = 1 << 20

// ChunkEmitter receives each session update the agent produces, already
// serialized for the stream buffer and live connections.
type ChunkEmitter func(messageID string, payload json.RawMessage)

// acpClient implements the acp-go-sdk Client interface for one worker.
// Session updates flow out through the emitter; permission requests are
// auto-approved with the first offered option since there is no
// interactive user on this path.
type acpClient struct {
	emit ChunkEmitter
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal session update: %w", err)
	}
	c.emit(uuid.NewString(), payload)
	return nil
}

func (c *acpClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if len(params.Options) > 0 {
		slog.Debug("Auto-approving agent permission request",
			"option", string(params.Options[0].OptionId), "optionsCount", len(params.Options))
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if err := validatePath(params.Path); err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("read file %q: %w", params.Path, err)
	}
	if len(data) > maxFileBytes {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, maxFileBytes)
	}
	return acpsdk.ReadTextFileResponse{Content: applyLineLimit(string(data), params.Line, params.Limit)}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if err := validatePath(params.Path); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if len(params.Content) > maxFileBytes {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", maxFileBytes)
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("write file %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path is required")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains null byte")
	}
	return nil
}

// applyLineLimit returns the requested line window of content. Line is
// 1-based; zero values mean "from the start" and "no limit".
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
		if start > len(lines) {
			start = len(lines)
		}
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
