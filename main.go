// streamd - stream session lifecycle service
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eenlars/alive-sub007/internal/auth"
	"github.com/eenlars/alive-sub007/internal/config"
	"github.com/eenlars/alive-sub007/internal/hostload"
	"github.com/eenlars/alive-sub007/internal/logging"
	"github.com/eenlars/alive-sub007/internal/metrics"
	"github.com/eenlars/alive-sub007/internal/registry"
	"github.com/eenlars/alive-sub007/internal/scheduler"
	"github.com/eenlars/alive-sub007/internal/server"
	"github.com/eenlars/alive-sub007/internal/streambuf"
	"github.com/eenlars/alive-sub007/internal/worker"
)

func main() {
	logging.Setup()
	slog.Info("Starting streamd")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Configuration loaded", "port", cfg.Port, "maxWorkers", cfg.MaxWorkers)

	var validator *auth.Validator
	if !cfg.AuthDisabled {
		validator, err = auth.NewValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			slog.Error("Failed to initialize JWT validation", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("Authentication is disabled; identity comes from request headers")
	}

	m := metrics.New()

	var journal streambuf.Journal
	if cfg.JournalPath != "" {
		j, err := streambuf.OpenJournal(cfg.JournalPath)
		if err != nil {
			slog.Error("Failed to open stream journal", "path", cfg.JournalPath, "error", err)
			os.Exit(1)
		}
		defer j.Close()
		journal = j
	}

	buf := streambuf.New(streambuf.Config{
		Retention:  cfg.BufferRetention,
		GCInterval: cfg.BufferGCEvery,
		MaxChunks:  cfg.BufferMaxChunks,
	}, journal, m)
	buf.Start()
	defer buf.Stop()

	reg := registry.New(m)

	reaper := registry.NewReaper(reg, buf, registry.ReaperConfig{
		EntryTTL:     cfg.RegistryEntryTTL,
		Interval:     cfg.RegistryReapEvery,
		CancelBudget: cfg.CancelCompleteBudget,
	})
	reaper.Start()
	defer reaper.Stop()

	probe := hostload.NewProbe(cfg.PressureRecheck)

	spawn := func(ctx context.Context, ownerUserID, workspace string, emit worker.ChunkEmitter) (scheduler.Agent, error) {
		w, err := worker.Spawn(ctx, ownerUserID, workspace, worker.Config{
			Process: worker.ProcessConfig{
				Command: cfg.AgentCommand,
				Args:    cfg.AgentArgs,
				UsePTY:  cfg.WorkerUsePTY,
			},
			InitTimeout:   cfg.WorkerInitTimeout,
			PromptTimeout: cfg.WorkerPromptTimeout,
			StopGrace:     cfg.OrphanGracePeriod,
		}, emit)
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	// The pool's sinks are bound after the server exists, since live
	// fanout goes through the server's WebSocket hub.
	var srv *server.Server
	pool := scheduler.New(scheduler.Config{
		MaxWorkers:             cfg.MaxWorkers,
		WorkersPerCoreRatio:    cfg.WorkersPerCoreRatio,
		MaxWorkersPerUser:      cfg.MaxWorkersPerUser,
		MaxWorkersPerWorkspace: cfg.MaxWorkersPerWorkspace,
		QueueDepthPerUser:      cfg.QueueDepthPerUser,
		QueueDepthPerWorkspace: cfg.QueueDepthPerWorkspace,
		QueueDepthGlobal:       cfg.QueueDepthGlobal,
		WorkerIdleTimeout:      cfg.WorkerIdleTimeout,
		WorkerMaxAge:           cfg.WorkerMaxAge,
		ReclaimEvery:           cfg.ReclaimEvery,
		OrphanSweepEvery:       cfg.OrphanSweepEvery,
		LoadShedThreshold:      cfg.LoadShedThreshold,
		PidHighWaterRatio:      cfg.PidHighWaterRatio,
		PidMinHeadroom:         cfg.PidMinHeadroom,
		PressureRecheck:        cfg.PressureRecheck,
		CancelBudget:           cfg.CancelCompleteBudget,
	}, reg, buf, probe, m, spawn,
		func(requestID string, c streambuf.Chunk) { srv.Hub().OnChunk(requestID, c) },
		func(requestID string, state streambuf.State) { srv.Hub().OnComplete(requestID, state) },
	)
	pool.Start()
	defer pool.Stop()

	srv = server.New(cfg, validator, pool, reg, buf, m)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("streamd stopped")
}
