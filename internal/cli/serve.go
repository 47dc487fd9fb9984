package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/strandlabs/strand/internal/logger"
	"github.com/strandlabs/strand/internal/tracing"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/archive"
	"github.com/strandlabs/strand/pkg/capability"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/gateway"
	"github.com/strandlabs/strand/pkg/prompt"
	"github.com/strandlabs/strand/pkg/runner"
	"github.com/strandlabs/strand/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.DataDir, cfg.AgentsDir, cfg.ModulesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.GetZerolog()

	if err := tracing.InitOpenTelemetry(cfg.Tracing); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
	}()

	registry := capability.NewRegistry()
	if err := capability.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}

	agentStore, err := agents.NewDirStore(cfg.AgentsDir)
	if err != nil {
		return err
	}
	loader := agents.NewLoader(agentStore, registry, 0, log)

	library, err := prompt.NewLibrary(cfg.ModulesDir, log)
	if err != nil {
		return err
	}
	defer library.Close()

	store, err := dispatch.NewStore(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := dispatch.NewBroker(log)
	dispatcher := dispatch.NewDispatcher(store, broker, loader, cfg.Queue, log)

	pool, err := worker.NewPool(dispatcher, loader, library, registry,
		&runner.ProviderFactory{}, cfg, log)
	if err != nil {
		return err
	}

	archiver := archive.NewArchiver(store, cfg.Retention, log)
	server := gateway.NewServer(dispatcher, cfg.Gateway, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	if err := archiver.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	log.Info().Msg("Strand service started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Gateway failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown error")
	}

	pool.Stop()
	archiver.Stop()

	log.Info().Msg("Shutdown complete")
	return nil
}
