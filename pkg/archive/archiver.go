package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/runner"
)

// sweepBatchSize bounds how many runs a single sweep archives
const sweepBatchSize = 500

// Record is one archived run with its full event log
type Record struct {
	Run    *dispatch.Run  `json:"run"`
	Events []runner.Event `json:"events"`
}

// Archiver copies terminal runs older than the retention window to JSONL
// files on a cron schedule. Archived runs are flagged in the store, never
// deleted.
type Archiver struct {
	store  *dispatch.Store
	cfg    config.RetentionConfig
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewArchiver creates an archiver
func NewArchiver(store *dispatch.Store, cfg config.RetentionConfig, logger zerolog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start schedules the sweep. A disabled configuration is a no-op.
func (a *Archiver) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Debug().Msg("Run archival disabled")
		return nil
	}
	if a.cfg.Dir == "" {
		return fmt.Errorf("retention.dir is required when retention is enabled")
	}

	_, err := a.cron.AddFunc(a.cfg.Schedule, func() {
		if err := a.Sweep(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Archive sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", a.cfg.Schedule, err)
	}

	a.cron.Start()
	a.logger.Info().
		Str("schedule", a.cfg.Schedule).
		Dur("window", a.cfg.Window).
		Msg("Run archival scheduled")
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish
func (a *Archiver) Stop() {
	<-a.cron.Stop().Done()
}

// Sweep archives one batch of terminal runs older than the retention window.
// Each run is written as one JSONL line, run plus events, to a per-day file.
func (a *Archiver) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-a.cfg.Window)
	runs, err := a.store.TerminalRunsBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list archivable runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	path := filepath.Join(a.cfg.Dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	archived := 0
	for _, run := range runs {
		events, err := a.store.Events(ctx, run.ID, 0)
		if err != nil {
			return fmt.Errorf("failed to load events for run %s: %w", run.ID, err)
		}

		if err := enc.Encode(Record{Run: run, Events: events}); err != nil {
			return fmt.Errorf("failed to write archive record for run %s: %w", run.ID, err)
		}

		// Flush before flagging so a crash between the two repeats the
		// copy rather than losing it
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync archive file: %w", err)
		}
		if err := a.store.MarkArchived(ctx, run.ID); err != nil {
			return fmt.Errorf("failed to mark run %s archived: %w", run.ID, err)
		}
		archived++
	}

	a.logger.Info().Int("runs", archived).Str("file", path).Msg("Archive sweep completed")
	return nil
}
