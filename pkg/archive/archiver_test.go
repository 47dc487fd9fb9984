package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/runner"
)

func newStoreWithTerminalRun(t *testing.T) (*dispatch.Store, string) {
	t.Helper()

	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "helper.yaml"),
		[]byte("model: claude-test\n"), 0o644))

	agentStore, err := agents.NewDirStore(agentsDir)
	require.NoError(t, err)
	loader := agents.NewLoader(agentStore, nil, 0, zerolog.Nop())

	store, err := dispatch.NewStore(filepath.Join(dir, "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d := dispatch.NewDispatcher(store, dispatch.NewBroker(zerolog.Nop()), loader,
		config.QueueConfig{MaxAttempts: 3, LeaseTTL: 5 * time.Second,
			HeartbeatInterval: time.Second, ClaimPollInterval: 10 * time.Millisecond},
		zerolog.Nop())

	ctx := context.Background()
	run, err := d.Submit(ctx, dispatch.RunRequest{AgentID: "helper", Input: "hi"})
	require.NoError(t, err)

	job, err := d.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, job)
	sink := d.Sink(job)
	require.NoError(t, sink.Emit(ctx, runner.EventModelDelta, map[string]interface{}{"text": "done"}))
	require.NoError(t, sink.Emit(ctx, runner.EventStatusChange, map[string]interface{}{"state": "completed"}))
	require.NoError(t, d.Ack(ctx, job, runner.Outcome{State: runner.StateCompleted, Output: "done"}))

	return store, run.ID
}

func TestSweep(t *testing.T) {
	store, runID := newStoreWithTerminalRun(t)
	archiveDir := t.TempDir()

	archiver := NewArchiver(store, config.RetentionConfig{
		Enabled:  true,
		Schedule: "@daily",
		Window:   0, // everything terminal is old enough
		Dir:      archiveDir,
	}, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, archiver.Sweep(ctx))

	// One JSONL file with one record: the run and its full event log
	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(archiveDir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var record Record
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, runID, record.Run.ID)
	assert.Equal(t, runner.StateCompleted, record.Run.Status)
	assert.Len(t, record.Events, 2)
	assert.False(t, scanner.Scan(), "exactly one record expected")

	// The run stays in the store but is not swept again
	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.True(t, run.Archived)

	require.NoError(t, archiver.Sweep(ctx))
	f2, err := os.Open(filepath.Join(archiveDir, entries[0].Name()))
	require.NoError(t, err)
	defer f2.Close()
	lines := 0
	scanner = bufio.NewScanner(f2)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 1, lines)
}

func TestSweepRespectsWindow(t *testing.T) {
	store, runID := newStoreWithTerminalRun(t)
	archiveDir := t.TempDir()

	archiver := NewArchiver(store, config.RetentionConfig{
		Enabled:  true,
		Schedule: "@daily",
		Window:   time.Hour, // the run just finished; too fresh to archive
		Dir:      archiveDir,
	}, zerolog.Nop())

	require.NoError(t, archiver.Sweep(context.Background()))

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, run.Archived)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	store, _ := newStoreWithTerminalRun(t)
	archiver := NewArchiver(store, config.RetentionConfig{
		Enabled:  true,
		Schedule: "not a cron expr",
		Dir:      t.TempDir(),
	}, zerolog.Nop())

	assert.Error(t, archiver.Start(context.Background()))
}

func TestStartDisabledIsNoop(t *testing.T) {
	store, _ := newStoreWithTerminalRun(t)
	archiver := NewArchiver(store, config.RetentionConfig{Enabled: false}, zerolog.Nop())
	assert.NoError(t, archiver.Start(context.Background()))
}
