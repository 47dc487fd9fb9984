package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/capability"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/prompt"
	"github.com/strandlabs/strand/pkg/runner"
)

// stubProvider returns a scripted sequence of turns for every run
type stubProvider struct {
	mu      sync.Mutex
	turns   []*runner.Turn
	calls   int
	reqs    []runner.Request
	started chan struct{}
	block   time.Duration
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Stream(ctx context.Context, req runner.Request, onDelta func(string)) (*runner.Turn, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.reqs = append(p.reqs, req)
	started := p.started
	p.started = nil
	p.mu.Unlock()

	if started != nil {
		close(started)
	}
	if p.block > 0 {
		select {
		case <-time.After(p.block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if i >= len(p.turns) {
		i = len(p.turns) - 1
	}
	turn := p.turns[i]
	if turn.Text != "" {
		onDelta(turn.Text)
	}
	return turn, nil
}

type stubCreator struct {
	provider runner.ModelProvider
}

func (c *stubCreator) NewProvider(profile config.ProviderProfile) (runner.ModelProvider, error) {
	return c.provider, nil
}

type fixture struct {
	dispatcher *dispatch.Dispatcher
	pool       *Pool
}

func newFixture(t *testing.T, provider runner.ModelProvider) *fixture {
	t.Helper()

	dir := t.TempDir()
	agentsDir := filepath.Join(dir, "agents")
	modulesDir := filepath.Join(dir, "modules")
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.MkdirAll(modulesDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(modulesDir, "identity.yaml"),
		[]byte("order: 1\ntemplate: You are a test agent.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "helper.yaml"),
		[]byte("model: claude-test\nmodules: [identity]\ntools: [echo]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "broken.yaml"),
		[]byte("model: claude-test\nmodules: [missing-module]\n"), 0o644))

	registry := capability.NewRegistry()
	require.NoError(t, registry.Register(capability.Tool{
		Name:        "echo",
		Description: "echoes",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["text"], nil
		},
	}))

	agentStore, err := agents.NewDirStore(agentsDir)
	require.NoError(t, err)
	loader := agents.NewLoader(agentStore, registry, 0, zerolog.Nop())

	library, err := prompt.NewLibrary(modulesDir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { library.Close() })

	store, err := dispatch.NewStore(filepath.Join(dir, "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Queue: config.QueueConfig{
			MaxAttempts:       3,
			LeaseTTL:          2 * time.Second,
			HeartbeatInterval: 100 * time.Millisecond,
			ClaimPollInterval: 10 * time.Millisecond,
		},
		Workers: config.WorkersConfig{Count: 2, DrainTimeout: 2 * time.Second},
		Budgets: config.BudgetsConfig{MaxSteps: 8, WallClock: time.Minute},
		Providers: []config.ProviderProfile{
			{ID: "test", Provider: "anthropic", APIKey: "test-key"},
		},
	}

	dispatcher := dispatch.NewDispatcher(store, dispatch.NewBroker(zerolog.Nop()), loader,
		cfg.Queue, zerolog.Nop())

	pool, err := NewPool(dispatcher, loader, library, registry,
		&stubCreator{provider: provider}, cfg, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{dispatcher: dispatcher, pool: pool}
}

func waitTerminal(t *testing.T, d *dispatch.Dispatcher, runID string) *dispatch.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := d.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return nil
}

func TestPoolCompletesRun(t *testing.T) {
	provider := &stubProvider{turns: []*runner.Turn{
		{ToolCalls: []runner.ToolCall{{ID: "tc-1", Name: "echo", Args: map[string]interface{}{"text": "ping"}}}},
		{Text: "final answer", Usage: runner.TokenUsage{InputTokens: 3, OutputTokens: 2}},
	}}
	f := newFixture(t, provider)

	ctx := context.Background()
	run, err := f.dispatcher.Submit(ctx, dispatch.RunRequest{AgentID: "helper", Input: "hello"})
	require.NoError(t, err)

	f.pool.Start(ctx)
	defer f.pool.Stop()

	final := waitTerminal(t, f.dispatcher, run.ID)
	assert.Equal(t, runner.StateCompleted, final.Status)
	assert.Equal(t, "final answer", final.Output)

	events, err := f.dispatcher.Events(ctx, run.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Sequence numbers are dense and the log ends with the terminal state
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
	last := events[len(events)-1]
	assert.Equal(t, runner.EventStatusChange, last.Kind)
	assert.Equal(t, string(runner.StateCompleted), last.Payload["state"])

	var kinds []runner.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, runner.EventToolCall)
	assert.Contains(t, kinds, runner.EventToolResult)
	assert.Contains(t, kinds, runner.EventModelDelta)
}

func TestPoolRebuildsThreadHistory(t *testing.T) {
	provider := &stubProvider{turns: []*runner.Turn{{Text: "the answer"}}}
	f := newFixture(t, provider)

	ctx := context.Background()
	f.pool.Start(ctx)
	defer f.pool.Stop()

	first, err := f.dispatcher.Submit(ctx, dispatch.RunRequest{
		AgentID: "helper", Input: "hello", ThreadID: "th-1",
	})
	require.NoError(t, err)
	waitTerminal(t, f.dispatcher, first.ID)

	second, err := f.dispatcher.Submit(ctx, dispatch.RunRequest{
		AgentID: "helper", Input: "and again", ThreadID: "th-1",
	})
	require.NoError(t, err)
	waitTerminal(t, f.dispatcher, second.ID)

	provider.mu.Lock()
	reqs := append([]runner.Request{}, provider.reqs...)
	provider.mu.Unlock()
	require.Len(t, reqs, 2)

	// The second run's conversation opens with the first exchange
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)
	assert.Equal(t, "and again", msgs[2].Content)
}

func TestPoolFailsTerminallyOnModuleResolution(t *testing.T) {
	provider := &stubProvider{turns: []*runner.Turn{{Text: "unused"}}}
	f := newFixture(t, provider)

	ctx := context.Background()
	run, err := f.dispatcher.Submit(ctx, dispatch.RunRequest{AgentID: "broken", Input: "hello"})
	require.NoError(t, err)

	f.pool.Start(ctx)
	defer f.pool.Stop()

	final := waitTerminal(t, f.dispatcher, run.ID)
	assert.Equal(t, runner.StateFailed, final.Status)
	assert.Equal(t, runner.CodeModuleResolution, final.ErrorCode)

	// Config failures never burn redelivery attempts
	assert.Equal(t, 1, final.Attempt)
}

func TestPoolCooperativeCancellation(t *testing.T) {
	started := make(chan struct{})
	provider := &stubProvider{
		started: started,
		block:   300 * time.Millisecond,
		turns: []*runner.Turn{
			{ToolCalls: []runner.ToolCall{{ID: "tc-1", Name: "echo", Args: map[string]interface{}{"text": "x"}}}},
			{Text: "should not be reached"},
		},
	}
	f := newFixture(t, provider)

	ctx := context.Background()
	run, err := f.dispatcher.Submit(ctx, dispatch.RunRequest{AgentID: "helper", Input: "hello"})
	require.NoError(t, err)

	f.pool.Start(ctx)
	defer f.pool.Stop()

	// Cancel while the first model call is in flight; the call and its tool
	// turn complete, then the flag is observed before the next thinking.
	<-started
	require.NoError(t, f.dispatcher.RequestCancellation(ctx, run.ID))

	final := waitTerminal(t, f.dispatcher, run.ID)
	assert.Equal(t, runner.StateCancelled, final.Status)

	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	assert.Equal(t, 1, calls, "no model call after the cancellation was observed")
}
