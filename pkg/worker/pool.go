package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/tracing"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/capability"
	"github.com/strandlabs/strand/pkg/dispatch"
	"github.com/strandlabs/strand/pkg/prompt"
	"github.com/strandlabs/strand/pkg/runner"
)

// Pool runs N workers against the dispatcher queue. Each worker loops:
// claim, build the run context, drive the runner under a heartbeat, then
// ack or nack. Crash recovery needs nothing from the pool; an abandoned
// lease expires and the job is reclaimed elsewhere.
type Pool struct {
	dispatcher *dispatch.Dispatcher
	loader     *agents.Loader
	library    *prompt.Library
	registry   *capability.Registry
	runner     *runner.Runner
	providers  []providerEntry
	cfg        *config.Config
	logger     zerolog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

type providerEntry struct {
	profile  config.ProviderProfile
	provider runner.ModelProvider
}

// NewPool creates a worker pool. Providers are constructed once, up front,
// from the configured credential profiles.
func NewPool(
	dispatcher *dispatch.Dispatcher,
	loader *agents.Loader,
	library *prompt.Library,
	registry *capability.Registry,
	creator runner.ProviderCreator,
	cfg *config.Config,
	logger zerolog.Logger,
) (*Pool, error) {
	providers := make([]providerEntry, 0, len(cfg.Providers))
	for _, profile := range cfg.Providers {
		p, err := creator.NewProvider(profile)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %q: %w", profile.ID, err)
		}
		providers = append(providers, providerEntry{profile: profile, provider: p})
	}
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].profile.Priority < providers[j].profile.Priority
	})

	return &Pool{
		dispatcher: dispatcher,
		loader:     loader,
		library:    library,
		registry:   registry,
		runner:     runner.New(logger),
		providers:  providers,
		cfg:        cfg,
		logger:     logger,
		stop:       make(chan struct{}),
	}, nil
}

// Start launches the configured number of workers
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers.Count; i++ {
		workerID := fmt.Sprintf("worker-%s", gonanoid.Must(8))
		p.wg.Add(1)
		go p.workerLoop(ctx, workerID)
	}
	p.logger.Info().Int("workers", p.cfg.Workers.Count).Msg("Worker pool started")
}

// Stop stops claiming and waits for in-flight runs to finish, bounded by the
// drain timeout. Runs still in flight past the deadline are abandoned; their
// leases expire and the jobs are redelivered.
func (p *Pool) Stop() {
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Worker pool drained")
	case <-time.After(p.cfg.Workers.DrainTimeout):
		p.logger.Warn().Msg("Worker pool drain timeout, abandoning in-flight runs")
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	ctx = tracing.WithWorkerID(ctx, workerID)
	logger := p.logger.With().Str("worker_id", workerID).Logger()

	poll := p.cfg.Queue.ClaimPollInterval
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.dispatcher.Claim(ctx, workerID)
		if err != nil {
			logger.Error().Err(err).Msg("Claim failed")
			p.sleep(poll)
			continue
		}
		if job == nil {
			// Jittered so idle workers do not poll in lockstep
			p.sleep(poll + time.Duration(rand.Int63n(int64(poll))))
			continue
		}

		p.process(ctx, job, logger)
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stop:
	case <-time.After(d):
	}
}

func (p *Pool) process(ctx context.Context, job *dispatch.Job, logger zerolog.Logger) {
	observability.AddActiveWorkers(1)
	defer observability.AddActiveWorkers(-1)

	ctx = tracing.NewRunContext(ctx, job.RunID, job.ThreadID, job.AgentID)
	logger = logger.With().Str("run_id", job.RunID).Int("attempt", job.Attempt).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopHeartbeat := p.startHeartbeat(runCtx, job, cancel, logger)
	defer stopHeartbeat()

	// Ack and nack run on the parent context: runCtx may already be
	// cancelled by the time the attempt needs to be settled.
	rc, failCode, failMsg, err := p.buildRunContext(runCtx, job)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build run context")
		if nackErr := p.dispatcher.Nack(ctx, job, err); nackErr != nil && !errors.Is(nackErr, dispatch.ErrLeaseLost) {
			logger.Error().Err(nackErr).Msg("Nack failed")
		}
		return
	}
	if failCode != "" {
		// Configuration failures are terminal; redelivery cannot fix them
		p.failTerminal(ctx, job, failCode, failMsg, logger)
		return
	}

	outcome, err := p.runner.Run(runCtx, *rc, p.dispatcher.Sink(job))
	if err != nil {
		if errors.Is(err, dispatch.ErrLeaseLost) {
			logger.Warn().Msg("Lease lost mid-run, dropping attempt")
			return
		}
		if nackErr := p.dispatcher.Nack(ctx, job, err); nackErr != nil && !errors.Is(nackErr, dispatch.ErrLeaseLost) {
			logger.Error().Err(nackErr).Msg("Nack failed")
		}
		return
	}

	if err := p.dispatcher.Ack(ctx, job, outcome); err != nil {
		if errors.Is(err, dispatch.ErrLeaseLost) {
			logger.Warn().Msg("Lease lost before ack, outcome discarded")
			return
		}
		logger.Error().Err(err).Msg("Ack failed")
	}
}

// startHeartbeat renews the job lease at the configured interval. A failed
// renewal cancels the run context: the lease is gone, so the attempt's work
// can no longer be persisted.
func (p *Pool) startHeartbeat(ctx context.Context, job *dispatch.Job, cancel context.CancelFunc, logger zerolog.Logger) func() {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(p.cfg.Queue.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.dispatcher.RenewLease(ctx, job); err != nil {
					if errors.Is(err, dispatch.ErrLeaseLost) {
						logger.Warn().Msg("Lease renewal rejected, cancelling attempt")
						cancel()
						return
					}
					logger.Error().Err(err).Msg("Lease renewal failed")
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// buildRunContext resolves the agent config, assembles the system prompt,
// reconstructs the thread's prior conversation, and picks a provider. A
// non-empty failCode means the run must fail terminally; an error means
// infrastructure trouble worth a redelivery.
func (p *Pool) buildRunContext(ctx context.Context, job *dispatch.Job) (rc *runner.RunContext, failCode, failMsg string, err error) {
	cfg, err := p.loader.Load(ctx, job.AgentID)
	if err != nil {
		switch {
		case errors.Is(err, agents.ErrNotFound):
			return nil, runner.CodeAgentNotFound, err.Error(), nil
		case errors.Is(err, agents.ErrInvalid):
			return nil, runner.CodeAgentConfigInvalid, err.Error(), nil
		}
		return nil, "", "", fmt.Errorf("failed to load agent config: %w", err)
	}

	if job.Model != "" {
		override := *cfg
		override.Model = job.Model
		cfg = &override
	}

	modules, err := p.library.Resolve(cfg.Modules)
	if err != nil {
		if errors.Is(err, prompt.ErrModuleNotFound) {
			return nil, runner.CodeModuleResolution, err.Error(), nil
		}
		return nil, "", "", fmt.Errorf("failed to resolve prompt modules: %w", err)
	}

	vars := mergeVars(cfg.Vars, job.Vars)
	system, err := prompt.AssembleWithSchema(modules, vars, cfg.OutputSchema)
	if err != nil {
		if errors.Is(err, prompt.ErrMissingBinding) {
			return nil, runner.CodeTemplateBinding, err.Error(), nil
		}
		return nil, "", "", fmt.Errorf("failed to assemble prompt: %w", err)
	}

	provider := p.providerFor(cfg.Model)
	if provider == nil {
		return nil, runner.CodeModelError,
			fmt.Sprintf("no provider configured for model %q", cfg.Model), nil
	}

	var history []runner.Message
	if job.ThreadID != "" {
		history, err = p.dispatcher.ThreadHistory(ctx, job.ThreadID)
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to load thread history: %w", err)
		}
	}

	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = p.cfg.Budgets.MaxSteps
	}
	wallClock := cfg.WallClock()
	if wallClock <= 0 {
		wallClock = p.cfg.Budgets.WallClock
	}

	return &runner.RunContext{
		RunID:        job.RunID,
		ThreadID:     job.ThreadID,
		Config:       cfg,
		SystemPrompt: system,
		History:      history,
		Input:        job.Input,
		Provider:     provider,
		Tools:        p.registry,
		MaxSteps:     maxSteps,
		WallClock:    wallClock,
		CancelRequested: func(ctx context.Context) bool {
			flagged, err := p.dispatcher.CancelRequested(ctx, job.RunID)
			return err == nil && flagged
		},
	}, "", "", nil
}

// providerFor picks the highest-priority profile whose provider family
// matches the model name, falling back to the first profile.
func (p *Pool) providerFor(model string) runner.ModelProvider {
	family := ""
	switch {
	case strings.HasPrefix(model, "claude"):
		family = "anthropic"
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4"):
		family = "openai"
	}

	for _, entry := range p.providers {
		if entry.profile.Provider == family {
			return entry.provider
		}
	}
	if family == "" && len(p.providers) > 0 {
		return p.providers[0].provider
	}
	return nil
}

// failTerminal records a terminal failure that never reached the runner,
// emitting the error and status events before the ack.
func (p *Pool) failTerminal(ctx context.Context, job *dispatch.Job, code, msg string, logger zerolog.Logger) {
	sink := p.dispatcher.Sink(job)
	if err := sink.Emit(ctx, runner.EventError, map[string]interface{}{
		"code":    code,
		"message": msg,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to emit terminal error event")
		return
	}
	if err := sink.Emit(ctx, runner.EventStatusChange, map[string]interface{}{
		"state": string(runner.StateFailed),
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to emit terminal status event")
		return
	}

	outcome := runner.Outcome{
		State:        runner.StateFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
	if err := p.dispatcher.Ack(ctx, job, outcome); err != nil && !errors.Is(err, dispatch.ErrLeaseLost) {
		logger.Error().Err(err).Msg("Ack failed for terminal config failure")
	}
	logger.Info().Str("code", code).Msg("Run failed before execution")
}

func mergeVars(base map[string]string, overrides map[string]interface{}) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = fmt.Sprintf("%v", v)
	}
	return merged
}
