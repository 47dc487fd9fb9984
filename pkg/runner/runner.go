package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// maxModelRetries bounds in-attempt retries of a single model call.
	// Exhausting them aborts the attempt so delivery-level retry takes over.
	maxModelRetries = 3
)

// Runner drives one run attempt through its state machine. It holds no
// durable state; everything it needs arrives in the RunContext and
// everything it produces leaves through the EventSink and the Outcome.
type Runner struct {
	logger zerolog.Logger
}

// New creates a runner
func New(logger zerolog.Logger) *Runner {
	observability.EnsureRegistered()
	return &Runner{logger: logger}
}

// Run executes one attempt. A non-nil error means the attempt aborted
// without reaching a terminal state and the run should be redelivered.
// A nil error means the Outcome carries the terminal state.
func (r *Runner) Run(ctx context.Context, rc RunContext, sink EventSink) (Outcome, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.runner",
		"runner.run",
		attribute.String("run_id", rc.RunID),
		attribute.String("agent_id", rc.Config.ID),
		attribute.String("model", rc.Config.Model),
	)
	defer span.End()

	start := time.Now()
	logger := r.logger.With().Str("run_id", rc.RunID).Str("agent_id", rc.Config.ID).Logger()

	outcome, err := r.run(ctx, rc, sink, logger, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	span.SetAttributes(
		attribute.String("terminal_state", string(outcome.State)),
		attribute.Int("steps", outcome.Steps),
	)
	observability.RecordRun(string(outcome.State), time.Since(start), outcome.Steps)
	logger.Info().
		Str("state", string(outcome.State)).
		Int("steps", outcome.Steps).
		Dur("duration", time.Since(start)).
		Msg("Run reached terminal state")
	return outcome, nil
}

func (r *Runner) run(ctx context.Context, rc RunContext, sink EventSink, logger zerolog.Logger, start time.Time) (Outcome, error) {
	if err := r.transition(ctx, sink, StateInitializing); err != nil {
		return Outcome{}, err
	}

	messages := append([]Message{}, rc.History...)
	messages = append(messages, Message{Role: "user", Content: rc.Input})

	toolSpecs := r.toolSpecs(rc)

	var usage TokenUsage
	steps := 0

	for {
		// Budgets and cancellation are checked at transition boundaries
		// only. An in-flight model call always completes first.
		if rc.CancelRequested != nil && rc.CancelRequested(ctx) {
			if err := r.transition(ctx, sink, StateCancelled); err != nil {
				return Outcome{}, err
			}
			return Outcome{State: StateCancelled, Steps: steps, Usage: usage}, nil
		}

		steps++
		if over, msg := r.budgetExceeded(rc, steps, start); over {
			return r.fail(ctx, sink, CodeBudgetExceeded, msg, steps, usage)
		}

		if err := r.transition(ctx, sink, StateThinking); err != nil {
			return Outcome{}, err
		}

		turn, terminal, err := r.callModel(ctx, rc, sink, toolSpecs, messages, logger)
		if err != nil {
			return Outcome{}, err
		}
		if terminal != nil {
			terminal.Steps = steps
			terminal.Usage = usage
			if err := r.transition(ctx, sink, terminal.State); err != nil {
				return Outcome{}, err
			}
			return *terminal, nil
		}
		usage.add(turn.Usage)

		if len(turn.ToolCalls) == 0 {
			if err := r.transition(ctx, sink, StateCompleted); err != nil {
				return Outcome{}, err
			}
			return Outcome{State: StateCompleted, Output: turn.Text, Steps: steps, Usage: usage}, nil
		}

		if err := r.transition(ctx, sink, StateAwaitingTool); err != nil {
			return Outcome{}, err
		}

		outcomes, err := r.executeTools(ctx, rc, sink, turn.ToolCalls)
		if err != nil {
			return Outcome{}, err
		}

		if err := r.transition(ctx, sink, StateResuming); err != nil {
			return Outcome{}, err
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   turn.Text,
			ToolCalls: turn.ToolCalls,
		})
		for _, to := range outcomes {
			messages = append(messages, Message{
				Role:       "tool",
				Content:    to.Result.Render(),
				ToolCallID: to.Call.ID,
			})
		}
	}
}

func (r *Runner) toolSpecs(rc RunContext) []ToolSpec {
	specs := []ToolSpec{}
	for _, name := range rc.Config.Tools {
		tool := rc.Tools.Get(name)
		if tool == nil {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.ArgsSchema,
		})
	}
	return specs
}

func (r *Runner) budgetExceeded(rc RunContext, steps int, start time.Time) (bool, string) {
	if rc.MaxSteps > 0 && steps > rc.MaxSteps {
		return true, fmt.Sprintf("step budget exhausted after %d steps", rc.MaxSteps)
	}
	if rc.WallClock > 0 && time.Since(start) > rc.WallClock {
		return true, fmt.Sprintf("wall clock budget of %s exhausted", rc.WallClock)
	}
	return false, ""
}

// callModel performs one model call with bounded in-attempt retries for
// transient failures. A non-retryable failure yields a terminal Failed
// outcome; exhausted retries abort the attempt for delivery-level redelivery.
func (r *Runner) callModel(ctx context.Context, rc RunContext, sink EventSink, toolSpecs []ToolSpec, messages []Message, logger zerolog.Logger) (*Turn, *Outcome, error) {
	req := Request{
		Model:       rc.Config.Model,
		System:      rc.SystemPrompt,
		Messages:    messages,
		Tools:       toolSpecs,
		Temperature: rc.Config.Temperature,
		MaxTokens:   rc.Config.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= maxModelRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying model call")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		var emitErr error
		callStart := time.Now()
		turn, err := rc.Provider.Stream(ctx, req, func(text string) {
			if emitErr != nil {
				return
			}
			emitErr = sink.Emit(ctx, EventModelDelta, map[string]interface{}{"text": text})
		})
		observability.RecordModelCall(rc.Provider.Name(), time.Since(callStart), err == nil)
		if emitErr != nil {
			return nil, nil, fmt.Errorf("failed to emit model delta: %w", emitErr)
		}
		if err == nil {
			return turn, nil, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if !IsRetryableError(err) {
			if err := sink.Emit(ctx, EventError, map[string]interface{}{
				"code":    CodeModelError,
				"message": err.Error(),
			}); err != nil {
				return nil, nil, err
			}
			return nil, &Outcome{
				State:        StateFailed,
				ErrorCode:    CodeModelError,
				ErrorMessage: lastErr.Error(),
			}, nil
		}
	}

	return nil, nil, fmt.Errorf("model call failed after %d retries: %w", maxModelRetries, lastErr)
}

// executeTools runs the turn's tool calls, sequentially by default or
// concurrently when the agent opts in. Results keep request order either way.
func (r *Runner) executeTools(ctx context.Context, rc RunContext, sink EventSink, calls []ToolCall) ([]ToolOutcome, error) {
	for _, call := range calls {
		if err := sink.Emit(ctx, EventToolCall, map[string]interface{}{
			"tool_call_id": call.ID,
			"name":         call.Name,
			"args":         call.Args,
		}); err != nil {
			return nil, err
		}
	}

	outcomes := make([]ToolOutcome, len(calls))

	if rc.Config.ParallelTools && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call ToolCall) {
				defer wg.Done()
				outcomes[i] = ToolOutcome{Call: call, Result: rc.Tools.Invoke(ctx, call.Name, call.Args)}
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			outcomes[i] = ToolOutcome{Call: call, Result: rc.Tools.Invoke(ctx, call.Name, call.Args)}
		}
	}

	for _, to := range outcomes {
		payload := map[string]interface{}{
			"tool_call_id": to.Call.ID,
			"name":         to.Call.Name,
			"duration_ms":  to.Result.Duration.Milliseconds(),
		}
		if to.Result.Error != "" {
			payload["error"] = to.Result.Error
		} else {
			payload["output"] = to.Result.Output
		}
		if err := sink.Emit(ctx, EventToolResult, payload); err != nil {
			return nil, err
		}
	}

	return outcomes, nil
}

func (r *Runner) transition(ctx context.Context, sink EventSink, state State) error {
	if err := sink.Emit(ctx, EventStatusChange, map[string]interface{}{"state": string(state)}); err != nil {
		return fmt.Errorf("failed to emit status change to %s: %w", state, err)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, sink EventSink, code, msg string, steps int, usage TokenUsage) (Outcome, error) {
	if err := sink.Emit(ctx, EventError, map[string]interface{}{
		"code":    code,
		"message": msg,
	}); err != nil {
		return Outcome{}, err
	}
	if err := r.transition(ctx, sink, StateFailed); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		State:        StateFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
		Steps:        steps,
		Usage:        usage,
	}, nil
}
