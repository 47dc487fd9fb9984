package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/tracing"
	"github.com/strandlabs/strand/pkg/agents"
	"github.com/strandlabs/strand/pkg/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Dispatcher is the durable run queue: submissions go in, leased jobs come
// out, and every event a lease holder produces flows through it to the store
// and the broker.
type Dispatcher struct {
	store       *Store
	broker      *Broker
	loader      *agents.Loader
	leaseTTL    time.Duration
	maxAttempts int
	logger      zerolog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store *Store, broker *Broker, loader *agents.Loader, cfg config.QueueConfig, logger zerolog.Logger) *Dispatcher {
	observability.EnsureRegistered()
	return &Dispatcher{
		store:       store,
		broker:      broker,
		loader:      loader,
		leaseTTL:    cfg.LeaseTTL,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// Submit validates and enqueues a run. Idempotent by request ID: a repeat
// submission returns the original run without a second enqueue, except that a
// run which terminated as Failed is requeued under its original ID. Agent
// resolution happens here so an unknown or invalid agent fails fast, before
// anything durable is written.
func (d *Dispatcher) Submit(ctx context.Context, req RunRequest) (*Run, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"strand.dispatch",
		"dispatch.submit",
		attribute.String("agent_id", req.AgentID),
	)
	defer span.End()

	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if req.Input == "" {
		return nil, fmt.Errorf("input is required")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if _, err := d.loader.Load(ctx, req.AgentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to resolve agent %q: %w", req.AgentID, err)
	}

	run := &Run{
		ID:        uuid.NewString(),
		ThreadID:  req.ThreadID,
		ProjectID: req.ProjectID,
		AccountID: req.AccountID,
		AgentID:   req.AgentID,
		Model:     req.Model,
		Input:     req.Input,
		Vars:      req.Vars,
		RequestID: req.RequestID,
	}

	stored, created, err := d.store.CreateRun(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !created {
		d.logger.Debug().
			Str("run_id", stored.ID).
			Str("request_id", req.RequestID).
			Msg("Duplicate submission, returning existing run")
		return stored, nil
	}

	observability.RecordEnqueue()
	d.refreshQueueDepth(ctx)
	span.SetAttributes(attribute.String("run_id", stored.ID))
	d.logger.Info().
		Str("run_id", stored.ID).
		Str("agent_id", req.AgentID).
		Msg("Run submitted")
	return stored, nil
}

// Claim leases the next available job for a worker. Returns nil with no
// error when the queue is empty.
func (d *Dispatcher) Claim(ctx context.Context, workerID string) (*Job, error) {
	job, deadLetterEvents, err := d.store.Claim(ctx, workerID, d.leaseTTL, d.maxAttempts)
	for _, ev := range deadLetterEvents {
		d.broker.Publish(ev)
	}
	if len(deadLetterEvents) > 0 {
		d.refreshQueueDepth(ctx)
	}
	if err != nil {
		return nil, err
	}
	if job != nil {
		observability.RecordClaim(job.Reclaimed)
		d.logger.Debug().
			Str("run_id", job.RunID).
			Str("worker_id", workerID).
			Int("attempt", job.Attempt).
			Bool("reclaimed", job.Reclaimed).
			Msg("Job claimed")
	}
	return job, nil
}

// RenewLease extends the job's lease
func (d *Dispatcher) RenewLease(ctx context.Context, job *Job) error {
	return d.store.RenewLease(ctx, job, d.leaseTTL)
}

// Ack finishes a delivery with its terminal outcome
func (d *Dispatcher) Ack(ctx context.Context, job *Job, outcome runner.Outcome) error {
	if err := d.store.Ack(ctx, job, outcome); err != nil {
		return err
	}
	observability.RecordAck(string(outcome.State))
	d.refreshQueueDepth(ctx)
	return nil
}

// Nack releases the job for redelivery, dead-lettering it once attempts are
// exhausted.
func (d *Dispatcher) Nack(ctx context.Context, job *Job, reason error) error {
	d.logger.Warn().
		Err(reason).
		Str("run_id", job.RunID).
		Int("attempt", job.Attempt).
		Msg("Delivery failed, releasing job")

	events, err := d.store.Nack(ctx, job, d.maxAttempts)
	for _, ev := range events {
		d.broker.Publish(ev)
	}
	if err != nil {
		return err
	}
	observability.RecordNack()
	d.refreshQueueDepth(ctx)
	return nil
}

// RequestCancellation flags a run for cooperative cancellation. Queued runs
// cancel immediately; a leased run's holder observes the flag at its next
// state-transition boundary.
func (d *Dispatcher) RequestCancellation(ctx context.Context, runID string) error {
	events, err := d.store.RequestCancellation(ctx, runID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		d.broker.Publish(ev)
	}
	if len(events) > 0 {
		d.refreshQueueDepth(ctx)
	}
	d.logger.Info().Str("run_id", runID).Msg("Cancellation requested")
	return nil
}

// CancelRequested reports the run's cancellation flag
func (d *Dispatcher) CancelRequested(ctx context.Context, runID string) (bool, error) {
	return d.store.CancelRequested(ctx, runID)
}

// AppendEvent persists an event under the job's lease and publishes it
func (d *Dispatcher) AppendEvent(ctx context.Context, job *Job, kind runner.EventKind, payload map[string]interface{}) (*runner.Event, error) {
	ev, err := d.store.AppendEvent(ctx, job, kind, payload)
	if err != nil {
		return nil, err
	}
	d.broker.Publish(*ev)
	return ev, nil
}

// Sink returns an event sink bound to the job's lease, for handing to the
// runner.
func (d *Dispatcher) Sink(job *Job) runner.EventSink {
	return &jobSink{dispatcher: d, job: job}
}

type jobSink struct {
	dispatcher *Dispatcher
	job        *Job
}

func (s *jobSink) Emit(ctx context.Context, kind runner.EventKind, payload map[string]interface{}) error {
	_, err := s.dispatcher.AppendEvent(ctx, s.job, kind, payload)
	return err
}

// GetRun fetches a run by ID
func (d *Dispatcher) GetRun(ctx context.Context, runID string) (*Run, error) {
	return d.store.GetRun(ctx, runID)
}

// Events returns the persisted events for a run with seq greater than fromSeq
func (d *Dispatcher) Events(ctx context.Context, runID string, fromSeq int64) ([]runner.Event, error) {
	return d.store.Events(ctx, runID, fromSeq)
}

// maxHistoryRuns bounds how many prior completed runs seed a thread's
// conversation history.
const maxHistoryRuns = 20

// ThreadHistory returns the thread's prior conversation, oldest first
func (d *Dispatcher) ThreadHistory(ctx context.Context, threadID string) ([]runner.Message, error) {
	if threadID == "" {
		return nil, nil
	}
	return d.store.ThreadHistory(ctx, threadID, maxHistoryRuns)
}

// Subscribe streams a run's events from fromSeq: persisted history first,
// then live events, gap-free and duplicate-free. The channel closes after a
// terminal status-change, when ctx is done, or when the returned cancel
// function runs.
func (d *Dispatcher) Subscribe(ctx context.Context, runID string, fromSeq int64) (<-chan runner.Event, func(), error) {
	if _, err := d.store.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	// Attach the live feed before reading history so no event can fall
	// between the two; duplicates are filtered by sequence number below.
	sub := d.broker.Subscribe(runID)

	history, err := d.store.Events(ctx, runID, fromSeq)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan runner.Event, subscriptionBuffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		defer sub.Close()

		lastSeq := fromSeq
		terminal := false
		for _, ev := range history {
			select {
			case out <- ev:
				lastSeq = ev.Seq
				if IsTerminalEvent(ev) {
					terminal = true
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		if terminal {
			return
		}

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if ev.Seq <= lastSeq {
					continue
				}
				select {
				case out <- ev:
					lastSeq = ev.Seq
					if IsTerminalEvent(ev) {
						return
					}
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var cancelOnce sync.Once
	cancel := func() { cancelOnce.Do(func() { close(done) }) }
	return out, cancel, nil
}

func (d *Dispatcher) refreshQueueDepth(ctx context.Context) {
	depth, err := d.store.QueueDepth(ctx)
	if err != nil {
		d.logger.Debug().Err(err).Msg("Failed to read queue depth")
		return
	}
	observability.SetQueueDepth(depth)
}
