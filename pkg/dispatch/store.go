package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/runner"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	thread_id        TEXT NOT NULL DEFAULT '',
	project_id       TEXT NOT NULL DEFAULT '',
	account_id       TEXT NOT NULL DEFAULT '',
	agent_id         TEXT NOT NULL,
	model            TEXT NOT NULL DEFAULT '',
	input            TEXT NOT NULL,
	vars             TEXT NOT NULL DEFAULT '{}',
	request_id       TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	output           TEXT NOT NULL DEFAULT '',
	error_code       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	attempt          INTEGER NOT NULL DEFAULT 0,
	archived         INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);

CREATE TABLE IF NOT EXISTS jobs (
	run_id           TEXT PRIMARY KEY REFERENCES runs(id),
	attempts         INTEGER NOT NULL DEFAULT 0,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_epoch      INTEGER NOT NULL DEFAULT 0,
	lease_expires_at TIMESTAMP,
	enqueued_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_enqueued ON jobs(enqueued_at);

CREATE TABLE IF NOT EXISTS run_events (
	run_id  TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	kind    TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	at      TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store is the durable dispatcher state: runs, their event logs, and the
// delivery queue. SQLite in WAL mode; a single writer process is assumed.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens or creates the dispatcher database at path
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Dispatch store opened")
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run and its queue entry in one transaction. If a run
// with the same request ID already exists, that run is returned instead and
// created is false. The exception is a run that terminated as Failed: a
// resubmission re-enters it into the queue under the same run ID, so a failed
// request key is retryable rather than burned.
func (s *Store) CreateRun(ctx context.Context, run *Run) (*Run, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.runByRequestID(ctx, tx, run.RequestID)
	if err != nil && err != ErrRunNotFound {
		return nil, false, err
	}
	if existing != nil {
		if existing.Status != runner.StateFailed {
			return existing, false, nil
		}
		requeued, err := s.requeueRunTx(ctx, tx, existing)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit requeue: %w", err)
		}
		return requeued, true, nil
	}

	vars := "{}"
	if run.Vars != nil {
		raw, err := json.Marshal(run.Vars)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal run vars: %w", err)
		}
		vars = string(raw)
	}

	now := time.Now().UTC()
	run.Status = runner.StateQueued
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, thread_id, project_id, account_id, agent_id, model,
			input, vars, request_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.ProjectID, run.AccountID, run.AgentID, run.Model,
		run.Input, vars, run.RequestID, string(run.Status), now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert run: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (run_id, enqueued_at) VALUES (?, ?)`, run.ID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, true, nil
}

// requeueRunTx returns a failed run to the queue, keeping its identity and
// event log. The terminal fields are cleared and a fresh queue entry is
// inserted; subsequent events continue the run's existing sequence.
func (s *Store) requeueRunTx(ctx context.Context, tx *sql.Tx, run *Run) (*Run, error) {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, output = '', error_code = '', error_message = '',
			cancel_requested = 0, archived = 0, updated_at = ?
		WHERE id = ?`,
		string(runner.StateQueued), now, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue run: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (run_id, enqueued_at) VALUES (?, ?)`, run.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue requeued job: %w", err)
	}

	requeued := *run
	requeued.Status = runner.StateQueued
	requeued.Output = ""
	requeued.ErrorCode = ""
	requeued.ErrorMessage = ""
	requeued.CancelRequested = false
	requeued.Archived = false
	requeued.UpdatedAt = now
	return &requeued, nil
}

// GetRun fetches a run by ID
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
}

const selectRun = `
	SELECT id, thread_id, project_id, account_id, agent_id, model, input, vars,
		request_id, status, output, error_code, error_message, cancel_requested,
		attempt, archived, created_at, updated_at
	FROM runs`

func (s *Store) runByRequestID(ctx context.Context, tx *sql.Tx, requestID string) (*Run, error) {
	return s.scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE request_id = ?`, requestID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, vars string
	var cancelRequested, archived int
	err := row.Scan(&run.ID, &run.ThreadID, &run.ProjectID, &run.AccountID,
		&run.AgentID, &run.Model, &run.Input, &vars, &run.RequestID, &status,
		&run.Output, &run.ErrorCode, &run.ErrorMessage, &cancelRequested,
		&run.Attempt, &archived, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = runner.State(status)
	run.CancelRequested = cancelRequested != 0
	run.Archived = archived != 0
	if vars != "" && vars != "{}" {
		if err := json.Unmarshal([]byte(vars), &run.Vars); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run vars: %w", err)
		}
	}
	return &run, nil
}

// Claim atomically leases the next available job for worker ownerID: either a
// never-leased job or one whose lease has expired. Claiming bumps the lease
// epoch, so operations fenced on the old epoch fail with ErrLeaseLost. A
// candidate that has exhausted its delivery attempts is dead-lettered instead
// and the scan continues. Returns nil with no error when the queue is empty.
func (s *Store) Claim(ctx context.Context, ownerID string, ttl time.Duration, maxAttempts int) (*Job, []runner.Event, error) {
	var deadLetterEvents []runner.Event
	for {
		job, events, err := s.claimOne(ctx, ownerID, ttl, maxAttempts)
		if err != nil {
			return nil, deadLetterEvents, err
		}
		if events != nil {
			deadLetterEvents = append(deadLetterEvents, events...)
			continue
		}
		return job, deadLetterEvents, nil
	}
}

// claimOne returns either a leased job, or the terminal events of a
// dead-lettered candidate (signalling the scan should continue), or neither
// when the queue is empty.
func (s *Store) claimOne(ctx context.Context, ownerID string, ttl time.Duration, maxAttempts int) (*Job, []runner.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var runID, leaseOwner string
	var attempts int
	var epoch int64
	err = tx.QueryRowContext(ctx, `
		SELECT run_id, attempts, lease_owner, lease_epoch
		FROM jobs
		WHERE lease_owner = '' OR lease_expires_at <= ?
		ORDER BY enqueued_at
		LIMIT 1`, now).Scan(&runID, &attempts, &leaseOwner, &epoch)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	reclaimed := leaseOwner != ""
	if reclaimed {
		observability.RecordLeaseExpired()
	}

	if attempts >= maxAttempts {
		events, err := s.deadLetterTx(ctx, tx, runID, now)
		if err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("failed to commit dead letter: %w", err)
		}
		return nil, events, nil
	}

	expires := now.Add(ttl)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET lease_owner = ?, lease_epoch = lease_epoch + 1,
			lease_expires_at = ?, attempts = attempts + 1
		WHERE run_id = ?`, ownerID, expires, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lease job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET attempt = attempt + 1, updated_at = ? WHERE id = ?`, now, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bump run attempt: %w", err)
	}

	run, err := s.scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &Job{
		RunID:          runID,
		ThreadID:       run.ThreadID,
		AgentID:        run.AgentID,
		Model:          run.Model,
		Input:          run.Input,
		Vars:           run.Vars,
		Attempt:        attempts + 1,
		LeaseOwner:     ownerID,
		LeaseEpoch:     epoch + 1,
		LeaseExpiresAt: expires,
		Reclaimed:      reclaimed,
	}, nil, nil
}

// deadLetterTx fails a run whose delivery attempts are exhausted and removes
// its queue entry, appending the terminal events inside the same transaction.
func (s *Store) deadLetterTx(ctx context.Context, tx *sql.Tx, runID string, now time.Time) ([]runner.Event, error) {
	msg := "delivery attempts exhausted"
	_, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(runner.StateFailed), runner.CodeDeliveryExhausted, msg, now, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE run_id = ?`, runID); err != nil {
		return nil, fmt.Errorf("failed to delete dead-lettered job: %w", err)
	}
	errEv, err := s.appendEventTx(ctx, tx, runID, runner.EventError, map[string]interface{}{
		"code":    runner.CodeDeliveryExhausted,
		"message": msg,
	}, now)
	if err != nil {
		return nil, err
	}
	statusEv, err := s.appendEventTx(ctx, tx, runID, runner.EventStatusChange, map[string]interface{}{
		"state": string(runner.StateFailed),
	}, now)
	if err != nil {
		return nil, err
	}
	observability.RecordDeadLetter()
	s.logger.Warn().Str("run_id", runID).Msg("Run dead-lettered")
	return []runner.Event{*errEv, *statusEv}, nil
}

// RenewLease extends the lease held by (owner, epoch). ErrLeaseLost if the
// job is gone or leased by someone else.
func (s *Store) RenewLease(ctx context.Context, job *Job, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE run_id = ? AND lease_owner = ? AND lease_epoch = ?`,
		expires, job.RunID, job.LeaseOwner, job.LeaseEpoch)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lease renewal: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	job.LeaseExpiresAt = expires
	return nil
}

// Ack finishes a delivery: the run status flip and the queue entry removal
// commit in one transaction, fenced by the job's lease.
func (s *Store) Ack(ctx context.Context, job *Job, outcome runner.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkLeaseTx(ctx, tx, job); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(outcome.State), outcome.Output, outcome.ErrorCode, outcome.ErrorMessage,
		now, job.RunID)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE run_id = ?`, job.RunID); err != nil {
		return fmt.Errorf("failed to delete acked job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}
	return nil
}

// Nack releases the lease so the job becomes claimable again. A job whose
// attempts are already exhausted is dead-lettered here rather than requeued.
func (s *Store) Nack(ctx context.Context, job *Job, maxAttempts int) ([]runner.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkLeaseTx(ctx, tx, job); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if job.Attempt >= maxAttempts {
		events, err := s.deadLetterTx(ctx, tx, job.RunID, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit dead letter: %w", err)
		}
		return events, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET lease_owner = '', lease_expires_at = NULL
		WHERE run_id = ?`, job.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to release lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit nack: %w", err)
	}
	return nil, nil
}

func (s *Store) checkLeaseTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	var owner string
	var epoch int64
	err := tx.QueryRowContext(ctx,
		`SELECT lease_owner, lease_epoch FROM jobs WHERE run_id = ?`, job.RunID).
		Scan(&owner, &epoch)
	if err == sql.ErrNoRows {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to check lease: %w", err)
	}
	if owner != job.LeaseOwner || epoch != job.LeaseEpoch {
		return ErrLeaseLost
	}
	return nil
}

// AppendEvent durably appends an event to the run's log, fenced by the job's
// lease. Sequence numbers are assigned here: per run, starting at 1, strictly
// increasing with no gaps. Nonterminal status changes also update the run row
// so reads see live progress; terminal flips happen only through Ack or the
// dead-letter path.
func (s *Store) AppendEvent(ctx context.Context, job *Job, kind runner.EventKind, payload map[string]interface{}) (*runner.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkLeaseTx(ctx, tx, job); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	event, err := s.appendEventTx(ctx, tx, job.RunID, kind, payload, now)
	if err != nil {
		return nil, err
	}

	if kind == runner.EventStatusChange {
		if state, ok := payload["state"].(string); ok && !runner.State(state).Terminal() {
			_, err = tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
				state, now, job.RunID)
			if err != nil {
				return nil, fmt.Errorf("failed to update run status: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return event, nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, runID string, kind runner.EventKind, payload map[string]interface{}, now time.Time) (*runner.Event, error) {
	raw := []byte("{}")
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
	}

	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, runID).
		Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("failed to assign event seq: %w", err)
	}

	// Seq is assigned inside this transaction, so the insert cannot collide:
	// stale writers are fenced out before reaching here.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, kind, payload, at) VALUES (?, ?, ?, ?, ?)`,
		runID, seq, string(kind), string(raw), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	observability.RecordEventAppend(string(kind))

	return &runner.Event{
		RunID:   runID,
		Seq:     seq,
		Kind:    kind,
		Payload: payload,
		At:      now,
	}, nil
}

// ThreadHistory reconstructs the prior conversation for a thread from its
// completed runs, oldest first, as alternating user and assistant messages.
// At most limit runs are included, counted back from the most recent.
func (s *Store) ThreadHistory(ctx context.Context, threadID string, limit int) ([]runner.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT input, output FROM (
			SELECT input, output, created_at FROM runs
			WHERE thread_id = ? AND status = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`,
		threadID, string(runner.StateCompleted), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread history: %w", err)
	}
	defer rows.Close()

	var history []runner.Message
	for rows.Next() {
		var input, output string
		if err := rows.Scan(&input, &output); err != nil {
			return nil, fmt.Errorf("failed to scan thread history: %w", err)
		}
		history = append(history,
			runner.Message{Role: "user", Content: input},
			runner.Message{Role: "assistant", Content: output})
	}
	return history, rows.Err()
}

// Events returns the persisted events for a run with seq greater than fromSeq
func (s *Store) Events(ctx context.Context, runID string, fromSeq int64) ([]runner.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, payload, at FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq`, runID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []runner.Event{}
	for rows.Next() {
		var ev runner.Event
		var kind, payload string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &kind, &payload, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = runner.EventKind(kind)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RequestCancellation flags a run for cooperative cancellation. A run still
// queued with no lease holder is cancelled immediately; the returned events
// are non-nil only on that immediate path.
func (s *Store) RequestCancellation(ctx context.Context, runID string) ([]runner.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run, err := s.scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrRunTerminal
	}

	now := time.Now().UTC()
	var events []runner.Event

	var leaseOwner sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT lease_owner FROM jobs WHERE run_id = ?`, runID).Scan(&leaseOwner)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to check job lease: %w", err)
	}

	if run.Status == runner.StateQueued && leaseOwner.String == "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, cancel_requested = 1, updated_at = ? WHERE id = ?`,
			string(runner.StateCancelled), now, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel queued run: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE run_id = ?`, runID); err != nil {
			return nil, fmt.Errorf("failed to dequeue cancelled run: %w", err)
		}
		ev, err := s.appendEventTx(ctx, tx, runID, runner.EventStatusChange, map[string]interface{}{
			"state": string(runner.StateCancelled),
		}, now)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to flag cancellation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return events, nil
}

// CancelRequested reports the run's cancellation flag
func (s *Store) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE id = ?`, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return flag != 0, nil
}

// QueueDepth counts queue entries, leased or not
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return depth, nil
}

// TerminalRunsBefore lists unarchived terminal runs last updated before cutoff
func (s *Store) TerminalRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, selectRun+`
		WHERE status IN (?, ?, ?) AND archived = 0 AND updated_at < ?
		ORDER BY updated_at LIMIT ?`,
		string(runner.StateCompleted), string(runner.StateFailed),
		string(runner.StateCancelled), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkArchived flags a run as archived. The run and its events stay in the
// store; archival writes a copy, it never deletes.
func (s *Store) MarkArchived(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET archived = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to mark run archived: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}
