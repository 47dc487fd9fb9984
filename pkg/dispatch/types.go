package dispatch

import (
	"errors"
	"time"

	"github.com/strandlabs/strand/pkg/runner"
)

var (
	// ErrLeaseLost means the caller no longer holds the job lease. Any
	// fenced operation fails with it once another worker reclaims the job.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrRunNotFound means no run exists for the given identifier
	ErrRunNotFound = errors.New("run not found")

	// ErrRunTerminal means the run already reached a terminal state
	ErrRunTerminal = errors.New("run is terminal")
)

// RunRequest is a submission. RequestID makes the submission idempotent:
// resubmitting the same RequestID returns the original run without enqueueing
// a second job, unless that run terminated as Failed, in which case it is
// requeued under the same run ID. An empty RequestID gets a generated one.
type RunRequest struct {
	RequestID string                 `json:"request_id,omitempty"`
	ThreadID  string                 `json:"thread_id,omitempty"`
	ProjectID string                 `json:"project_id,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	AgentID   string                 `json:"agent_id"`
	Input     string                 `json:"input"`
	Model     string                 `json:"model,omitempty"`
	Vars      map[string]interface{} `json:"vars,omitempty"`
}

// Run is the durable record of one submission
type Run struct {
	ID              string                 `json:"id"`
	ThreadID        string                 `json:"thread_id,omitempty"`
	ProjectID       string                 `json:"project_id,omitempty"`
	AccountID       string                 `json:"account_id,omitempty"`
	AgentID         string                 `json:"agent_id"`
	Model           string                 `json:"model,omitempty"`
	Input           string                 `json:"input"`
	Vars            map[string]interface{} `json:"vars,omitempty"`
	RequestID       string                 `json:"request_id"`
	Status          runner.State           `json:"status"`
	Output          string                 `json:"output,omitempty"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	CancelRequested bool                   `json:"cancel_requested"`
	Attempt         int                    `json:"attempt"`
	Archived        bool                   `json:"-"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Job is one claimed delivery of a run. The (LeaseOwner, LeaseEpoch) pair
// fences every durable operation the holder performs: a stale holder whose
// lease expired and was reclaimed gets ErrLeaseLost instead of silent
// interleaving.
type Job struct {
	RunID          string
	ThreadID       string
	AgentID        string
	Model          string
	Input          string
	Vars           map[string]interface{}
	Attempt        int
	LeaseOwner     string
	LeaseEpoch     int64
	LeaseExpiresAt time.Time

	// Reclaimed marks a delivery that took over an expired lease
	Reclaimed bool
}
