package solver

import (
	"errors"
	"net/http"
	"time"
)

// Sentinel errors shared by the engine runner, the coordinator and the stores.
var (
	// ErrSpawn reports that the engine process could not be started.
	ErrSpawn = errors.New("engine spawn failed")
	// ErrTimeout reports that the engine exceeded its run budget and was killed.
	ErrTimeout = errors.New("engine timed out")
	// ErrIncompleteOutput reports that the engine exited cleanly but its
	// output pipes stayed open past the grace period, so stdout may be cut short.
	ErrIncompleteOutput = errors.New("engine output incomplete")
	// ErrNotFound is returned by record stores for unknown invocation IDs.
	ErrNotFound = errors.New("not found")
	// ErrQueueClosed is returned by queues after shutdown has begun.
	ErrQueueClosed = errors.New("queue closed")
)

// Outcome classifies how one invocation ended.
type Outcome string

// Outcome values recorded for each invocation.
const (
	OutcomeSucceeded         Outcome = "succeeded"
	OutcomeComputationFailed Outcome = "computation_failed"
	OutcomeMalformedOutput   Outcome = "malformed_output"
	OutcomeSpawnFailed       Outcome = "spawn_failed"
	OutcomeTimedOut          Outcome = "timed_out"
)

// Client-facing error messages. They are part of the HTTP contract.
const (
	MessageComputationFailed = "An error occurred"
	MessageMalformedOutput   = "Invalid response format"
	MessageSpawnFailed       = "Failed to start computation engine"
	MessageTimedOut          = "Computation timed out"
)

// StatusCode maps an outcome onto the HTTP status returned to the caller.
func (o Outcome) StatusCode() int {
	switch o {
	case OutcomeSucceeded:
		return http.StatusOK
	case OutcomeTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Invocation is one run of the external computation engine. Stdout and Stderr
// are owned by the call that produced them and are never shared.
type Invocation struct {
	ID          string
	ProblemText string
	Stdout      []byte
	Stderr      []byte
	// ExitCode is -1 until the process terminates, and stays -1 when the
	// process was killed by a signal or never started.
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Record is the immutable audit row written after a response is decided. It
// never carries raw engine output.
type Record struct {
	ID          string    `json:"invocation_id"`
	RequestID   string    `json:"request_id,omitempty"`
	ProblemHash string    `json:"problem_sha256"`
	ProblemLen  int       `json:"problem_length"`
	Outcome     Outcome   `json:"outcome"`
	ExitCode    int       `json:"exit_code"`
	StatusCode  int       `json:"status_code"`
	StdoutBytes int       `json:"stdout_bytes"`
	StderrBytes int       `json:"stderr_bytes"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMs  int64     `json:"duration_ms"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
}

// CompletionEvent is the compact payload published for every invocation.
type CompletionEvent struct {
	InvocationID string    `json:"invocation_id"`
	Outcome      Outcome   `json:"outcome"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewCompletionEvent derives the published event from a record.
func NewCompletionEvent(rec Record) CompletionEvent {
	return CompletionEvent{
		InvocationID: rec.ID,
		Outcome:      rec.Outcome,
		StatusCode:   rec.StatusCode,
		DurationMs:   rec.DurationMs,
		FinishedAt:   rec.FinishedAt,
	}
}

// QueueItem wraps an audit record waiting for persistence. Output is set only
// when the raw stdout must be archived.
type QueueItem struct {
	Record   Record
	Output   []byte
	Enqueued int64
}
