// Package coordinator turns one problem description into one HTTP response by
// running the computation engine and classifying how it ended.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/logging"
	"github.com/JakeFAU/probgate/internal/metrics"
	"github.com/JakeFAU/probgate/internal/solver"
)

const (
	defaultEnqueueTimeout = 50 * time.Millisecond
	defaultPreviewBytes   = 512
)

// Auditor accepts invocation records for asynchronous persistence.
type Auditor interface {
	Enqueue(ctx context.Context, item solver.QueueItem) error
}

// Config tunes the coordinator's side effects. None of them affect the
// response.
type Config struct {
	// EnqueueTimeout bounds how long a response may wait on a full audit queue.
	EnqueueTimeout time.Duration
	// ArchiveMalformed attaches raw stdout to audit items whose output was not
	// a single JSON document.
	ArchiveMalformed bool
	// PreviewBytes caps how much engine output is copied into log lines.
	PreviewBytes int
}

// Response is the decided HTTP outcome for one request.
type Response struct {
	StatusCode   int
	Body         json.RawMessage
	Outcome      solver.Outcome
	InvocationID string
}

// Coordinator is safe for concurrent use; every Handle call owns its
// invocation.
type Coordinator struct {
	runner  solver.Runner
	hasher  solver.Hasher
	auditor Auditor
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Coordinator. auditor may be nil to disable auditing.
func New(runner solver.Runner, hasher solver.Hasher, auditor Auditor, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if auditor != nil && hasher == nil {
		return nil, errors.New("hasher is required when auditing is enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = defaultPreviewBytes
	}
	return &Coordinator{
		runner:  runner,
		hasher:  hasher,
		auditor: auditor,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Handle runs the engine once with problemText as its final argument and maps
// the result onto a response. The run is detached from ctx cancellation: a
// client that disconnects does not stop the engine.
func (c *Coordinator) Handle(ctx context.Context, requestID, problemText string) Response {
	runCtx := context.WithoutCancel(ctx)
	inv, runErr := c.runner.Run(runCtx, problemText)

	outcome, body := Decide(inv, runErr)
	resp := Response{
		StatusCode:   outcome.StatusCode(),
		Body:         body,
		Outcome:      outcome,
		InvocationID: inv.ID,
	}

	c.log(requestID, inv, outcome, runErr)
	metrics.ObserveInvocation(string(outcome))
	c.audit(runCtx, requestID, inv, resp)
	return resp
}

// Decide classifies a finished run. Timeouts and spawn failures take
// precedence over the exit code, and output cut short by a lingering pipe
// is malformed whatever it contains. Otherwise a non-zero exit relays stderr and
// a zero exit must produce exactly one JSON document on stdout.
func Decide(inv solver.Invocation, runErr error) (solver.Outcome, json.RawMessage) {
	switch {
	case errors.Is(runErr, solver.ErrTimeout):
		return solver.OutcomeTimedOut, errorBody(solver.MessageTimedOut)
	case errors.Is(runErr, solver.ErrIncompleteOutput):
		return solver.OutcomeMalformedOutput, errorBody(solver.MessageMalformedOutput)
	case runErr != nil:
		return solver.OutcomeSpawnFailed, errorBody(solver.MessageSpawnFailed)
	case inv.ExitCode != 0:
		msg := string(inv.Stderr)
		if msg == "" {
			msg = solver.MessageComputationFailed
		}
		return solver.OutcomeComputationFailed, errorBody(msg)
	}

	if !json.Valid(inv.Stdout) {
		return solver.OutcomeMalformedOutput, errorBody(solver.MessageMalformedOutput)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, inv.Stdout); err != nil {
		return solver.OutcomeMalformedOutput, errorBody(solver.MessageMalformedOutput)
	}
	return solver.OutcomeSucceeded, compact.Bytes()
}

func errorBody(msg string) json.RawMessage {
	// Marshalling a map of strings cannot fail.
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

func (c *Coordinator) log(requestID string, inv solver.Invocation, outcome solver.Outcome, runErr error) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("invocation_id", inv.ID),
		zap.String("outcome", string(outcome)),
		zap.Int("exit_code", inv.ExitCode),
		zap.Duration("duration", inv.Duration),
	}
	switch outcome {
	case solver.OutcomeSucceeded:
		c.logger.Info("invocation finished", fields...)
	case solver.OutcomeMalformedOutput:
		c.logger.Warn("engine returned malformed output",
			append(fields, zap.String("stdout", logging.Truncate(inv.Stdout, c.cfg.PreviewBytes)))...)
	case solver.OutcomeComputationFailed:
		c.logger.Warn("engine reported an error",
			append(fields, zap.String("stderr", logging.Truncate(inv.Stderr, c.cfg.PreviewBytes)))...)
	default:
		c.logger.Error("invocation failed", append(fields, zap.Error(runErr))...)
	}
}

func (c *Coordinator) audit(ctx context.Context, requestID string, inv solver.Invocation, resp Response) {
	if c.auditor == nil || inv.ID == "" {
		return
	}
	problemHash, err := c.hasher.Hash([]byte(inv.ProblemText))
	if err != nil {
		c.logger.Warn("hash problem text failed", zap.String("invocation_id", inv.ID), zap.Error(err))
	}
	item := solver.QueueItem{
		Record: solver.Record{
			ID:          inv.ID,
			RequestID:   requestID,
			ProblemHash: problemHash,
			ProblemLen:  len(inv.ProblemText),
			Outcome:     resp.Outcome,
			ExitCode:    inv.ExitCode,
			StatusCode:  resp.StatusCode,
			StdoutBytes: len(inv.Stdout),
			StderrBytes: len(inv.Stderr),
			StartedAt:   inv.StartedAt,
			FinishedAt:  inv.FinishedAt,
			DurationMs:  inv.Duration.Milliseconds(),
		},
		Enqueued: time.Now().UnixNano(),
	}
	if c.cfg.ArchiveMalformed && resp.Outcome == solver.OutcomeMalformedOutput && len(inv.Stdout) > 0 {
		item.Output = inv.Stdout
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, c.cfg.EnqueueTimeout)
	defer cancel()
	if err := c.auditor.Enqueue(enqueueCtx, item); err != nil {
		metrics.ObserveAuditDropped()
		c.logger.Warn("audit record dropped",
			zap.String("request_id", requestID),
			zap.String("invocation_id", inv.ID),
			zap.Error(err),
		)
	}
}
