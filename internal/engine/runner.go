// Package engine runs the external computation engine as a child process.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/probgate/internal/metrics"
	"github.com/JakeFAU/probgate/internal/solver"
)

const tracerName = "github.com/JakeFAU/probgate/internal/engine"

// defaultPipeGrace bounds how long Wait keeps reading stdout/stderr after the
// engine exits or is killed, in case a grandchild process still holds the pipes.
const defaultPipeGrace = 5 * time.Second

// Config controls how the engine is started.
type Config struct {
	Command string
	Args    []string
	WorkDir string
	Env     []string
	// Timeout of zero waits for the engine indefinitely.
	Timeout time.Duration
	// MaxConcurrency of zero leaves concurrent engine processes unbounded.
	MaxConcurrency int
	// PipeGrace of zero uses a five second grace period.
	PipeGrace time.Duration
}

// Runner starts one engine process per call and accumulates its output.
// Runner holds no per-invocation state and is safe for concurrent use.
type Runner struct {
	cfg    Config
	idGen  solver.IDGenerator
	clock  solver.Clock
	sem    *semaphore.Weighted
	tracer trace.Tracer
	logger *zap.Logger
}

// New constructs a Runner.
func New(cfg Config, idGen solver.IDGenerator, clock solver.Clock, logger *zap.Logger) (*Runner, error) {
	if cfg.Command == "" {
		return nil, errors.New("engine command is required")
	}
	if idGen == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:    cfg,
		idGen:  idGen,
		clock:  clock,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
	if r.cfg.PipeGrace <= 0 {
		r.cfg.PipeGrace = defaultPipeGrace
	}
	if cfg.MaxConcurrency > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	return r, nil
}

// Run executes <command> <args...> <problemText> and waits for it to exit.
//
// A non-zero exit is reported through Invocation.ExitCode, not as an error.
// The returned error wraps solver.ErrSpawn when the process could not be
// started, solver.ErrTimeout when the configured timeout killed it and
// solver.ErrIncompleteOutput when the pipes outlived a clean exit. The
// invocation is populated as far as the run got in every case.
func (r *Runner) Run(ctx context.Context, problemText string) (solver.Invocation, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return solver.Invocation{ExitCode: -1}, fmt.Errorf("generate invocation id: %w", err)
	}
	inv := solver.Invocation{
		ID:          id,
		ProblemText: problemText,
		ExitCode:    -1,
	}

	ctx, span := r.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("invocation.id", id),
		attribute.Int("problem.length", len(problemText)),
	))
	defer span.End()

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			span.SetStatus(codes.Error, "engine slot unavailable")
			return inv, fmt.Errorf("%w: acquire engine slot: %w", solver.ErrSpawn, err)
		}
		defer r.sem.Release(1)
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.cfg.Args)+1)
	args = append(args, r.cfg.Args...)
	args = append(args, problemText)

	cmd := exec.CommandContext(runCtx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkDir
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), r.cfg.Env...)
	}
	cmd.WaitDelay = r.cfg.PipeGrace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	inv.StartedAt = r.clock.Now()
	began := time.Now()
	if err := cmd.Start(); err != nil {
		inv.FinishedAt = r.clock.Now()
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		r.logger.Warn("engine spawn failed",
			zap.String("invocation_id", id),
			zap.String("command", r.cfg.Command),
			zap.Error(err),
		)
		return inv, fmt.Errorf("%w: %w", solver.ErrSpawn, err)
	}

	metrics.IncEngineInFlight()
	waitErr := cmd.Wait()
	metrics.DecEngineInFlight()

	inv.FinishedAt = r.clock.Now()
	inv.Duration = time.Since(began)
	inv.Stdout = stdout.Bytes()
	inv.Stderr = stderr.Bytes()
	inv.ExitCode = exitCode(cmd, waitErr)
	metrics.ObserveEngineDuration(inv.Duration)

	span.SetAttributes(
		attribute.Int("process.exit_code", inv.ExitCode),
		attribute.Int("process.stdout_bytes", len(inv.Stdout)),
		attribute.Int("process.stderr_bytes", len(inv.Stderr)),
	)

	if r.cfg.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		span.SetStatus(codes.Error, "timed out")
		return inv, fmt.Errorf("%w after %s", solver.ErrTimeout, r.cfg.Timeout)
	}
	if inv.ExitCode != 0 {
		span.SetStatus(codes.Error, "non-zero exit")
	}
	if waitErr != nil && !isExitError(waitErr) {
		span.SetStatus(codes.Error, "output incomplete")
		r.logger.Warn("engine output pipes outlived the process",
			zap.String("invocation_id", id),
			zap.Int("exit_code", inv.ExitCode),
			zap.Duration("pipe_grace", r.cfg.PipeGrace),
			zap.Error(waitErr),
		)
		return inv, fmt.Errorf("%w: %w", solver.ErrIncompleteOutput, waitErr)
	}
	return inv, nil
}

// exitCode reports 0 for a clean exit, the process exit status otherwise and
// -1 when the process was terminated by a signal.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
