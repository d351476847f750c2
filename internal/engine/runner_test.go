package engine_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/engine"
	"github.com/JakeFAU/probgate/internal/engine/enginetest"
	"github.com/JakeFAU/probgate/internal/solver"
)

func TestHelperProcess(t *testing.T) { enginetest.Main() }

func newRunner(t *testing.T, mutate func(*engine.Config)) *engine.Runner {
	t.Helper()
	cfg := enginetest.Config()
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := engine.New(cfg, &seqIDGen{}, fixedClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRunner_SuccessCapturesStdout(t *testing.T) {
	t.Parallel()

	inv, err := newRunner(t, nil).Run(context.Background(), enginetest.Probability)
	require.NoError(t, err)
	require.Equal(t, 0, inv.ExitCode)
	require.JSONEq(t, `{"probability": 0.5}`, string(inv.Stdout))
	require.Empty(t, inv.Stderr)
	require.Equal(t, enginetest.Probability, inv.ProblemText)
	require.NotEmpty(t, inv.ID)
	require.False(t, inv.StartedAt.IsZero())
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	t.Parallel()

	inv, err := newRunner(t, nil).Run(context.Background(), enginetest.ExitThree)
	require.NoError(t, err)
	require.Equal(t, 3, inv.ExitCode)
	require.Equal(t, "bad distribution", string(inv.Stderr))
}

func TestRunner_AccumulatesChunkedStreams(t *testing.T) {
	t.Parallel()

	inv, err := newRunner(t, nil).Run(context.Background(), enginetest.Chunked)
	require.NoError(t, err)
	require.Equal(t, 0, inv.ExitCode)
	require.JSONEq(t, `{"distribution": "binomial", "steps": ["a", "b"]}`, string(inv.Stdout))
	require.Equal(t, strings.Repeat("progress\n", 4), string(inv.Stderr))
}

func TestRunner_PassesProblemAsSingleArgument(t *testing.T) {
	t.Parallel()

	problem := `10 trials; probability of success is 0.5 $(rm -rf /) "quoted" 'single'`
	inv, err := newRunner(t, nil).Run(context.Background(), problem)
	require.NoError(t, err)
	require.JSONEq(t, `{"problem": "10 trials; probability of success is 0.5 $(rm -rf /) \"quoted\" 'single'", "argc": 1}`,
		string(inv.Stdout))
}

func TestRunner_EmptyProblemStillPassesArgument(t *testing.T) {
	t.Parallel()

	inv, err := newRunner(t, nil).Run(context.Background(), "")
	require.NoError(t, err)
	require.JSONEq(t, `{"problem": "", "argc": 1}`, string(inv.Stdout))
}

func TestRunner_LingeringPipeIsIncompleteOutput(t *testing.T) {
	t.Parallel()

	r := newRunner(t, func(cfg *engine.Config) {
		cfg.PipeGrace = 100 * time.Millisecond
	})
	start := time.Now()
	inv, err := r.Run(context.Background(), enginetest.Orphan)
	require.ErrorIs(t, err, solver.ErrIncompleteOutput)
	require.ErrorIs(t, err, exec.ErrWaitDelay)
	require.Equal(t, 0, inv.ExitCode)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestRunner_SpawnFailure(t *testing.T) {
	t.Parallel()

	r := newRunner(t, func(cfg *engine.Config) {
		cfg.Command = "/nonexistent/probgate-engine"
		cfg.Args = nil
	})
	inv, err := r.Run(context.Background(), "anything")
	require.Error(t, err)
	require.True(t, errors.Is(err, solver.ErrSpawn), "expected ErrSpawn, got %v", err)
	require.Equal(t, -1, inv.ExitCode)
	require.NotEmpty(t, inv.ID)
}

func TestRunner_NULInProblemIsSpawnFailure(t *testing.T) {
	t.Parallel()

	_, err := newRunner(t, nil).Run(context.Background(), "bad\x00text")
	require.ErrorIs(t, err, solver.ErrSpawn)
}

func TestRunner_TimeoutKillsProcess(t *testing.T) {
	t.Parallel()

	r := newRunner(t, func(cfg *engine.Config) {
		cfg.Timeout = 200 * time.Millisecond
	})
	start := time.Now()
	inv, err := r.Run(context.Background(), enginetest.Sleep)
	require.ErrorIs(t, err, solver.ErrTimeout)
	require.NotEqual(t, 0, inv.ExitCode)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunner_ConcurrentInvocationsDoNotShareBuffers(t *testing.T) {
	t.Parallel()

	r := newRunner(t, func(cfg *engine.Config) {
		cfg.MaxConcurrency = 2
	})
	const n = 6
	var wg sync.WaitGroup
	results := make([]solver.Invocation, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Run(context.Background(), "problem-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	ids := map[string]struct{}{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		want := `{"problem": "problem-` + string(rune('a'+i)) + `", "argc": 1}`
		require.JSONEq(t, want, string(results[i].Stdout))
		ids[results[i].ID] = struct{}{}
	}
	require.Len(t, ids, n)
}

func TestRunner_SlotWaitHonorsContext(t *testing.T) {
	t.Parallel()

	r := newRunner(t, func(cfg *engine.Config) {
		cfg.MaxConcurrency = 1
		cfg.Timeout = 2 * time.Second
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(context.Background(), enginetest.Sleep)
	}()
	// Let the sleeper take the only slot.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, enginetest.Probability)
	require.ErrorIs(t, err, solver.ErrSpawn)
	<-done
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := engine.New(engine.Config{}, &seqIDGen{}, fixedClock{}, nil)
	require.Error(t, err)
	_, err = engine.New(engine.Config{Command: "python"}, nil, fixedClock{}, nil)
	require.Error(t, err)
}

func TestRunner_IDGeneratorFailure(t *testing.T) {
	t.Parallel()

	r, err := engine.New(enginetest.Config(), failingIDGen{}, fixedClock{}, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), enginetest.Probability)
	require.Error(t, err)
	require.NotErrorIs(t, err, solver.ErrSpawn)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "inv-" + time.Duration(g.n).String(), nil
}

type failingIDGen struct{}

func (failingIDGen) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}
