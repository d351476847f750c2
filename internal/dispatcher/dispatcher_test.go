// Package dispatcher tests audit worker fan-out and shutdown draining.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/queue/memory"
	"github.com/JakeFAU/probgate/internal/solver"
	"github.com/JakeFAU/probgate/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(queue, nil, nil, nil, nil, nil, worker.Config{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherDrainsOnClose verifies buffered records are persisted before Run returns.
func TestDispatcherDrainsOnClose(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(8)
	store := &countingStore{}
	workers := []*worker.Worker{
		worker.New(queue, store, nil, nil, nil, nil, worker.Config{}, zap.NewNop()),
		worker.New(queue, store, nil, nil, nil, nil, worker.Config{}, zap.NewNop()),
	}
	dispatch := New(queue, workers)

	for i := 0; i < 5; i++ {
		item := solver.QueueItem{Record: solver.Record{ID: fmt.Sprintf("inv-%d", i)}}
		if err := dispatch.Enqueue(context.Background(), item); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	queue.Close()

	done := make(chan struct{})
	go func() {
		dispatch.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
	if got := store.count(); got != 5 {
		t.Fatalf("expected 5 saved records, got %d", got)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), solver.QueueItem{Record: solver.Record{ID: "inv"}})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

// TestDispatcherDrainPersistsAcceptedRecords verifies Drain waits for every
// invocation record accepted before shutdown, even after the start context ends.
func TestDispatcherDrainPersistsAcceptedRecords(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(8)
	store := &countingStore{}
	dispatch := New(queue, []*worker.Worker{
		worker.New(queue, store, nil, nil, nil, nil, worker.Config{}, zap.NewNop()),
	})

	startCtx, cancel := context.WithCancel(context.Background())
	if !dispatch.Start(startCtx) {
		t.Fatal("expected first Start to launch workers")
	}
	if dispatch.Start(startCtx) {
		t.Fatal("expected second Start to be a no-op")
	}
	cancel()

	for i := 0; i < 3; i++ {
		item := solver.QueueItem{Record: solver.Record{ID: fmt.Sprintf("inv-%d", i), Outcome: solver.OutcomeSucceeded}}
		if err := dispatch.Enqueue(context.Background(), item); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := dispatch.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if got := store.count(); got != 3 {
		t.Fatalf("expected 3 saved records, got %d", got)
	}
	if err := dispatch.Enqueue(context.Background(), solver.QueueItem{}); !errors.Is(err, solver.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after drain, got %v", err)
	}
}

// TestDispatcherDrainTimeout verifies a stuck record store cannot hold
// shutdown past the deadline and that the caller learns records were left.
func TestDispatcherDrainTimeout(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(8)
	store := &stuckStore{entered: make(chan struct{}, 1)}
	dispatch := New(queue, []*worker.Worker{
		worker.New(queue, store, nil, nil, nil, nil, worker.Config{WriteTimeout: time.Minute}, zap.NewNop()),
	})
	dispatch.Start(context.Background())

	for i := 0; i < 2; i++ {
		if err := dispatch.Enqueue(context.Background(), solver.QueueItem{Record: solver.Record{ID: fmt.Sprintf("inv-%d", i)}}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never reached the record store")
	}

	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	err := dispatch.Drain(ctx)
	if !errors.Is(err, ErrDrainTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 records pending") {
		t.Fatalf("expected pending count in %q", err.Error())
	}
}

// TestDispatcherDrainWithoutStart closes the queue and returns at once.
func TestDispatcherDrainWithoutStart(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	dispatch := New(queue, nil)
	if err := dispatch.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if dispatch.Pending() != 0 {
		t.Fatalf("expected no pending records, got %d", dispatch.Pending())
	}
}

type stuckStore struct {
	entered chan struct{}
}

func (s *stuckStore) SaveRecord(ctx context.Context, _ solver.Record) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stuckStore) GetRecord(context.Context, string) (solver.Record, error) {
	return solver.Record{}, solver.ErrNotFound
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Close()   {}
func (q *blockingQueue) Len() int { return 0 }

func (q *blockingQueue) Enqueue(_ context.Context, _ solver.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (solver.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return solver.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Close()   {}
func (q *errorQueue) Len() int { return 0 }

func (q *errorQueue) Enqueue(context.Context, solver.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (solver.QueueItem, error) {
	return solver.QueueItem{}, nil
}

type countingStore struct {
	mu sync.Mutex
	n  int
}

func (s *countingStore) SaveRecord(context.Context, solver.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return nil
}

func (s *countingStore) GetRecord(context.Context, string) (solver.Record, error) {
	return solver.Record{}, solver.ErrNotFound
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
