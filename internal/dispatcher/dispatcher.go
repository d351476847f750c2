// Package dispatcher manages worker fan-out over the audit queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/probgate/internal/solver"
	"github.com/JakeFAU/probgate/internal/worker"
)

// ErrDrainTimeout reports that shutdown ended before every buffered audit
// record was processed.
var ErrDrainTimeout = errors.New("audit queue drain timed out")

// Queue is the audit queue as seen by the dispatcher: it must also stop
// accepting items and report how many are still buffered.
type Queue interface {
	solver.Queue
	Close()
	Len() int
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []*worker.Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Dispatcher.
func New(queue Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker has stopped, either
// because the context finished or because the queue was closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Start runs the workers in the background and reports whether this call
// started them. Cancelling ctx does not stop the workers, so records
// accepted before shutdown still get written; Drain stops them.
func (d *Dispatcher) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return false
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		d.Run(workerCtx)
	}(d.done)
	return true
}

// Drain closes the queue and waits for the workers to finish what is
// buffered. When ctx ends first the in-flight writes are cancelled and the
// returned error wraps ErrDrainTimeout and ctx.Err().
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.queue.Close()

	d.mu.Lock()
	done, cancel := d.done, d.cancel
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	defer cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		pending := d.queue.Len()
		cancel()
		<-done
		return fmt.Errorf("%w with %d records pending: %w", ErrDrainTimeout, pending, ctx.Err())
	}
}

// Pending reports how many audit records are buffered and not yet picked up.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item solver.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
