package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/solver"
)

func TestWorker_MalformedOutputIsArchivedAndRecorded(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	queue := &fakeQueue{
		items: []solver.QueueItem{{
			Record: solver.Record{
				ID:         "inv-malformed",
				Outcome:    solver.OutcomeMalformedOutput,
				StatusCode: http.StatusInternalServerError,
				FinishedAt: finished,
				DurationMs: 12,
			},
			Output: []byte("not json"),
		}},
	}
	records := newFakeRecordStore()
	blobStore := newFakeBlobStore()
	publisher := newFakePublisher()

	w := New(
		queue,
		records,
		blobStore,
		publisher,
		&fakeHasher{hash: "abc123"},
		&fakeClock{now: time.Unix(100, 0)},
		Config{ArchivePrefix: "invocations", Topic: "probgate.invocations"},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return publisher.count() == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "invocations/2024/03/09/inv-malformed-abc123.out", blobStore.lastPathValue())
	require.Equal(t, []byte("not json"), blobStore.object("invocations/2024/03/09/inv-malformed-abc123.out"))

	rec, ok := records.get("inv-malformed")
	require.True(t, ok)
	require.Equal(t, "memory://invocations/2024/03/09/inv-malformed-abc123.out", rec.ArchiveURI)

	event := publisher.last()
	require.Equal(t, solver.CompletionEvent{
		InvocationID: "inv-malformed",
		Outcome:      solver.OutcomeMalformedOutput,
		StatusCode:   http.StatusInternalServerError,
		DurationMs:   12,
		FinishedAt:   finished,
	}, event)
	require.Equal(t, "probgate.invocations", publisher.lastTopic())
}

func TestWorker_SuccessSkipsArchive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{
		items: []solver.QueueItem{{
			Record: solver.Record{ID: "inv-ok", Outcome: solver.OutcomeSucceeded, StatusCode: http.StatusOK},
		}},
	}
	records := newFakeRecordStore()
	blobStore := newFakeBlobStore()

	w := New(queue, records, blobStore, nil, &fakeHasher{}, &fakeClock{}, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := records.get("inv-ok")
		return ok
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, blobStore.lastPathValue())
}

func TestWorker_FailuresAreBestEffort(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{
		items: []solver.QueueItem{
			{Record: solver.Record{ID: "inv-1", Outcome: solver.OutcomeMalformedOutput}, Output: []byte("x")},
			{Record: solver.Record{ID: "inv-2", Outcome: solver.OutcomeSucceeded}},
		},
	}
	records := newFakeRecordStore()
	records.err = errors.New("db down")
	blobStore := newFakeBlobStore()
	blobStore.err = errors.New("bucket gone")
	publisher := newFakePublisher()

	w := New(queue, records, blobStore, publisher, &fakeHasher{hash: "h"}, &fakeClock{}, Config{Topic: "t"}, zap.NewNop())
	go w.Run(ctx)

	// Both items still reach the publisher even though earlier stages failed.
	require.Eventually(t, func() bool {
		return publisher.count() == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "inv-2", publisher.last().InvocationID)
}

func TestWorker_PublishFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{
		items: []solver.QueueItem{
			{Record: solver.Record{ID: "inv-a"}},
			{Record: solver.Record{ID: "inv-b"}},
		},
	}
	records := newFakeRecordStore()
	publisher := newFakePublisher()
	publisher.err = errors.New("pub failure")

	w := New(queue, records, nil, publisher, &fakeHasher{}, &fakeClock{}, Config{Topic: "t"}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := records.get("inv-b")
		return ok
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, publisher.count())
}

func TestWorker_HashFailureSkipsArchiveOnly(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{
		items: []solver.QueueItem{{Record: solver.Record{ID: "inv-h"}, Output: []byte("garbage")}},
	}
	records := newFakeRecordStore()
	blobStore := newFakeBlobStore()

	w := New(queue, records, blobStore, nil, &fakeHasher{err: errors.New("no hash")}, &fakeClock{}, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := records.get("inv-h")
		return ok
	}, time.Second, 10*time.Millisecond)
	rec, _ := records.get("inv-h")
	require.Empty(t, rec.ArchiveURI)
	require.Empty(t, blobStore.lastPathValue())
}

func TestWorker_RunStopsWhenQueueClosed(t *testing.T) {
	t.Parallel()

	w := New(closedQueue{}, nil, nil, nil, nil, nil, Config{}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on a closed queue")
	}
}

func TestWorkerBuildArchivePath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, &fakeClock{now: time.Date(2025, 1, 2, 23, 0, 0, 0, time.UTC)},
		Config{ArchivePrefix: "/raw/"}, zap.NewNop())
	rec := solver.Record{ID: "inv", FinishedAt: time.Date(2024, 12, 31, 1, 0, 0, 0, time.UTC)}
	if got := w.buildArchivePath(rec, "hash"); got != "raw/2024/12/31/inv-hash.out" {
		t.Fatalf("unexpected archive path: %s", got)
	}
	w.cfg.ArchivePrefix = ""
	rec.FinishedAt = time.Time{}
	if got := w.buildArchivePath(rec, "hash"); got != "2025/01/02/inv-hash.out" {
		t.Fatalf("unexpected fallback archive path: %s", got)
	}
}

// --- fakes ---

type fakeQueue struct {
	mu    sync.Mutex
	items []solver.QueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item solver.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (solver.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return solver.QueueItem{}, fmt.Errorf("queue dequeue context done: %w", ctx.Err())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type closedQueue struct{}

func (closedQueue) Enqueue(context.Context, solver.QueueItem) error {
	return solver.ErrQueueClosed
}

func (closedQueue) Dequeue(context.Context) (solver.QueueItem, error) {
	return solver.QueueItem{}, solver.ErrQueueClosed
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]solver.Record
	err     error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]solver.Record)}
}

func (f *fakeRecordStore) SaveRecord(_ context.Context, rec solver.Record) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeRecordStore) GetRecord(_ context.Context, id string) (solver.Record, error) {
	rec, ok := f.get(id)
	if !ok {
		return solver.Record{}, solver.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecordStore) get(id string) (solver.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec, ok
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
	err      error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = body
	b.lastPath = path
	return "memory://" + path, nil
}

func (b *fakeBlobStore) lastPathValue() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPath
}

func (b *fakeBlobStore) object(path string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[path]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []solver.CompletionEvent
	topics []string
	err    error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := payload.(solver.CompletionEvent); ok {
		p.events = append(p.events, ev)
		p.topics = append(p.topics, topic)
	}
	return "msgid", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *fakePublisher) last() solver.CompletionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func (p *fakePublisher) lastTopic() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[len(p.topics)-1]
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.hash != "" {
		return h.hash, nil
	}
	return string(data), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
