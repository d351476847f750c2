// Package worker implements the audit pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/metrics"
	"github.com/JakeFAU/probgate/internal/solver"
)

// Config controls Worker behavior.
type Config struct {
	ContentType   string
	ArchivePrefix string
	Topic         string
	// WriteTimeout bounds each store or publisher call.
	WriteTimeout time.Duration
}

// Worker consumes audit items, archives malformed output, persists the record
// and publishes a completion event. Every step is best-effort.
type Worker struct {
	queue     solver.Queue
	records   solver.RecordStore
	blobStore solver.BlobStore
	publisher solver.Publisher
	hasher    solver.Hasher
	clock     solver.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. Any of records, blobStore and publisher may be nil
// to skip that stage.
func New(
	queue solver.Queue,
	records solver.RecordStore,
	blobStore solver.BlobStore,
	publisher solver.Publisher,
	hasher solver.Hasher,
	clock solver.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/plain; charset=utf-8"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Worker{
		queue:     queue,
		records:   records,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, solver.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued record", zap.String("invocation_id", item.Record.ID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item solver.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	rec := item.Record
	if len(item.Output) > 0 && w.blobStore != nil {
		uri, err := w.archive(ctx, rec, item.Output)
		if err != nil {
			metrics.ObserveAuditFailure("archive")
			w.logger.Error("archive output failed", zap.String("invocation_id", rec.ID), zap.Error(err))
		} else {
			rec.ArchiveURI = uri
		}
	}

	if w.records != nil {
		if err := w.saveRecord(ctx, rec); err != nil {
			metrics.ObserveAuditFailure("record")
			w.logger.Error("save record failed", zap.String("invocation_id", rec.ID), zap.Error(err))
		}
	}

	if err := w.publishCompletion(ctx, rec); err != nil {
		metrics.ObserveAuditFailure("publish")
		w.logger.Error("publish completion failed", zap.String("invocation_id", rec.ID), zap.Error(err))
		return
	}
	w.logger.Debug("record processed",
		zap.String("invocation_id", rec.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("archive_uri", rec.ArchiveURI),
	)
}

func (w *Worker) archive(ctx context.Context, rec solver.Record, output []byte) (string, error) {
	hash, err := w.hasher.Hash(output)
	if err != nil {
		return "", fmt.Errorf("hash output: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()
	path := w.buildArchivePath(rec, hash)
	uri, err := w.blobStore.PutObject(writeCtx, path, w.cfg.ContentType, bytes.NewReader(output))
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return uri, nil
}

func (w *Worker) saveRecord(ctx context.Context, rec solver.Record) error {
	writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()
	if err := w.records.SaveRecord(writeCtx, rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (w *Worker) publishCompletion(ctx context.Context, rec solver.Record) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()
	msgID, err := w.publisher.Publish(writeCtx, w.cfg.Topic, solver.NewCompletionEvent(rec))
	if err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	w.logger.Debug("completion published",
		zap.String("invocation_id", rec.ID),
		zap.String("topic", w.cfg.Topic),
		zap.String("message_id", msgID),
	)
	return nil
}

// buildArchivePath lays objects out as <prefix>/<yyyy/mm/dd>/<id>-<sha>.out,
// dated by the invocation's finish time.
func (w *Worker) buildArchivePath(rec solver.Record, hash string) string {
	at := rec.FinishedAt
	if at.IsZero() && w.clock != nil {
		at = w.clock.Now()
	}
	name := fmt.Sprintf("%s/%s-%s.out", at.UTC().Format("2006/01/02"), rec.ID, hash)
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
