package store

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/model"
	"go.uber.org/zap"
)

// BatchWriter groups records per collection and applies them as fixed size bulk
// writes. It is not safe for concurrent use; each parser owns its own writer.
type BatchWriter struct {
	store   schemas.StagingStore
	size    int
	now     func() time.Time
	pending map[string][]schemas.Update
	order   []string
	total   schemas.BulkResult
	log     *zap.Logger
}

// NewBatchWriter returns a writer flushing every size operations.
func NewBatchWriter(st schemas.StagingStore, size int, logger *zap.Logger) *BatchWriter {
	if size <= 0 {
		size = 1000
	}
	return &BatchWriter{
		store:   st,
		size:    size,
		now:     time.Now,
		pending: make(map[string][]schemas.Update),
		log:     logger.Named("batch"),
	}
}

// Add queues the records, flushing any collection whose batch is full.
func (w *BatchWriter) Add(ctx context.Context, records ...model.Record) error {
	now := w.now().UTC()
	for _, r := range records {
		c := r.Collection()
		if _, ok := w.pending[c]; !ok {
			w.order = append(w.order, c)
		}
		w.pending[c] = append(w.pending[c], r.GenerateUpdate(now))
		if len(w.pending[c]) >= w.size {
			if err := w.flush(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *BatchWriter) flush(ctx context.Context, collection string) error {
	batch := w.pending[collection]
	if len(batch) == 0 {
		return nil
	}
	w.pending[collection] = batch[:0:0]

	res, err := w.store.BulkUpsert(ctx, collection, batch)
	w.total.Add(res)
	if err != nil {
		return fmt.Errorf("failed to write batch of %d to %s: %w", len(batch), collection, err)
	}
	w.log.Debug("Batch written",
		zap.String("collection", collection),
		zap.Int("ops", len(batch)),
		zap.Int("upserted", res.Upserted),
		zap.Int("modified", res.Modified))
	return nil
}

// Flush writes every pending batch.
func (w *BatchWriter) Flush(ctx context.Context) error {
	for _, c := range w.order {
		if err := w.flush(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Result returns the accumulated totals of every batch written so far.
func (w *BatchWriter) Result() schemas.BulkResult {
	return w.total
}
