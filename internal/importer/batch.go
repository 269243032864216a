package importer

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/LisaMayr/WeatherAndDelay/internal/store"
)

// bulkWriter is the collection surface the importer writes through.
type bulkWriter interface {
	Name() string
	BulkWrite(ctx context.Context, models []mongo.WriteModel) (store.BulkResult, error)
}

// batchWriter accumulates write models and hands them to the collection
// in unordered bulk batches of a bounded size.
type batchWriter struct {
	coll    bulkWriter
	size    int
	pending []mongo.WriteModel
}

func newBatchWriter(coll bulkWriter, size int) *batchWriter {
	return &batchWriter{
		coll:    coll,
		size:    size,
		pending: make([]mongo.WriteModel, 0, size),
	}
}

// Add appends a write model to the pending batch. When the batch reaches
// the configured size it is flushed immediately and that batch's counts
// are returned; otherwise the returned counts are zero.
func (w *batchWriter) Add(ctx context.Context, model mongo.WriteModel) (store.BulkResult, error) {
	w.pending = append(w.pending, model)
	if len(w.pending) < w.size {
		return store.BulkResult{}, nil
	}
	return w.Flush(ctx)
}

// Flush writes the pending batch and returns the counts for exactly that
// batch. The batch is cleared even on failure: operations that were
// handed to the database are never retried. Flushing an empty batch does
// nothing.
func (w *batchWriter) Flush(ctx context.Context) (store.BulkResult, error) {
	if len(w.pending) == 0 {
		return store.BulkResult{}, nil
	}

	models := w.pending
	w.pending = make([]mongo.WriteModel, 0, w.size)
	return w.coll.BulkWrite(ctx, models)
}
