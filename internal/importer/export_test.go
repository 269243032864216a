package importer

import "time"

type (
	// BulkWriter exposes the collection interface consumed by the importer.
	BulkWriter = bulkWriter

	// BatchWriter exposes the internal batch writer.
	BatchWriter = batchWriter
)

var NewBatchWriter = newBatchWriter

// WithClock overrides the time source used to stamp imported documents.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}

// Pending returns the number of buffered write models.
func (w *batchWriter) Pending() int {
	return len(w.pending)
}
