package schemas

import (
	"context"
)

// -- Upsert Contract --

// Update is the canonical merge operation produced by a node or edge record.
// Applying it inserts the document when Match finds nothing and merges into the
// existing document otherwise.
type Update struct {
	Collection string
	// Match is the identifying field set; it is backed by a unique index.
	Match map[string]any
	// SetOnInsert is written only when the document is created.
	SetOnInsert map[string]any
	// Set overwrites scalar fields (last writer wins).
	Set map[string]any
	// AddToSet unions every element into the array stored at the key.
	AddToSet map[string][]any
}

// IndexSpec describes an index on a staged collection.
type IndexSpec struct {
	Name   string
	Keys   []string
	Unique bool
}

// BulkResult tallies the outcome of one bulk write.
type BulkResult struct {
	Requested int
	Matched   int
	Modified  int
	Upserted  int
	Failed    int
}

// Add accumulates another result into r.
func (r *BulkResult) Add(o BulkResult) {
	r.Requested += o.Requested
	r.Matched += o.Matched
	r.Modified += o.Modified
	r.Upserted += o.Upserted
	r.Failed += o.Failed
}

// -- Store Interface --

// StagingStore is the document database that holds one collection per node and
// edge type plus the metadata and profile bookkeeping collections.
type StagingStore interface {
	// EnsureIndexes creates the given indexes if they do not exist.
	EnsureIndexes(ctx context.Context, collection string, specs []IndexSpec) error
	// BulkUpsert applies updates as one batch. Rejected operations are reported in
	// the result; an error is returned only when the batch failed as a whole.
	BulkUpsert(ctx context.Context, collection string, updates []Update) (BulkResult, error)
	// Scan streams every document of a collection to fn, stopping at the first error.
	Scan(ctx context.Context, collection string, fn func(Document) error) error
	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int64, error)
	// Distinct returns the distinct values of field, unwinding arrays.
	Distinct(ctx context.Context, collection, field string) ([]any, error)
	// ListCollections returns the names of every collection in the store.
	ListCollections(ctx context.Context) ([]string, error)
	// DropCollection removes a collection and its indexes.
	DropCollection(ctx context.Context, collection string) error
	// DeleteMany removes documents whose field equals any of values.
	DeleteMany(ctx context.Context, collection, field string, values []string) (int64, error)
	// ReplaceOne replaces the first document matching filter, inserting doc when none matches.
	ReplaceOne(ctx context.Context, collection string, filter, doc Document) error
	// Find returns every document matching filter (field equality).
	Find(ctx context.Context, collection string, filter Document) ([]Document, error)
	// Close releases the underlying connection.
	Close(ctx context.Context) error
}
