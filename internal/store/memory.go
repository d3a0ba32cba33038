package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/xkilldash9x/helix-cli/api/schemas"
	"go.uber.org/zap"
)

// Memory is an ephemeral StagingStore with the same merge semantics as the Mongo
// store. It backs tests and dry runs.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	log         *zap.Logger
}

type memCollection struct {
	// order holds document ids in insertion order.
	order []string
	docs  map[string]schemas.Document
	// keys maps a rendered match key to its document id.
	keys  map[string]string
	index []schemas.IndexSpec
}

var _ schemas.StagingStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		collections: make(map[string]*memCollection),
		log:         logger.Named("memory_store"),
	}
}

func (m *Memory) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]schemas.Document), keys: make(map[string]string)}
		m.collections[name] = c
	}
	return c
}

func (c *memCollection) insert(doc schemas.Document) string {
	id := uuid.NewString()
	doc[schemas.FieldID] = id
	c.order = append(c.order, id)
	c.docs[id] = doc
	return id
}

func (c *memCollection) remove(id string) {
	delete(c.docs, id)
	for k, v := range c.keys {
		if v == id {
			delete(c.keys, k)
		}
	}
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func matchKey(match map[string]any) string {
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, match[k])
	}
	return b.String()
}

// EnsureIndexes records the specs and creates the collection, as Mongo does.
func (m *Memory) EnsureIndexes(ctx context.Context, collection string, specs []schemas.IndexSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	c.index = append(c.index, specs...)
	return nil
}

// BulkUpsert applies each update independently. Updates without a match key are
// rejected individually, mirroring a partially failed unordered bulk write.
func (m *Memory) BulkUpsert(ctx context.Context, collection string, updates []schemas.Update) (schemas.BulkResult, error) {
	res := schemas.BulkResult{Requested: len(updates)}
	if len(updates) == 0 {
		return res, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)

	for _, u := range updates {
		if len(u.Match) == 0 {
			res.Failed++
			continue
		}
		key := matchKey(u.Match)
		id, exists := c.keys[key]
		if !exists {
			doc := schemas.Document{}
			for k, v := range u.Match {
				doc[k] = v
			}
			for k, v := range u.SetOnInsert {
				doc[k] = v
			}
			applyMutation(doc, u)
			c.keys[key] = c.insert(doc)
			res.Upserted++
			continue
		}

		res.Matched++
		doc := c.docs[id]
		before := cloneDocument(doc)
		applyMutation(doc, u)
		if !reflect.DeepEqual(before, doc) {
			res.Modified++
		}
	}

	if res.Failed > 0 {
		m.log.Warn("Bulk upsert partially failed",
			zap.String("collection", collection),
			zap.Int("failed", res.Failed),
			zap.Int("requested", res.Requested))
		if res.Failed == res.Requested {
			return res, fmt.Errorf("%w: %d operations on %s", ErrTotalWriteFailure, res.Failed, collection)
		}
	}
	return res, nil
}

func applyMutation(doc schemas.Document, u schemas.Update) {
	for k, v := range u.Set {
		doc[k] = v
	}
	for k, values := range u.AddToSet {
		existing, _ := doc[k].([]any)
		for _, v := range values {
			if !containsValue(existing, v) {
				existing = append(existing, v)
			}
		}
		doc[k] = existing
	}
}

func containsValue(list []any, v any) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func cloneDocument(doc schemas.Document) schemas.Document {
	out := make(schemas.Document, len(doc))
	for k, v := range doc {
		if list, ok := v.([]any); ok {
			v = append([]any(nil), list...)
		}
		out[k] = v
	}
	return out
}

func (m *Memory) snapshot(collection string) []schemas.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil
	}
	out := make([]schemas.Document, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, cloneDocument(c.docs[id]))
	}
	return out
}

// Scan calls fn for a snapshot of the collection, so fn may write to the store.
func (m *Memory) Scan(ctx context.Context, collection string, fn func(schemas.Document) error) error {
	for _, doc := range m.snapshot(collection) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Count(ctx context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return int64(len(c.docs)), nil
	}
	return 0, nil
}

// Distinct unwinds array values and returns the unique scalars sorted by their
// string form.
func (m *Memory) Distinct(ctx context.Context, collection, field string) ([]any, error) {
	seen := map[string]any{}
	for _, doc := range m.snapshot(collection) {
		v, ok := doc[field]
		if !ok {
			continue
		}
		values := []any{v}
		if list, isList := v.([]any); isList {
			values = list
		}
		for _, e := range values {
			seen[fmt.Sprintf("%T:%v", e, e)] = e
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out, nil
}

func (m *Memory) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) DropCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

// DeleteMany removes documents whose field equals one of values, or, for array
// fields, contains one of them.
func (m *Memory) DeleteMany(ctx context.Context, collection, field string, values []string) (int64, error) {
	want := make(map[string]struct{}, len(values))
	for _, v := range values {
		want[v] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return 0, nil
	}
	var doomed []string
	for _, id := range c.order {
		if fieldMatches(c.docs[id][field], want) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		c.remove(id)
	}
	return int64(len(doomed)), nil
}

func fieldMatches(v any, want map[string]struct{}) bool {
	switch t := v.(type) {
	case string:
		_, ok := want[t]
		return ok
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				if _, hit := want[s]; hit {
					return true
				}
			}
		}
	}
	return false
}

func filterMatches(doc, filter schemas.Document) bool {
	for k, v := range filter {
		if !reflect.DeepEqual(doc[k], v) {
			return false
		}
	}
	return true
}

func (m *Memory) ReplaceOne(ctx context.Context, collection string, filter, doc schemas.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)

	replacement := cloneDocument(doc)
	for _, id := range c.order {
		if filterMatches(c.docs[id], filter) {
			replacement[schemas.FieldID] = id
			c.docs[id] = replacement
			return nil
		}
	}
	c.insert(replacement)
	return nil
}

func (m *Memory) Find(ctx context.Context, collection string, filter schemas.Document) ([]schemas.Document, error) {
	var out []schemas.Document
	for _, doc := range m.snapshot(collection) {
		if filterMatches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Insert adds raw documents, bypassing the upsert path. Used to seed fixtures.
func (m *Memory) Insert(collection string, docs ...schemas.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.collection(collection)
	for _, d := range docs {
		c.insert(cloneDocument(d))
	}
}

// Indexes returns the index specs recorded for a collection.
func (m *Memory) Indexes(collection string) []schemas.IndexSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return append([]schemas.IndexSpec(nil), c.index...)
	}
	return nil
}

func (m *Memory) Close(ctx context.Context) error { return nil }
