package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/helix-cli/api/schemas"
	"github.com/xkilldash9x/helix-cli/internal/model"
	"go.uber.org/zap/zaptest"
)

// recordingStore counts bulk writes per collection and can be told to fail.
type recordingStore struct {
	*Memory
	calls []string
	sizes []int
	err   error
}

func (r *recordingStore) BulkUpsert(ctx context.Context, collection string, updates []schemas.Update) (schemas.BulkResult, error) {
	r.calls = append(r.calls, collection)
	r.sizes = append(r.sizes, len(updates))
	if r.err != nil {
		return schemas.BulkResult{Requested: len(updates), Failed: len(updates)}, r.err
	}
	return r.Memory.BulkUpsert(ctx, collection, updates)
}

func TestBatchWriter(t *testing.T) {
	ctx := context.Background()

	t.Run("flushes full batches and the remainder", func(t *testing.T) {
		rs := &recordingStore{Memory: NewMemory(nil)}
		w := NewBatchWriter(rs, 2, zaptest.NewLogger(t))

		require.NoError(t, w.Add(ctx,
			model.Tissue{PrimaryDomainID: "uberon.1"},
			model.Gene{PrimaryDomainID: "entrez.1"},
			model.Tissue{PrimaryDomainID: "uberon.2"},
			model.Tissue{PrimaryDomainID: "uberon.3"},
		))
		assert.Equal(t, []string{model.TissueCollection}, rs.calls, "only the full batch is written eagerly")

		require.NoError(t, w.Flush(ctx))
		assert.Equal(t, []string{model.TissueCollection, model.TissueCollection, model.GeneCollection}, rs.calls)
		assert.Equal(t, []int{2, 1, 1}, rs.sizes)

		res := w.Result()
		assert.Equal(t, 4, res.Requested)
		assert.Equal(t, 4, res.Upserted)
	})

	t.Run("flush with nothing pending is a no-op", func(t *testing.T) {
		rs := &recordingStore{Memory: NewMemory(nil)}
		w := NewBatchWriter(rs, 0, zaptest.NewLogger(t))
		require.NoError(t, w.Flush(ctx))
		assert.Empty(t, rs.calls)
	})

	t.Run("store errors are wrapped", func(t *testing.T) {
		boom := errors.New("connection reset")
		rs := &recordingStore{Memory: NewMemory(nil), err: boom}
		w := NewBatchWriter(rs, 10, zaptest.NewLogger(t))

		require.NoError(t, w.Add(ctx, model.Tissue{PrimaryDomainID: "uberon.1"}))
		err := w.Flush(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), model.TissueCollection)
		assert.Equal(t, 1, w.Result().Failed)
	})
}
