package embeddb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddb/embeddb/metadata"
)

func newTestCollection(t *testing.T, optFns ...func(*CollectionOptions)) *Collection {
	t.Helper()
	client := openTestClient(t, filepath.Join(t.TempDir(), "db"))
	col, err := client.CreateCollection(context.Background(), "docs", optFns...)
	require.NoError(t, err)
	return col
}

func TestAddAndGet(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:       []string{"a", "b"},
		Vectors:   [][]float32{{1, 2}, {3, 4}},
		Documents: []string{"alpha", "beta"},
		Metadatas: []metadata.Document{
			{"lang": metadata.String("en")},
			nil,
		},
	}))

	recs, err := col.Get(ctx, "a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "alpha", recs[0].Document)
	assert.Equal(t, []float32{1, 2}, recs[0].Vector)
	assert.Equal(t, metadata.String("en"), recs[0].Metadata["lang"])

	// No ids means every record in insertion order.
	recs, err = col.Get(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
	assert.Nil(t, recs[1].Metadata)

	_, err = col.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	tests := []struct {
		name    string
		batch   Batch
		wantErr error
	}{
		{
			name:    "empty batch",
			batch:   Batch{},
			wantErr: ErrValidation,
		},
		{
			name:    "length mismatch",
			batch:   Batch{IDs: []string{"a", "b"}, Vectors: [][]float32{{1}}},
			wantErr: ErrValidation,
		},
		{
			name:    "documents length mismatch",
			batch:   Batch{IDs: []string{"a"}, Vectors: [][]float32{{1}}, Documents: []string{"x", "y"}},
			wantErr: ErrValidation,
		},
		{
			name:    "empty id",
			batch:   Batch{IDs: []string{""}, Vectors: [][]float32{{1}}},
			wantErr: ErrValidation,
		},
		{
			name:    "empty vector",
			batch:   Batch{IDs: []string{"a"}, Vectors: [][]float32{{}}},
			wantErr: ErrValidation,
		},
		{
			name:    "duplicate id within batch",
			batch:   Batch{IDs: []string{"a", "a"}, Vectors: [][]float32{{1}, {2}}},
			wantErr: ErrDuplicateName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := col.Add(ctx, tt.batch)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddDuplicateIDLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:       []string{"a"},
		Vectors:   [][]float32{{1, 2}},
		Documents: []string{"original"},
	}))

	err := col.Add(ctx, Batch{
		IDs:       []string{"b", "a"},
		Vectors:   [][]float32{{3, 4}, {9, 9}},
		Documents: []string{"new", "overwrite attempt"},
	})
	assert.ErrorIs(t, err, ErrDuplicateName)

	// The whole batch rolled back: no partial insert, no overwrite.
	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, err := col.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "original", recs[0].Document)
	assert.Equal(t, []float32{1, 2}, recs[0].Vector)
}

func TestDimensionInference(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	assert.Zero(t, col.Dimension())

	require.NoError(t, col.Add(ctx, Batch{IDs: []string{"a"}, Vectors: [][]float32{{1, 2, 3}}}))
	assert.Equal(t, 3, col.Dimension())

	err := col.Add(ctx, Batch{IDs: []string{"b"}, Vectors: [][]float32{{1, 2}}})
	assert.ErrorIs(t, err, ErrValidation)
	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)
}

func TestConcurrentAddsAgreeOnInferredDimension(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")
	client := openTestClient(t, dir)
	col, err := client.CreateCollection(ctx, "docs")
	require.NoError(t, err)

	// Whichever add lands first pins the dimension; the other must be
	// rejected in full, not after its catalog rows have committed.
	batches := []Batch{
		{IDs: []string{"a"}, Vectors: [][]float32{{1, 2}}},
		{IDs: []string{"b"}, Vectors: [][]float32{{1, 2, 3}}},
	}
	errs := make([]error, len(batches))
	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = col.Add(ctx, batches[i])
		}(i)
	}
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrValidation)
			failed++
		}
	}
	require.Equal(t, 1, failed)

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The rejected batch left no catalog rows and no WAL entries, so the
	// database reopens cleanly with the surviving record.
	require.NoError(t, client.Close())
	client = openTestClient(t, dir)
	defer client.Close()
	require.False(t, client.ReadOnly())

	col, err = client.GetCollection(ctx, "docs")
	require.NoError(t, err)
	n, err = col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFixedDimensionEnforced(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t, func(o *CollectionOptions) { o.Dimension = 2 })

	err := col.Add(ctx, Batch{IDs: []string{"a"}, Vectors: [][]float32{{1, 2, 3}}})
	assert.ErrorIs(t, err, ErrValidation)
	require.NoError(t, col.Add(ctx, Batch{IDs: []string{"a"}, Vectors: [][]float32{{1, 2}}}))
}

func TestQueryOrderingAndTies(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	// near2 and near1 tie on distance; near1 was inserted first.
	require.NoError(t, col.Add(ctx, Batch{
		IDs:     []string{"far", "near1", "near2", "exact"},
		Vectors: [][]float32{{10, 10}, {0, 1}, {1, 0}, {0, 0}},
	}))

	results, err := col.Query(ctx, []float32{0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, "exact", results[0].ID)
	assert.Equal(t, "near1", results[1].ID)
	assert.Equal(t, "near2", results[2].ID)
	assert.Equal(t, "far", results[3].ID)
	assert.Zero(t, results[0].Distance)
	assert.LessOrEqual(t, results[1].Distance, results[3].Distance)

	results, err = col.Query(ctx, []float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)
	require.NoError(t, col.Add(ctx, Batch{IDs: []string{"a"}, Vectors: [][]float32{{1, 2}}}))

	_, err := col.Query(ctx, []float32{1, 2}, 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = col.Query(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestQueryEmptyCollection(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	results, err := col.Query(ctx, []float32{1, 2}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteExcludesFromQuery(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:     []string{"a", "b", "c"},
		Vectors: [][]float32{{1, 1}, {2, 2}, {3, 3}},
	}))
	require.NoError(t, col.Delete(ctx, "b"))

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := col.Query(ctx, []float32{2, 2}, 3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "b", r.ID)
	}

	_, err = col.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an unknown id fails and removes nothing.
	err = col.Delete(ctx, "a", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	n, err = col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:       []string{"a", "b"},
		Vectors:   [][]float32{{0, 0}, {5, 5}},
		Documents: []string{"old doc", "other"},
	}))

	// Document-only update leaves the vector alone.
	require.NoError(t, col.Update(ctx, Batch{
		IDs:       []string{"a"},
		Documents: []string{"new doc"},
	}))
	recs, err := col.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "new doc", recs[0].Document)
	assert.Equal(t, []float32{0, 0}, recs[0].Vector)

	// Vector update changes query results.
	require.NoError(t, col.Update(ctx, Batch{
		IDs:     []string{"a"},
		Vectors: [][]float32{{5, 6}},
	}))
	results, err := col.Query(ctx, []float32{5, 6}, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", results[0].ID)

	// Unknown id fails the whole batch.
	err = col.Update(ctx, Batch{IDs: []string{"ghost"}, Documents: []string{"x"}})
	assert.ErrorIs(t, err, ErrNotFound)

	// An update with nothing to change is rejected.
	err = col.Update(ctx, Batch{IDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:       []string{"a"},
		Vectors:   [][]float32{{1, 1}},
		Documents: []string{"old"},
	}))

	require.NoError(t, col.Upsert(ctx, Batch{
		IDs:       []string{"a", "b"},
		Vectors:   [][]float32{{2, 2}, {3, 3}},
		Documents: []string{"updated", "created"},
	}))

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := col.Get(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "updated", recs[0].Document)
	assert.Equal(t, []float32{2, 2}, recs[0].Vector)
	assert.Equal(t, "created", recs[1].Document)

	// The upserted record keeps its original insertion order.
	assert.Equal(t, "a", recs[0].ID)
}

func TestSchemaValidation(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t, func(o *CollectionOptions) {
		o.Schema = metadata.Schema{
			"year": metadata.FieldTypeNumber,
			"lang": metadata.FieldTypeString,
		}
	})

	err := col.Add(ctx, Batch{
		IDs:       []string{"a"},
		Vectors:   [][]float32{{1}},
		Metadatas: []metadata.Document{{"year": metadata.String("not a number")}},
	})
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:     []string{"a"},
		Vectors: [][]float32{{1}},
		Metadatas: []metadata.Document{{
			"year":  metadata.Int(2024),
			"lang":  metadata.String("en"),
			"extra": metadata.Bool(true), // undeclared fields pass
		}},
	}))
}

func TestPeek(t *testing.T) {
	ctx := context.Background()
	col := newTestCollection(t)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:     []string{"a", "b", "c"},
		Vectors: [][]float32{{1}, {2}, {3}},
	}))

	recs, err := col.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)

	recs, err = col.Peek(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	_, err = col.Peek(ctx, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMutationsSurviveReopenWithoutFlush(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "db")

	// A large checkpoint interval keeps everything in the WAL until Close.
	client := openTestClient(t, dir, WithCheckpointInterval(1_000_000))
	col, err := client.CreateCollection(ctx, "docs")
	require.NoError(t, err)

	require.NoError(t, col.Add(ctx, Batch{
		IDs:     []string{"a", "b", "c"},
		Vectors: [][]float32{{1, 1}, {2, 2}, {3, 3}},
	}))
	require.NoError(t, col.Update(ctx, Batch{IDs: []string{"a"}, Vectors: [][]float32{{9, 9}}}))
	require.NoError(t, col.Delete(ctx, "b"))
	require.NoError(t, client.Close())

	client = openTestClient(t, dir)
	defer client.Close()
	require.False(t, client.ReadOnly())

	col, err = client.GetCollection(ctx, "docs")
	require.NoError(t, err)

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := col.Query(ctx, []float32{9, 9}, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", results[0].ID)
}

func TestCompactionAfterHeavyDeletes(t *testing.T) {
	ctx := context.Background()
	client := openTestClient(t, filepath.Join(t.TempDir(), "db"), WithCompactionThreshold(0.2))
	col, err := client.CreateCollection(ctx, "docs")
	require.NoError(t, err)

	ids := make([]string, 10)
	vectors := make([][]float32, 10)
	for i := range ids {
		ids[i] = string(rune('a' + i))
		vectors[i] = []float32{float32(i), float32(i)}
	}
	require.NoError(t, col.Add(ctx, Batch{IDs: ids, Vectors: vectors}))
	require.NoError(t, col.Delete(ctx, ids[:5]...))

	// Compaction runs in the background; results must be unaffected.
	results, err := col.Query(ctx, []float32{9, 9}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 5)

	n, err := col.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
