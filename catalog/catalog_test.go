package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddb/embeddb/distance"
	"github.com/embeddb/embeddb/metadata"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	col, err := c.CreateCollection(ctx, Collection{
		Name:      "docs",
		Segment:   "seg-1",
		Dimension: 3,
		Metric:    distance.MetricCosine,
		Schema:    metadata.Schema{"lang": metadata.FieldTypeString},
	})
	require.NoError(t, err)
	assert.NotZero(t, col.ID)

	_, err = c.CreateCollection(ctx, Collection{Name: "docs", Segment: "seg-2"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	got, err := c.GetCollection(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, col.ID, got.ID)
	assert.Equal(t, 3, got.Dimension)
	assert.Equal(t, distance.MetricCosine, got.Metric)
	assert.Equal(t, metadata.FieldTypeString, got.Schema["lang"])

	_, err = c.GetCollection(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.CreateCollection(ctx, Collection{Name: "abc", Segment: "seg-3"})
	require.NoError(t, err)

	cols, err := c.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "abc", cols[0].Name)
	assert.Equal(t, "docs", cols[1].Name)

	require.NoError(t, c.DeleteCollection(ctx, col.ID))
	assert.ErrorIs(t, c.DeleteCollection(ctx, col.ID), ErrNotFound)
}

func mustCreate(t *testing.T, c *Catalog) Collection {
	t.Helper()
	col, err := c.CreateCollection(context.Background(), Collection{Name: "docs", Segment: "seg", Dimension: 2})
	require.NoError(t, err)
	return col
}

func TestInsertAndGetRecords(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	col := mustCreate(t, c)

	tx, err := c.BeginTx(ctx)
	require.NoError(t, err)
	err = c.InsertRecordsTx(ctx, tx, col.ID, []Record{
		{ID: "doc1", Document: "Hello world", Metadata: metadata.Document{"type": metadata.String("greeting")}, Seq: 1},
		{ID: "doc2", Document: "Go is great", Seq: 2},
	})
	require.NoError(t, err)
	require.NoError(t, c.SetLastSeqTx(ctx, tx, col.ID, 2))
	require.NoError(t, tx.Commit())

	recs, err := c.GetRecords(ctx, col.ID, nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "doc1", recs[0].ID)
	assert.Equal(t, "Hello world", recs[0].Document)
	assert.True(t, recs[0].Metadata.Equal(metadata.Document{"type": metadata.String("greeting")}))
	assert.Equal(t, "doc2", recs[1].ID)
	assert.Nil(t, recs[1].Metadata)

	got, err := c.GetCollection(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.LastSeq)

	n, err := c.CountRecords(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.GetRecords(ctx, col.ID, []string{"doc1", "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDuplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	col := mustCreate(t, c)

	tx, err := c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.InsertRecordsTx(ctx, tx, col.ID, []Record{{ID: "doc1", Seq: 1}}))
	require.NoError(t, tx.Commit())

	tx, err = c.BeginTx(ctx)
	require.NoError(t, err)
	err = c.InsertRecordsTx(ctx, tx, col.ID, []Record{{ID: "doc3", Seq: 2}, {ID: "doc1", Seq: 3}})
	assert.ErrorIs(t, err, ErrDuplicateName)
	require.NoError(t, tx.Rollback())

	n, err := c.CountRecords(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed batch must not leave partial rows")
}

func TestUpdateRecords(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	col := mustCreate(t, c)

	tx, err := c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.InsertRecordsTx(ctx, tx, col.ID, []Record{
		{ID: "doc1", Document: "old", Metadata: metadata.Document{"v": metadata.Int(1)}, Seq: 1},
	}))
	require.NoError(t, tx.Commit())

	// Update document only; metadata untouched.
	tx, err = c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.UpdateRecordsTx(ctx, tx, col.ID, []string{"doc1"}, []string{"new"}, nil))
	require.NoError(t, tx.Commit())

	recs, err := c.GetRecords(ctx, col.ID, []string{"doc1"})
	require.NoError(t, err)
	assert.Equal(t, "new", recs[0].Document)
	assert.True(t, recs[0].Metadata.Equal(metadata.Document{"v": metadata.Int(1)}))

	tx, err = c.BeginTx(ctx)
	require.NoError(t, err)
	err = c.UpdateRecordsTx(ctx, tx, col.ID, []string{"ghost"}, []string{"x"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, tx.Rollback())
}

func TestUpsertKeepsSeq(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	col := mustCreate(t, c)

	tx, err := c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.UpsertRecordsTx(ctx, tx, col.ID, []Record{{ID: "doc1", Document: "v1", Seq: 1}}))
	require.NoError(t, tx.Commit())

	tx, err = c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.UpsertRecordsTx(ctx, tx, col.ID, []Record{{ID: "doc1", Document: "v2", Seq: 9}}))
	require.NoError(t, tx.Commit())

	recs, err := c.GetRecords(ctx, col.ID, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "v2", recs[0].Document)
	assert.Equal(t, uint64(1), recs[0].Seq, "upsert must keep the insertion seq")
}

func TestDeleteRecords(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	col := mustCreate(t, c)

	tx, err := c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.InsertRecordsTx(ctx, tx, col.ID, []Record{{ID: "doc1", Seq: 1}, {ID: "doc2", Seq: 2}}))
	require.NoError(t, tx.Commit())

	tx, err = c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.DeleteRecordsTx(ctx, tx, col.ID, []string{"doc1"}))
	require.NoError(t, tx.Commit())

	n, err := c.CountRecords(ctx, col.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx, err = c.BeginTx(ctx)
	require.NoError(t, err)
	err = c.DeleteRecordsTx(ctx, tx, col.ID, []string{"doc1"})
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, tx.Rollback())
}

func TestOpenCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database at all"), 0o600))

	_, err := Open(context.Background(), path, nil)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := Open(ctx, path, nil)
	require.NoError(t, err)
	col, err := c.CreateCollection(ctx, Collection{Name: "docs", Segment: "seg", Dimension: 2, Metric: distance.MetricL2})
	require.NoError(t, err)
	tx, err := c.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, c.InsertRecordsTx(ctx, tx, col.ID, []Record{{ID: "doc1", Document: "persisted", Seq: 1}}))
	require.NoError(t, tx.Commit())
	require.NoError(t, c.Close())

	c, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.GetCollection(ctx, "docs")
	require.NoError(t, err)
	recs, err := c.GetRecords(ctx, got.ID, []string{"doc1"})
	require.NoError(t, err)
	assert.Equal(t, "persisted", recs[0].Document)
}
