package embeddb

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/embeddb/embeddb/catalog"
	"github.com/embeddb/embeddb/distance"
	"github.com/embeddb/embeddb/index"
	"github.com/embeddb/embeddb/metadata"
	"github.com/embeddb/embeddb/wal"
)

// Batch is a set of records addressed by parallel arrays, the shape most
// embedding pipelines already produce. IDs and Vectors are required for Add
// and Upsert; Documents and Metadatas are optional and, when present, must
// have the same length as IDs.
type Batch struct {
	IDs       []string
	Vectors   [][]float32
	Documents []string
	Metadatas []metadata.Document
}

// Record is one stored record.
type Record struct {
	ID       string
	Vector   []float32
	Document string
	Metadata metadata.Document
}

// QueryResult is one nearest-neighbor match.
type QueryResult struct {
	Record
	Distance float32
}

// Collection is a named set of records sharing one dimensionality and
// distance metric. Obtained from a Client; safe for concurrent use.
type Collection struct {
	client *Client
	logger *Logger

	segDir string
	store  *index.Store
	wal    *wal.WAL

	// writeMu serializes the catalog-transaction + WAL-append + index-apply
	// mutation path and snapshot flushes.
	writeMu sync.Mutex
	meta    catalog.Collection

	pendingOps atomic.Int64
	dropped    atomic.Bool
	corrupt    bool
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.meta.Name }

// Metric returns the collection's distance metric.
func (c *Collection) Metric() distance.Metric { return c.meta.Metric }

// Dimension returns the fixed vector dimensionality, or 0 while it is still
// unset and waiting to be inferred from the first add.
func (c *Collection) Dimension() int { return c.store.Dimension() }

// Schema returns the metadata schema, or nil when none was declared.
func (c *Collection) Schema() metadata.Schema { return c.meta.Schema }

func (c *Collection) checkAlive() error {
	if c.client.closed.Load() {
		return ErrClosed
	}
	if c.dropped.Load() {
		return fmt.Errorf("%w: collection %q was deleted", ErrNotFound, c.meta.Name)
	}
	return nil
}

func (c *Collection) checkWritable() error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.client.checkWritable(); err != nil {
		return err
	}
	if c.corrupt {
		return fmt.Errorf("%w: collection %q is in recovery mode", ErrCorruption, c.meta.Name)
	}
	return nil
}

func (c *Collection) validateBatch(b Batch, needVectors bool) error {
	if len(b.IDs) == 0 {
		return validationErrorf("batch must contain at least one id")
	}
	if needVectors && len(b.Vectors) != len(b.IDs) {
		return validationErrorf("got %d ids but %d vectors", len(b.IDs), len(b.Vectors))
	}
	if !needVectors && b.Vectors != nil && len(b.Vectors) != len(b.IDs) {
		return validationErrorf("got %d ids but %d vectors", len(b.IDs), len(b.Vectors))
	}
	if b.Documents != nil && len(b.Documents) != len(b.IDs) {
		return validationErrorf("got %d ids but %d documents", len(b.IDs), len(b.Documents))
	}
	if b.Metadatas != nil && len(b.Metadatas) != len(b.IDs) {
		return validationErrorf("got %d ids but %d metadatas", len(b.IDs), len(b.Metadatas))
	}

	seen := make(map[string]struct{}, len(b.IDs))
	for _, id := range b.IDs {
		if id == "" {
			return validationErrorf("record id must not be empty")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: record id %q appears twice in batch", ErrDuplicateName, id)
		}
		seen[id] = struct{}{}
	}

	if b.Vectors != nil {
		dim := c.store.Dimension()
		if dim == 0 && len(b.Vectors) > 0 {
			dim = len(b.Vectors[0])
		}
		for _, v := range b.Vectors {
			if len(v) == 0 {
				return validationErrorf("vector must not be empty")
			}
			if len(v) != dim {
				return &DimensionMismatchError{Expected: dim, Actual: len(v)}
			}
		}
	}

	if c.meta.Schema != nil && b.Metadatas != nil {
		for i, doc := range b.Metadatas {
			if doc == nil {
				continue
			}
			if err := c.meta.Schema.Validate(doc); err != nil {
				return validationErrorf("metadata for %q: %v", b.IDs[i], err)
			}
		}
	}
	return nil
}

// Add inserts new records. Every id must be new; a duplicate fails the whole
// batch with ErrDuplicateName and writes nothing. The first add to a
// collection without a fixed dimension pins it to the batch's vector length.
func (c *Collection) Add(ctx context.Context, b Batch) error {
	start := time.Now()
	err := c.add(ctx, b)
	c.client.metrics.RecordAdd(len(b.IDs), time.Since(start), err)
	c.logger.LogAdd(ctx, len(b.IDs), time.Since(start), err)
	if err == nil {
		c.afterMutation(len(b.IDs))
	}
	return err
}

func (c *Collection) add(ctx context.Context, b Batch) error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Validation reads the store dimension, which a concurrent add may be
	// about to infer; it must run under the write lock so a mismatched
	// batch is rejected before anything commits.
	if err := c.validateBatch(b, true); err != nil {
		return err
	}

	inferDim := c.store.Dimension() == 0

	recs := make([]catalog.Record, len(b.IDs))
	baseSeq := c.wal.LastSeq()
	for i, id := range b.IDs {
		recs[i] = catalog.Record{ID: id, Seq: baseSeq + 1 + uint64(i)}
		if b.Documents != nil {
			recs[i].Document = b.Documents[i]
		}
		if b.Metadatas != nil {
			recs[i].Metadata = b.Metadatas[i]
		}
	}

	err := c.commit(ctx, func(tx *sql.Tx) error {
		if err := c.client.cat.InsertRecordsTx(ctx, tx, c.meta.ID, recs); err != nil {
			return err
		}
		if inferDim {
			if err := c.client.cat.SetDimensionTx(ctx, tx, c.meta.ID, len(b.Vectors[0])); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i, id := range b.IDs {
			if _, err := c.wal.Append(wal.OpInsert, id, b.Vectors[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, id := range b.IDs {
		if err := c.store.Insert(id, b.Vectors[i], recs[i].Seq); err != nil {
			return translateError(err)
		}
	}
	if inferDim {
		c.meta.Dimension = c.store.Dimension()
	}
	return nil
}

// commit runs one logical transaction: catalog writes inside a SQLite
// transaction, then the WAL appends fsynced, then the SQLite commit. The
// watermark is advanced to the WAL's final sequence number inside the same
// transaction. Any failure rolls back both sides.
func (c *Collection) commit(ctx context.Context, catalogFn func(*sql.Tx) error, walFn func() error) error {
	walSize := c.wal.Size()
	walSeq := c.wal.LastSeq()

	tx, err := c.client.cat.BeginTx(ctx)
	if err != nil {
		return translateError(err)
	}

	fail := func(err error) error {
		_ = tx.Rollback()
		if rErr := c.wal.Rewind(walSize, walSeq); rErr != nil {
			c.logger.Error("wal rewind failed after aborted commit", "error", rErr)
		}
		return err
	}

	if err := catalogFn(tx); err != nil {
		return fail(translateError(err))
	}
	if err := walFn(); err != nil {
		return fail(classifyFSError(err))
	}
	if err := c.client.cat.SetLastSeqTx(ctx, tx, c.meta.ID, c.wal.LastSeq()); err != nil {
		return fail(translateError(err))
	}
	if err := c.wal.Sync(); err != nil {
		return fail(classifyFSError(err))
	}
	if err := tx.Commit(); err != nil {
		return fail(translateError(err))
	}

	c.meta.LastSeq = c.wal.LastSeq()
	return nil
}

// Get fetches records by id, or every record in insertion order when no ids
// are given. A requested id that does not exist fails with ErrNotFound.
func (c *Collection) Get(ctx context.Context, ids ...string) ([]Record, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}

	recs, err := c.client.cat.GetRecords(ctx, c.meta.ID, ids)
	if err != nil {
		return nil, translateError(err)
	}

	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = Record{ID: r.ID, Document: r.Document, Metadata: r.Metadata}
		if vec, ok := c.store.Get(r.ID); ok {
			out[i].Vector = vec
		}
	}
	return out, nil
}

// Query returns the k nearest records to vector, ordered by non-decreasing
// distance with insertion order breaking ties. Fewer than k results are
// returned when the collection is smaller than k.
func (c *Collection) Query(ctx context.Context, vector []float32, k int) ([]QueryResult, error) {
	start := time.Now()
	res, err := c.query(ctx, vector, k)
	c.client.metrics.RecordQuery(k, time.Since(start), err)
	c.logger.LogQuery(ctx, k, time.Since(start), err)
	return res, err
}

func (c *Collection) query(ctx context.Context, vector []float32, k int) ([]QueryResult, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if c.corrupt {
		return nil, fmt.Errorf("%w: collection %q is in recovery mode", ErrCorruption, c.meta.Name)
	}
	if k <= 0 {
		return nil, validationErrorf("k must be positive, got %d", k)
	}

	matches, err := c.store.Search(vector, k)
	if err != nil {
		return nil, translateError(err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	recs, err := c.client.cat.GetRecords(ctx, c.meta.ID, ids)
	if err != nil {
		return nil, translateError(err)
	}
	byID := make(map[string]catalog.Record, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	out := make([]QueryResult, len(matches))
	for i, m := range matches {
		r := byID[m.ID]
		out[i] = QueryResult{
			Record:   Record{ID: m.ID, Document: r.Document, Metadata: r.Metadata},
			Distance: m.Distance,
		}
		if vec, ok := c.store.Get(m.ID); ok {
			out[i].Record.Vector = vec
		}
	}
	return out, nil
}

// Update modifies existing records. Nil Vectors, Documents, or Metadatas
// leave that part of every record untouched; a non-nil slice replaces the
// stored value per record. Fails with ErrNotFound if any id is absent and
// writes nothing in that case.
func (c *Collection) Update(ctx context.Context, b Batch) error {
	start := time.Now()
	err := c.update(ctx, b)
	c.client.metrics.RecordUpdate(len(b.IDs), time.Since(start), err)
	if err == nil {
		c.afterMutation(len(b.IDs))
	}
	return err
}

func (c *Collection) update(ctx context.Context, b Batch) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if b.Vectors == nil && b.Documents == nil && b.Metadatas == nil {
		return validationErrorf("update batch must carry vectors, documents, or metadatas")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.validateBatch(b, false); err != nil {
		return err
	}

	if b.Vectors != nil {
		for _, id := range b.IDs {
			if _, ok := c.store.Get(id); !ok {
				return fmt.Errorf("%w: record id %q", ErrNotFound, id)
			}
		}
	}

	err := c.commit(ctx, func(tx *sql.Tx) error {
		return c.client.cat.UpdateRecordsTx(ctx, tx, c.meta.ID, b.IDs, b.Documents, b.Metadatas)
	}, func() error {
		if b.Vectors == nil {
			return nil
		}
		for i, id := range b.IDs {
			if _, err := c.wal.Append(wal.OpUpdate, id, b.Vectors[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if b.Vectors != nil {
		seq := c.meta.LastSeq - uint64(len(b.IDs))
		for i, id := range b.IDs {
			if err := c.store.Update(id, b.Vectors[i], seq+1+uint64(i)); err != nil {
				return translateError(err)
			}
		}
	}
	return nil
}

// Upsert inserts records whose ids are new and updates the rest. Existing
// records keep their original insertion order for tie-breaking.
func (c *Collection) Upsert(ctx context.Context, b Batch) error {
	start := time.Now()
	err := c.upsert(ctx, b)
	c.client.metrics.RecordUpdate(len(b.IDs), time.Since(start), err)
	if err == nil {
		c.afterMutation(len(b.IDs))
	}
	return err
}

func (c *Collection) upsert(ctx context.Context, b Batch) error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.validateBatch(b, true); err != nil {
		return err
	}

	inferDim := c.store.Dimension() == 0

	exists := make([]bool, len(b.IDs))
	for i, id := range b.IDs {
		_, exists[i] = c.store.Get(id)
	}

	recs := make([]catalog.Record, len(b.IDs))
	baseSeq := c.wal.LastSeq()
	for i, id := range b.IDs {
		recs[i] = catalog.Record{ID: id, Seq: baseSeq + 1 + uint64(i)}
		if b.Documents != nil {
			recs[i].Document = b.Documents[i]
		}
		if b.Metadatas != nil {
			recs[i].Metadata = b.Metadatas[i]
		}
	}

	err := c.commit(ctx, func(tx *sql.Tx) error {
		if err := c.client.cat.UpsertRecordsTx(ctx, tx, c.meta.ID, recs); err != nil {
			return err
		}
		if inferDim {
			if err := c.client.cat.SetDimensionTx(ctx, tx, c.meta.ID, len(b.Vectors[0])); err != nil {
				return err
			}
		}
		return nil
	}, func() error {
		for i, id := range b.IDs {
			op := wal.OpInsert
			if exists[i] {
				op = wal.OpUpdate
			}
			if _, err := c.wal.Append(op, id, b.Vectors[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, id := range b.IDs {
		var applyErr error
		if exists[i] {
			applyErr = c.store.Update(id, b.Vectors[i], recs[i].Seq)
		} else {
			applyErr = c.store.Insert(id, b.Vectors[i], recs[i].Seq)
		}
		if applyErr != nil {
			return translateError(applyErr)
		}
	}
	if inferDim {
		c.meta.Dimension = c.store.Dimension()
	}
	return nil
}

// Delete removes records by id. Fails with ErrNotFound if any id is absent
// and removes nothing in that case. Deleted slots are reclaimed by
// background compaction.
func (c *Collection) Delete(ctx context.Context, ids ...string) error {
	start := time.Now()
	err := c.del(ctx, ids)
	c.client.metrics.RecordDelete(len(ids), time.Since(start), err)
	if err == nil {
		c.afterMutation(len(ids))
	}
	return err
}

func (c *Collection) del(ctx context.Context, ids []string) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return validationErrorf("delete needs at least one id")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.commit(ctx, func(tx *sql.Tx) error {
		return c.client.cat.DeleteRecordsTx(ctx, tx, c.meta.ID, ids)
	}, func() error {
		for _, id := range ids {
			if _, err := c.wal.Append(wal.OpDelete, id, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	seq := c.meta.LastSeq - uint64(len(ids))
	for i, id := range ids {
		if err := c.store.Delete(id, seq+1+uint64(i)); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// Count returns the number of records in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	n, err := c.client.cat.CountRecords(ctx, c.meta.ID)
	if err != nil {
		return 0, translateError(err)
	}
	return n, nil
}

// Peek returns up to n records in insertion order.
func (c *Collection) Peek(ctx context.Context, n int) ([]Record, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, validationErrorf("n must be positive, got %d", n)
	}

	recs, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

// afterMutation schedules background maintenance when the collection has
// accumulated enough tombstones or unflushed WAL entries.
func (c *Collection) afterMutation(n int) {
	pending := c.pendingOps.Add(int64(n))

	needCompact := c.client.opts.compactionThreshold > 0 &&
		c.store.DeletedRatio() > c.client.opts.compactionThreshold
	needFlush := c.client.opts.checkpointEveryOps > 0 &&
		pending >= int64(c.client.opts.checkpointEveryOps)
	if !needCompact && !needFlush {
		return
	}
	if !c.client.res.TryAcquireBackground() {
		return
	}

	c.client.bg.Add(1)
	go func() {
		defer c.client.bg.Done()
		defer c.client.res.ReleaseBackground()
		c.maintain(context.Background(), needCompact)
	}()
}

func (c *Collection) maintain(ctx context.Context, compact bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.dropped.Load() || c.client.closed.Load() {
		return
	}

	if compact {
		start := time.Now()
		reclaimed := c.store.Compact()
		c.client.metrics.RecordCompaction(reclaimed, time.Since(start))
		c.logger.LogCompaction(ctx, reclaimed, time.Since(start), nil)
	}

	if err := c.flushLocked(ctx); err != nil {
		c.logger.Error("background flush failed", "error", err)
		return
	}
	c.pendingOps.Store(0)
}

// flushLocked writes the current index to a fresh snapshot and truncates the
// WAL at the committed watermark. Callers hold writeMu.
func (c *Collection) flushLocked(ctx context.Context) error {
	// Rough on-disk footprint for IO throttling.
	bytes := c.store.Count()*c.store.Dimension()*4 + c.store.Count()*16
	if err := c.client.res.AcquireIO(ctx, bytes); err != nil {
		return err
	}

	path := filepath.Join(c.segDir, snapshotName)
	if err := c.store.SaveSnapshot(path, c.client.opts.compression); err != nil {
		return classifyFSError(err)
	}
	if err := c.wal.Checkpoint(c.meta.LastSeq); err != nil {
		return classifyFSError(err)
	}
	return nil
}
