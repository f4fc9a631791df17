package embeddb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/embeddb/embeddb/catalog"
	"github.com/embeddb/embeddb/distance"
	"github.com/embeddb/embeddb/index"
	"github.com/embeddb/embeddb/internal/filelock"
	"github.com/embeddb/embeddb/manifest"
	"github.com/embeddb/embeddb/metadata"
	"github.com/embeddb/embeddb/resource"
	"github.com/embeddb/embeddb/wal"
)

const (
	lockFileName    = "LOCK"
	catalogFileName = "catalog.db"
	segmentsDirName = "segments"
	walFileName     = "index.wal"
	snapshotName    = "snapshot.vec"
)

// Client is a handle to one database directory. It owns the directory
// exclusively until Close. Safe for concurrent use.
type Client struct {
	path    string
	opts    options
	logger  *Logger
	metrics MetricsCollector
	res     *resource.Controller

	cat  *catalog.Catalog
	lock *filelock.Lock

	closed   atomic.Bool
	readOnly atomic.Bool

	mu          sync.RWMutex
	collections map[string]*Collection

	bg sync.WaitGroup
}

// Open opens the database at path, creating the directory on first use.
// Exactly one client may hold a directory at a time; a concurrent opener
// fails with ErrLockHeld. Recovery runs before Open returns: committed state
// is replayed into memory, uncommitted WAL tails are rolled back, and if the
// catalog and an index disagree the client comes up in read-only recovery
// mode (see WithReadOnlyRecovery).
func Open(ctx context.Context, path string, optFns ...Option) (*Client, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, classifyFSError(err)
	}

	lock, err := filelock.Acquire(filepath.Join(path, lockFileName))
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return nil, translateError(err)
		}
		return nil, classifyFSError(err)
	}

	c := &Client{
		path:        path,
		opts:        opts,
		logger:      opts.logger,
		metrics:     opts.metrics,
		res:         resource.NewController(opts.resourceConfig),
		lock:        lock,
		collections: make(map[string]*Collection),
	}

	if err := c.bootstrap(ctx); err != nil {
		c.teardown()
		return nil, err
	}
	return c, nil
}

func (c *Client) bootstrap(ctx context.Context) error {
	if _, _, err := manifest.LoadOrInit(c.path); err != nil {
		switch {
		case errors.Is(err, manifest.ErrIncompatible):
			return fmt.Errorf("%w: %w", ErrVersionMismatch, err)
		case errors.Is(err, manifest.ErrMalformed):
			return fmt.Errorf("%w: %w", ErrCorruption, err)
		}
		return classifyFSError(err)
	}
	if err := os.MkdirAll(filepath.Join(c.path, segmentsDirName), 0o700); err != nil {
		return classifyFSError(err)
	}

	cat, err := catalog.Open(ctx, filepath.Join(c.path, catalogFileName), c.opts.codec)
	if err != nil {
		return translateError(err)
	}
	c.cat = cat

	metas, err := cat.ListCollections(ctx)
	if err != nil {
		return translateError(err)
	}
	for _, meta := range metas {
		col, err := c.loadCollection(ctx, meta)
		if err != nil {
			return err
		}
		c.collections[meta.Name] = col
	}
	return nil
}

// loadCollection brings one collection's vector store back to its committed
// state: snapshot first, then WAL entries at or below the catalog watermark.
// Entries above the watermark belong to transactions that never committed
// and are discarded.
func (c *Client) loadCollection(ctx context.Context, meta catalog.Collection) (*Collection, error) {
	segDir := filepath.Join(c.path, segmentsDirName, meta.Segment)
	if err := os.MkdirAll(segDir, 0o700); err != nil {
		return nil, classifyFSError(err)
	}

	log := c.logger.WithCollection(meta.Name)
	col := &Collection{
		client: c,
		logger: log,
		meta:   meta,
		segDir: segDir,
	}

	store, err := index.LoadSnapshot(filepath.Join(segDir, snapshotName), meta.Dimension, meta.Metric)
	if err != nil {
		if !c.opts.recoverReadOnly {
			return nil, fmt.Errorf("%w: collection %q: %w", ErrCorruption, meta.Name, err)
		}
		log.Warn("snapshot unreadable, entering read-only recovery mode", "error", err)
		c.readOnly.Store(true)
		col.corrupt = true
		store, _ = index.New(meta.Dimension, meta.Metric)
	}
	col.store = store

	w, err := wal.Open(filepath.Join(segDir, walFileName), func(o *wal.Options) {
		o.Codec = c.opts.codec
		o.Compressed = c.opts.walCompression
	})
	if err != nil {
		return nil, classifyFSError(err)
	}
	col.wal = w

	if col.corrupt {
		return col, nil
	}

	replayed, tail, err := replayWAL(w, store, meta.LastSeq)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: collection %q: %w", ErrCorruption, meta.Name, err)
	}

	count, err := c.cat.CountRecords(ctx, meta.ID)
	if err != nil {
		_ = w.Close()
		return nil, translateError(err)
	}
	if count != store.Count() {
		if !c.opts.recoverReadOnly {
			_ = w.Close()
			return nil, fmt.Errorf("%w: collection %q: catalog has %d records, index has %d",
				ErrCorruption, meta.Name, count, store.Count())
		}
		log.Warn("catalog and index disagree, entering read-only recovery mode",
			"catalog_count", count, "index_count", store.Count())
		c.readOnly.Store(true)
		col.corrupt = true
		return col, nil
	}

	// Fold replayed entries into the snapshot and drop any rolled-back tail
	// so the next crash replays nothing twice.
	if replayed > 0 || tail {
		if err := col.flushLocked(ctx); err != nil {
			_ = w.Close()
			return nil, err
		}
		log.Info("recovered collection", "replayed", replayed, "last_seq", meta.LastSeq)
	}
	return col, nil
}

// replayWAL applies committed entries to the store. It reports how many
// entries were applied and whether uncommitted entries past the watermark
// were found.
func replayWAL(w *wal.WAL, store *index.Store, watermark uint64) (int, bool, error) {
	var replayed int
	var tail bool
	err := w.Replay(func(e wal.Entry) error {
		if e.Seq > watermark {
			tail = true
			return nil
		}
		if e.Seq <= store.MaxSeq() {
			return nil
		}
		var err error
		switch e.Op {
		case wal.OpInsert:
			err = store.Insert(e.ID, e.Vector, e.Seq)
		case wal.OpUpdate:
			err = store.Update(e.ID, e.Vector, e.Seq)
		case wal.OpDelete:
			err = store.Delete(e.ID, e.Seq)
		default:
			err = fmt.Errorf("unknown wal op %d", e.Op)
		}
		if err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	if w.LastSeq() > watermark {
		tail = true
	}
	return replayed, tail, nil
}

// CollectionOptions configures CreateCollection.
type CollectionOptions struct {
	// Dimension fixes the vector dimensionality. Zero means it is inferred
	// from the first added vector.
	Dimension int

	// Metric selects the distance function. Defaults to MetricL2.
	Metric distance.Metric

	// Schema optionally constrains metadata field types.
	Schema metadata.Schema
}

// CreateCollection registers a new named collection. Fails with
// ErrDuplicateName if the name is taken.
func (c *Client) CreateCollection(ctx context.Context, name string, optFns ...func(*CollectionOptions)) (*Collection, error) {
	if err := c.checkWritable(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, validationErrorf("collection name must not be empty")
	}

	opts := CollectionOptions{Metric: distance.MetricL2}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension < 0 {
		return nil, validationErrorf("dimension must not be negative")
	}
	if _, err := distance.Provider(opts.Metric); err != nil {
		return nil, validationErrorf("%v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[name]; ok {
		return nil, fmt.Errorf("%w: collection %q", ErrDuplicateName, name)
	}

	meta, err := c.cat.CreateCollection(ctx, catalog.Collection{
		Name:      name,
		Segment:   uuid.NewString(),
		Dimension: opts.Dimension,
		Metric:    opts.Metric,
		Schema:    opts.Schema,
	})
	if err != nil {
		return nil, translateError(err)
	}

	col, err := c.newCollection(meta)
	if err != nil {
		_ = c.cat.DeleteCollection(ctx, meta.ID)
		return nil, err
	}
	c.collections[name] = col
	c.logger.InfoContext(ctx, "collection created", "collection", name, "metric", meta.Metric, "dimension", meta.Dimension)
	return col, nil
}

func (c *Client) newCollection(meta catalog.Collection) (*Collection, error) {
	segDir := filepath.Join(c.path, segmentsDirName, meta.Segment)
	if err := os.MkdirAll(segDir, 0o700); err != nil {
		return nil, classifyFSError(err)
	}

	store, err := index.New(meta.Dimension, meta.Metric)
	if err != nil {
		return nil, translateError(err)
	}
	w, err := wal.Open(filepath.Join(segDir, walFileName), func(o *wal.Options) {
		o.Codec = c.opts.codec
		o.Compressed = c.opts.walCompression
	})
	if err != nil {
		return nil, classifyFSError(err)
	}

	return &Collection{
		client: c,
		logger: c.logger.WithCollection(meta.Name),
		meta:   meta,
		segDir: segDir,
		store:  store,
		wal:    w,
	}, nil
}

// GetCollection returns an existing collection by name.
func (c *Client) GetCollection(_ context.Context, name string) (*Collection, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return col, nil
}

// GetOrCreateCollection returns the named collection, creating it when it
// does not exist yet. Options only apply on creation; an existing collection
// is returned as stored.
func (c *Client) GetOrCreateCollection(ctx context.Context, name string, optFns ...func(*CollectionOptions)) (*Collection, error) {
	for {
		col, err := c.GetCollection(ctx, name)
		if err == nil {
			return col, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		col, err = c.CreateCollection(ctx, name, optFns...)
		if err == nil {
			return col, nil
		}
		// A concurrent caller created it between the get and the create;
		// loop around and return theirs.
		if !errors.Is(err, ErrDuplicateName) {
			return nil, err
		}
	}
}

// ListCollections returns all collections ordered by name.
func (c *Client) ListCollections(_ context.Context) ([]*Collection, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Collection, 0, len(c.collections))
	for _, col := range c.collections {
		out = append(out, col)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// DeleteCollection removes a collection, its records, and its segment files.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if err := c.checkWritable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	col.writeMu.Lock()
	defer col.writeMu.Unlock()

	if err := c.cat.DeleteCollection(ctx, col.meta.ID); err != nil {
		return translateError(err)
	}
	col.dropped.Store(true)
	_ = col.wal.Close()
	if err := os.RemoveAll(col.segDir); err != nil {
		return classifyFSError(err)
	}
	delete(c.collections, name)
	c.logger.InfoContext(ctx, "collection deleted", "collection", name)
	return nil
}

// Reset wipes the database back to an empty, freshly initialized state.
// All collections and records are destroyed. The directory lock is kept, so
// the client stays usable afterwards.
func (c *Client) Reset(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bg.Wait()

	for _, col := range c.collections {
		col.dropped.Store(true)
		_ = col.wal.Close()
	}
	c.collections = make(map[string]*Collection)

	if err := c.cat.Close(); err != nil {
		return classifyFSError(err)
	}
	c.cat = nil

	entries, err := os.ReadDir(c.path)
	if err != nil {
		return classifyFSError(err)
	}
	for _, e := range entries {
		if e.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.path, e.Name())); err != nil {
			return classifyFSError(err)
		}
	}

	c.readOnly.Store(false)
	if err := c.bootstrap(ctx); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "database reset")
	return nil
}

// ReadOnly reports whether the client is in read-only recovery mode.
func (c *Client) ReadOnly() bool { return c.readOnly.Load() }

// Path returns the database directory.
func (c *Client) Path() string { return c.path }

// Close flushes every collection's snapshot, truncates the WALs, and
// releases the directory lock. It is idempotent; operations after Close
// fail with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.bg.Wait()

	var firstErr error
	c.mu.Lock()
	for _, col := range c.collections {
		col.writeMu.Lock()
		if !col.corrupt && !c.readOnly.Load() {
			if err := col.flushLocked(context.Background()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := col.wal.Close(); err != nil && firstErr == nil {
			firstErr = classifyFSError(err)
		}
		col.writeMu.Unlock()
	}
	c.mu.Unlock()

	if c.cat != nil {
		if err := c.cat.Close(); err != nil && firstErr == nil {
			firstErr = classifyFSError(err)
		}
	}
	if err := c.lock.Release(); err != nil && firstErr == nil {
		firstErr = classifyFSError(err)
	}
	return firstErr
}

// teardown releases partially acquired resources when Open fails.
func (c *Client) teardown() {
	for _, col := range c.collections {
		if col.wal != nil {
			_ = col.wal.Close()
		}
	}
	if c.cat != nil {
		_ = c.cat.Close()
	}
	_ = c.lock.Release()
}

func (c *Client) checkWritable() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.readOnly.Load() {
		return fmt.Errorf("%w: client is in read-only recovery mode", ErrCorruption)
	}
	return nil
}
