// Package catalog implements the durable metadata catalog on SQLite.
//
// The catalog owns everything except raw vectors: collection schemas,
// document text, record metadata, and the per-collection commit watermark
// (last_seq) that recovery uses to line the catalog up with the vector index
// WAL. All mutations run inside SQLite transactions; the database runs in
// WAL journal mode, so committed state survives crashes.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver

	"github.com/embeddb/embeddb/codec"
	"github.com/embeddb/embeddb/distance"
	"github.com/embeddb/embeddb/metadata"
)

const schemaVersion = 1

var (
	// ErrDuplicateName is returned when a collection name or record id
	// already exists.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrNotFound is returned when a collection or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted is returned when the catalog file fails its integrity
	// check or cannot be read as a database.
	ErrCorrupted = errors.New("catalog corrupted")
)

// Collection describes one collection's catalog entry.
type Collection struct {
	ID        int64
	Name      string
	Segment   string // directory name under segments/
	Dimension int    // 0 until fixed by the first add
	Metric    distance.Metric
	Schema    metadata.Schema
	LastSeq   uint64 // commit watermark shared with the index WAL
	CreatedAt time.Time
}

// Record is one record's catalog entry. Document and Metadata are optional;
// an empty document and nil metadata mean none were supplied.
type Record struct {
	ID       string
	Document string
	Metadata metadata.Document
	Seq      uint64
}

// Catalog wraps the SQLite database.
// Safe for concurrent readers; writers are serialized by the coordinator.
type Catalog struct {
	db    *sql.DB
	codec codec.Codec
}

// Open opens or creates the catalog database at path, applies pragmas, and
// verifies integrity. A damaged file fails with ErrCorrupted.
func Open(ctx context.Context, path string, c codec.Codec) (*Catalog, error) {
	if c == nil {
		c = codec.Default
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	cat := &Catalog{db: db, codec: c}

	if err := cat.checkIntegrity(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := cat.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cat, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) checkIntegrity(ctx context.Context) error {
	var result string
	err := c.db.QueryRowContext(ctx, `PRAGMA quick_check(1)`).Scan(&result)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupted, result)
	}
	return nil
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS collections (
			id         INTEGER PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			segment    TEXT NOT NULL,
			dimension  INTEGER NOT NULL DEFAULT 0,
			metric     TEXT NOT NULL,
			schema     TEXT,
			last_seq   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			collection_id INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
			id            TEXT NOT NULL,
			document      TEXT,
			metadata      TEXT,
			seq           INTEGER NOT NULL,
			PRIMARY KEY (collection_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_seq ON records(collection_id, seq);`,
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		return err
	}

	var v int
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&v); err != nil {
		return err
	}
	if v != schemaVersion {
		return fmt.Errorf("%w: catalog schema version %d, expected %d", ErrCorrupted, v, schemaVersion)
	}
	return tx.Commit()
}

// BeginTx starts a catalog transaction. The coordinator holds it across
// metadata writes so a WAL failure rolls everything back.
func (c *Catalog) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

// CreateCollection registers a collection. Fails with ErrDuplicateName if
// the name is taken.
func (c *Catalog) CreateCollection(ctx context.Context, col Collection) (Collection, error) {
	schemaText, err := c.encodeSchema(col.Schema)
	if err != nil {
		return Collection{}, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Collection{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM collections WHERE name = ?)`, col.Name).Scan(&exists); err != nil {
		return Collection{}, err
	}
	if exists {
		return Collection{}, fmt.Errorf("%w: collection %q", ErrDuplicateName, col.Name)
	}

	col.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO collections(name, segment, dimension, metric, schema, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		col.Name, col.Segment, col.Dimension, col.Metric.String(), schemaText, col.CreatedAt)
	if err != nil {
		return Collection{}, err
	}
	col.ID, err = res.LastInsertId()
	if err != nil {
		return Collection{}, err
	}
	if err := tx.Commit(); err != nil {
		return Collection{}, err
	}
	return col, nil
}

// GetCollection looks a collection up by name.
func (c *Catalog) GetCollection(ctx context.Context, name string) (Collection, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, name, segment, dimension, metric, schema, last_seq, created_at FROM collections WHERE name = ?`, name)
	col, err := c.scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return col, err
}

// ListCollections returns all collections ordered by name.
func (c *Catalog) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, name, segment, dimension, metric, schema, last_seq, created_at FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		col, err := c.scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// DeleteCollection removes a collection and, via cascade, its records.
func (c *Catalog) DeleteCollection(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: collection id %d", ErrNotFound, id)
	}
	return nil
}

// SetDimensionTx fixes a collection's dimensionality inside tx. Used when
// the dimension is inferred from the first add.
func (c *Catalog) SetDimensionTx(ctx context.Context, tx *sql.Tx, id int64, dim int) error {
	_, err := tx.ExecContext(ctx, `UPDATE collections SET dimension = ? WHERE id = ?`, dim, id)
	return err
}

// SetLastSeqTx advances a collection's commit watermark inside tx.
func (c *Catalog) SetLastSeqTx(ctx context.Context, tx *sql.Tx, id int64, seq uint64) error {
	_, err := tx.ExecContext(ctx, `UPDATE collections SET last_seq = ? WHERE id = ?`, seq, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (c *Catalog) scanCollection(row rowScanner) (Collection, error) {
	var col Collection
	var metric string
	var schemaText sql.NullString
	if err := row.Scan(&col.ID, &col.Name, &col.Segment, &col.Dimension, &metric, &schemaText, &col.LastSeq, &col.CreatedAt); err != nil {
		return Collection{}, err
	}

	m, err := distance.Parse(metric)
	if err != nil {
		return Collection{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	col.Metric = m

	if schemaText.Valid && schemaText.String != "" {
		schema, err := c.decodeSchema(schemaText.String)
		if err != nil {
			return Collection{}, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		col.Schema = schema
	}
	return col, nil
}

func (c *Catalog) encodeSchema(s metadata.Schema) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	byName := make(map[string]string, len(s))
	for k, t := range s {
		byName[k] = t.String()
	}
	data, err := c.codec.Marshal(byName)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode schema: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (c *Catalog) decodeSchema(text string) (metadata.Schema, error) {
	var byName map[string]string
	if err := c.codec.Unmarshal([]byte(text), &byName); err != nil {
		return nil, err
	}
	schema := make(metadata.Schema, len(byName))
	for k, name := range byName {
		t, err := metadata.ParseFieldType(name)
		if err != nil {
			return nil, err
		}
		schema[k] = t
	}
	return schema, nil
}

func (c *Catalog) encodeMetadata(doc metadata.Document) (sql.NullString, error) {
	if doc == nil {
		return sql.NullString{}, nil
	}
	data, err := c.codec.Marshal(doc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (c *Catalog) decodeMetadata(text sql.NullString) (metadata.Document, error) {
	if !text.Valid || text.String == "" {
		return nil, nil
	}
	var doc metadata.Document
	if err := c.codec.Unmarshal([]byte(text.String), &doc); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %w", ErrCorrupted, err)
	}
	return doc, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// existingIDs returns which of ids already exist in the collection.
func existingIDs(ctx context.Context, tx *sql.Tx, collectionID int64, ids []string) ([]string, error) {
	args := make([]any, 0, len(ids)+1)
	args = append(args, collectionID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM records WHERE collection_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertRecordsTx inserts records inside tx. Fails with ErrDuplicateName if
// any id already exists; nothing is written in that case.
func (c *Catalog) InsertRecordsTx(ctx context.Context, tx *sql.Tx, collectionID int64, recs []Record) error {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	existing, err := existingIDs(ctx, tx, collectionID, ids)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: record id %q", ErrDuplicateName, existing[0])
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(collection_id, id, document, metadata, seq) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		meta, err := c.encodeMetadata(r.Metadata)
		if err != nil {
			return err
		}
		doc := sql.NullString{String: r.Document, Valid: r.Document != ""}
		if _, err := stmt.ExecContext(ctx, collectionID, r.ID, doc, meta, r.Seq); err != nil {
			return err
		}
	}
	return nil
}

// UpsertRecordsTx inserts or replaces records inside tx. Existing records
// keep their insertion seq so result ordering stays stable.
func (c *Catalog) UpsertRecordsTx(ctx context.Context, tx *sql.Tx, collectionID int64, recs []Record) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(collection_id, id, document, metadata, seq) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection_id, id) DO UPDATE SET document = excluded.document, metadata = excluded.metadata`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		meta, err := c.encodeMetadata(r.Metadata)
		if err != nil {
			return err
		}
		doc := sql.NullString{String: r.Document, Valid: r.Document != ""}
		if _, err := stmt.ExecContext(ctx, collectionID, r.ID, doc, meta, r.Seq); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRecordsTx updates existing records inside tx. Nil documents or
// metadatas leave the stored value untouched. Fails with ErrNotFound if any
// id is absent.
func (c *Catalog) UpdateRecordsTx(ctx context.Context, tx *sql.Tx, collectionID int64, ids []string, documents []string, metadatas []metadata.Document) error {
	existing, err := existingIDs(ctx, tx, collectionID, ids)
	if err != nil {
		return err
	}
	if len(existing) != len(ids) {
		seen := make(map[string]bool, len(existing))
		for _, id := range existing {
			seen[id] = true
		}
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("%w: record id %q", ErrNotFound, id)
			}
		}
	}

	for i, id := range ids {
		if documents != nil {
			doc := sql.NullString{String: documents[i], Valid: documents[i] != ""}
			if _, err := tx.ExecContext(ctx,
				`UPDATE records SET document = ? WHERE collection_id = ? AND id = ?`, doc, collectionID, id); err != nil {
				return err
			}
		}
		if metadatas != nil {
			meta, err := c.encodeMetadata(metadatas[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE records SET metadata = ? WHERE collection_id = ? AND id = ?`, meta, collectionID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteRecordsTx removes records inside tx. Fails with ErrNotFound if any
// id is absent; nothing is deleted in that case.
func (c *Catalog) DeleteRecordsTx(ctx context.Context, tx *sql.Tx, collectionID int64, ids []string) error {
	existing, err := existingIDs(ctx, tx, collectionID, ids)
	if err != nil {
		return err
	}
	if len(existing) != len(ids) {
		seen := make(map[string]bool, len(existing))
		for _, id := range existing {
			seen[id] = true
		}
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("%w: record id %q", ErrNotFound, id)
			}
		}
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, collectionID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// GetRecords fetches records by id, or every record in insertion order when
// ids is empty. Fails with ErrNotFound if a requested id is absent.
func (c *Catalog) GetRecords(ctx context.Context, collectionID int64, ids []string) ([]Record, error) {
	query := `SELECT id, document, metadata, seq FROM records WHERE collection_id = ?`
	args := []any{collectionID}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY seq`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var doc, meta sql.NullString
		if err := rows.Scan(&r.ID, &doc, &meta, &r.Seq); err != nil {
			return nil, err
		}
		r.Document = doc.String
		r.Metadata, err = c.decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 && len(out) != len(ids) {
		seen := make(map[string]bool, len(out))
		for _, r := range out {
			seen[r.ID] = true
		}
		for _, id := range ids {
			if !seen[id] {
				return nil, fmt.Errorf("%w: record id %q", ErrNotFound, id)
			}
		}
	}
	return out, nil
}

// CountRecords returns the number of records in a collection.
func (c *Catalog) CountRecords(ctx context.Context, collectionID int64) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection_id = ?`, collectionID).Scan(&n)
	return n, err
}
