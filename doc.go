// Package embeddb provides an embedded persistent vector store for Go.
//
// A database is a directory owned by a single writer process: a SQLite
// catalog holds collection schemas, document text, and record metadata with
// full transactional durability, while each collection keeps its vectors in
// a binary index segment (checksummed snapshot + write-ahead log). A
// coordinator ties the two together so every multi-step write either commits
// on both sides or rolls back on both sides.
//
// # Quick Start
//
//	ctx := context.Background()
//	client, err := embeddb.Open(ctx, "./my_vector_db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	col, err := client.CreateCollection(ctx, "docs")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = col.Add(ctx, embeddb.Batch{
//	    IDs:       []string{"doc1", "doc2"},
//	    Vectors:   [][]float32{{0, 0}, {1, 1}},
//	    Documents: []string{"Hello world", "Go is great"},
//	})
//
//	results, err := col.Query(ctx, []float32{0.9, 0.9}, 2)
//
// # Durability Model
//
// Every mutation runs as one logical transaction: metadata first inside a
// SQLite transaction, then the vector mutations appended and fsynced to the
// collection WAL, then the SQLite commit. On reopen, WAL entries beyond the
// catalog's committed watermark are discarded, so a crash at any point
// leaves both stores agreeing on the same committed prefix.
//
// # Concurrency Model
//
// One Client holds exclusive write access to its directory (advisory file
// lock; a second opener fails with ErrLockHeld). Within the process, reads
// run in parallel and writes are serialized through a single mutation path.
// Closing the client fails in-flight operations with ErrClosed.
package embeddb
