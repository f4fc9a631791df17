// Package wal provides a per-collection write-ahead log for vector mutations.
//
// Document text and metadata are made durable by the catalog's own
// transaction log; the WAL covers the part the catalog cannot: vector index
// mutations between snapshot flushes. Every entry is length-prefixed and
// CRC32-checksummed, and carries a monotone sequence number shared with the
// catalog's per-collection commit watermark, so recovery can line the two
// stores up exactly.
//
// Commit protocol: entries are appended and fsynced before the catalog
// transaction commits. On replay, entries beyond the catalog watermark are
// discarded — they belong to transactions that never committed.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/embeddb/embeddb/codec"
)

// Op identifies the kind of mutation an entry records.
type Op uint8

const (
	// OpInsert records a new vector.
	OpInsert Op = iota + 1
	// OpUpdate records a vector replacement.
	OpUpdate
	// OpDelete records a vector removal.
	OpDelete
)

// Entry is a single logged index mutation.
type Entry struct {
	Seq    uint64    `json:"seq"`
	Op     Op        `json:"op"`
	ID     string    `json:"id"`
	Vector []float32 `json:"vector,omitempty"`
}

const (
	magic         = 0x4557414C // "EWAL"
	formatVersion = 1

	flagCompressed = 1 << 0

	// maxEntrySize guards replay against garbage length prefixes.
	maxEntrySize = 64 << 20
)

var (
	// ErrClosed is returned when operations are attempted on a closed WAL.
	ErrClosed = errors.New("wal is closed")

	// ErrInvalidHeader is returned when the log file header cannot be parsed.
	ErrInvalidHeader = errors.New("invalid wal header")
)

// Options configures a WAL.
type Options struct {
	// Compressed enables per-entry zstd compression.
	Compressed bool

	// Codec encodes entries. Defaults to codec.Default. The codec name is
	// recorded in the file header and selected by name when reopening.
	Codec codec.Codec
}

// DefaultOptions are the options used when none are given.
var DefaultOptions = Options{}

// WAL is an append-only log of index mutations for one collection.
// It is not safe for concurrent use; the coordinator serializes writers.
type WAL struct {
	file       *os.File
	path       string
	codec      codec.Codec
	compressed bool
	baseSeq    uint64
	lastSeq    uint64
	headerLen  int64
	size       int64
	closed     bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open opens or creates the WAL at path and positions it for appending.
// Torn writes at the tail (crash during append) are detected via checksums
// and truncated away.
func Open(path string, optFns ...func(*Options)) (*WAL, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // G304: path derives from the database directory
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &WAL{
		file:       file,
		path:       path,
		codec:      opts.Codec,
		compressed: opts.Compressed,
	}

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat wal: %w", err)
	}

	if st.Size() == 0 {
		if err := w.writeHeader(0); err != nil {
			_ = file.Close()
			return nil, err
		}
	} else if err := w.readHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if w.compressed {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("create wal compressor: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("create wal decompressor: %w", err)
		}
		w.encoder = enc
		w.decoder = dec
	}

	if err := w.scan(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return w, nil
}

// header: magic u32 | version u32 | flags u8 | codecNameLen u8 | codecName | baseSeq u64
func (w *WAL) writeHeader(baseSeq uint64) error {
	name := w.codec.Name()
	buf := make([]byte, 0, 18+len(name))
	buf = binary.LittleEndian.AppendUint32(buf, magic)
	buf = binary.LittleEndian.AppendUint32(buf, formatVersion)
	var flags byte
	if w.compressed {
		flags |= flagCompressed
	}
	buf = append(buf, flags, byte(len(name)))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint64(buf, baseSeq)

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	w.headerLen = int64(len(buf))
	w.size = int64(len(buf))
	w.baseSeq = baseSeq
	w.lastSeq = baseSeq
	if _, err := w.file.Seek(w.size, io.SeekStart); err != nil {
		return err
	}
	return nil
}

func (w *WAL) readHeader() error {
	fixed := make([]byte, 10)
	if _, err := io.ReadFull(io.NewSectionReader(w.file, 0, 10), fixed); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if binary.LittleEndian.Uint32(fixed[0:4]) != magic {
		return fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != formatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, v)
	}
	w.compressed = fixed[8]&flagCompressed != 0

	nameLen := int(fixed[9])
	rest := make([]byte, nameLen+8)
	if _, err := io.ReadFull(io.NewSectionReader(w.file, 10, int64(len(rest))), rest); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	name := string(rest[:nameLen])
	c, ok := codec.ByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown codec %q", ErrInvalidHeader, name)
	}
	w.codec = c
	w.baseSeq = binary.LittleEndian.Uint64(rest[nameLen:])
	w.headerLen = int64(10 + nameLen + 8)
	w.size = w.headerLen
	return nil
}

// scan walks existing entries to find the last sequence number and the end
// of the valid entry stream. Anything after the first damaged entry is a
// torn write and gets truncated.
func (w *WAL) scan() error {
	w.lastSeq = w.baseSeq
	end := w.headerLen

	err := w.replayFrom(w.headerLen, func(e Entry, off int64) error {
		w.lastSeq = e.Seq
		end = off
		return nil
	})
	if err != nil {
		return err
	}

	if err := w.file.Truncate(end); err != nil {
		return fmt.Errorf("truncate torn wal tail: %w", err)
	}
	w.size = end
	if _, err := w.file.Seek(end, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// replayFrom reads entries starting at offset, calling fn with each decoded
// entry and the file offset just past it. Damaged entries end the walk
// without error.
func (w *WAL) replayFrom(offset int64, fn func(e Entry, end int64) error) error {
	st, err := w.file.Stat()
	if err != nil {
		return err
	}
	r := bufio.NewReader(io.NewSectionReader(w.file, offset, st.Size()-offset))

	pos := offset
	var prefix [8]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		length := binary.LittleEndian.Uint32(prefix[0:4])
		sum := binary.LittleEndian.Uint32(prefix[4:8])
		if length == 0 || length > maxEntrySize {
			return nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return nil
		}

		if w.compressed {
			payload, err = w.decoder.DecodeAll(payload, nil)
			if err != nil {
				return nil
			}
		}

		var e Entry
		if err := w.codec.Unmarshal(payload, &e); err != nil {
			return nil
		}

		pos += int64(len(prefix)) + int64(length)
		if err := fn(e, pos); err != nil {
			return err
		}
	}
}

// Append logs a mutation and returns its assigned sequence number.
// The entry is buffered by the OS until Sync is called.
func (w *WAL) Append(op Op, id string, vector []float32) (uint64, error) {
	if w.closed {
		return 0, ErrClosed
	}

	seq := w.lastSeq + 1
	e := Entry{Seq: seq, Op: op, ID: id, Vector: vector}

	payload, err := w.codec.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode wal entry: %w", err)
	}
	if w.compressed {
		payload = w.encoder.EncodeAll(payload, nil)
	}

	var prefix [8]byte
	binary.LittleEndian.PutUint32(prefix[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(prefix[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.file.Write(prefix[:]); err != nil {
		return 0, fmt.Errorf("append wal entry: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return 0, fmt.Errorf("append wal entry: %w", err)
	}

	w.size += int64(len(prefix)) + int64(len(payload))
	w.lastSeq = seq
	return seq, nil
}

// Sync flushes appended entries to stable storage. This is the durability
// boundary: the coordinator calls it before committing the catalog
// transaction.
func (w *WAL) Sync() error {
	if w.closed {
		return ErrClosed
	}
	return w.file.Sync()
}

// Replay calls fn for every valid entry in sequence order.
func (w *WAL) Replay(fn func(Entry) error) error {
	if w.closed {
		return ErrClosed
	}
	return w.replayFrom(w.headerLen, func(e Entry, _ int64) error {
		return fn(e)
	})
}

// Checkpoint discards all logged entries and restarts the log empty with
// seq as its base. Entries at or below seq must have been made durable
// elsewhere (snapshot flush); entries above it are uncommitted tails that
// recovery wants gone.
func (w *WAL) Checkpoint(seq uint64) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.writeHeader(seq); err != nil {
		return err
	}
	return w.file.Sync()
}

// Rewind truncates the log back to size bytes and restores lastSeq to seq,
// undoing entries appended by a transaction that failed to commit.
func (w *WAL) Rewind(size int64, seq uint64) error {
	if w.closed {
		return ErrClosed
	}
	if err := w.file.Truncate(size); err != nil {
		return fmt.Errorf("rewind wal: %w", err)
	}
	if _, err := w.file.Seek(size, io.SeekStart); err != nil {
		return err
	}
	w.size = size
	w.lastSeq = seq
	return w.file.Sync()
}

// BaseSeq returns the sequence number the log starts after.
func (w *WAL) BaseSeq() uint64 { return w.baseSeq }

// LastSeq returns the highest appended sequence number.
func (w *WAL) LastSeq() uint64 { return w.lastSeq }

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Size returns the current file size in bytes.
func (w *WAL) Size() int64 { return w.size }

// Close syncs and closes the log file.
func (w *WAL) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	syncErr := w.file.Sync()
	if w.encoder != nil {
		_ = w.encoder.Close()
	}
	if w.decoder != nil {
		w.decoder.Close()
	}
	closeErr := w.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
