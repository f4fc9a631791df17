package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/embeddb/embeddb/distance"
)

// On-disk snapshot layout:
//
//	header (32 bytes, little endian):
//	  magic       u32  "EDB0"
//	  version     u32
//	  indexType   u8   1 = flat
//	  compression u8   0 = none, 1 = lz4, 2 = zstd
//	  reserved    u16
//	  dimension   u32
//	  count       u64  live records
//	  checksum    u32  CRC32 (IEEE) of the body block as stored
//	  reserved    u32
//	body block:
//	  uncompressedSize u32
//	  compressedSize   u32  0 = stored uncompressed
//	  data: maxSeq u64, then per record:
//	    idLen u16 | id | seq u64 | dimension * f32
//
// Only live records are written; tombstones are resolved at flush time.
// Writes go to a temp file and rename into place, so a crashed flush never
// damages the previous snapshot.

const (
	snapshotMagic   = 0x45444230 // "EDB0"
	snapshotVersion = 1
	indexTypeFlat   = 1

	headerSize      = 32
	blockHeaderSize = 8
)

// Compression selects the snapshot body compression algorithm.
type Compression uint8

const (
	// CompressionNone stores the body uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 is fast with a moderate ratio.
	CompressionLZ4 Compression = 1
	// CompressionZSTD trades speed for a better ratio.
	CompressionZSTD Compression = 2
)

var (
	// ErrInvalidMagic is returned when a snapshot file has the wrong magic.
	ErrInvalidMagic = errors.New("invalid snapshot magic")
	// ErrInvalidVersion is returned for unsupported snapshot versions.
	ErrInvalidVersion = errors.New("unsupported snapshot version")
	// ErrChecksum is returned when the body does not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")
)

// SaveSnapshot writes the live contents of the store to path atomically.
func (s *Store) SaveSnapshot(path string, compression Compression) error {
	s.mu.RLock()
	body := s.encodeBodyLocked()
	dim := s.dim
	var count uint64
	for slot := range s.ids {
		if !s.deleted.Contains(uint32(slot)) {
			count++
		}
	}
	s.mu.RUnlock()

	block, err := compressBlock(body, compression)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)
	header[8] = indexTypeFlat
	header[9] = byte(compression)
	binary.LittleEndian.PutUint32(header[12:16], uint32(dim))
	binary.LittleEndian.PutUint64(header[16:24], count)
	binary.LittleEndian.PutUint32(header[24:28], crc32.ChecksumIEEE(block))

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // G304: path derives from the database directory
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := f.Write(block); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write snapshot body: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// encodeBodyLocked serializes live records in insertion order.
func (s *Store) encodeBodyLocked() []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], s.maxSeq)
	buf.Write(scratch[:])

	for slot, id := range s.ids {
		if s.deleted.Contains(uint32(slot)) {
			continue
		}
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(id)))
		buf.Write(scratch[:2])
		buf.WriteString(id)
		binary.LittleEndian.PutUint64(scratch[:], s.seqs[slot])
		buf.Write(scratch[:])
		for _, v := range s.vectorAt(uint32(slot)) {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(v))
			buf.Write(scratch[:4])
		}
	}
	return buf.Bytes()
}

// LoadSnapshot reads a snapshot written by SaveSnapshot into a fresh store.
// A missing file yields an empty store: the WAL alone reconstructs young
// collections.
func LoadSnapshot(path string, dim int, metric distance.Metric) (*Store, error) {
	store, err := New(dim, metric)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from the database directory
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file too small", ErrInvalidMagic)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != snapshotMagic {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, v)
	}
	if data[8] != indexTypeFlat {
		return nil, fmt.Errorf("unknown index type %d", data[8])
	}
	compression := Compression(data[9])
	snapDim := int(binary.LittleEndian.Uint32(data[12:16]))
	count := binary.LittleEndian.Uint64(data[16:24])
	sum := binary.LittleEndian.Uint32(data[24:28])

	block := data[headerSize:]
	if crc32.ChecksumIEEE(block) != sum {
		return nil, ErrChecksum
	}

	body, err := decompressBlock(block, compression)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	if snapDim > 0 {
		store.dim = snapDim
	}
	if err := store.decodeBody(body, count); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) decodeBody(body []byte, count uint64) error {
	r := bytes.NewReader(body)
	var scratch [8]byte

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return fmt.Errorf("snapshot body truncated: %w", err)
	}
	maxSeq := binary.LittleEndian.Uint64(scratch[:])

	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, scratch[:2]); err != nil {
			return fmt.Errorf("snapshot body truncated: %w", err)
		}
		idLen := int(binary.LittleEndian.Uint16(scratch[:2]))
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return fmt.Errorf("snapshot body truncated: %w", err)
		}
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return fmt.Errorf("snapshot body truncated: %w", err)
		}
		seq := binary.LittleEndian.Uint64(scratch[:])

		vec := make([]float32, s.dim)
		for j := range vec {
			if _, err := io.ReadFull(r, scratch[:4]); err != nil {
				return fmt.Errorf("snapshot body truncated: %w", err)
			}
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(scratch[:4]))
		}

		if err := s.Insert(string(idBytes), vec, seq); err != nil {
			return fmt.Errorf("rebuild index from snapshot: %w", err)
		}
	}

	s.mu.Lock()
	if maxSeq > s.maxSeq {
		s.maxSeq = maxSeq
	}
	s.mu.Unlock()
	return nil
}

// compressBlock frames data as [uncompressedSize u32][compressedSize u32][payload].
// If compression does not help (ratio > 0.9) the block is stored raw with
// compressedSize = 0.
func compressBlock(data []byte, compression Compression) ([]byte, error) {
	var compressed []byte
	var err error

	switch compression {
	case CompressionNone:
	case CompressionLZ4:
		compressed, err = compressLZ4(data)
	case CompressionZSTD:
		compressed, err = compressZSTD(data)
	default:
		return nil, fmt.Errorf("unknown compression type %d", compression)
	}
	if err != nil {
		return nil, err
	}

	if compressed != nil && len(compressed) < len(data)*9/10 {
		out := make([]byte, blockHeaderSize, blockHeaderSize+len(compressed))
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[4:8], uint32(len(compressed)))
		return append(out, compressed...), nil
	}

	out := make([]byte, blockHeaderSize, blockHeaderSize+len(data))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
	return append(out, data...), nil
}

func decompressBlock(block []byte, compression Compression) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, fmt.Errorf("snapshot block truncated")
	}
	uncompressedSize := binary.LittleEndian.Uint32(block[0:4])
	compressedSize := binary.LittleEndian.Uint32(block[4:8])
	payload := block[blockHeaderSize:]

	if compressedSize == 0 {
		if uint32(len(payload)) != uncompressedSize {
			return nil, fmt.Errorf("snapshot block size mismatch")
		}
		return payload, nil
	}
	if uint32(len(payload)) != compressedSize {
		return nil, fmt.Errorf("snapshot block size mismatch")
	}

	switch compression {
	case CompressionLZ4:
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("compressed block with compression type %d", compression)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible.
		return nil, nil
	}
	return buf[:n], nil
}

func compressZSTD(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // G304: path derives from the database directory
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
