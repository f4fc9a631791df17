package embeddb

import (
	"github.com/embeddb/embeddb/codec"
	"github.com/embeddb/embeddb/index"
	"github.com/embeddb/embeddb/resource"
)

type options struct {
	logger              *Logger
	codec               codec.Codec
	metrics             MetricsCollector
	compression         index.Compression
	walCompression      bool
	compactionThreshold float64
	checkpointEveryOps  int
	resourceConfig      resource.Config
	recoverReadOnly     bool
}

func defaultOptions() options {
	return options{
		logger:              NewLogger(nil),
		codec:               codec.Default,
		metrics:             NoopMetricsCollector{},
		compression:         index.CompressionLZ4,
		compactionThreshold: 0.25,
		checkpointEveryOps:  4096,
		resourceConfig:      resource.Config{MaxBackgroundWorkers: 1},
		recoverReadOnly:     true,
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithLogger configures the logger. Pass nil to use the default text logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NewLogger(nil)
		}
		o.logger = l
	}
}

// WithCodec configures the codec used for metadata and WAL entry encoding.
// If nil is passed, codec.Default is used. Persisted files record the codec
// name, so existing data stays readable after a change.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable collection.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithSnapshotCompression selects the compression used for index snapshot
// files. The default is LZ4; ZSTD trades flush speed for smaller files.
func WithSnapshotCompression(c index.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithWALCompression enables zstd compression of WAL entries. Only applies
// to WAL files created by this client; existing logs keep their format.
func WithWALCompression(enabled bool) Option {
	return func(o *options) {
		o.walCompression = enabled
	}
}

// WithCompactionThreshold sets the tombstone ratio above which a collection
// is compacted in the background. Values <= 0 disable automatic compaction.
func WithCompactionThreshold(ratio float64) Option {
	return func(o *options) {
		o.compactionThreshold = ratio
	}
}

// WithCheckpointInterval sets how many committed mutations a collection
// accumulates before its snapshot is flushed and its WAL truncated in the
// background. Values <= 0 disable automatic checkpoints; the WAL then grows
// until Close.
func WithCheckpointInterval(ops int) Option {
	return func(o *options) {
		o.checkpointEveryOps = ops
	}
}

// WithResourceConfig bounds background maintenance work (worker slots and
// IO throughput).
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithReadOnlyRecovery controls behavior when the catalog and a vector
// index disagree at open. When enabled (the default), Open succeeds in
// read-only recovery mode so committed data can still be read; mutations
// fail with ErrCorruption. When disabled, Open fails with ErrCorruption.
func WithReadOnlyRecovery(enabled bool) Option {
	return func(o *options) {
		o.recoverReadOnly = enabled
	}
}
