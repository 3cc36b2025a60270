package storage

import "github.com/rs/zerolog"

// Fsync policy for WAL commits (spec.md §6 Config struct). FsyncAlways is
// the only policy BLite implements: a "group commit" batching policy was
// considered (see DESIGN.md) and dropped, since BLite's commit latch
// already serializes every writer through WalLog.Commit — there is never
// a second writer whose fsync could cover this one's, so batching would
// only widen the durability window without any throughput gain to show
// for it.
type WalFsyncPolicy int

const (
	// FsyncAlways fsyncs the WAL file on every commit.
	FsyncAlways WalFsyncPolicy = iota
)

// Config is the storage kernel's only configuration surface — no file or
// environment-variable loading is implemented inside the kernel; a host
// application parses its own configuration and hands BLite this struct.
type Config struct {
	// PageSize in bytes; must be a power of two between MinPageSize and
	// MaxPageSize. Decided at database creation and immutable afterward.
	PageSize int

	// InitialFileSize reserves this many bytes on creation, rounded up
	// to a whole number of pages.
	InitialFileSize int64

	// WalFsyncPolicy controls commit durability vs. throughput.
	WalFsyncPolicy WalFsyncPolicy

	// CheckpointThresholdBytes triggers an automatic checkpoint once the
	// WAL file grows past this size.
	CheckpointThresholdBytes int64

	// MaxInlineRecordSize bounds how large a DocumentStore record may be
	// before it spills to an overflow chain. Zero means "use the default
	// of ~80% of PageSize".
	MaxInlineRecordSize int

	// Logger receives structured diagnostics for non-fatal conditions
	// (WAL tail truncation, checkpoint progress, recovery). Defaults to
	// a no-op logger: BLite never requires a logging configuration to
	// function, matching spec.md's exclusion of logging as a kernel
	// feature — this is purely an optional diagnostic sink.
	Logger zerolog.Logger
}

// DefaultConfig returns the configuration BLite uses when a caller does
// not override a field (PageSize == 0 selects DefaultPageSize, and so on
// via Config.normalize).
func DefaultConfig() Config {
	return Config{
		PageSize:                 DefaultPageSize,
		InitialFileSize:          0,
		WalFsyncPolicy:           FsyncAlways,
		CheckpointThresholdBytes: 64 * 1024 * 1024,
		MaxInlineRecordSize:      0,
		Logger:                  zerolog.Nop(),
	}
}

// normalize fills in zero-valued fields with their defaults and clamps
// PageSize to the supported range.
func (c Config) normalize() Config {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize < MinPageSize {
		c.PageSize = MinPageSize
	}
	if c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}
	if c.CheckpointThresholdBytes <= 0 {
		c.CheckpointThresholdBytes = 64 * 1024 * 1024
	}
	if c.MaxInlineRecordSize <= 0 || c.MaxInlineRecordSize > c.PageSize {
		c.MaxInlineRecordSize = (c.PageSize * 8) / 10
	}
	return c
}
