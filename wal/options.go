package wal

import (
	"time"

	"github.com/wkalt/walrus/manifest"
)

/*
Options for the log writer.
*/

////////////////////////////////////////////////////////////////////////////////

type config struct {
	batchSizeThreshold int
	batchAgeThreshold  time.Duration
	flushConcurrency   int
	casRetryBudget     int
	putRetryBudget     int
	autoInitialize     bool
	compaction         []manifest.CompactionOption
}

// Option is a function that modifies the writer configuration.
type Option func(*config)

// WithBatchSizeThreshold sets the queued byte count at which a batch is
// flushed regardless of whether a flush is already in flight. Supplied in
// bytes. When no flush is in flight, queued work is flushed immediately
// without regard to this threshold.
func WithBatchSizeThreshold(size int) Option {
	return func(c *config) {
		c.batchSizeThreshold = size
	}
}

// WithBatchAgeThreshold sets the time after which queued messages are
// flushed, regardless of batch size.
func WithBatchAgeThreshold(d time.Duration) Option {
	return func(c *config) {
		c.batchAgeThreshold = d
	}
}

// WithFlushConcurrency sets the number of fragment writes that may be in
// flight at once. Offsets are assigned before the writes are issued, so
// concurrent flushes never reorder the log.
func WithFlushConcurrency(n int) Option {
	return func(c *config) {
		c.flushConcurrency = n
	}
}

// WithCASRetryBudget bounds the number of manifest CAS retries before a
// contention failure is surfaced to callers.
func WithCASRetryBudget(n int) Option {
	return func(c *config) {
		c.casRetryBudget = n
	}
}

// WithPutRetryBudget bounds retries of fragment object writes on transient
// object-store failures.
func WithPutRetryBudget(n int) Option {
	return func(c *config) {
		c.putRetryBudget = n
	}
}

// WithAutoInitialize creates the log on open if it does not exist.
func WithAutoInitialize(enabled bool) Option {
	return func(c *config) {
		c.autoInitialize = enabled
	}
}

// WithCompactionOptions passes the supplied options to the snapshot
// compactor.
func WithCompactionOptions(opts ...manifest.CompactionOption) Option {
	return func(c *config) {
		c.compaction = append(c.compaction, opts...)
	}
}
