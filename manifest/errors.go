package manifest

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when a log has no manifest.
var ErrNotInitialized = errors.New("log not initialized")

// ErrAlreadyInitialized is returned when initializing a log that exists.
var ErrAlreadyInitialized = errors.New("log already initialized")

// ErrManifestConflict is returned when a manifest CAS loses a race. It is
// expected under contention and recoverable by re-reading and retrying.
var ErrManifestConflict = errors.New("manifest conflict")

// ErrLogSealed is returned when writing to a sealed log.
var ErrLogSealed = errors.New("log is sealed")

// IntegrityError indicates a setsum mismatch: corruption or a logic defect.
// It is never silently repaired, and propagates unmodified to the
// administrative surface.
type IntegrityError struct {
	Context  string
	Expected string
	Actual   string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in %s: expected setsum %s, got %s", e.Context, e.Expected, e.Actual)
}

func (e IntegrityError) Is(target error) bool {
	_, ok := target.(IntegrityError)
	return ok
}

// OutOfOrderError indicates a fragment delta that does not extend the
// manifest at its current sequence number and offset.
type OutOfOrderError struct {
	SeqNo      uint64
	Offset     uint64
	WantSeqNo  uint64
	WantOffset uint64
}

func (e OutOfOrderError) Error() string {
	return fmt.Sprintf("fragment %d at offset %d does not extend manifest (want seqno %d at offset %d)",
		e.SeqNo, e.Offset, e.WantSeqNo, e.WantOffset)
}

func (e OutOfOrderError) Is(target error) bool {
	_, ok := target.(OutOfOrderError)
	return ok
}

// PositionCollectedError indicates a position below the log's retained
// horizon: the data there has been garbage collected.
type PositionCollectedError struct {
	Offset  uint64
	Horizon uint64
}

func (e PositionCollectedError) Error() string {
	return fmt.Sprintf("position %d precedes the retained horizon %d", e.Offset, e.Horizon)
}

func (e PositionCollectedError) Is(target error) bool {
	_, ok := target.(PositionCollectedError)
	return ok
}
