package wal

import (
	"errors"
	"fmt"
)

// ErrWriterClosed is returned by appends against a closed writer.
var ErrWriterClosed = errors.New("writer closed")

// ContentionError is returned when the manifest CAS retry budget is
// exhausted. It usually means a second active writer is extending the log.
type ContentionError struct {
	Attempts int
}

func (e ContentionError) Error() string {
	return fmt.Sprintf("manifest contention unresolved after %d attempts", e.Attempts)
}

func (e ContentionError) Is(target error) bool {
	_, ok := target.(ContentionError)
	return ok
}

// LostLogError is returned when another writer has advanced the manifest
// past this writer's reserved positions. The writer cannot continue.
type LostLogError struct {
	Writer string
}

func (e LostLogError) Error() string {
	return fmt.Sprintf("log advanced by concurrent writer %q", e.Writer)
}

func (e LostLogError) Is(target error) bool {
	_, ok := target.(LostLogError)
	return ok
}
