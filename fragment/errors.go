package fragment

import (
	"errors"
	"fmt"
)

// ErrBadMagic is returned when the fragment magic is not as expected.
var ErrBadMagic = errors.New("bad fragment magic")

// ErrTruncated is returned when a fragment file ends mid-record.
var ErrTruncated = errors.New("truncated fragment")

// ErrMissingTrailer is returned when a fragment file has no trailer record.
var ErrMissingTrailer = errors.New("fragment missing trailer")

// UnsupportedVersionError is returned for fragment versions this build cannot read.
type UnsupportedVersionError struct {
	major, minor uint8
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported fragment version: %d.%d (current: %d.%d)",
		e.major, e.minor, currentMajor, currentMinor)
}

func (e UnsupportedVersionError) Is(target error) bool {
	_, ok := target.(UnsupportedVersionError)
	return ok
}

// CRCMismatchError is returned when a record's CRC does not match the
// computed CRC.
type CRCMismatchError struct {
	expected, actual uint32
}

func (e CRCMismatchError) Error() string {
	return fmt.Sprintf("expected CRC %d, got %d", e.expected, e.actual)
}

func (e CRCMismatchError) Is(target error) bool {
	_, ok := target.(CRCMismatchError)
	return ok
}
