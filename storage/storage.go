package storage

import (
	"context"
	"errors"
	"time"
)

/*
Storage providers abstract the object store under the log. The log requires
only get, put, conditional put (if-absent and if-match), list by prefix, and
delete. Conditional puts are the sole atomicity primitive in the system: the
manifest, cursors, and the garbage slot are all CAS-guarded through them.

Every Get returns the object's etag, and conditional writes take a previously
observed etag (or assert absence). A conditional write that loses a race
returns ErrPreconditionFailed - a successful I/O with a semantically rejected
write, distinct from transient failure.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrPreconditionFailed is returned when a conditional write loses a race:
// the target exists (put-if-absent) or was modified since the presented etag
// was read (put-if-match).
var ErrPreconditionFailed = errors.New("precondition failed")

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Provider is the object store interface the log is built on.
type Provider interface {
	// Get retrieves an object and its etag.
	Get(ctx context.Context, id string) ([]byte, string, error)

	// Put stores an object unconditionally.
	Put(ctx context.Context, id string, data []byte) error

	// PutIfAbsent stores an object only if it does not exist, returning the
	// new etag, or ErrPreconditionFailed if it does.
	PutIfAbsent(ctx context.Context, id string, data []byte) (string, error)

	// PutIfMatch overwrites an object only if its etag still matches,
	// returning the new etag, or ErrPreconditionFailed if it does not.
	PutIfMatch(ctx context.Context, id string, data []byte, etag string) (string, error)

	// List enumerates objects under a prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting a nonexistent object is not an
	// error, for conformance with the S3 API.
	Delete(ctx context.Context, id string) error

	String() string
}
