package manifest

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/wkalt/walrus/storage"
)

/*
The manifest store handles durable manifest and snapshot I/O for one log. The
manifest lives at a fixed path and is CAS-guarded: every load returns a
witness (the object's etag) and every commit presents it, so a concurrent
mutation - another writer, or the garbage collector - surfaces as
ErrManifestConflict rather than a lost update. Snapshot objects are immutable
and content-addressed, so writing one is idempotent.
*/

////////////////////////////////////////////////////////////////////////////////

// ManifestObject is the log-relative path of the manifest.
const ManifestObject = "manifest/MANIFEST"

// Witness is proof of a previously observed manifest (or cursor) state,
// presented on conditional writes.
type Witness string

// Store performs manifest and snapshot I/O for a single log.
type Store struct {
	store storage.Provider
	log   string
}

// NewStore returns a manifest store for the named log.
func NewStore(store storage.Provider, logname string) *Store {
	return &Store{store: store, log: logname}
}

// LogName returns the name of the log this store addresses.
func (s *Store) LogName() string {
	return s.log
}

// ObjectPath resolves a log-relative path to a storage key.
func (s *Store) ObjectPath(rel string) string {
	return s.log + "/" + rel
}

// Init creates the empty manifest for a new log. It fails with
// ErrAlreadyInitialized if the log exists.
func (s *Store) Init(ctx context.Context, writer string) (*Manifest, Witness, error) {
	m := NewManifest(writer)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	etag, err := s.store.PutIfAbsent(ctx, s.ObjectPath(ManifestObject), data)
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, "", ErrAlreadyInitialized
		}
		return nil, "", fmt.Errorf("failed to initialize manifest for %s: %w", s.log, err)
	}
	return m, Witness(etag), nil
}

// Load reads the current manifest and its witness.
func (s *Store) Load(ctx context.Context) (*Manifest, Witness, error) {
	data, etag, err := s.store.Get(ctx, s.ObjectPath(ManifestObject))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", ErrNotInitialized
		}
		return nil, "", fmt.Errorf("failed to load manifest for %s: %w", s.log, err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal manifest for %s: %w", s.log, err)
	}
	if err := m.Validate(); err != nil {
		return nil, "", fmt.Errorf("loaded invalid manifest for %s: %w", s.log, err)
	}
	return m, Witness(etag), nil
}

// Commit writes a manifest over the state the witness attests to. A lost
// race returns ErrManifestConflict; the caller re-reads and retries.
func (s *Store) Commit(ctx context.Context, m *Manifest, witness Witness) (Witness, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	etag, err := s.store.PutIfMatch(ctx, s.ObjectPath(ManifestObject), data, string(witness))
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return "", ErrManifestConflict
		}
		return "", fmt.Errorf("failed to commit manifest for %s: %w", s.log, err)
	}
	return Witness(etag), nil
}

// PutSnapshotNode persists a snapshot node and returns the entry referencing
// it. Nodes are content-addressed, so colliding with an existing object means
// the content is already durable.
func (s *Store) PutSnapshotNode(ctx context.Context, node *SnapshotNode) (Snapshot, error) {
	if err := node.Validate(); err != nil {
		return Snapshot{}, err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to marshal snapshot node: %w", err)
	}
	entry := node.Entry()
	if _, err := s.store.PutIfAbsent(ctx, s.ObjectPath(entry.Path), data); err != nil {
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return Snapshot{}, fmt.Errorf("failed to put snapshot %s: %w", entry.Path, err)
		}
	}
	return entry, nil
}

// GetSnapshotNode fetches and verifies the node behind a snapshot entry.
func (s *Store) GetSnapshotNode(ctx context.Context, snap Snapshot) (*SnapshotNode, error) {
	data, _, err := s.store.Get(ctx, s.ObjectPath(snap.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", snap.Path, err)
	}
	node := &SnapshotNode{}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", snap.Path, err)
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if !node.Setsum.Equal(snap.Setsum) {
		return nil, IntegrityError{
			Context:  "snapshot " + snap.Path,
			Expected: snap.Setsum.Hexdigest(),
			Actual:   node.Setsum.Hexdigest(),
		}
	}
	return node, nil
}
