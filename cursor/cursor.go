package cursor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/storage"
)

/*
Cursors are durable per-consumer read positions, stored as small JSON objects
under the log's cursor prefix. Each cursor is updated with the same
conditional-write discipline as the manifest, so two processes sharing a
consumer name cannot silently clobber each other's progress.

A cursor also pins data: the garbage collector never collects past the
minimum position across all cursors. Saving a cursor therefore checks the
manifest horizon on both sides of the write. The check before the write
rejects positions that are already collected; the check after closes the race
where a collection pass lands between the two, in which case the saved cursor
is behind the horizon and must not be trusted as a pin.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrCursorNotFound indicates the named cursor does not exist.
var ErrCursorNotFound = errors.New("cursor not found")

// ErrCursorConflict indicates a concurrent update to the same cursor.
var ErrCursorConflict = errors.New("cursor conflict")

// InvalidNameError indicates a cursor name outside the allowed alphabet.
type InvalidNameError struct {
	Name string
}

func (e InvalidNameError) Error() string {
	return fmt.Sprintf("invalid cursor name %q", e.Name)
}

func (e InvalidNameError) Is(target error) bool {
	_, ok := target.(InvalidNameError)
	return ok
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Cursor is a consumer's saved position. Positions at or above the cursor
// are unread; everything below it is fair game for collection once all
// cursors agree.
type Cursor struct {
	Position manifest.Position `json:"position"`
	EpochUs  uint64            `json:"epoch_us"`
	Writer   string            `json:"writer"`
}

// Witness is proof of an observed cursor state, spent on the next update.
type Witness string

// Store reads and writes cursors for one log.
type Store struct {
	store storage.Provider
	ms    *manifest.Store
}

// NewStore returns a cursor store for the named log.
func NewStore(store storage.Provider, logname string) *Store {
	return &Store{store: store, ms: manifest.NewStore(store, logname)}
}

func (s *Store) cursorPath(name string) string {
	return s.ms.ObjectPath("cursor/" + name + ".json")
}

// Load returns the named cursor and a witness for updating it.
func (s *Store) Load(ctx context.Context, name string) (*Cursor, Witness, error) {
	if !nameRegex.MatchString(name) {
		return nil, "", InvalidNameError{Name: name}
	}
	data, etag, err := s.store.Get(ctx, s.cursorPath(name))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", ErrCursorNotFound
		}
		return nil, "", fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	cur := &Cursor{}
	if err := json.Unmarshal(data, cur); err != nil {
		return nil, "", fmt.Errorf("failed to parse cursor %s: %w", name, err)
	}
	return cur, Witness(etag), nil
}

// Save writes the named cursor. A zero witness requires the cursor not to
// exist yet; otherwise the write succeeds only if the cursor is unchanged
// since the witness was taken. Positions below the log's collection horizon
// are rejected, before and after the write.
func (s *Store) Save(
	ctx context.Context, name string, position manifest.Position, writer string, witness Witness,
) (Witness, error) {
	if !nameRegex.MatchString(name) {
		return "", InvalidNameError{Name: name}
	}
	if err := s.checkHorizon(ctx, position); err != nil {
		return "", err
	}
	cur := Cursor{
		Position: position,
		EpochUs:  uint64(time.Now().UnixMicro()),
		Writer:   writer,
	}
	data, err := json.Marshal(cur)
	if err != nil {
		return "", fmt.Errorf("failed to serialize cursor: %w", err)
	}
	var etag string
	if witness == "" {
		etag, err = s.store.PutIfAbsent(ctx, s.cursorPath(name), data)
	} else {
		etag, err = s.store.PutIfMatch(ctx, s.cursorPath(name), data, string(witness))
	}
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return "", ErrCursorConflict
		}
		return "", fmt.Errorf("failed to write cursor %s: %w", name, err)
	}
	// A collection pass may have advanced the horizon while the write was in
	// flight. The cursor is durable either way; the caller must not treat a
	// behind-horizon cursor as pinning anything.
	if err := s.checkHorizon(ctx, position); err != nil {
		return "", err
	}
	return Witness(etag), nil
}

func (s *Store) checkHorizon(ctx context.Context, position manifest.Position) error {
	m, _, err := s.ms.Load(ctx)
	if err != nil {
		return err
	}
	if horizon := m.StartOffset(); position.Offset < horizon {
		return manifest.PositionCollectedError{Offset: position.Offset, Horizon: horizon}
	}
	return nil
}

// Delete removes the named cursor. Deleting a missing cursor is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !nameRegex.MatchString(name) {
		return InvalidNameError{Name: name}
	}
	if err := s.store.Delete(ctx, s.cursorPath(name)); err != nil &&
		!errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete cursor %s: %w", name, err)
	}
	return nil
}

// List returns all cursors for the log, keyed by name.
func (s *Store) List(ctx context.Context) (map[string]*Cursor, error) {
	prefix := s.ms.ObjectPath("cursor/")
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	cursors := map[string]*Cursor{}
	for _, object := range objects {
		name := strings.TrimSuffix(path.Base(object.Key), ".json")
		data, _, err := s.store.Get(ctx, object.Key)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read cursor %s: %w", name, err)
		}
		cur := &Cursor{}
		if err := json.Unmarshal(data, cur); err != nil {
			return nil, fmt.Errorf("failed to parse cursor %s: %w", name, err)
		}
		cursors[name] = cur
	}
	return cursors, nil
}
