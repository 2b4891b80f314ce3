package reader

import (
	"context"
	"fmt"

	"github.com/wkalt/walrus/fragment"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/storage"
	"github.com/wkalt/walrus/util"
	"golang.org/x/sync/errgroup"
)

/*
The reader resolves log positions against the manifest and snapshot tree.
Scan walks the tree from the root, descending into any entry whose range
intersects the requested one and skipping subtrees entirely outside it, and
returns fragment descriptors in position order without touching their bytes -
callers fetch fragment content separately, and in parallel if they like.

A manifest may change between scanning and fetching. That is safe: fragments
and snapshots are immutable once referenced, and the garbage collector waits
a full collection interval after unlinking an object before deleting it, so
any path returned by a scan remains fetchable for at least that long.
Snapshot nodes are content-addressed and cached without invalidation.
*/

////////////////////////////////////////////////////////////////////////////////

type config struct {
	snapshotCacheSize int
}

// Option is a function that modifies the reader configuration.
type Option func(*config)

// WithSnapshotCacheSize sets the number of snapshot nodes held in memory.
func WithSnapshotCacheSize(n int) Option {
	return func(c *config) {
		c.snapshotCacheSize = n
	}
}

// Limits bound a single scan. Zero values are unlimited.
type Limits struct {
	MaxFragments int
	MaxBytes     uint64
}

// Reader reads a log.
type Reader struct {
	store storage.Provider
	ms    *manifest.Store
	cache *util.LRU[string, *manifest.SnapshotNode]
}

// NewReader returns a reader for the named log.
func NewReader(store storage.Provider, logname string, opts ...Option) *Reader {
	conf := config{snapshotCacheSize: 256}
	for _, opt := range opts {
		opt(&conf)
	}
	return &Reader{
		store: store,
		ms:    manifest.NewStore(store, logname),
		cache: util.NewLRU[string, *manifest.SnapshotNode](conf.snapshotCacheSize),
	}
}

// Manifest returns the log's current manifest.
func (r *Reader) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	m, _, err := r.ms.Load(ctx)
	return m, err
}

// Scan returns the fragments covering positions at or after from, in
// position order, up to the supplied limits. The returned position is where
// a subsequent scan should resume: the end of the last returned fragment
// when the limits truncated the scan, and the log's append head otherwise.
func (r *Reader) Scan(
	ctx context.Context,
	from manifest.Position,
	limits Limits,
) (manifest.Position, []manifest.Fragment, error) {
	m, _, err := r.ms.Load(ctx)
	if err != nil {
		return manifest.Position{}, nil, err
	}
	if horizon := m.StartOffset(); from.Offset < horizon {
		return manifest.Position{}, nil, manifest.PositionCollectedError{
			Offset:  from.Offset,
			Horizon: horizon,
		}
	}

	type frame struct {
		snapshots []manifest.Snapshot
		fragments []manifest.Fragment
	}
	frags := []manifest.Fragment{}
	var bytes uint64
	truncated := false
	stack := []frame{{m.Snapshots, m.Fragments}}
outer:
	for len(stack) > 0 && !truncated {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for i, snap := range f.snapshots {
			if snap.Limit.Offset <= from.Offset {
				continue
			}
			node, err := r.getNode(ctx, snap)
			if err != nil {
				return manifest.Position{}, nil, err
			}
			stack = append(stack, frame{f.snapshots[i+1:], f.fragments})
			stack = append(stack, frame{node.Snapshots, node.Fragments})
			continue outer
		}
		for _, frag := range f.fragments {
			if frag.Limit.Offset <= from.Offset {
				continue
			}
			frags = append(frags, frag)
			bytes += frag.SizeBytes
			if limits.MaxFragments > 0 && len(frags) >= limits.MaxFragments ||
				limits.MaxBytes > 0 && bytes >= limits.MaxBytes {
				truncated = true
				break
			}
		}
	}
	next := manifest.Position{Offset: m.NextOffset}
	if truncated {
		next = frags[len(frags)-1].Limit
	}
	return next, frags, nil
}

// Fetch retrieves the raw bytes of a log-relative object path.
func (r *Reader) Fetch(ctx context.Context, path string) ([]byte, error) {
	data, _, err := r.store.Get(ctx, r.ms.ObjectPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	return data, nil
}

// Messages fetches and decodes a fragment, verifying its content against the
// setsum the manifest advertises for it.
func (r *Reader) Messages(ctx context.Context, frag manifest.Fragment) ([]fragment.Message, error) {
	data, err := r.Fetch(ctx, frag.Path)
	if err != nil {
		return nil, err
	}
	messages, sum, err := fragment.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fragment %s: %w", frag.Path, err)
	}
	if !sum.Equal(frag.Setsum) {
		return nil, manifest.IntegrityError{
			Context:  "fragment " + frag.Path,
			Expected: frag.Setsum.Hexdigest(),
			Actual:   sum.Hexdigest(),
		}
	}
	return messages, nil
}

// Prefetch fetches and decodes a batch of fragments in parallel, returning
// message slices in fragment order.
func (r *Reader) Prefetch(
	ctx context.Context,
	frags []manifest.Fragment,
	concurrency int,
) ([][]fragment.Message, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([][]fragment.Message, len(frags))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, frag := range frags {
		i, frag := i, frag
		g.Go(func() error {
			messages, err := r.Messages(ctx, frag)
			if err != nil {
				return err
			}
			results[i] = messages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Reader) getNode(ctx context.Context, snap manifest.Snapshot) (*manifest.SnapshotNode, error) {
	if node, ok := r.cache.Get(snap.Path); ok {
		return node, nil
	}
	node, err := r.ms.GetSnapshotNode(ctx, snap)
	if err != nil {
		return nil, err
	}
	r.cache.Put(snap.Path, node)
	return node, nil
}
