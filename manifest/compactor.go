package manifest

import (
	"context"

	"github.com/wkalt/walrus/setsum"
	"github.com/wkalt/walrus/util/log"
)

/*
The compactor keeps the root manifest bounded regardless of log length. When
the manifest's fragment list exceeds its high-water mark, the oldest run of
fragments is folded into a depth-1 snapshot; when a run of equal-depth
snapshots grows past the target fanout, it is folded into a deeper node. Old
data thus migrates into deeper, larger-fanout levels while the recent window
stays at the root for low-latency tail reads. With the default fanout and a
depth ceiling of 4, a single root addresses far more log than a deployment
can write, and stays well under the megabyte target.

Compaction never changes the readable message sequence - only the physical
shape of the tree. The folded entries' setsums are summed into the new node
and verified before the swap, so the manifest's setsum is conserved exactly.
*/

////////////////////////////////////////////////////////////////////////////////

type compactionConfig struct {
	targetFanout          int
	rootFragmentHighWater int
	maxDepth              uint8
}

// CompactionOption modifies the compactor configuration.
type CompactionOption func(*compactionConfig)

// WithTargetFanout sets the child count folded into one snapshot node.
func WithTargetFanout(n int) CompactionOption {
	return func(c *compactionConfig) {
		c.targetFanout = n
	}
}

// WithRootFragmentHighWater sets the fragment count beyond which the root's
// oldest fragments are folded into a snapshot.
func WithRootFragmentHighWater(n int) CompactionOption {
	return func(c *compactionConfig) {
		c.rootFragmentHighWater = n
	}
}

// WithMaxDepth bounds the snapshot tree depth.
func WithMaxDepth(d uint8) CompactionOption {
	return func(c *compactionConfig) {
		c.maxDepth = d
	}
}

// Compactor folds manifest entries into snapshot nodes.
type Compactor struct {
	ms   *Store
	conf compactionConfig
}

// NewCompactor returns a compactor writing through the given manifest store.
func NewCompactor(ms *Store, opts ...CompactionOption) *Compactor {
	conf := compactionConfig{
		targetFanout:          16,
		rootFragmentHighWater: 64,
		maxDepth:              4,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	return &Compactor{ms: ms, conf: conf}
}

// Compact returns a compacted copy of the manifest, or (nil, false) when the
// manifest is already within bounds. New snapshot objects are written before
// the returned manifest references them, so a crash between Compact and the
// subsequent commit leaves only orphaned snapshots behind.
func (c *Compactor) Compact(ctx context.Context, m *Manifest) (*Manifest, bool, error) {
	out := m.Clone()
	changed := false
	for len(out.Fragments) > c.conf.rootFragmentHighWater {
		take := c.conf.targetFanout
		if take > len(out.Fragments) {
			take = len(out.Fragments)
		}
		node, err := NewSnapshotNode(nil, out.Fragments[:take])
		if err != nil {
			return nil, false, err
		}
		entry, err := c.ms.PutSnapshotNode(ctx, node)
		if err != nil {
			return nil, false, err
		}
		// the folded fragments follow every existing snapshot in position
		// order, so the new entry belongs at the end of the snapshot list.
		out.Snapshots = append(out.Snapshots, entry)
		out.Fragments = out.Fragments[take:]
		changed = true
		log.Debugw(ctx, "Folded fragments into snapshot",
			"count", take, "path", entry.Path, "depth", entry.Depth)
	}
	for {
		start, length := c.foldableRun(out.Snapshots)
		if start < 0 {
			break
		}
		node, err := NewSnapshotNode(out.Snapshots[start:start+length], nil)
		if err != nil {
			return nil, false, err
		}
		entry, err := c.ms.PutSnapshotNode(ctx, node)
		if err != nil {
			return nil, false, err
		}
		folded := make([]Snapshot, 0, len(out.Snapshots)-length+1)
		folded = append(folded, out.Snapshots[:start]...)
		folded = append(folded, entry)
		folded = append(folded, out.Snapshots[start+length:]...)
		out.Snapshots = folded
		changed = true
		log.Debugw(ctx, "Folded snapshots into deeper snapshot",
			"count", length, "path", entry.Path, "depth", entry.Depth)
	}
	if !changed {
		return nil, false, nil
	}
	if err := CheckTransition(m, out, setsum.Setsum{}); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// foldableRun locates the first run of equal-depth snapshots long enough to
// fold without exceeding the depth ceiling.
func (c *Compactor) foldableRun(snapshots []Snapshot) (int, int) {
	i := 0
	for i < len(snapshots) {
		j := i + 1
		for j < len(snapshots) && snapshots[j].Depth == snapshots[i].Depth {
			j++
		}
		if j-i >= c.conf.targetFanout && snapshots[i].Depth+1 <= c.conf.maxDepth {
			return i, c.conf.targetFanout
		}
		i = j
	}
	return -1, 0
}
