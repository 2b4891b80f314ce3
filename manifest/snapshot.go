package manifest

import (
	"fmt"

	"github.com/wkalt/walrus/setsum"
)

/*
Snapshots are immutable interior nodes of the log's content tree. A snapshot
summarizes a contiguous, disjoint run of fragments and/or child snapshots,
keeping the root manifest small regardless of log length. Nodes are
content-addressed by their setsum, so identical content folds to the same
object and traversal never needs parent pointers - the tree is walked
iteratively top-down using the range fields alone.
*/

////////////////////////////////////////////////////////////////////////////////

// Snapshot is a manifest (or snapshot node) entry referencing one snapshot
// object. Depth is the longest path to a leaf fragment beneath it.
type Snapshot struct {
	Path   string        `json:"path"`
	Depth  uint8         `json:"depth"`
	Setsum setsum.Setsum `json:"setsum"`
	Start  Position      `json:"start"`
	Limit  Position      `json:"limit"`
}

// SnapshotPath returns the log-relative object path for a snapshot setsum.
func SnapshotPath(sum setsum.Setsum) string {
	return "snapshot/SNAPSHOT." + sum.Hexdigest()
}

func (s Snapshot) String() string {
	return fmt.Sprintf("snapshot(depth %d, [%d, %d))", s.Depth, s.Start.Offset, s.Limit.Offset)
}

func (s Snapshot) validate() error {
	if !s.Start.Less(s.Limit) {
		return fmt.Errorf("snapshot %s has empty range [%d, %d)", s.Path, s.Start.Offset, s.Limit.Offset)
	}
	if s.Depth == 0 {
		return fmt.Errorf("snapshot %s has zero depth", s.Path)
	}
	if s.Path == "" {
		return fmt.Errorf("snapshot over [%d, %d) has no path", s.Start.Offset, s.Limit.Offset)
	}
	return nil
}

// SnapshotNode is the persisted payload of a snapshot object: the entries it
// summarizes, in position order. Child snapshots precede fragments, mirroring
// the manifest layout.
type SnapshotNode struct {
	Depth     uint8         `json:"depth"`
	Setsum    setsum.Setsum `json:"setsum"`
	Start     Position      `json:"start"`
	Limit     Position      `json:"limit"`
	Snapshots []Snapshot    `json:"snapshots,omitempty"`
	Fragments []Fragment    `json:"fragments,omitempty"`
}

// NewSnapshotNode builds a node summarizing the given entries. The entries
// must form a contiguous, position-ordered run.
func NewSnapshotNode(snapshots []Snapshot, fragments []Fragment) (*SnapshotNode, error) {
	if len(snapshots)+len(fragments) == 0 {
		return nil, fmt.Errorf("refusing to build empty snapshot node")
	}
	sum := setsum.Setsum{}
	var depth uint8
	for _, snap := range snapshots {
		sum = sum.Add(snap.Setsum)
		if snap.Depth+1 > depth {
			depth = snap.Depth + 1
		}
	}
	if len(fragments) > 0 && depth < 1 {
		depth = 1
	}
	for _, frag := range fragments {
		sum = sum.Add(frag.Setsum)
	}
	node := &SnapshotNode{
		Depth:     depth,
		Setsum:    sum,
		Start:     entryStart(snapshots, fragments),
		Limit:     entryLimit(snapshots, fragments),
		Snapshots: snapshots,
		Fragments: fragments,
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return node, nil
}

// Entry returns the manifest entry referencing this node.
func (n *SnapshotNode) Entry() Snapshot {
	return Snapshot{
		Path:   SnapshotPath(n.Setsum),
		Depth:  n.Depth,
		Setsum: n.Setsum,
		Start:  n.Start,
		Limit:  n.Limit,
	}
}

// Validate checks the node's internal invariants: position-ordered contiguous
// children whose setsums add up to the node's setsum.
func (n *SnapshotNode) Validate() error {
	if err := validateEntries(n.Snapshots, n.Fragments); err != nil {
		return err
	}
	if n.Start != entryStart(n.Snapshots, n.Fragments) || n.Limit != entryLimit(n.Snapshots, n.Fragments) {
		return fmt.Errorf("snapshot node range [%d, %d) does not match children",
			n.Start.Offset, n.Limit.Offset)
	}
	sum := setsum.Setsum{}
	for _, snap := range n.Snapshots {
		sum = sum.Add(snap.Setsum)
		if snap.Depth >= n.Depth {
			return fmt.Errorf("child snapshot %s at depth %d inside node of depth %d",
				snap.Path, snap.Depth, n.Depth)
		}
	}
	for _, frag := range n.Fragments {
		sum = sum.Add(frag.Setsum)
	}
	if !sum.Equal(n.Setsum) {
		return IntegrityError{
			Context:  "snapshot node " + SnapshotPath(n.Setsum),
			Expected: n.Setsum.Hexdigest(),
			Actual:   sum.Hexdigest(),
		}
	}
	return nil
}

func entryStart(snapshots []Snapshot, fragments []Fragment) Position {
	if len(snapshots) > 0 {
		return snapshots[0].Start
	}
	return fragments[0].Start
}

func entryLimit(snapshots []Snapshot, fragments []Fragment) Position {
	if len(fragments) > 0 {
		return fragments[len(fragments)-1].Limit
	}
	return snapshots[len(snapshots)-1].Limit
}

// validateEntries checks that snapshots followed by fragments form a
// position-ordered, pairwise-disjoint, contiguous run with valid members.
func validateEntries(snapshots []Snapshot, fragments []Fragment) error {
	var prev *Position
	for _, snap := range snapshots {
		if err := snap.validate(); err != nil {
			return err
		}
		if prev != nil && snap.Start.Offset != prev.Offset {
			return fmt.Errorf("snapshot %s starts at %d, expected %d", snap.Path, snap.Start.Offset, prev.Offset)
		}
		limit := snap.Limit
		prev = &limit
	}
	var prevSeq *uint64
	for _, frag := range fragments {
		if err := frag.validate(); err != nil {
			return err
		}
		if prev != nil && frag.Start.Offset != prev.Offset {
			return fmt.Errorf("fragment %d starts at %d, expected %d", frag.SeqNo, frag.Start.Offset, prev.Offset)
		}
		if prevSeq != nil && frag.SeqNo <= *prevSeq {
			return fmt.Errorf("fragment seqno %d out of order after %d", frag.SeqNo, *prevSeq)
		}
		limit := frag.Limit
		prev = &limit
		seq := frag.SeqNo
		prevSeq = &seq
	}
	return nil
}
