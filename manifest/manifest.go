package manifest

import (
	"fmt"
	"slices"

	"github.com/wkalt/walrus/setsum"
)

/*
The manifest is the single mutable root of a log. It names the log's live
content - snapshots first, then fragments, in position order - and is only
ever updated through conditional writes against the object store. If you lose
the manifest the log's objects are opaque; everything else is reconstructible
from it.

Setsum accounting: Setsum is the lifetime total of all content ever admitted
to the log. At all times

    sum(snapshots) + sum(fragments) + Pruned == Setsum

Appending a fragment adds its setsum to Setsum. Compaction moves entries
between the lists without changing either total. Garbage collection moves the
collected mass from the live lists into Pruned, conserving Setsum. Any
transition that breaks the equation is rejected before it is written.
*/

////////////////////////////////////////////////////////////////////////////////

// Manifest is the root record of a log.
type Manifest struct {
	Setsum     setsum.Setsum `json:"setsum"`
	Pruned     setsum.Setsum `json:"pruned"`
	Snapshots  []Snapshot    `json:"snapshots"`
	Fragments  []Fragment    `json:"fragments"`
	Writer     string        `json:"writer"`
	Sealed     bool          `json:"sealed,omitempty"`
	NextSeqNo  uint64        `json:"nextSeqNo"`
	NextOffset uint64        `json:"nextOffset"`
}

// NewManifest returns an empty manifest owned by the given writer.
func NewManifest(writer string) *Manifest {
	return &Manifest{
		Snapshots: []Snapshot{},
		Fragments: []Fragment{},
		Writer:    writer,
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	out := *m
	out.Snapshots = slices.Clone(m.Snapshots)
	out.Fragments = slices.Clone(m.Fragments)
	return &out
}

// StartOffset returns the lowest retained offset. Positions below it have
// been garbage collected.
func (m *Manifest) StartOffset() uint64 {
	if len(m.Snapshots) > 0 {
		return m.Snapshots[0].Start.Offset
	}
	if len(m.Fragments) > 0 {
		return m.Fragments[0].Start.Offset
	}
	return m.NextOffset
}

// AddFragment extends the manifest with a fragment. The fragment must carry
// the manifest's next sequence number and start at its next offset.
func (m *Manifest) AddFragment(frag Fragment) error {
	if m.Sealed {
		return ErrLogSealed
	}
	if err := frag.validate(); err != nil {
		return err
	}
	if frag.SeqNo != m.NextSeqNo || frag.Start.Offset != m.NextOffset {
		return OutOfOrderError{
			SeqNo:      frag.SeqNo,
			Offset:     frag.Start.Offset,
			WantSeqNo:  m.NextSeqNo,
			WantOffset: m.NextOffset,
		}
	}
	m.Fragments = append(m.Fragments, frag)
	m.Setsum = m.Setsum.Add(frag.Setsum)
	m.NextSeqNo = frag.SeqNo + 1
	m.NextOffset = frag.Limit.Offset
	return nil
}

// LiveSetsum returns the aggregate setsum of the live entries.
func (m *Manifest) LiveSetsum() setsum.Setsum {
	sum := setsum.Setsum{}
	for _, snap := range m.Snapshots {
		sum = sum.Add(snap.Setsum)
	}
	for _, frag := range m.Fragments {
		sum = sum.Add(frag.Setsum)
	}
	return sum
}

// Validate checks the manifest's invariants: ordered disjoint contiguous
// entries and setsum conservation.
func (m *Manifest) Validate() error {
	if err := validateEntries(m.Snapshots, m.Fragments); err != nil {
		return err
	}
	if len(m.Fragments) > 0 {
		last := m.Fragments[len(m.Fragments)-1]
		if last.Limit.Offset != m.NextOffset {
			return fmt.Errorf("last fragment ends at %d, manifest next offset is %d",
				last.Limit.Offset, m.NextOffset)
		}
		if last.SeqNo >= m.NextSeqNo {
			return fmt.Errorf("last fragment seqno %d not below next seqno %d", last.SeqNo, m.NextSeqNo)
		}
	}
	if total := m.LiveSetsum().Add(m.Pruned); !total.Equal(m.Setsum) {
		return IntegrityError{
			Context:  "manifest",
			Expected: m.Setsum.Hexdigest(),
			Actual:   total.Hexdigest(),
		}
	}
	return nil
}

// CheckTransition verifies that next is a legal successor of prev given the
// setsum of newly appended content. A zero appended setsum asserts that the
// transition only rearranged or pruned existing content.
func CheckTransition(prev, next *Manifest, appended setsum.Setsum) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev.Sealed && (next.NextSeqNo != prev.NextSeqNo || !next.Sealed) {
		return ErrLogSealed
	}
	if next.NextSeqNo < prev.NextSeqNo || next.NextOffset < prev.NextOffset {
		return fmt.Errorf("manifest regressed: seqno %d -> %d, offset %d -> %d",
			prev.NextSeqNo, next.NextSeqNo, prev.NextOffset, next.NextOffset)
	}
	if want := prev.Setsum.Add(appended); !want.Equal(next.Setsum) {
		return IntegrityError{
			Context:  "manifest transition",
			Expected: want.Hexdigest(),
			Actual:   next.Setsum.Hexdigest(),
		}
	}
	return nil
}
