package manifest

import (
	"fmt"

	"github.com/wkalt/walrus/setsum"
)

/*
A fragment is an immutable object holding a contiguous run of appended
messages. Fragments are written by the batch manager and referenced by exactly
one manifest or snapshot at a time; they are destroyed only by the garbage
collector once provably unreferenced.

Fragment paths shard the sequence number into fixed-size buckets so that list
operations and per-prefix rate limits scale with log length.
*/

////////////////////////////////////////////////////////////////////////////////

// FragmentBucketSize is the number of sequence numbers per path bucket.
const FragmentBucketSize = 10000

// Fragment is a manifest or snapshot entry describing one fragment object.
type Fragment struct {
	Path      string        `json:"path"`
	SeqNo     uint64        `json:"seqNo"`
	Start     Position      `json:"start"`
	Limit     Position      `json:"limit"`
	SizeBytes uint64        `json:"sizeBytes"`
	Setsum    setsum.Setsum `json:"setsum"`
}

// FragmentPath returns the log-relative object path for a sequence number.
func FragmentPath(seqno uint64) string {
	bucket := (seqno / FragmentBucketSize) * FragmentBucketSize
	return fmt.Sprintf("fragment/Bucket=%d/FragmentSeqNo=%020d.dat", bucket, seqno)
}

func (f Fragment) String() string {
	return fmt.Sprintf("fragment(%d, [%d, %d))", f.SeqNo, f.Start.Offset, f.Limit.Offset)
}

func (f Fragment) validate() error {
	if !f.Start.Less(f.Limit) {
		return fmt.Errorf("fragment %d has empty range [%d, %d)", f.SeqNo, f.Start.Offset, f.Limit.Offset)
	}
	if f.Path == "" {
		return fmt.Errorf("fragment %d has no path", f.SeqNo)
	}
	return nil
}
