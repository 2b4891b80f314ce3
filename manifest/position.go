package manifest

import "fmt"

/*
Positions identify points in the log. The offset is the authoritative total
order - one offset per appended message, strictly increasing, with no gaps.
The timestamp is advisory, for humans and metrics; it never participates in
ordering decisions.
*/

////////////////////////////////////////////////////////////////////////////////

// Position is a point in the log.
type Position struct {
	Offset    uint64 `json:"offset"`
	Timestamp uint64 `json:"timestamp"` // microseconds since epoch, advisory
}

// Less reports whether p precedes q in the log.
func (p Position) Less(q Position) bool {
	return p.Offset < q.Offset
}

// String implements fmt.Stringer.
func (p Position) String() string {
	return fmt.Sprintf("%d@%d", p.Offset, p.Timestamp)
}
