package wal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/setsum"
	"github.com/wkalt/walrus/util"
	"github.com/wkalt/walrus/util/log"
)

/*
The coordinator owns the writer's view of the manifest. It assigns sequence
numbers and offset ranges to batches before their fragment writes are issued,
and applies the resulting deltas strictly in assignment order even when the
object writes complete out of order - late completions are parked in a
priority queue until their predecessors arrive. All manifest mutation goes
through the store's CAS; when a commit loses a race the coordinator re-reads
the committed manifest, re-validates its pending deltas against it, and
retries within a bounded budget.

Consecutive deltas that are ready together are merged into a single manifest
write, trading latency for reduced write amplification under pressure.
*/

////////////////////////////////////////////////////////////////////////////////

type delta struct {
	frag    manifest.Fragment
	entries []*pendingAppend
}

type coordinator struct {
	ms        *manifest.Store
	compactor *manifest.Compactor
	writerID  string

	casRetryBudget int

	// onDone fires once per delta, on commit or on failure, after its
	// entries have been notified.
	onDone func(*delta)

	mtx            sync.Mutex
	m              *manifest.Manifest
	witness        manifest.Witness
	reservedSeqNo  uint64
	reservedOffset uint64
	lastTimestamp  uint64
	pending        *util.PriorityQueue[*delta, uint64]
	failure        error
}

func newCoordinator(
	ms *manifest.Store,
	compactor *manifest.Compactor,
	writerID string,
	m *manifest.Manifest,
	witness manifest.Witness,
	casRetryBudget int,
	onDone func(*delta),
) *coordinator {
	return &coordinator{
		ms:             ms,
		compactor:      compactor,
		writerID:       writerID,
		casRetryBudget: casRetryBudget,
		onDone:         onDone,
		m:              m,
		witness:        witness,
		reservedSeqNo:  m.NextSeqNo,
		reservedOffset: m.NextOffset,
		pending:        util.NewPriorityQueue[*delta, uint64](),
	}
}

// reserve assigns the next fragment sequence number and a contiguous range
// of count offsets. Reservations are handed out in flush order, which is the
// order deltas must later be applied in.
func (c *coordinator) reserve(count int) (uint64, manifest.Position, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.failure != nil {
		return 0, manifest.Position{}, c.failure
	}
	if c.m.Sealed {
		return 0, manifest.Position{}, manifest.ErrLogSealed
	}
	ts := uint64(time.Now().UnixMicro())
	if ts < c.lastTimestamp {
		ts = c.lastTimestamp
	}
	c.lastTimestamp = ts
	seqno := c.reservedSeqNo
	base := manifest.Position{Offset: c.reservedOffset, Timestamp: ts}
	c.reservedSeqNo++
	c.reservedOffset += uint64(count)
	return seqno, base, nil
}

// submit hands a completed fragment write to the coordinator. The delta is
// applied once all earlier reservations have arrived; the submitter of an
// out-of-order completion returns immediately and its delta is committed by
// whichever submission fills the gap.
func (c *coordinator) submit(ctx context.Context, d *delta) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.failure != nil {
		c.failDelta(d, c.failure)
		return c.failure
	}
	c.pending.Push(d, d.frag.SeqNo)

	ready := []*delta{}
	for {
		seqno, ok := c.pending.Peek()
		if !ok || seqno != c.m.NextSeqNo+uint64(len(ready)) {
			break
		}
		ready = append(ready, c.pending.Pop())
	}
	if len(ready) == 0 {
		return nil
	}
	if err := c.commit(ctx, ready); err != nil {
		return err
	}
	c.maybeCompact(ctx)
	return nil
}

// commit merges the ready deltas into one manifest write. Called with the
// lock held.
func (c *coordinator) commit(ctx context.Context, ready []*delta) error {
	appended := setsum.Setsum{}
	next := c.m.Clone()
	next.Writer = c.writerID
	for _, d := range ready {
		if err := next.AddFragment(d.frag); err != nil {
			return c.fail(ready, err)
		}
		appended = appended.Add(d.frag.Setsum)
	}
	for attempt := 1; ; attempt++ {
		if err := manifest.CheckTransition(c.m, next, appended); err != nil {
			return c.fail(ready, err)
		}
		witness, err := c.ms.Commit(ctx, next, c.witness)
		if err == nil {
			c.m = next
			c.witness = witness
			break
		}
		if !errors.Is(err, manifest.ErrManifestConflict) {
			return c.fail(ready, err)
		}
		if attempt >= c.casRetryBudget {
			return c.fail(ready, ContentionError{Attempts: attempt})
		}
		log.Debugw(ctx, "Manifest conflict, re-reading", "attempt", attempt)
		committed, witness, err := c.ms.Load(ctx)
		if err != nil {
			return c.fail(ready, err)
		}
		// The conflict came from a concurrent manifest mutation. A garbage
		// collection or compaction pass leaves our pending deltas valid; a
		// second appender does not, and surfaces below as an out-of-order
		// fragment.
		c.m = committed
		c.witness = witness
		next = committed.Clone()
		next.Writer = c.writerID
		for _, d := range ready {
			if err := next.AddFragment(d.frag); err != nil {
				if errors.Is(err, manifest.OutOfOrderError{}) {
					return c.fail(ready, LostLogError{Writer: committed.Writer})
				}
				return c.fail(ready, err)
			}
		}
	}
	for _, d := range ready {
		for i, entry := range d.entries {
			entry.result <- appendResult{position: manifest.Position{
				Offset:    d.frag.Start.Offset + uint64(i),
				Timestamp: d.frag.Start.Timestamp,
			}}
		}
		if c.onDone != nil {
			c.onDone(d)
		}
	}
	return nil
}

// maybeCompact folds the manifest when it has outgrown its bounds. A
// compaction conflict is not an error - the next commit simply observes the
// winning manifest and compaction is retried later.
func (c *coordinator) maybeCompact(ctx context.Context) {
	compacted, changed, err := c.compactor.Compact(ctx, c.m)
	if err != nil {
		log.Errorw(ctx, "Compaction failed", "error", err)
		return
	}
	if !changed {
		return
	}
	compacted.Writer = c.writerID
	witness, err := c.ms.Commit(ctx, compacted, c.witness)
	if err != nil {
		log.Warnw(ctx, "Compaction commit lost, will retry", "error", err)
		return
	}
	c.m = compacted
	c.witness = witness
	log.Infow(ctx, "Compacted manifest",
		"snapshots", len(compacted.Snapshots), "fragments", len(compacted.Fragments))
}

// seal marks the log closed to further appends, via the normal CAS path.
func (c *coordinator) seal(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.failure != nil {
		return c.failure
	}
	for attempt := 1; ; attempt++ {
		if c.m.Sealed {
			return nil
		}
		next := c.m.Clone()
		next.Sealed = true
		next.Writer = c.writerID
		witness, err := c.ms.Commit(ctx, next, c.witness)
		if err == nil {
			c.m = next
			c.witness = witness
			return nil
		}
		if !errors.Is(err, manifest.ErrManifestConflict) {
			return err
		}
		if attempt >= c.casRetryBudget {
			return ContentionError{Attempts: attempt}
		}
		committed, witness, err := c.ms.Load(ctx)
		if err != nil {
			return err
		}
		c.m = committed
		c.witness = witness
	}
}

// err returns the coordinator's terminal failure, if any.
func (c *coordinator) err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.failure
}

// abort poisons the coordinator from outside the lock.
func (c *coordinator) abort(err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.failure == nil {
		c.fail(nil, err)
	}
}

// fail poisons the coordinator. All parked deltas and future operations
// observe the error. Called with the lock held.
func (c *coordinator) fail(ready []*delta, err error) error {
	c.failure = err
	for _, d := range ready {
		c.failDelta(d, err)
	}
	for c.pending.Len() > 0 {
		c.failDelta(c.pending.Pop(), err)
	}
	return err
}

func (c *coordinator) failDelta(d *delta, err error) {
	for _, entry := range d.entries {
		entry.result <- appendResult{err: err}
	}
	if c.onDone != nil {
		c.onDone(d)
	}
}
