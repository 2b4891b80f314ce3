package gc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/wkalt/walrus/cursor"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/setsum"
	"github.com/wkalt/walrus/storage"
	"github.com/wkalt/walrus/util/log"
	"golang.org/x/sync/errgroup"
)

/*
Garbage collection reclaims log data every cursor has moved past. It runs in
three phases, with a durable record between them so a crashed pass can always
be resumed or finished by a later one:

 1. Plan: compute the set of manifest entries entirely below the collection
    cutoff, enumerate every object they reference (including all descendants
    of collected snapshots), and record the plan in the log's single garbage
    slot with a conditional write. An occupied slot means a previous pass is
    still in flight, and is finished instead of starting a new one.
 2. Unlink: remove the planned entries from the manifest and fold their
    setsum mass into the pruned accumulator, via the usual manifest CAS. The
    removed mass must reconcile exactly against the mass the plan recorded;
    a manifest that has diverged from the plan (for instance because a
    writer compacted the planned entries while the plan sat in the slot)
    fails the pass rather than collecting anything. The unlink time is then
    stamped into the slot.
 3. Delete: after the collection interval has elapsed since the unlink was
    stamped, re-verify that no planned object is referenced by the manifest,
    directly or through a snapshot descendant, delete the objects, and clear
    the slot back to its empty state under the same conditional-write
    discipline. The interval gives in-flight readers holding pre-unlink scan
    results time to finish.

The cutoff is the minimum position across all cursors. A log with no cursors
collects nothing unless the caller supplies an explicit cutoff.
*/

////////////////////////////////////////////////////////////////////////////////

const garbageObject = "garbage/GARBAGE"

// ErrPassInFlight indicates a concurrent collection pass holds the garbage
// slot.
var ErrPassInFlight = errors.New("collection pass in flight")

type config struct {
	interval           time.Duration
	maxCollectFraction float64
	deleteConcurrency  int
}

// Option is a function that modifies the collector configuration.
type Option func(*config)

// WithInterval sets the time that must elapse between unlinking objects from
// the manifest and deleting them. Readers holding scan results older than
// the interval may observe missing fragments.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		c.interval = d
	}
}

// WithMaxCollectFraction caps the fraction of manifest entries a single pass
// may unlink.
func WithMaxCollectFraction(f float64) Option {
	return func(c *config) {
		c.maxCollectFraction = f
	}
}

// WithDeleteConcurrency sets the number of parallel object deletions in the
// delete phase.
func WithDeleteConcurrency(n int) Option {
	return func(c *config) {
		c.deleteConcurrency = n
	}
}

// plan is the durable record of an in-flight collection pass. An empty
// record (no paths) is the cleared state of the garbage slot.
type plan struct {
	EpochUs    uint64        `json:"epoch_us"`
	UnlinkedUs uint64        `json:"unlinked_us,omitempty"`
	Cutoff     uint64        `json:"cutoff"`
	Setsum     setsum.Setsum `json:"setsum"`
	Paths      []string      `json:"paths"`
}

// Report summarizes a collection pass.
type Report struct {
	Cutoff            uint64
	UnlinkedFragments int
	UnlinkedSnapshots int
	DeletedObjects    int
	DeferredObjects   int
	Resumed           bool
}

// Collector reclaims collected data for one log.
type Collector struct {
	store storage.Provider
	ms    *manifest.Store
	cs    *cursor.Store
	conf  config
}

// NewCollector returns a collector for the named log.
func NewCollector(store storage.Provider, logname string, opts ...Option) *Collector {
	conf := config{
		interval:           time.Hour,
		maxCollectFraction: 0.5,
		deleteConcurrency:  8,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	return &Collector{
		store: store,
		ms:    manifest.NewStore(store, logname),
		cs:    cursor.NewStore(store, logname),
		conf:  conf,
	}
}

// Run executes one collection pass using the minimum cursor position as the
// cutoff. A log with no cursors collects nothing. A pending pass recorded by
// an earlier run is finished before a new one is planned.
func (c *Collector) Run(ctx context.Context) (*Report, error) {
	cursors, err := c.cs.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(cursors) == 0 {
		log.Infow(ctx, "No cursors, nothing to collect")
		return &Report{}, nil
	}
	cutoff := uint64(math.MaxUint64)
	for _, cur := range cursors {
		cutoff = min(cutoff, cur.Position.Offset)
	}
	return c.run(ctx, cutoff)
}

// RunWithCutoff executes one collection pass with an explicit cutoff,
// collecting all data below it. When cursors exist the cutoff is clamped to
// the minimum cursor position, so data a cursor pins is never collected.
func (c *Collector) RunWithCutoff(ctx context.Context, cutoff uint64) (*Report, error) {
	cursors, err := c.cs.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, cur := range cursors {
		cutoff = min(cutoff, cur.Position.Offset)
	}
	return c.run(ctx, cutoff)
}

func (c *Collector) run(ctx context.Context, cutoff uint64) (*Report, error) {
	ctx = log.AddTags(ctx, "log", c.ms.LogName())
	p, witness, err := c.loadPlan(ctx)
	if err != nil {
		return nil, err
	}
	if p != nil {
		report := &Report{Cutoff: p.Cutoff, Resumed: true}
		log.Infow(ctx, "Resuming recorded collection pass",
			"cutoff", p.Cutoff, "objects", len(p.Paths))
		return report, c.execute(ctx, p, witness, report)
	}

	m, _, err := c.ms.Load(ctx)
	if err != nil {
		return nil, err
	}
	p, report, err := c.plan(ctx, m, cutoff)
	if err != nil {
		return nil, err
	}
	if p == nil {
		log.Infow(ctx, "Nothing to collect", "cutoff", cutoff)
		return report, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize collection plan: %w", err)
	}
	witness, err = c.recordPlan(ctx, data, witness)
	if err != nil {
		return nil, err
	}
	return report, c.execute(ctx, p, witness, report)
}

// execute drives a recorded plan through the unlink and delete phases.
func (c *Collector) execute(ctx context.Context, p *plan, witness manifest.Witness, report *Report) error {
	if err := c.unlink(ctx, p); err != nil {
		return err
	}
	witness, err := c.stamp(ctx, p, witness)
	if err != nil {
		return err
	}
	return c.finish(ctx, p, witness, report)
}

// recordPlan writes the plan into the garbage slot. The slot may be absent
// (never used) or hold the empty record a finished pass left behind; either
// way the write is conditional, so two concurrent planners cannot both win.
func (c *Collector) recordPlan(ctx context.Context, data []byte, witness manifest.Witness) (manifest.Witness, error) {
	var etag string
	var err error
	if witness == "" {
		etag, err = c.store.PutIfAbsent(ctx, c.ms.ObjectPath(garbageObject), data)
	} else {
		etag, err = c.store.PutIfMatch(ctx, c.ms.ObjectPath(garbageObject), data, string(witness))
	}
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return "", fmt.Errorf("garbage slot occupied by concurrent pass: %w", ErrPassInFlight)
		}
		return "", fmt.Errorf("failed to record collection plan: %w", err)
	}
	return manifest.Witness(etag), nil
}

// loadPlan reads the garbage slot. A missing object and an empty record both
// mean no pass is in flight; the witness, when present, guards later writes
// to the slot.
func (c *Collector) loadPlan(ctx context.Context) (*plan, manifest.Witness, error) {
	data, etag, err := c.store.Get(ctx, c.ms.ObjectPath(garbageObject))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to read garbage slot: %w", err)
	}
	p := &plan{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, "", fmt.Errorf("failed to parse collection plan: %w", err)
	}
	if len(p.Paths) == 0 {
		return nil, manifest.Witness(etag), nil
	}
	return p, manifest.Witness(etag), nil
}

// plan computes the entries below the cutoff and every object they
// reference. Collected entries form a prefix of the manifest's entry list,
// capped by the configured collection fraction.
func (c *Collector) plan(ctx context.Context, m *manifest.Manifest, cutoff uint64) (*plan, *Report, error) {
	report := &Report{Cutoff: cutoff}
	total := len(m.Snapshots) + len(m.Fragments)
	budget := max(1, int(c.conf.maxCollectFraction*float64(total)))
	p := &plan{
		EpochUs: uint64(time.Now().UnixMicro()),
		Cutoff:  cutoff,
	}
	taken := 0
	for _, snap := range m.Snapshots {
		if snap.Limit.Offset > cutoff || taken >= budget {
			break
		}
		if err := c.enumerate(ctx, snap, p); err != nil {
			return nil, nil, err
		}
		p.Setsum = p.Setsum.Add(snap.Setsum)
		report.UnlinkedSnapshots++
		taken++
	}
	// Fragments sit after all snapshots in position order, so loose fragments
	// are collectable only once every snapshot is.
	if report.UnlinkedSnapshots == len(m.Snapshots) {
		for _, frag := range m.Fragments {
			if frag.Limit.Offset > cutoff || taken >= budget {
				break
			}
			p.Paths = append(p.Paths, frag.Path)
			p.Setsum = p.Setsum.Add(frag.Setsum)
			report.UnlinkedFragments++
			taken++
		}
	}
	if taken == 0 {
		return nil, report, nil
	}
	return p, report, nil
}

// enumerate appends the snapshot's object and every object beneath it to the
// plan. Setsums incorporate positions, so a collected subtree cannot be
// shared with a surviving one.
func (c *Collector) enumerate(ctx context.Context, snap manifest.Snapshot, p *plan) error {
	node, err := c.ms.GetSnapshotNode(ctx, snap)
	if err != nil {
		return err
	}
	p.Paths = append(p.Paths, snap.Path)
	for _, child := range node.Snapshots {
		if err := c.enumerate(ctx, child, p); err != nil {
			return err
		}
	}
	for _, frag := range node.Fragments {
		p.Paths = append(p.Paths, frag.Path)
	}
	return nil
}

// unlink removes the planned entries from the manifest and moves their
// setsum mass to the pruned accumulator. The unlink is a single CAS, so a
// resumed pass sees either the full planned mass or none of it; anything in
// between means the manifest diverged from the plan and the pass fails
// before touching any object.
func (c *Collector) unlink(ctx context.Context, p *plan) error {
	planned := make(map[string]bool, len(p.Paths))
	for _, pth := range p.Paths {
		planned[pth] = true
	}
	for {
		m, witness, err := c.ms.Load(ctx)
		if err != nil {
			return err
		}
		next := m.Clone()
		next.Snapshots = next.Snapshots[:0]
		next.Fragments = next.Fragments[:0]
		removed := setsum.Setsum{}
		for _, snap := range m.Snapshots {
			if planned[snap.Path] {
				removed = removed.Add(snap.Setsum)
				continue
			}
			next.Snapshots = append(next.Snapshots, snap)
		}
		for _, frag := range m.Fragments {
			if planned[frag.Path] {
				removed = removed.Add(frag.Setsum)
				continue
			}
			next.Fragments = append(next.Fragments, frag)
		}
		if removed.IsZero() {
			return nil
		}
		if !removed.Equal(p.Setsum) {
			return fmt.Errorf("refusing unsound collection: %w", manifest.IntegrityError{
				Context:  "planned garbage mass",
				Expected: p.Setsum.Hexdigest(),
				Actual:   removed.Hexdigest(),
			})
		}
		next.Pruned = next.Pruned.Add(removed)
		if err := manifest.CheckTransition(m, next, setsum.Setsum{}); err != nil {
			return fmt.Errorf("refusing unsound collection: %w", err)
		}
		if _, err := c.ms.Commit(ctx, next, witness); err != nil {
			if errors.Is(err, manifest.ErrManifestConflict) {
				log.Debugw(ctx, "Manifest conflict during unlink, retrying")
				continue
			}
			return err
		}
		log.Infow(ctx, "Unlinked collected entries",
			"cutoff", p.Cutoff, "pruned", removed.Hexdigest())
		return nil
	}
}

// stamp records the unlink time in the garbage slot, once per pass. The
// deletion interval runs from the unlink commit rather than from planning,
// so a plan that sat in the slot before being unlinked still grants readers
// the full interval.
func (c *Collector) stamp(ctx context.Context, p *plan, witness manifest.Witness) (manifest.Witness, error) {
	if p.UnlinkedUs != 0 {
		return witness, nil
	}
	p.UnlinkedUs = uint64(time.Now().UnixMicro())
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize collection plan: %w", err)
	}
	etag, err := c.store.PutIfMatch(ctx, c.ms.ObjectPath(garbageObject), data, string(witness))
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return "", fmt.Errorf("garbage slot taken over by concurrent pass: %w", ErrPassInFlight)
		}
		return "", fmt.Errorf("failed to stamp collection plan: %w", err)
	}
	return manifest.Witness(etag), nil
}

// finish deletes the planned objects and clears the garbage slot, once the
// collection interval has elapsed since the unlink was stamped. A pass that
// is not yet old enough leaves the plan in place for a later run. Before
// deleting anything the manifest's full reachable set is recomputed, so an
// object the manifest still reaches through a snapshot is never deleted.
func (c *Collector) finish(ctx context.Context, p *plan, witness manifest.Witness, report *Report) error {
	age := time.Since(time.UnixMicro(int64(p.UnlinkedUs)))
	if age < c.conf.interval {
		report.DeferredObjects = len(p.Paths)
		log.Infow(ctx, "Deferring deletion until pass ages",
			"age", age, "interval", c.conf.interval, "objects", len(p.Paths))
		return nil
	}
	m, _, err := c.ms.Load(ctx)
	if err != nil {
		return err
	}
	live, err := c.liveSet(ctx, m)
	if err != nil {
		return err
	}
	for _, pth := range p.Paths {
		if live[pth] {
			return fmt.Errorf("refusing to delete %s: still referenced by manifest", pth)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.conf.deleteConcurrency)
	for _, pth := range p.Paths {
		pth := pth
		g.Go(func() error {
			err := c.store.Delete(gctx, c.ms.ObjectPath(pth))
			if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
				return fmt.Errorf("failed to delete %s: %w", pth, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	report.DeletedObjects = len(p.Paths)
	// Clearing the slot is a populated-to-empty transition under the same
	// witness discipline as every other slot write. A laggard that lost the
	// slot cannot clobber a newer pass's plan.
	if _, err := c.store.PutIfMatch(ctx, c.ms.ObjectPath(garbageObject), []byte("{}"), string(witness)); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			log.Debugw(ctx, "Garbage slot already cleared by concurrent pass")
			return nil
		}
		return fmt.Errorf("failed to clear garbage slot: %w", err)
	}
	log.Infow(ctx, "Collection pass complete", "deleted", len(p.Paths))
	return nil
}

// liveSet enumerates every object path the manifest references, directly or
// through snapshot descendants.
func (c *Collector) liveSet(ctx context.Context, m *manifest.Manifest) (map[string]bool, error) {
	live := make(map[string]bool, len(m.Snapshots)+len(m.Fragments))
	for _, frag := range m.Fragments {
		live[frag.Path] = true
	}
	stack := append([]manifest.Snapshot{}, m.Snapshots...)
	for len(stack) > 0 {
		snap := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		live[snap.Path] = true
		node, err := c.ms.GetSnapshotNode(ctx, snap)
		if err != nil {
			return nil, err
		}
		stack = append(stack, node.Snapshots...)
		for _, frag := range node.Fragments {
			live[frag.Path] = true
		}
	}
	return live, nil
}

// SweepOrphans deletes fragment objects no committed manifest ever
// referenced, left behind by writers that crashed between the fragment write
// and the manifest commit. Only objects at or past the manifest's next
// sequence number and older than minAge are candidates; anything younger may
// belong to a commit still in flight.
func (c *Collector) SweepOrphans(ctx context.Context, minAge time.Duration) (int, error) {
	m, _, err := c.ms.Load(ctx)
	if err != nil {
		return 0, err
	}
	objects, err := c.store.List(ctx, c.ms.ObjectPath("fragment/"))
	if err != nil {
		return 0, fmt.Errorf("failed to list fragments: %w", err)
	}
	swept := 0
	for _, object := range objects {
		seqno, ok := fragmentSeqNo(object.Key)
		if !ok || seqno < m.NextSeqNo {
			continue
		}
		if time.Since(object.LastModified) < minAge {
			continue
		}
		if err := c.store.Delete(ctx, object.Key); err != nil &&
			!errors.Is(err, storage.ErrObjectNotFound) {
			return swept, fmt.Errorf("failed to delete orphan %s: %w", object.Key, err)
		}
		log.Infow(ctx, "Swept orphaned fragment", "path", object.Key, "seqno", seqno)
		swept++
	}
	return swept, nil
}

func fragmentSeqNo(key string) (uint64, bool) {
	base := path.Base(key)
	base = strings.TrimSuffix(base, ".dat")
	base = strings.TrimPrefix(base, "FragmentSeqNo=")
	seqno, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return seqno, true
}
