package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wkalt/walrus/fragment"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/storage"
	"github.com/wkalt/walrus/util"
	"github.com/wkalt/walrus/util/log"
)

/*
The writer is the append side of the log. Appends are queued in memory and
flushed as immutable fragment objects: a flush is triggered immediately
whenever work is queued and nothing is in flight, and otherwise by size or
age thresholds, so light load gets low latency and heavy load gets large
fragments. On flush, the batch is serialized with its setsum, written to the
log's next unused fragment path, and handed to the coordinator, which makes
it visible to readers through a manifest CAS. Callers block until their
message is durable in a committed manifest, or fail along with the flush.

Flushes and manifest commits run on a background context detached from any
individual caller: canceling an Append abandons the caller's interest in the
result but never truncates a write other callers may be waiting on. A failed
fragment write leaves no durable trace - nothing references the orphaned
object, and the garbage collector eventually sweeps it.
*/

////////////////////////////////////////////////////////////////////////////////

type pendingAppend struct {
	data   []byte
	result chan appendResult
}

type appendResult struct {
	position manifest.Position
	err      error
}

type batch struct {
	seqno   uint64
	base    manifest.Position
	entries []*pendingAppend
}

// Writer appends messages to a log.
type Writer struct {
	store storage.Provider
	ms    *manifest.Store
	coord *coordinator
	conf  config
	id    string

	bgctx context.Context

	mtx      sync.Mutex
	queue    []*pendingAppend
	queued   int
	oldest   time.Time
	inflight int
	closed   bool

	wakeup  chan struct{}
	batches chan *batch
	closing chan struct{}
	wg      sync.WaitGroup
}

// Init creates a new, empty log. It fails with manifest.ErrAlreadyInitialized
// if the log exists.
func Init(ctx context.Context, store storage.Provider, logname string) error {
	ms := manifest.NewStore(store, logname)
	if _, _, err := ms.Init(ctx, "init"); err != nil {
		return err
	}
	return nil
}

// NewWriter opens a log for appending. The log must exist unless
// WithAutoInitialize is supplied. At most one writer should be active per
// log; a second writer is detected, not prevented, and the loser fails with
// LostLogError.
func NewWriter(ctx context.Context, store storage.Provider, logname string, opts ...Option) (*Writer, error) {
	conf := config{
		batchSizeThreshold: 8 * 1024 * 1024,
		batchAgeThreshold:  50 * time.Millisecond,
		flushConcurrency:   4,
		casRetryBudget:     5,
		putRetryBudget:     3,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	ms := manifest.NewStore(store, logname)
	m, witness, err := ms.Load(ctx)
	if err != nil {
		if !errors.Is(err, manifest.ErrNotInitialized) || !conf.autoInitialize {
			return nil, err
		}
		if m, witness, err = ms.Init(ctx, "init"); err != nil {
			return nil, fmt.Errorf("failed to initialize log %s: %w", logname, err)
		}
	}
	if m.Sealed {
		return nil, manifest.ErrLogSealed
	}
	id := uuid.NewString()
	w := &Writer{
		store:   store,
		ms:      ms,
		conf:    conf,
		id:      id,
		bgctx:   log.AddTags(context.WithoutCancel(ctx), "log", logname, "writer", id),
		wakeup:  make(chan struct{}, 1),
		batches: make(chan *batch, conf.flushConcurrency),
		closing: make(chan struct{}),
	}
	w.coord = newCoordinator(ms, manifest.NewCompactor(ms, conf.compaction...), id, m, witness,
		conf.casRetryBudget, w.batchDone)
	w.wg.Add(1)
	go w.runAssembly()
	for i := 0; i < conf.flushConcurrency; i++ {
		w.wg.Add(1)
		go w.runFlusher()
	}
	return w, nil
}

// Append adds a message to the log, returning its durable position once the
// covering fragment is committed to a manifest. Canceling the context
// detaches the caller without aborting the flush; the message may still
// become durable.
func (w *Writer) Append(ctx context.Context, data []byte) (manifest.Position, error) {
	entry := &pendingAppend{
		data:   append([]byte{}, data...),
		result: make(chan appendResult, 1),
	}
	w.mtx.Lock()
	if w.closed {
		w.mtx.Unlock()
		return manifest.Position{}, ErrWriterClosed
	}
	w.queue = append(w.queue, entry)
	w.queued += len(entry.data)
	if len(w.queue) == 1 {
		w.oldest = time.Now()
	}
	w.mtx.Unlock()
	w.signal()

	select {
	case res := <-entry.result:
		if res.err != nil {
			return manifest.Position{}, res.err
		}
		return res.position, nil
	case <-ctx.Done():
		return manifest.Position{}, fmt.Errorf("append abandoned: %w", ctx.Err())
	}
}

// Seal closes the log to all future appends, across all writers. Sealing is
// a manifest flag committed through the normal CAS path.
func (w *Writer) Seal(ctx context.Context) error {
	return w.coord.seal(ctx)
}

// Close flushes queued appends, waits for in-flight commits, and shuts the
// writer down.
func (w *Writer) Close() error {
	w.mtx.Lock()
	if w.closed {
		w.mtx.Unlock()
		return nil
	}
	w.closed = true
	w.mtx.Unlock()
	close(w.closing)
	w.signal()
	w.wg.Wait()
	return w.coord.err()
}

func (w *Writer) signal() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

// runAssembly forms batches from the append queue. A batch is cut as soon as
// no flush is in flight, or when the queue exceeds the size threshold, or
// when the oldest queued message exceeds the age threshold.
func (w *Writer) runAssembly() {
	defer w.wg.Done()
	defer close(w.batches)
	ticker := time.NewTicker(w.conf.batchAgeThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-w.wakeup:
		case <-ticker.C:
		case <-w.closing:
			w.drain()
			return
		}
		w.dispatchReady(false)
	}
}

// drain flushes everything left in the queue and waits for in-flight work.
func (w *Writer) drain() {
	for {
		w.dispatchReady(true)
		w.mtx.Lock()
		idle := len(w.queue) == 0 && w.inflight == 0
		w.mtx.Unlock()
		if idle {
			return
		}
		select {
		case <-w.wakeup:
		case <-time.After(time.Millisecond):
		}
	}
}

func (w *Writer) dispatchReady(force bool) {
	w.mtx.Lock()
	if len(w.queue) == 0 {
		w.mtx.Unlock()
		return
	}
	due := force ||
		w.inflight == 0 ||
		w.queued >= w.conf.batchSizeThreshold ||
		time.Since(w.oldest) >= w.conf.batchAgeThreshold
	if !due {
		w.mtx.Unlock()
		return
	}
	entries := w.queue
	w.queue = nil
	w.queued = 0
	w.inflight++
	w.mtx.Unlock()

	seqno, base, err := w.coord.reserve(len(entries))
	if err != nil {
		for _, entry := range entries {
			entry.result <- appendResult{err: err}
		}
		w.mtx.Lock()
		w.inflight--
		w.mtx.Unlock()
		return
	}
	w.batches <- &batch{seqno: seqno, base: base, entries: entries}
}

func (w *Writer) runFlusher() {
	defer w.wg.Done()
	for b := range w.batches {
		w.flush(b)
	}
}

// flush writes the batch as a fragment object and submits the delta. The
// fragment path is derived from the reserved sequence number, so a crashed
// or failed flush leaves at most an orphaned object no manifest references.
func (w *Writer) flush(b *batch) {
	payloads := make([][]byte, len(b.entries))
	for i, entry := range b.entries {
		payloads[i] = entry.data
	}
	data, sum, limit := fragment.Encode(b.base, payloads)
	frag := manifest.Fragment{
		Path:      manifest.FragmentPath(b.seqno),
		SeqNo:     b.seqno,
		Start:     b.base,
		Limit:     limit,
		SizeBytes: uint64(len(data)),
		Setsum:    sum,
	}
	backoff := util.NewBackoff(util.DefaultBackoffInitial, util.DefaultBackoffMax)
	var err error
	for attempt := 1; attempt <= w.conf.putRetryBudget; attempt++ {
		if _, err = w.store.PutIfAbsent(w.bgctx, w.ms.ObjectPath(frag.Path), data); err == nil {
			break
		}
		if errors.Is(err, storage.ErrPreconditionFailed) {
			// The path is occupied. Either a retried attempt already landed
			// our bytes, or a concurrent writer owns this sequence number.
			existing, _, gerr := w.store.Get(w.bgctx, w.ms.ObjectPath(frag.Path))
			if gerr == nil && bytes.Equal(existing, data) {
				err = nil
				break
			}
			err = fmt.Errorf("fragment %s written by another writer: %w", frag.Path, LostLogError{})
			break
		}
		log.Warnw(w.bgctx, "Fragment write failed",
			"path", frag.Path, "attempt", attempt, "error", err)
		if attempt < w.conf.putRetryBudget {
			if err := backoff.Wait(w.bgctx); err != nil {
				break
			}
		}
	}
	if err != nil {
		// The reserved sequence number is burned: later reservations depend
		// on it, so the writer cannot continue past a lost fragment.
		w.coord.abort(fmt.Errorf("failed to write fragment %s: %w", frag.Path, err))
		for _, entry := range b.entries {
			entry.result <- appendResult{err: err}
		}
		w.mtx.Lock()
		w.inflight--
		w.mtx.Unlock()
		w.signal()
		return
	}
	if err := w.coord.submit(w.bgctx, &delta{frag: frag, entries: b.entries}); err != nil {
		log.Errorw(w.bgctx, "Failed to commit fragment", "path", frag.Path, "error", err)
	}
}

// batchDone is invoked by the coordinator once per delta, when it lands in
// a committed manifest or fails.
func (w *Writer) batchDone(*delta) {
	w.mtx.Lock()
	w.inflight--
	w.mtx.Unlock()
	w.signal()
}
