package reader_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/reader"
	"github.com/wkalt/walrus/storage"
	"github.com/wkalt/walrus/wal"
)

// populate writes count messages to a fresh log, one fragment each.
func populate(t *testing.T, store storage.Provider, logname string, count int, opts ...wal.Option) {
	t.Helper()
	ctx := context.Background()
	opts = append([]wal.Option{wal.WithAutoInitialize(true)}, opts...)
	w, err := wal.NewWriter(ctx, store, logname, opts...)
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		_, err := w.Append(ctx, []byte(fmt.Sprintf("message-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	t.Run("full scan returns everything in order", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 10)
		r := reader.NewReader(store, "logs/test")
		next, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.NoError(t, err)
		require.Len(t, frags, 10)
		require.Equal(t, uint64(10), next.Offset)
		for i, frag := range frags {
			require.Equal(t, uint64(i), frag.Start.Offset)
		}
	})
	t.Run("scan from the middle skips earlier fragments", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 10)
		r := reader.NewReader(store, "logs/test")
		_, frags, err := r.Scan(ctx, manifest.Position{Offset: 7}, reader.Limits{})
		require.NoError(t, err)
		require.Len(t, frags, 3)
		require.Equal(t, uint64(7), frags[0].Start.Offset)
	})
	t.Run("scan at the head returns nothing", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 10)
		r := reader.NewReader(store, "logs/test")
		next, frags, err := r.Scan(ctx, manifest.Position{Offset: 10}, reader.Limits{})
		require.NoError(t, err)
		require.Empty(t, frags)
		require.Equal(t, uint64(10), next.Offset)
	})
	t.Run("fragment limit truncates and resumes", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 10)
		r := reader.NewReader(store, "logs/test")
		collected := []manifest.Fragment{}
		from := manifest.Position{}
		for i := 0; i < 5; i++ {
			next, frags, err := r.Scan(ctx, from, reader.Limits{MaxFragments: 3})
			require.NoError(t, err)
			collected = append(collected, frags...)
			if next.Offset == from.Offset {
				break
			}
			from = next
		}
		require.Len(t, collected, 10)
		for i, frag := range collected {
			require.Equal(t, uint64(i), frag.Start.Offset)
		}
	})
	t.Run("byte limit truncates the scan", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 10)
		r := reader.NewReader(store, "logs/test")
		_, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{MaxBytes: 1})
		require.NoError(t, err)
		require.Len(t, frags, 1)
	})
	t.Run("scan descends the snapshot tree", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 50, wal.WithCompactionOptions(
			manifest.WithTargetFanout(4),
			manifest.WithRootFragmentHighWater(4),
		))
		r := reader.NewReader(store, "logs/test")
		m, err := r.Manifest(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, m.Snapshots)

		next, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.NoError(t, err)
		require.Len(t, frags, 50)
		require.Equal(t, uint64(50), next.Offset)
		for i, frag := range frags {
			require.Equal(t, uint64(i), frag.Start.Offset)
		}

		// interval pruning: a tail scan returns only intersecting fragments.
		_, frags, err = r.Scan(ctx, manifest.Position{Offset: 45}, reader.Limits{})
		require.NoError(t, err)
		require.Len(t, frags, 5)
		require.Equal(t, uint64(45), frags[0].Start.Offset)
	})
	t.Run("empty log scans clean", func(t *testing.T) {
		store := storage.NewMemStore()
		require.NoError(t, wal.Init(ctx, store, "logs/test"))
		r := reader.NewReader(store, "logs/test")
		next, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.NoError(t, err)
		require.Empty(t, frags)
		require.Equal(t, uint64(0), next.Offset)
	})
	t.Run("uninitialized log fails", func(t *testing.T) {
		r := reader.NewReader(storage.NewMemStore(), "logs/test")
		_, _, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.ErrorIs(t, err, manifest.ErrNotInitialized)
	})
}

func TestMessages(t *testing.T) {
	ctx := context.Background()
	t.Run("messages decode with verified content", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 5)
		r := reader.NewReader(store, "logs/test")
		_, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.NoError(t, err)
		offset := uint64(0)
		for _, frag := range frags {
			messages, err := r.Messages(ctx, frag)
			require.NoError(t, err)
			for _, message := range messages {
				assert.Equal(t, offset, message.Position.Offset)
				assert.Equal(t, []byte(fmt.Sprintf("message-%d", offset)), message.Data)
				offset++
			}
		}
		require.Equal(t, uint64(5), offset)
	})
	t.Run("content drifting from the manifest is detected", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 1)
		r := reader.NewReader(store, "logs/test")
		_, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.NoError(t, err)
		require.Len(t, frags, 1)

		frags[0].Setsum = frags[0].Setsum.Insert([]byte("drift"))
		_, err = r.Messages(ctx, frags[0])
		require.ErrorIs(t, err, manifest.IntegrityError{})
	})
	t.Run("prefetch preserves fragment order", func(t *testing.T) {
		store := storage.NewMemStore()
		populate(t, store, "logs/test", 20)
		r := reader.NewReader(store, "logs/test")
		_, frags, err := r.Scan(ctx, manifest.Position{}, reader.Limits{})
		require.NoError(t, err)
		batches, err := r.Prefetch(ctx, frags, 4)
		require.NoError(t, err)
		require.Len(t, batches, len(frags))
		offset := uint64(0)
		for _, messages := range batches {
			for _, message := range messages {
				require.Equal(t, offset, message.Position.Offset)
				offset++
			}
		}
		require.Equal(t, uint64(20), offset)
	})
}
