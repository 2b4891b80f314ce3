package manifest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/setsum"
	"github.com/wkalt/walrus/storage"
)

func testCompactor(t *testing.T, opts ...manifest.CompactionOption) (*manifest.Compactor, *manifest.Store) {
	t.Helper()
	ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
	return manifest.NewCompactor(ms, opts...), ms
}

// coverage flattens the manifest back to its fragment list by walking the
// snapshot tree, for comparing against the pre-compaction state.
func coverage(t *testing.T, ms *manifest.Store, m *manifest.Manifest) []manifest.Fragment {
	t.Helper()
	ctx := context.Background()
	frags := []manifest.Fragment{}
	var walk func(snapshots []manifest.Snapshot, fragments []manifest.Fragment)
	walk = func(snapshots []manifest.Snapshot, fragments []manifest.Fragment) {
		for _, snap := range snapshots {
			node, err := ms.GetSnapshotNode(ctx, snap)
			require.NoError(t, err)
			walk(node.Snapshots, node.Fragments)
		}
		frags = append(frags, fragments...)
	}
	walk(m.Snapshots, m.Fragments)
	return frags
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	t.Run("bounded manifest is left alone", func(t *testing.T) {
		compactor, _ := testCompactor(t, manifest.WithRootFragmentHighWater(8))
		m := manifest.NewManifest("test")
		for i := 0; i < 8; i++ {
			require.NoError(t, m.AddFragment(testFragment(uint64(i), uint64(i*10), uint64(i*10+10))))
		}
		_, changed, err := compactor.Compact(ctx, m)
		require.NoError(t, err)
		require.False(t, changed)
	})
	t.Run("overflowing fragments fold into a snapshot", func(t *testing.T) {
		compactor, ms := testCompactor(t,
			manifest.WithTargetFanout(4),
			manifest.WithRootFragmentHighWater(8),
		)
		m := manifest.NewManifest("test")
		for i := 0; i < 12; i++ {
			require.NoError(t, m.AddFragment(testFragment(uint64(i), uint64(i*10), uint64(i*10+10))))
		}
		before := coverage(t, ms, m)

		out, changed, err := compactor.Compact(ctx, m)
		require.NoError(t, err)
		require.True(t, changed)
		require.Len(t, out.Snapshots, 1)
		require.Len(t, out.Fragments, 8)
		require.Equal(t, uint8(1), out.Snapshots[0].Depth)

		// compaction is invisible to readers: same fragments, same total.
		require.Equal(t, before, coverage(t, ms, out))
		require.NoError(t, manifest.CheckTransition(m, out, setsum.Setsum{}))
	})
	t.Run("snapshot runs fold into deeper nodes", func(t *testing.T) {
		compactor, ms := testCompactor(t,
			manifest.WithTargetFanout(2),
			manifest.WithRootFragmentHighWater(2),
		)
		m := manifest.NewManifest("test")
		for i := 0; i < 16; i++ {
			require.NoError(t, m.AddFragment(testFragment(uint64(i), uint64(i*10), uint64(i*10+10))))
		}
		before := coverage(t, ms, m)

		out, changed, err := compactor.Compact(ctx, m)
		require.NoError(t, err)
		require.True(t, changed)
		require.LessOrEqual(t, len(out.Fragments), 2)
		for _, snap := range out.Snapshots {
			require.Greater(t, snap.Depth, uint8(0))
		}
		require.Equal(t, before, coverage(t, ms, out))
		require.NoError(t, manifest.CheckTransition(m, out, setsum.Setsum{}))
	})
	t.Run("depth ceiling is respected", func(t *testing.T) {
		compactor, ms := testCompactor(t,
			manifest.WithTargetFanout(2),
			manifest.WithRootFragmentHighWater(0),
			manifest.WithMaxDepth(2),
		)
		m := manifest.NewManifest("test")
		for i := 0; i < 32; i++ {
			require.NoError(t, m.AddFragment(testFragment(uint64(i), uint64(i*10), uint64(i*10+10))))
		}
		out, changed, err := compactor.Compact(ctx, m)
		require.NoError(t, err)
		require.True(t, changed)
		for _, snap := range out.Snapshots {
			require.LessOrEqual(t, snap.Depth, uint8(2))
		}
		require.Equal(t, coverage(t, ms, m), coverage(t, ms, out))
	})
	t.Run("incremental compaction converges", func(t *testing.T) {
		compactor, ms := testCompactor(t,
			manifest.WithTargetFanout(4),
			manifest.WithRootFragmentHighWater(4),
		)
		m := manifest.NewManifest("test")
		seq := uint64(0)
		for i := 0; i < 10; i++ {
			for i := 0; i < 4; i++ {
				require.NoError(t, m.AddFragment(testFragment(seq, seq*10, seq*10+10)))
				seq++
			}
			out, changed, err := compactor.Compact(ctx, m)
			require.NoError(t, err)
			if changed {
				m = out
			}
			require.LessOrEqual(t, len(m.Fragments), 8)
		}
		require.Len(t, coverage(t, ms, m), int(seq))
		require.NoError(t, m.Validate())
	})
}
