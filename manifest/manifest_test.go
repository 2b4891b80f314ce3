package manifest_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/setsum"
	"github.com/wkalt/walrus/storage"
)

func testFragment(seqno, start, limit uint64) manifest.Fragment {
	sum := setsum.Setsum{}
	for off := start; off < limit; off++ {
		sum = sum.Insert([]byte(fmt.Sprintf("message-%d", off)))
	}
	return manifest.Fragment{
		Path:      manifest.FragmentPath(seqno),
		SeqNo:     seqno,
		Start:     manifest.Position{Offset: start, Timestamp: start},
		Limit:     manifest.Position{Offset: limit, Timestamp: limit},
		SizeBytes: (limit - start) * 64,
		Setsum:    sum,
	}
}

func testManifest(t *testing.T, frags ...manifest.Fragment) *manifest.Manifest {
	t.Helper()
	m := manifest.NewManifest("test")
	for _, frag := range frags {
		require.NoError(t, m.AddFragment(frag))
	}
	return m
}

func TestAddFragment(t *testing.T) {
	t.Run("sequential appends extend the manifest", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10), testFragment(1, 10, 25))
		require.Equal(t, uint64(2), m.NextSeqNo)
		require.Equal(t, uint64(25), m.NextOffset)
		require.NoError(t, m.Validate())
		require.True(t, m.LiveSetsum().Equal(m.Setsum))
	})
	t.Run("wrong seqno is rejected", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10))
		err := m.AddFragment(testFragment(2, 10, 20))
		require.ErrorIs(t, err, manifest.OutOfOrderError{})
	})
	t.Run("offset gap is rejected", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10))
		err := m.AddFragment(testFragment(1, 11, 20))
		require.ErrorIs(t, err, manifest.OutOfOrderError{})
	})
	t.Run("sealed manifest rejects appends", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10))
		m.Sealed = true
		err := m.AddFragment(testFragment(1, 10, 20))
		require.ErrorIs(t, err, manifest.ErrLogSealed)
	})
	t.Run("empty fragment is rejected", func(t *testing.T) {
		m := testManifest(t)
		err := m.AddFragment(testFragment(0, 0, 0))
		require.Error(t, err)
	})
}

func TestManifestValidate(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10), testFragment(1, 10, 20))
		require.NoError(t, m.Validate())
	})
	t.Run("setsum drift is detected", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10))
		m.Setsum = m.Setsum.Insert([]byte("phantom"))
		require.ErrorIs(t, m.Validate(), manifest.IntegrityError{})
	})
	t.Run("contiguity break is detected", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10), testFragment(1, 10, 20))
		m.Fragments[1].Start.Offset = 11
		require.Error(t, m.Validate())
	})
	t.Run("pruned mass balances the books", func(t *testing.T) {
		frag := testFragment(0, 0, 10)
		m := testManifest(t, frag, testFragment(1, 10, 20))
		m.Fragments = m.Fragments[1:]
		require.Error(t, m.Validate())
		m.Pruned = m.Pruned.Add(frag.Setsum)
		require.NoError(t, m.Validate())
	})
}

func TestStartOffset(t *testing.T) {
	t.Run("empty log", func(t *testing.T) {
		m := manifest.NewManifest("test")
		require.Equal(t, uint64(0), m.StartOffset())
	})
	t.Run("first fragment", func(t *testing.T) {
		m := testManifest(t, testFragment(0, 0, 10))
		require.Equal(t, uint64(0), m.StartOffset())
	})
	t.Run("after collection", func(t *testing.T) {
		frag := testFragment(0, 0, 10)
		m := testManifest(t, frag, testFragment(1, 10, 20))
		m.Fragments = m.Fragments[1:]
		m.Pruned = m.Pruned.Add(frag.Setsum)
		require.Equal(t, uint64(10), m.StartOffset())
	})
}

func TestCheckTransition(t *testing.T) {
	t.Run("append transition", func(t *testing.T) {
		prev := testManifest(t, testFragment(0, 0, 10))
		frag := testFragment(1, 10, 20)
		next := prev.Clone()
		require.NoError(t, next.AddFragment(frag))
		require.NoError(t, manifest.CheckTransition(prev, next, frag.Setsum))
	})
	t.Run("unaccounted content is rejected", func(t *testing.T) {
		prev := testManifest(t, testFragment(0, 0, 10))
		next := prev.Clone()
		require.NoError(t, next.AddFragment(testFragment(1, 10, 20)))
		err := manifest.CheckTransition(prev, next, setsum.Setsum{})
		require.ErrorIs(t, err, manifest.IntegrityError{})
	})
	t.Run("seqno regression is rejected", func(t *testing.T) {
		prev := testManifest(t, testFragment(0, 0, 10), testFragment(1, 10, 20))
		next := testManifest(t, testFragment(0, 0, 10))
		next.Setsum = prev.Setsum
		next.Pruned = prev.Fragments[1].Setsum
		err := manifest.CheckTransition(prev, next, setsum.Setsum{})
		require.Error(t, err)
	})
	t.Run("sealed manifest admits no successor with appends", func(t *testing.T) {
		prev := testManifest(t, testFragment(0, 0, 10))
		prev.Sealed = true
		next := prev.Clone()
		next.Sealed = false
		frag := testFragment(1, 10, 20)
		next.Fragments = append(next.Fragments, frag)
		next.Setsum = next.Setsum.Add(frag.Setsum)
		next.NextSeqNo = 2
		next.NextOffset = 20
		err := manifest.CheckTransition(prev, next, frag.Setsum)
		require.ErrorIs(t, err, manifest.ErrLogSealed)
	})
	t.Run("collection conserves the lifetime setsum", func(t *testing.T) {
		prev := testManifest(t, testFragment(0, 0, 10), testFragment(1, 10, 20))
		next := prev.Clone()
		collected := next.Fragments[0]
		next.Fragments = next.Fragments[1:]
		next.Pruned = next.Pruned.Add(collected.Setsum)
		require.NoError(t, manifest.CheckTransition(prev, next, setsum.Setsum{}))
	})
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	t.Run("init and load", func(t *testing.T) {
		ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
		m, _, err := ms.Init(ctx, "writer-1")
		require.NoError(t, err)
		require.Equal(t, "writer-1", m.Writer)

		loaded, _, err := ms.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, m, loaded)
	})
	t.Run("double init fails", func(t *testing.T) {
		ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
		_, _, err := ms.Init(ctx, "writer-1")
		require.NoError(t, err)
		_, _, err = ms.Init(ctx, "writer-2")
		require.ErrorIs(t, err, manifest.ErrAlreadyInitialized)
	})
	t.Run("load of missing log fails", func(t *testing.T) {
		ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
		_, _, err := ms.Load(ctx)
		require.ErrorIs(t, err, manifest.ErrNotInitialized)
	})
	t.Run("commit requires a current witness", func(t *testing.T) {
		ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
		_, witness, err := ms.Init(ctx, "writer-1")
		require.NoError(t, err)

		m1 := testManifest(t, testFragment(0, 0, 10))
		witness2, err := ms.Commit(ctx, m1, witness)
		require.NoError(t, err)

		m2 := testManifest(t, testFragment(0, 0, 5))
		_, err = ms.Commit(ctx, m2, witness)
		require.ErrorIs(t, err, manifest.ErrManifestConflict)

		loaded, _, err := ms.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, m1, loaded)

		next := loaded.Clone()
		require.NoError(t, next.AddFragment(testFragment(1, 10, 20)))
		_, err = ms.Commit(ctx, next, witness2)
		require.NoError(t, err)
	})
	t.Run("snapshot nodes round trip", func(t *testing.T) {
		ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
		node, err := manifest.NewSnapshotNode(nil, []manifest.Fragment{
			testFragment(0, 0, 10),
			testFragment(1, 10, 20),
		})
		require.NoError(t, err)
		entry, err := ms.PutSnapshotNode(ctx, node)
		require.NoError(t, err)
		require.Equal(t, uint8(1), entry.Depth)

		// content addressed: a second put of the same node is a no-op.
		entry2, err := ms.PutSnapshotNode(ctx, node)
		require.NoError(t, err)
		require.Equal(t, entry, entry2)

		loaded, err := ms.GetSnapshotNode(ctx, entry)
		require.NoError(t, err)
		require.Equal(t, node, loaded)
	})
	t.Run("snapshot fetch detects setsum mismatch", func(t *testing.T) {
		ms := manifest.NewStore(storage.NewMemStore(), "logs/test")
		node, err := manifest.NewSnapshotNode(nil, []manifest.Fragment{testFragment(0, 0, 10)})
		require.NoError(t, err)
		entry, err := ms.PutSnapshotNode(ctx, node)
		require.NoError(t, err)
		entry.Setsum = entry.Setsum.Insert([]byte("tampered"))
		entry.Path = manifest.SnapshotPath(entry.Setsum)
		_, err = ms.GetSnapshotNode(ctx, entry)
		require.Error(t, err)
	})
}

func TestSnapshotNode(t *testing.T) {
	t.Run("empty node is rejected", func(t *testing.T) {
		_, err := manifest.NewSnapshotNode(nil, nil)
		require.Error(t, err)
	})
	t.Run("depth is one past the deepest child", func(t *testing.T) {
		leaf, err := manifest.NewSnapshotNode(nil, []manifest.Fragment{
			testFragment(0, 0, 10),
			testFragment(1, 10, 20),
		})
		require.NoError(t, err)
		inner, err := manifest.NewSnapshotNode([]manifest.Snapshot{leaf.Entry()}, []manifest.Fragment{
			testFragment(2, 20, 30),
		})
		require.NoError(t, err)
		require.Equal(t, uint8(2), inner.Depth)
		require.Equal(t, uint64(0), inner.Start.Offset)
		require.Equal(t, uint64(30), inner.Limit.Offset)
	})
	t.Run("discontiguous children are rejected", func(t *testing.T) {
		_, err := manifest.NewSnapshotNode(nil, []manifest.Fragment{
			testFragment(0, 0, 10),
			testFragment(1, 15, 20),
		})
		require.Error(t, err)
	})
	t.Run("node setsum is the sum of its children", func(t *testing.T) {
		a := testFragment(0, 0, 10)
		b := testFragment(1, 10, 20)
		node, err := manifest.NewSnapshotNode(nil, []manifest.Fragment{a, b})
		require.NoError(t, err)
		require.True(t, node.Setsum.Equal(a.Setsum.Add(b.Setsum)))
	})
}
