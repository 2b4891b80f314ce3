package cursor_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/walrus/cursor"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/storage"
	"github.com/wkalt/walrus/wal"
)

func testLog(t *testing.T, store storage.Provider, count int) {
	t.Helper()
	ctx := context.Background()
	w, err := wal.NewWriter(ctx, store, "logs/test", wal.WithAutoInitialize(true))
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		_, err := w.Append(ctx, []byte(fmt.Sprintf("message-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestCursorSave(t *testing.T) {
	ctx := context.Background()
	t.Run("save and load round trip", func(t *testing.T) {
		store := storage.NewMemStore()
		testLog(t, store, 10)
		cs := cursor.NewStore(store, "logs/test")
		_, err := cs.Save(ctx, "consumer", manifest.Position{Offset: 5}, "proc-1", "")
		require.NoError(t, err)

		cur, _, err := cs.Load(ctx, "consumer")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), cur.Position.Offset)
		assert.Equal(t, "proc-1", cur.Writer)
		assert.NotZero(t, cur.EpochUs)
	})
	t.Run("missing cursor", func(t *testing.T) {
		store := storage.NewMemStore()
		testLog(t, store, 10)
		cs := cursor.NewStore(store, "logs/test")
		_, _, err := cs.Load(ctx, "nope")
		require.ErrorIs(t, err, cursor.ErrCursorNotFound)
	})
	t.Run("creation requires the slot to be empty", func(t *testing.T) {
		store := storage.NewMemStore()
		testLog(t, store, 10)
		cs := cursor.NewStore(store, "logs/test")
		_, err := cs.Save(ctx, "consumer", manifest.Position{Offset: 1}, "proc-1", "")
		require.NoError(t, err)
		_, err = cs.Save(ctx, "consumer", manifest.Position{Offset: 2}, "proc-2", "")
		require.ErrorIs(t, err, cursor.ErrCursorConflict)
	})
	t.Run("update requires a current witness", func(t *testing.T) {
		store := storage.NewMemStore()
		testLog(t, store, 10)
		cs := cursor.NewStore(store, "logs/test")
		w1, err := cs.Save(ctx, "consumer", manifest.Position{Offset: 1}, "proc-1", "")
		require.NoError(t, err)
		w2, err := cs.Save(ctx, "consumer", manifest.Position{Offset: 2}, "proc-1", w1)
		require.NoError(t, err)

		// the spent witness no longer works.
		_, err = cs.Save(ctx, "consumer", manifest.Position{Offset: 3}, "proc-2", w1)
		require.ErrorIs(t, err, cursor.ErrCursorConflict)

		_, err = cs.Save(ctx, "consumer", manifest.Position{Offset: 3}, "proc-2", w2)
		require.NoError(t, err)
	})
	t.Run("invalid names are rejected", func(t *testing.T) {
		store := storage.NewMemStore()
		testLog(t, store, 10)
		cs := cursor.NewStore(store, "logs/test")
		for _, name := range []string{"", "a/b", "a b", "../../etc", "a\x00b"} {
			_, err := cs.Save(ctx, name, manifest.Position{}, "proc-1", "")
			require.ErrorIs(t, err, cursor.InvalidNameError{}, "name %q", name)
		}
	})
	t.Run("position above the head is permitted", func(t *testing.T) {
		// cursors may run ahead of the log; they pin nothing extra.
		store := storage.NewMemStore()
		testLog(t, store, 10)
		cs := cursor.NewStore(store, "logs/test")
		_, err := cs.Save(ctx, "consumer", manifest.Position{Offset: 99}, "proc-1", "")
		require.NoError(t, err)
	})
}

func TestCursorDelete(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	testLog(t, store, 10)
	cs := cursor.NewStore(store, "logs/test")
	_, err := cs.Save(ctx, "consumer", manifest.Position{Offset: 1}, "proc-1", "")
	require.NoError(t, err)
	require.NoError(t, cs.Delete(ctx, "consumer"))
	_, _, err = cs.Load(ctx, "consumer")
	require.ErrorIs(t, err, cursor.ErrCursorNotFound)

	// deleting a missing cursor is fine.
	require.NoError(t, cs.Delete(ctx, "consumer"))
}

func TestCursorList(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	testLog(t, store, 10)
	cs := cursor.NewStore(store, "logs/test")
	for i := 0; i < 3; i++ {
		_, err := cs.Save(ctx, fmt.Sprintf("consumer-%d", i), manifest.Position{Offset: uint64(i)}, "proc-1", "")
		require.NoError(t, err)
	}
	cursors, err := cs.List(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 3)
	for i := 0; i < 3; i++ {
		cur, ok := cursors[fmt.Sprintf("consumer-%d", i)]
		require.True(t, ok)
		require.Equal(t, uint64(i), cur.Position.Offset)
	}
}
