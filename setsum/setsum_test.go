package setsum_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/walrus/setsum"
)

func TestSetsum(t *testing.T) {
	t.Run("zero value is the empty set", func(t *testing.T) {
		var s setsum.Setsum
		assert.True(t, s.IsZero())
		assert.True(t, s.Equal(setsum.Setsum{}))
	})
	t.Run("insertion order does not matter", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("x")).Insert([]byte("y")).Insert([]byte("z"))
		b := setsum.Setsum{}.Insert([]byte("z")).Insert([]byte("x")).Insert([]byte("y"))
		assert.True(t, a.Equal(b))
	})
	t.Run("different sets differ", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("x"))
		b := setsum.Setsum{}.Insert([]byte("y"))
		assert.False(t, a.Equal(b))
	})
	t.Run("remove inverts insert", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("x")).Insert([]byte("y"))
		assert.True(t, a.Remove([]byte("y")).Equal(setsum.Setsum{}.Insert([]byte("x"))))
		assert.True(t, a.Remove([]byte("x")).Remove([]byte("y")).IsZero())
	})
	t.Run("add and sub are inverses", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("x"))
		b := setsum.Setsum{}.Insert([]byte("y")).Insert([]byte("z"))
		assert.True(t, a.Add(b).Sub(b).Equal(a))
		assert.True(t, a.Add(b).Sub(a).Equal(b))
	})
	t.Run("add is associative", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("x"))
		b := setsum.Setsum{}.Insert([]byte("y"))
		c := setsum.Setsum{}.Insert([]byte("z"))
		assert.True(t, a.Add(b).Add(c).Equal(a.Add(b.Add(c))))
	})
	t.Run("multiset semantics", func(t *testing.T) {
		once := setsum.Setsum{}.Insert([]byte("x"))
		twice := once.Insert([]byte("x"))
		assert.False(t, once.Equal(twice))
		assert.True(t, twice.Remove([]byte("x")).Equal(once))
	})
}

func TestSetsumEncoding(t *testing.T) {
	t.Run("hex round trip", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("hello")).Insert([]byte("world"))
		parsed, err := setsum.FromHex(a.Hexdigest())
		require.NoError(t, err)
		assert.True(t, a.Equal(parsed))
	})
	t.Run("hexdigest length", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("hello"))
		assert.Len(t, a.Hexdigest(), 2*setsum.Size)
	})
	t.Run("rejects malformed hex", func(t *testing.T) {
		_, err := setsum.FromHex("zz")
		require.Error(t, err)
		_, err = setsum.FromHex("abcd")
		require.Error(t, err)
	})
	t.Run("rejects out-of-range columns", func(t *testing.T) {
		_, err := setsum.FromHex("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
		require.Error(t, err)
	})
	t.Run("json round trip", func(t *testing.T) {
		a := setsum.Setsum{}.Insert([]byte("hello"))
		data, err := a.MarshalJSON()
		require.NoError(t, err)
		var b setsum.Setsum
		require.NoError(t, b.UnmarshalJSON(data))
		assert.True(t, a.Equal(b))
	})
}
