package fragment_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/walrus/fragment"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/setsum"
)

func TestEncodeDecode(t *testing.T) {
	base := manifest.Position{Offset: 42, Timestamp: 1700000000000000}
	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	data, sum, limit := fragment.Encode(base, payloads)

	t.Run("limit covers the batch", func(t *testing.T) {
		assert.Equal(t, uint64(45), limit.Offset)
	})
	t.Run("messages round trip in order", func(t *testing.T) {
		messages, decoded, err := fragment.Decode(data)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.True(t, sum.Equal(decoded))
		for i, msg := range messages {
			assert.Equal(t, base.Offset+uint64(i), msg.Position.Offset)
			assert.Equal(t, base.Timestamp, msg.Position.Timestamp)
			assert.Equal(t, payloads[i], msg.Data)
		}
	})
	t.Run("setsum depends on offsets", func(t *testing.T) {
		_, other, _ := fragment.Encode(manifest.Position{Offset: 43, Timestamp: base.Timestamp}, payloads)
		assert.False(t, sum.Equal(other))
	})
	t.Run("empty batch", func(t *testing.T) {
		data, sum, limit := fragment.Encode(base, nil)
		messages, decoded, err := fragment.Decode(data)
		require.NoError(t, err)
		assert.Empty(t, messages)
		assert.True(t, sum.IsZero())
		assert.True(t, decoded.IsZero())
		assert.Equal(t, base.Offset, limit.Offset)
	})
}

func TestDecodeErrors(t *testing.T) {
	base := manifest.Position{Offset: 0, Timestamp: 1}
	data, _, _ := fragment.Encode(base, [][]byte{[]byte("hello")})

	t.Run("bad magic", func(t *testing.T) {
		corrupted := append([]byte{}, data...)
		corrupted[0] = 'x'
		_, _, err := fragment.Decode(corrupted)
		assert.ErrorIs(t, err, fragment.ErrBadMagic)
	})
	t.Run("unsupported version", func(t *testing.T) {
		corrupted := append([]byte{}, data...)
		corrupted[6] = 99
		_, _, err := fragment.Decode(corrupted)
		assert.ErrorIs(t, err, fragment.UnsupportedVersionError{})
	})
	t.Run("flipped payload byte fails crc", func(t *testing.T) {
		corrupted := append([]byte{}, data...)
		corrupted[8+1+8+8+8] ^= 0xff
		_, _, err := fragment.Decode(corrupted)
		assert.ErrorIs(t, err, fragment.CRCMismatchError{})
	})
	t.Run("truncation", func(t *testing.T) {
		_, _, err := fragment.Decode(data[:len(data)-10])
		require.Error(t, err)
	})
	t.Run("missing trailer", func(t *testing.T) {
		// strip the trailer record entirely
		trailerLen := 1 + 8 + 8 + setsum.Size + 4
		_, _, err := fragment.Decode(data[: len(data)-trailerLen])
		assert.ErrorIs(t, err, fragment.ErrMissingTrailer)
	})
}
