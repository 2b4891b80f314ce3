package setsum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

/*
Setsum is an associative, commutative cryptographic aggregate checksum. Items
are hashed with SHA-256 and the digest is folded into eight 32-bit columns,
each maintained modulo a distinct prime just under 2^32. Because column
addition commutes, the checksum of a set is independent of insertion order,
and sums can be unioned or differenced in O(1).

Every durable structure in the log carries a setsum: fragments sum their
records, snapshots sum their children, and the manifest sums everything it
has ever admitted. This lets each manifest transition and every garbage
collection pass be verified without re-reading data.
*/

////////////////////////////////////////////////////////////////////////////////

// Size is the byte length of a serialized setsum.
const Size = 32

const columns = Size / 4

// Per-column moduli: the eight largest primes below 2^32.
var primes = [columns]uint32{
	4294967291,
	4294967279,
	4294967231,
	4294967197,
	4294967189,
	4294967161,
	4294967143,
	4294967111,
}

// Setsum is the aggregate checksum of a set of byte strings. The zero value
// is the checksum of the empty set and is ready to use.
type Setsum struct {
	cols [columns]uint32
}

// Insert returns the sum with the given item added.
func (s Setsum) Insert(item []byte) Setsum {
	return s.Add(itemSum(item))
}

// Remove returns the sum with the given item removed. Removing an item that
// was never inserted does not fail - the result is simply a sum that will
// never reconcile.
func (s Setsum) Remove(item []byte) Setsum {
	return s.Sub(itemSum(item))
}

// Add returns the union of two sums.
func (s Setsum) Add(other Setsum) Setsum {
	var out Setsum
	for i := range s.cols {
		out.cols[i] = addmod(s.cols[i], other.cols[i], primes[i])
	}
	return out
}

// Sub returns the difference of two sums, i.e the sum of the items in s that
// are not in other.
func (s Setsum) Sub(other Setsum) Setsum {
	var out Setsum
	for i := range s.cols {
		out.cols[i] = addmod(s.cols[i], primes[i]-other.cols[i], primes[i])
	}
	return out
}

// Equal reports whether two sums are identical.
func (s Setsum) Equal(other Setsum) bool {
	return s.cols == other.cols
}

// IsZero reports whether the sum is the checksum of the empty set.
func (s Setsum) IsZero() bool {
	return s.cols == [columns]uint32{}
}

// Digest returns the serialized form of the sum.
func (s Setsum) Digest() [Size]byte {
	var out [Size]byte
	for i, col := range s.cols {
		binary.LittleEndian.PutUint32(out[i*4:], col)
	}
	return out
}

// Hexdigest returns the hex encoding of the digest. Snapshots are
// content-addressed by this string.
func (s Setsum) Hexdigest() string {
	digest := s.Digest()
	return hex.EncodeToString(digest[:])
}

// String implements fmt.Stringer.
func (s Setsum) String() string {
	return s.Hexdigest()
}

// FromDigest parses a serialized setsum.
func FromDigest(digest [Size]byte) (Setsum, error) {
	var s Setsum
	for i := range s.cols {
		col := binary.LittleEndian.Uint32(digest[i*4:])
		if col >= primes[i] {
			return Setsum{}, fmt.Errorf("column %d out of range: %d", i, col)
		}
		s.cols[i] = col
	}
	return s, nil
}

// FromHex parses a hex-encoded setsum digest.
func FromHex(hexdigest string) (Setsum, error) {
	raw, err := hex.DecodeString(hexdigest)
	if err != nil {
		return Setsum{}, fmt.Errorf("failed to decode setsum hex: %w", err)
	}
	if len(raw) != Size {
		return Setsum{}, fmt.Errorf("invalid setsum length: %d", len(raw))
	}
	var digest [Size]byte
	copy(digest[:], raw)
	return FromDigest(digest)
}

// MarshalJSON encodes the sum as a hex string.
func (s Setsum) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.Hexdigest() + `"`), nil
}

// UnmarshalJSON decodes the sum from a hex string.
func (s *Setsum) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid setsum json: %s", string(data))
	}
	parsed, err := FromHex(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func itemSum(item []byte) Setsum {
	hash := sha256.Sum256(item)
	var s Setsum
	for i := range s.cols {
		s.cols[i] = binary.LittleEndian.Uint32(hash[i*4:]) % primes[i]
	}
	return s
}

func addmod(a, b, m uint32) uint32 {
	return uint32((uint64(a) + uint64(b)) % uint64(m))
}
