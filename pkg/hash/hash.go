package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"sort"
)

const (
	// Size is the identifier length in bytes
	Size = sha256.Size

	// Bits is the size of the identifier space in bits (2^256)
	Bits = Size * 8
)

// Key is a point in the XOR metric space. Record keys and peer IDs share it.
type Key [Size]byte

// Distance is the XOR of two keys, ordered as a big-endian unsigned integer.
type Distance [Size]byte

var (
	// ZeroDistance is the distance of a key to itself
	ZeroDistance Distance

	// MaxDistance is the largest representable distance (2^256 - 1)
	MaxDistance = func() Distance {
		var d Distance
		for i := range d {
			d[i] = 0xff
		}
		return d
	}()
)

// Of hashes the concatenation of the given byte slices into a Key using SHA-256.
func Of(parts ...[]byte) Key {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// OfString hashes a string into a Key.
func OfString(s string) Key {
	return Of([]byte(s))
}

// ParseKey decodes a 64 character hex string.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(raw) != Size {
		return k, fmt.Errorf("invalid key length %d, want %d", len(raw), Size)
	}
	copy(k[:], raw)
	return k, nil
}

// FromBytes copies b into a Key. b must be exactly Size bytes.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("invalid key length %d, want %d", len(b), Size)
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}

// IsZero reports whether k is the all-zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Less orders keys by their raw bytes. Used as the distance tie-break.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

// DistanceTo returns XorDistance(k, other).
func (k Key) DistanceTo(other Key) Distance {
	return XorDistance(k, other)
}

// XorDistance computes a XOR b. It is symmetric and zero iff a == b.
func XorDistance(a, b Key) Distance {
	var d Distance
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp compares two distances: -1 if d < other, 0 if equal, +1 if d > other.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// IsZero reports whether d is zero.
func (d Distance) IsZero() bool {
	return d == ZeroDistance
}

// BucketIndex returns the index of the highest set bit of d, in [0, Bits).
// A zero distance has no bucket and returns -1.
//
// Examples:
//   - 0x00..01 -> 0
//   - 0x00..ff -> 7
//   - 0x80..00 -> 255
func (d Distance) BucketIndex() int {
	for i, b := range d {
		if b != 0 {
			return (Size-i)*8 - bits.LeadingZeros8(b) - 1
		}
	}
	return -1
}

func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}

// SortByDistance sorts keys in place by distance to target, closest first.
// Equal distances (only possible for equal keys) fall back to raw key order.
func SortByDistance(target Key, keys []Key) {
	sort.SliceStable(keys, func(i, j int) bool {
		c := XorDistance(target, keys[i]).Cmp(XorDistance(target, keys[j]))
		if c != 0 {
			return c < 0
		}
		return keys[i].Less(keys[j])
	})
}

// Closest returns up to k keys from candidates closest to target. The input
// slice is not modified and duplicates are collapsed.
func Closest(target Key, candidates []Key, k int) []Key {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	seen := make(map[Key]struct{}, len(candidates))
	out := make([]Key, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}

	SortByDistance(target, out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}
