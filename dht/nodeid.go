package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"
)

const (
	// IDLength is the size of a NodeID in bytes.
	IDLength = 32
	// IDBits is the width of the identifier space and the number of buckets.
	IDBits = IDLength * 8
)

// NodeID identifies a node or, as a DHT key, a piece of content.
type NodeID [IDLength]byte

// Distance returns the XOR distance between a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp compares two IDs as big-endian unsigned integers.
func (id NodeID) Cmp(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id < other as unsigned integers.
func (id NodeID) Less(other NodeID) bool {
	return id.Cmp(other) < 0
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b NodeID) bool {
	return Distance(a, target).Less(Distance(b, target))
}

// PrefixLen returns the number of leading zero bits.
func (id NodeID) PrefixLen() int {
	for i, b := range id {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDBits
}

// IsZero reports whether every bit of id is zero.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// BucketIndex returns the bucket of other relative to self: the position of
// the highest set bit of their distance, so bucket i covers [2^i, 2^(i+1)).
// It returns -1 when the IDs are equal.
func BucketIndex(self, other NodeID) int {
	return IDBits - 1 - Distance(self, other).PrefixLen()
}

// RandomID returns a uniformly random identifier.
func RandomID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("dht: crypto/rand failed: %v", err))
	}
	return id
}

// RandomIDInBucket returns a random identifier that falls in bucket i of self.
func RandomIDInBucket(self NodeID, i int) NodeID {
	if i < 0 || i >= IDBits {
		return RandomID()
	}

	d := RandomID()
	// Clear every bit above i, then force bit i.
	for bit := IDBits - 1; bit > i; bit-- {
		d[IDLength-1-bit/8] &^= 1 << (bit % 8)
	}
	d[IDLength-1-i/8] |= 1 << (i % 8)

	return Distance(self, d)
}

// ParseNodeID decodes a 64-character hex identifier.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != IDLength*2 {
		return id, fmt.Errorf("invalid node id length: %d", len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("invalid node id: %w", err)
	}
	return id, nil
}

// String returns the full hex form of id.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}
