package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceIsSymmetric(t *testing.T) {
	for i := 0; i < 100; i++ {
		a, b := RandomID(), RandomID()
		assert.Equal(t, Distance(a, b), Distance(b, a))
		assert.True(t, Distance(a, a).IsZero())
	}
}

func TestDistanceTriangleInequality(t *testing.T) {
	// d(a,c) = d(a,b) XOR d(b,c), which is never more than d(a,b) + d(b,c).
	for i := 0; i < 100; i++ {
		a, b, c := RandomID(), RandomID(), RandomID()
		assert.Equal(t, Distance(a, c), Distance(Distance(a, b), Distance(b, c)))
	}
}

func idWith(bytes map[int]byte) NodeID {
	var id NodeID
	for i, b := range bytes {
		id[i] = b
	}
	return id
}

func TestBucketIndex(t *testing.T) {
	var self NodeID

	tests := []struct {
		name  string
		other NodeID
		want  int
	}{
		{"lowest bit", idWith(map[int]byte{31: 0x01}), 0},
		{"bit seven", idWith(map[int]byte{31: 0x80}), 7},
		{"bit eight", idWith(map[int]byte{30: 0x01}), 8},
		{"top bit", idWith(map[int]byte{0: 0x80}), 255},
		{"mixed bits", idWith(map[int]byte{0: 0x05, 31: 0xFF}), 250},
		{"same id", self, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BucketIndex(self, tt.other))
		})
	}
}

func TestRandomIDInBucket(t *testing.T) {
	self := RandomID()
	for _, i := range []int{0, 1, 7, 8, 9, 100, 200, 254, 255} {
		for n := 0; n < 10; n++ {
			id := RandomIDInBucket(self, i)
			assert.Equal(t, i, BucketIndex(self, id), "bucket %d", i)
		}
	}
}

func TestCloserTo(t *testing.T) {
	var target, near, far NodeID
	near[31] = 0x01
	far[0] = 0x01

	assert.True(t, CloserTo(target, near, far))
	assert.False(t, CloserTo(target, far, near))
	assert.False(t, CloserTo(target, near, near))
}

func TestParseNodeID(t *testing.T) {
	id := RandomID()

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Len(t, id.Short(), 8)

	_, err = ParseNodeID("abc")
	assert.Error(t, err)
	_, err = ParseNodeID(string(make([]byte, 64)))
	assert.Error(t, err)
}

func TestPrefixLen(t *testing.T) {
	var id NodeID
	assert.Equal(t, IDBits, id.PrefixLen())

	id[2] = 0x10
	assert.Equal(t, 19, id.PrefixLen())
}
