package dht

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/permastore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupNoSeedsTriggersHook(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n := newTestNode(t, network, nil)

	var called atomic.Int32
	n.lookup.OnNoSeeds(func() { called.Add(1) })

	_, err := n.FindNode(context.Background(), RandomID())
	assert.ErrorIs(t, err, ErrLookupNoSeeds)

	_, err = n.lookup.FindValue(context.Background(), RandomID())
	assert.ErrorIs(t, err, ErrLookupNoSeeds)
	assert.EqualValues(t, 2, called.Load())
}

func TestLookupReturnsExactTargetFirst(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	target := newTestNode(t, network, nil)

	var others []*testNode
	for i := 0; i < 5; i++ {
		o := newTestNode(t, network, nil)
		require.True(t, a.table.RecordSeen(context.Background(), o.self))
		others = append(others, o)
	}
	require.True(t, a.table.RecordSeen(context.Background(), target.self))

	closest, err := a.FindNode(context.Background(), target.self.ID)
	require.NoError(t, err)
	require.NotEmpty(t, closest)
	assert.Equal(t, target.self.ID, closest[0].ID)
	assert.Len(t, closest, len(others)+1)
}

func TestLookupDiscoversNodesThroughPeers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	hub := newTestNode(t, network, nil)

	var spokes []*testNode
	for i := 0; i < 8; i++ {
		s := newTestNode(t, network, nil)
		require.True(t, hub.table.RecordSeen(context.Background(), s.self))
		spokes = append(spokes, s)
	}

	newcomer := newTestNode(t, network, nil)
	require.True(t, newcomer.table.RecordSeen(context.Background(), hub.self))

	target := spokes[3].self.ID
	closest, err := newcomer.FindNode(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, closest)
	assert.Equal(t, target, closest[0].ID, "the target is learned from the hub and queried")
	for i := 1; i < len(closest); i++ {
		assert.True(t, CloserTo(target, closest[i-1].ID, closest[i].ID))
	}
}

func TestLookupResultOnlyContainsResponders(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	alive := newTestNode(t, network, nil)
	dead := newTestNode(t, network, nil)

	require.True(t, a.table.RecordSeen(context.Background(), alive.self))
	require.True(t, a.table.RecordSeen(context.Background(), dead.self))
	network.SetDown(dead.tr.LocalAddr(), true)

	closest, err := a.FindNode(context.Background(), dead.self.ID)
	require.NoError(t, err)
	assert.Equal(t, []NodeID{alive.self.ID}, contactIDs(closest))
}

func TestLookupAllSeedsDeadReturnsEmpty(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	dead := newTestNode(t, network, nil)
	require.True(t, a.table.RecordSeen(context.Background(), dead.self))
	network.SetDown(dead.tr.LocalAddr(), true)

	start := time.Now()
	res, err := a.lookup.FindValue(context.Background(), RandomID())
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Empty(t, res.Closest)
	assert.Less(t, time.Since(start), a.config.LookupTimeout)
}

func TestLookupRespectsLookupTimeout(t *testing.T) {
	network := transport.NewMemoryNetwork()
	cfg := testConfig()
	cfg.RPCTimeout = time.Second
	cfg.LookupTimeout = 100 * time.Millisecond
	a := newTestNode(t, network, cfg)
	dead := newTestNode(t, network, nil)
	require.True(t, a.table.RecordSeen(context.Background(), dead.self))
	network.SetDown(dead.tr.LocalAddr(), true)

	start := time.Now()
	_, err := a.FindNode(context.Background(), RandomID())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLookupStateKeepsKClosest(t *testing.T) {
	self := RandomID()
	target := RandomID()
	var contacts []Contact
	for i := 0; i < 10; i++ {
		contacts = append(contacts, NewContact(RandomID(), "127.0.0.1", i+1))
	}
	contacts = append(contacts, NewContact(self, "127.0.0.1", 1))

	s := newLookupState(self, target, 4, contacts)
	require.Len(t, s.shortlist, 4)

	want := append([]Contact(nil), contacts[:10]...)
	sortByDistance(want, target)
	for i, c := range s.shortlist {
		assert.Equal(t, want[i].ID, c.contact.ID)
	}

	// Duplicates are ignored.
	s.add(contacts[:10])
	assert.Len(t, s.shortlist, 4)
	assert.Len(t, s.unqueried(2), 2)
}
