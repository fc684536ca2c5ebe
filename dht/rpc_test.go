package dht

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/permastore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCPingRecordsBothSides(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)

	require.NoError(t, a.rpc.Ping(context.Background(), b.self))

	require.Eventually(t, func() bool {
		return a.table.Contains(b.self.ID) && b.table.Contains(a.self.ID)
	}, time.Second, 5*time.Millisecond)

	stats := a.rpc.Stats()
	assert.EqualValues(t, 1, stats.Sent)
	assert.Zero(t, stats.InFlight)
}

func TestRPCTimeoutMarksContactFailed(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)

	require.True(t, a.table.RecordSeen(context.Background(), b.self))
	network.SetDown(b.tr.LocalAddr(), true)

	err := a.rpc.Ping(context.Background(), b.self)
	require.ErrorIs(t, err, ErrRPCTimeout)
	assert.EqualValues(t, 1, a.rpc.Stats().Timeouts)

	// A failed contact is replaced without a probe once its bucket fills up.
	idx := BucketIndex(a.self.ID, b.self.ID)
	b1 := a.table.buckets[idx]
	b1.mu.Lock()
	failures := b1.entries[b1.indexOf(b.self.ID)].failures
	b1.mu.Unlock()
	assert.Equal(t, 1, failures)
}

func TestRPCRetriesBeforeTimingOut(t *testing.T) {
	network := transport.NewMemoryNetwork()
	cfg := testConfig()
	cfg.RPCRetries = 2
	a := newTestNode(t, network, cfg)
	b := newTestNode(t, network, nil)
	network.SetDown(b.tr.LocalAddr(), true)

	start := time.Now()
	err := a.rpc.Ping(context.Background(), b.self)
	require.ErrorIs(t, err, ErrRPCTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 3*cfg.RPCTimeout)
	assert.EqualValues(t, 3, a.rpc.Stats().Sent)
}

func TestRPCContextCancel(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)
	network.SetDown(b.tr.LocalAddr(), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.rpc.Ping(ctx, b.self)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRPCFillsSenderAddressFromDatagram(t *testing.T) {
	network := transport.NewMemoryNetwork()
	b := newTestNode(t, network, nil)

	tr, err := network.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	// Advertise no address at all; b must learn it from the datagram source.
	a, err := New(NewContact(RandomID(), "0.0.0.0", 0), tr, testConfig())
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	require.NoError(t, a.rpc.Ping(context.Background(), b.self))
	require.Eventually(t, func() bool { return b.table.Contains(a.self.ID) }, time.Second, 5*time.Millisecond)

	closest := b.table.FindClosest(a.self.ID, 1)
	require.Len(t, closest, 1)
	host, port, err := transport.SplitAddr(tr.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, host, closest[0].Host)
	assert.Equal(t, port, closest[0].Port)
}

func TestRPCFindNodeExcludesRequester(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)
	c := newTestNode(t, network, nil)

	require.True(t, b.table.RecordSeen(context.Background(), a.self))
	require.True(t, b.table.RecordSeen(context.Background(), c.self))

	contacts, err := a.rpc.FindNode(context.Background(), b.self, a.self.ID)
	require.NoError(t, err)
	assert.Equal(t, []NodeID{c.self.ID}, contactIDs(contacts))
}

func TestRPCFindValueAndStore(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)

	key := RandomID()
	now := time.Now()
	rec := ProviderRecord{Key: key, ProviderID: a.self.ID, ProviderURL: "http://a", PublishedAt: now, ExpiresAt: now.Add(time.Hour)}

	providers, _, found, err := a.rpc.FindValue(context.Background(), b.self, key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, providers)

	require.NoError(t, a.rpc.Store(context.Background(), b.self, rec))

	providers, _, found, err = a.rpc.FindValue(context.Background(), b.self, key)
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, providers, 1)
	assert.Equal(t, "http://a", providers[0].ProviderURL)
}

func TestRPCFindValueDropsRecordsForOtherKeys(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)

	key := RandomID()
	now := time.Now()
	genuine := ProviderRecord{Key: key, ProviderID: b.self.ID, ProviderURL: "http://b", PublishedAt: now, ExpiresAt: now.Add(time.Hour)}
	foreign := ProviderRecord{Key: RandomID(), ProviderID: RandomID(), ProviderURL: "http://evil", PublishedAt: now, ExpiresAt: now.Add(time.Hour)}

	// b answers every FIND_VALUE with the given records.
	answerWith := func(records ...ProviderRecord) {
		b.tr.RegisterHandler(transport.PacketFindValue, func(p *transport.Packet, addr net.Addr) error {
			req, err := decodeMessage(p.Data)
			if err != nil {
				return err
			}
			data, err := encodeMessage(&Message{Token: req.Token, Sender: b.self, Found: true, Providers: records})
			if err != nil {
				return err
			}
			return b.tr.Send(&transport.Packet{PacketType: transport.PacketFindValue.ReplyType(), Data: data}, addr)
		})
	}

	answerWith(foreign, genuine)
	providers, _, found, err := a.rpc.FindValue(context.Background(), b.self, key)
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, providers, 1)
	assert.Equal(t, "http://b", providers[0].ProviderURL)

	answerWith(foreign)
	providers, _, found, err = a.rpc.FindValue(context.Background(), b.self, key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, providers)
}

func TestRPCStoreRejectsMismatchedKey(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)

	rec := ProviderRecord{Key: RandomID(), ProviderID: a.self.ID, ProviderURL: "http://a"}
	_, err := a.rpc.Send(context.Background(), b.self, transport.PacketStore, &Message{Target: RandomID(), Record: &rec})
	require.NoError(t, err)

	reply, err := a.rpc.Send(context.Background(), b.self, transport.PacketStore, &Message{Target: rec.Key, Record: &rec})
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, 1, b.providers.Stats().Records)
}

func TestRPCDropsUnsolicitedReply(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)

	data, err := encodeMessage(&Message{Token: "never-issued", Sender: b.self})
	require.NoError(t, err)
	require.NoError(t, b.tr.Send(&transport.Packet{PacketType: transport.PacketPong, Data: data}, a.tr.LocalAddr()))

	// The reply is ignored as a reply but still counts as hearing from b.
	require.Eventually(t, func() bool { return a.table.Contains(b.self.ID) }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.rpc.Stats().InFlight)
}
