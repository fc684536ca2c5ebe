package dht

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshBucketsTouchesStaleBuckets(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := crypto.NewManualClock(time.Now())
	cfg := testConfig()
	cfg.Clock = clock

	a := newTestNode(t, network, cfg)
	b := newTestNode(t, network, nil)
	require.True(t, a.table.RecordSeen(context.Background(), b.self))

	assert.Zero(t, a.maintainer.RefreshBuckets(context.Background()))

	clock.Advance(2 * cfg.StaleBucketAge)
	assert.Equal(t, 1, a.maintainer.RefreshBuckets(context.Background()))
	assert.Empty(t, a.table.StaleBuckets(cfg.StaleBucketAge))
	assert.True(t, a.table.Contains(b.self.ID))
}

func TestCheckBootstrapOnlyWhenEmpty(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)
	require.NoError(t, a.AddBootstrapNode(b.self.Host, b.self.Port))

	assert.True(t, a.maintainer.CheckBootstrap())
	require.Eventually(t, func() bool { return a.PeersKnown() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, a.maintainer.CheckBootstrap())
}

func TestMaintainerRunsPeriodicTasks(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := crypto.NewManualClock(time.Now())
	cfg := testConfig()
	cfg.Clock = clock
	cfg.RecordTTL = time.Hour
	cfg.RepublishInterval = 30 * time.Minute
	cfg.ExpireInterval = 10 * time.Millisecond

	a := newTestNode(t, network, cfg)
	require.NoError(t, a.providers.StoreRecord(ProviderRecord{Key: RandomID(), ProviderID: RandomID(), ProviderURL: "http://x"}))

	require.NoError(t, a.maintainer.Start())
	require.NoError(t, a.maintainer.Start())
	defer a.maintainer.Stop()

	clock.Advance(2 * time.Hour)
	require.Eventually(t, func() bool { return a.providers.Stats().Records == 0 }, time.Second, 5*time.Millisecond)
}
