package dht

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/permastore/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A announces H before C exists, so A never sends anything to C. C joins only
// through B and must still find A's URL.
func TestThreeNodeProviderDiscovery(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, nil)
	b := newTestNode(t, network, nil)
	c := newTestNode(t, network, nil)

	joinVia(t, a, b)

	h := RandomID()
	_, err := a.Announce(context.Background(), h, "http://node-a:8000")
	require.NoError(t, err)

	joinVia(t, c, b)

	res, err := c.lookup.FindValue(context.Background(), h)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.LessOrEqual(t, res.Rounds, c.config.MaxRounds)

	providers, err := c.Lookup(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "http://node-a:8000", providers[0].ProviderURL)
	assert.Equal(t, a.self.ID, providers[0].ProviderID)
}

func TestNewValidatesInput(t *testing.T) {
	network := transport.NewMemoryNetwork()
	tr, err := network.Listen()
	require.NoError(t, err)

	_, err = New(NewContact(NodeID{}, "127.0.0.1", 1), tr, nil)
	assert.Error(t, err)

	_, err = New(NewContact(RandomID(), "127.0.0.1", 1), nil, nil)
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.RepublishInterval = bad.RecordTTL
	_, err = New(NewContact(RandomID(), "127.0.0.1", 1), tr, bad)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero k", func(c *Config) { c.K = 0 }},
		{"zero alpha", func(c *Config) { c.Alpha = 0 }},
		{"zero rounds", func(c *Config) { c.MaxRounds = 0 }},
		{"zero rpc timeout", func(c *Config) { c.RPCTimeout = 0 }},
		{"negative retries", func(c *Config) { c.RPCRetries = -1 }},
		{"republish after expiry", func(c *Config) { c.RepublishInterval = 2 * c.RecordTTL }},
		{"zero refresh", func(c *Config) { c.RefreshInterval = 0 }},
		{"backoff inverted", func(c *Config) { c.BootstrapMaxInterval = c.BootstrapInitialInterval / 2 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStartStopAndStats(t *testing.T) {
	network := transport.NewMemoryNetwork()
	seed := newTestNode(t, network, nil)
	n := newTestNode(t, network, nil)
	require.NoError(t, n.AddBootstrapNode(seed.self.Host, seed.self.Port))

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()))

	require.Eventually(t, func() bool { return n.Stats().Bootstrapped }, 2*time.Second, 5*time.Millisecond)

	stats := n.Stats()
	assert.Equal(t, n.Self().ID.String(), stats.NodeID)
	assert.Equal(t, 1, stats.PeersKnown)
	assert.Positive(t, stats.RPC.Sent)
	assert.Len(t, n.Contacts(), 1)

	n.Stop()
	n.Stop()
}
