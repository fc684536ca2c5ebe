package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/permastore/transport"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.RPCRetries = 0
	cfg.LookupTimeout = 3 * time.Second
	cfg.BootstrapInitialInterval = 10 * time.Millisecond
	cfg.BootstrapMaxInterval = 50 * time.Millisecond
	cfg.BootstrapMaxElapsed = 5 * time.Second
	return cfg
}

type testNode struct {
	*DHT
	tr *transport.MemoryTransport
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, cfg *Config) *testNode {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	tr, err := network.Listen()
	require.NoError(t, err)

	host, port, err := transport.SplitAddr(tr.LocalAddr())
	require.NoError(t, err)

	d, err := New(NewContact(RandomID(), host, port), tr, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		d.Stop()
		_ = tr.Close()
	})
	return &testNode{DHT: d, tr: tr}
}

// joinVia bootstraps n through seed and waits until both know each other.
func joinVia(t *testing.T, n, seed *testNode) {
	t.Helper()
	require.NoError(t, n.AddBootstrapNode(seed.self.Host, seed.self.Port))
	require.NoError(t, n.Bootstrap(context.Background()))
	require.Eventually(t, func() bool {
		return seed.table.Contains(n.self.ID)
	}, time.Second, 5*time.Millisecond)
}

type stubPinger struct {
	mu    sync.Mutex
	err   error
	calls []Contact
}

func (p *stubPinger) Ping(_ context.Context, c Contact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	return p.err
}

func (p *stubPinger) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func contactIDs(contacts []Contact) []NodeID {
	ids := make([]NodeID, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
	}
	return ids
}
