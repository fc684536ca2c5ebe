package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/dedup"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/metadata"
	"github.com/opd-ai/permastore/storage"
	"github.com/stretchr/testify/require"
)

const testPublicURL = "http://self.test:8000"

// fakeNetwork records calls and serves provider records from a map.
type fakeNetwork struct {
	mu        sync.Mutex
	self      dht.Contact
	providers map[dht.NodeID][]dht.ProviderRecord
	owned     map[dht.NodeID]bool
	lookups   int
	announces int
	lookupErr error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		self:      dht.NewContact(dht.RandomID(), "127.0.0.1", 33445),
		providers: make(map[dht.NodeID][]dht.ProviderRecord),
		owned:     make(map[dht.NodeID]bool),
	}
}

func (n *fakeNetwork) Announce(_ context.Context, key dht.NodeID, url string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announces++
	n.owned[key] = true
	n.providers[key] = append(n.providers[key], dht.ProviderRecord{
		Key:         key,
		ProviderID:  n.self.ID,
		ProviderURL: url,
		PublishedAt: time.Now(),
	})
	return 1, nil
}

func (n *fakeNetwork) Lookup(_ context.Context, key dht.NodeID) ([]dht.ProviderRecord, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookups++
	if n.lookupErr != nil {
		return nil, n.lookupErr
	}
	return append([]dht.ProviderRecord(nil), n.providers[key]...), nil
}

func (n *fakeNetwork) Owns(key dht.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.owned[key]
}

func (n *fakeNetwork) Self() dht.Contact { return n.self }

func (n *fakeNetwork) addProvider(hash, url string, published time.Time) dht.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := keyFor(hash)
	id := dht.RandomID()
	n.providers[key] = append(n.providers[key], dht.ProviderRecord{
		Key:         key,
		ProviderID:  id,
		ProviderURL: url,
		PublishedAt: published,
		ExpiresAt:   published.Add(time.Hour),
	})
	return id
}

func (n *fakeNetwork) counts() (lookups, announces int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lookups, n.announces
}

// fakeFetcher serves canned responses per provider URL.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string][]byte)}
}

func (f *fakeFetcher) Fetch(_ context.Context, providerURL, hash string, _ int64) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, providerURL)
	data, ok := f.responses[providerURL]
	if !ok {
		return nil, fmt.Errorf("%w at %s", ErrContentNotFound, providerURL)
	}
	return &FetchResult{Data: data, Filename: "remote.bin", ContentType: "application/octet-stream"}, nil
}

func (f *fakeFetcher) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// failingMetadata fails every write.
type failingMetadata struct {
	*metadata.MemoryStore
}

func (failingMetadata) PutFileRecord(context.Context, metadata.FileRecord) error {
	return errors.New("disk full")
}

type unavailableDedup struct{}

func (unavailableDedup) CheckDuplicate(context.Context, string, dedup.Features) (dedup.Result, error) {
	return dedup.Result{}, dedup.ErrUnavailable
}

type fixture struct {
	orch    *Orchestrator
	blobs   *storage.FileStore
	meta    metadata.Store
	network *fakeNetwork
	fetcher *fakeFetcher
}

func newFixture(t *testing.T, meta metadata.Store, engine dedup.Engine) *fixture {
	t.Helper()

	blobs, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	if meta == nil {
		meta = metadata.NewMemoryStore()
	}
	if engine == nil {
		engine = dedup.NewExactEngine(meta, time.Second)
	}

	network := newFakeNetwork()
	fetcher := newFakeFetcher()
	orch, err := New(Config{PublicURL: testPublicURL}, Deps{
		Blobs:    blobs,
		Metadata: meta,
		Dedup:    engine,
		Network:  network,
		Fetcher:  fetcher,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, blobs: blobs, meta: meta, network: network, fetcher: fetcher}
}

func hashOf(data []byte) string {
	return crypto.HashContentHex(data)
}
