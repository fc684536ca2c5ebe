package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/transport"
	"github.com/sirupsen/logrus"
)

// Config holds the protocol parameters of a DHT node.
type Config struct {
	K         int
	Alpha     int
	MaxRounds int

	RPCTimeout    time.Duration
	RPCRetries    int
	LookupTimeout time.Duration

	RecordTTL         time.Duration
	RepublishInterval time.Duration
	RefreshInterval   time.Duration
	StaleBucketAge    time.Duration
	ExpireInterval    time.Duration

	BootstrapCheckInterval   time.Duration
	BootstrapInitialInterval time.Duration
	BootstrapMaxInterval     time.Duration
	BootstrapMaxElapsed      time.Duration

	// Clock drives record expiry and bucket ages. Nil means wall time.
	Clock crypto.TimeProvider
}

// DefaultConfig returns the conventional Kademlia parameters.
func DefaultConfig() *Config {
	return &Config{
		K:                        20,
		Alpha:                    3,
		MaxRounds:                10,
		RPCTimeout:               2 * time.Second,
		RPCRetries:               1,
		LookupTimeout:            15 * time.Second,
		RecordTTL:                24 * time.Hour,
		RepublishInterval:        time.Hour,
		RefreshInterval:          15 * time.Minute,
		StaleBucketAge:           time.Hour,
		ExpireInterval:           5 * time.Minute,
		BootstrapCheckInterval:   30 * time.Second,
		BootstrapInitialInterval: time.Second,
		BootstrapMaxInterval:     2 * time.Minute,
		BootstrapMaxElapsed:      0,
	}
}

// Validate checks that the parameters are usable.
func (c *Config) Validate() error {
	switch {
	case c.K < 1:
		return errors.New("k must be at least 1")
	case c.Alpha < 1:
		return errors.New("alpha must be at least 1")
	case c.MaxRounds < 1:
		return errors.New("max rounds must be at least 1")
	case c.RPCTimeout <= 0:
		return errors.New("rpc timeout must be positive")
	case c.RPCRetries < 0:
		return errors.New("rpc retries must not be negative")
	case c.RecordTTL <= 0:
		return errors.New("record ttl must be positive")
	case c.RepublishInterval <= 0 || c.RepublishInterval >= c.RecordTTL:
		return fmt.Errorf("republish interval %s must be positive and shorter than record ttl %s", c.RepublishInterval, c.RecordTTL)
	case c.RefreshInterval <= 0 || c.ExpireInterval <= 0 || c.BootstrapCheckInterval <= 0:
		return errors.New("maintenance intervals must be positive")
	case c.BootstrapInitialInterval <= 0 || c.BootstrapMaxInterval < c.BootstrapInitialInterval:
		return errors.New("bootstrap backoff intervals are inconsistent")
	}
	return nil
}

func (c *Config) maintenance() *MaintenanceConfig {
	return &MaintenanceConfig{
		RefreshInterval:        c.RefreshInterval,
		StaleBucketAge:         c.StaleBucketAge,
		RepublishInterval:      c.RepublishInterval,
		ExpireInterval:         c.ExpireInterval,
		BootstrapCheckInterval: c.BootstrapCheckInterval,
	}
}

// Stats is a snapshot of the node's DHT state.
type Stats struct {
	NodeID       string        `json:"node_id"`
	PeersKnown   int           `json:"peers_known"`
	Bootstrapped bool          `json:"bootstrapped"`
	RPC          RPCStats      `json:"rpc"`
	Providers    ProviderStats `json:"providers"`
}

// DHT is a running Kademlia node.
type DHT struct {
	self       Contact
	config     *Config
	table      *RoutingTable
	rpc        *RPC
	lookup     *LookupEngine
	providers  *ProviderStore
	bootstrap  *BootstrapManager
	maintainer *Maintainer

	mu      sync.Mutex
	started bool
}

// New assembles a DHT node for self on top of tr. A nil cfg uses DefaultConfig.
func New(self Contact, tr transport.Transport, cfg *Config) (*DHT, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dht config: %w", err)
	}
	if self.ID.IsZero() {
		return nil, errors.New("dht: self id must not be zero")
	}
	if tr == nil {
		return nil, errors.New("dht: transport is required")
	}

	table := NewRoutingTable(self.ID, cfg.K, cfg.Clock)
	rpc := NewRPC(self, tr, table, cfg)
	table.SetPinger(rpc)

	lookup := NewLookupEngine(table, rpc, cfg)
	providers := NewProviderStore(self, lookup, rpc, cfg)
	rpc.SetProviderSource(providers)

	bootstrap := NewBootstrapManager(table, rpc, lookup, cfg)
	lookup.OnNoSeeds(bootstrap.Trigger)

	d := &DHT{
		self:       self,
		config:     cfg,
		table:      table,
		rpc:        rpc,
		lookup:     lookup,
		providers:  providers,
		bootstrap:  bootstrap,
		maintainer: NewMaintainer(table, lookup, providers, bootstrap, cfg.maintenance()),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"node_id":  self.ID.String(),
		"address":  self.Address(),
	}).Info("DHT node created")

	return d, nil
}

// Start launches maintenance and, when seeds are configured, a background
// bootstrap. It does not wait for bootstrap to finish.
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.maintainer.Start(); err != nil {
		return err
	}
	d.started = true

	if len(d.bootstrap.Nodes()) > 0 {
		d.bootstrap.Trigger()
	}
	return nil
}

// Stop halts background work. The transport is left to its owner.
func (d *DHT) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maintainer.Stop()
	d.bootstrap.Close()
	d.rpc.Close()
	d.started = false
}

// AddBootstrapNode adds a seed address.
func (d *DHT) AddBootstrapNode(host string, port int) error {
	return d.bootstrap.AddNode(host, port)
}

// Bootstrap runs one synchronous bootstrap pass over the configured seeds.
func (d *DHT) Bootstrap(ctx context.Context) error {
	return d.bootstrap.Bootstrap(ctx)
}

// Announce publishes the local node as a provider of key.
func (d *DHT) Announce(ctx context.Context, key NodeID, url string) (int, error) {
	return d.providers.Announce(ctx, key, url)
}

// Lookup returns the known providers of key, freshest first.
func (d *DHT) Lookup(ctx context.Context, key NodeID) ([]ProviderRecord, error) {
	return d.providers.Lookup(ctx, key)
}

// FindNode returns the closest responding contacts to target.
func (d *DHT) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	return d.lookup.FindNode(ctx, target)
}

// Owns reports whether the local node announces itself for key.
func (d *DHT) Owns(key NodeID) bool {
	return d.providers.Owns(key)
}

// Withdraw stops announcing key.
func (d *DHT) Withdraw(key NodeID) {
	d.providers.Withdraw(key)
}

// PeersKnown returns the routing table size.
func (d *DHT) PeersKnown() int {
	return d.table.Size()
}

// Contacts returns every contact in the routing table.
func (d *DHT) Contacts() []Contact {
	return d.table.Contacts()
}

// Self returns the local contact.
func (d *DHT) Self() Contact {
	return d.self
}

// Table exposes the routing table.
func (d *DHT) Table() *RoutingTable {
	return d.table
}

// ProviderStore exposes the provider store.
func (d *DHT) ProviderStore() *ProviderStore {
	return d.providers
}

// Maintainer exposes the maintenance scheduler.
func (d *DHT) Maintainer() *Maintainer {
	return d.maintainer
}

// Stats returns a snapshot of the node's DHT state.
func (d *DHT) Stats() Stats {
	return Stats{
		NodeID:       d.self.ID.String(),
		PeersKnown:   d.table.Size(),
		Bootstrapped: d.bootstrap.IsBootstrapped(),
		RPC:          d.rpc.Stats(),
		Providers:    d.providers.Stats(),
	}
}
