package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for DHT maintenance.
type MaintenanceConfig struct {
	// How often stale buckets are refreshed
	RefreshInterval time.Duration
	// How long a bucket may go unchanged before it is refreshed
	StaleBucketAge time.Duration
	// How often owned provider records are re-announced
	RepublishInterval time.Duration
	// How often expired provider records are purged
	ExpireInterval time.Duration
	// How often an empty routing table triggers bootstrap
	BootstrapCheckInterval time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for DHT maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		RefreshInterval:        15 * time.Minute,
		StaleBucketAge:         time.Hour,
		RepublishInterval:      time.Hour,
		ExpireInterval:         5 * time.Minute,
		BootstrapCheckInterval: 30 * time.Second,
	}
}

// Maintainer handles periodic DHT maintenance tasks. It works only through
// the public operations of the routing table, lookup engine, provider store
// and bootstrap manager.
type Maintainer struct {
	table        *RoutingTable
	lookup       *LookupEngine
	providers    *ProviderStore
	bootstrapper *BootstrapManager
	config       *MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a new DHT maintenance manager.
func NewMaintainer(table *RoutingTable, lookup *LookupEngine, providers *ProviderStore,
	bootstrapper *BootstrapManager, config *MaintenanceConfig,
) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}

	return &Maintainer{
		table:        table,
		lookup:       lookup,
		providers:    providers,
		bootstrapper: bootstrapper,
		config:       config,
	}
}

// Start begins the DHT maintenance process.
func (m *Maintainer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.isRunning = true
	m.wg.Add(4)

	go m.every(m.config.RefreshInterval, func(ctx context.Context) { m.RefreshBuckets(ctx) })
	go m.every(m.config.RepublishInterval, func(ctx context.Context) { m.providers.Republish(ctx) })
	go m.every(m.config.ExpireInterval, func(context.Context) { m.providers.ExpireRecords() })
	go m.every(m.config.BootstrapCheckInterval, func(context.Context) { m.CheckBootstrap() })

	return nil
}

// Stop halts all maintenance tasks.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	// Wait for all routines to end
	m.wg.Wait()
}

// every runs task on each tick of interval until the maintainer stops.
func (m *Maintainer) every(interval time.Duration, task func(ctx context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			task(m.ctx)
		}
	}
}

// RefreshBuckets looks up a random ID in every stale bucket, then the local
// ID, and returns the number of buckets refreshed.
func (m *Maintainer) RefreshBuckets(ctx context.Context) int {
	stale := m.table.StaleBuckets(m.config.StaleBucketAge)
	self := m.table.Self()

	for _, i := range stale {
		if ctx.Err() != nil {
			return 0
		}
		if _, err := m.lookup.FindNode(ctx, RandomIDInBucket(self, i)); err != nil && !errors.Is(err, ErrLookupNoSeeds) {
			logrus.WithFields(logrus.Fields{
				"function": "RefreshBuckets",
				"bucket":   i,
				"error":    err.Error(),
			}).Debug("Bucket refresh failed")
		}
		m.table.Touch(i)
	}

	if _, err := m.lookup.FindNode(ctx, self); err != nil && !errors.Is(err, ErrLookupNoSeeds) {
		logrus.WithFields(logrus.Fields{
			"function": "RefreshBuckets",
			"error":    err.Error(),
		}).Debug("Self lookup failed")
	}

	if len(stale) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":    "RefreshBuckets",
			"refreshed":   len(stale),
			"peers_known": m.table.Size(),
		}).Debug("Refreshed stale buckets")
	}
	return len(stale)
}

// CheckBootstrap triggers a background bootstrap when the table is empty.
func (m *Maintainer) CheckBootstrap() bool {
	if m.table.Size() > 0 {
		return false
	}
	m.bootstrapper.Trigger()
	return true
}
