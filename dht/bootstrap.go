package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// BootstrapResult represents the result of a bootstrap attempt against one seed.
type BootstrapResult struct {
	Node     *BootstrapNode
	Contact  Contact
	Contacts []Contact
	Error    *BootstrapError
}

// BootstrapNode is a configured seed address. Its node ID is learned from
// its first reply.
type BootstrapNode struct {
	Host     string
	Port     int
	LastUsed time.Time
	Success  bool
}

// Address returns the host:port form of the seed.
func (bn *BootstrapNode) Address() string {
	return NewContact(NodeID{}, bn.Host, bn.Port).Address()
}

// BootstrapManager handles the process of joining the network through seeds.
type BootstrapManager struct {
	self   NodeID
	rpc    *RPC
	table  *RoutingTable
	lookup *LookupEngine

	mu           sync.RWMutex
	nodes        []*BootstrapNode
	bootstrapped bool

	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsed      time.Duration

	lifecycleMu sync.Mutex
	running     atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewBootstrapManager creates a new bootstrap manager.
func NewBootstrapManager(table *RoutingTable, rpc *RPC, lookup *LookupEngine, cfg *Config) *BootstrapManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &BootstrapManager{
		self:            table.Self(),
		rpc:             rpc,
		table:           table,
		lookup:          lookup,
		initialInterval: cfg.BootstrapInitialInterval,
		maxInterval:     cfg.BootstrapMaxInterval,
		maxElapsed:      cfg.BootstrapMaxElapsed,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// AddNode adds a seed address. Adding an existing address is a no-op.
func (bm *BootstrapManager) AddNode(host string, port int) error {
	if host == "" || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid bootstrap address %q:%d", host, port)
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, n := range bm.nodes {
		if n.Host == host && n.Port == port {
			return nil
		}
	}

	bn := &BootstrapNode{Host: host, Port: port}
	bm.nodes = append(bm.nodes, bn)

	logrus.WithFields(logrus.Fields{
		"function": "AddNode",
		"address":  bn.Address(),
	}).Info("Adding bootstrap node")
	return nil
}

// Bootstrap queries every seed concurrently with FIND_NODE for the local ID,
// then runs a self-lookup through whatever contacts that produced.
func (bm *BootstrapManager) Bootstrap(ctx context.Context) error {
	nodes := bm.prepareBootstrapNodes()

	logrus.WithFields(logrus.Fields{
		"function":    "Bootstrap",
		"nodes_count": len(nodes),
	}).Info("Starting bootstrap process")

	if len(nodes) == 0 {
		return ErrNoBootstrapNodes
	}

	resultChan := make(chan *BootstrapResult, len(nodes))
	bm.launchBootstrapWorkers(ctx, nodes, resultChan)

	successful, lastError := bm.processBootstrapResults(ctx, resultChan)
	if successful == 0 {
		err := fmt.Errorf("bootstrap failed: no seed answered (%d tried)", len(nodes))
		if lastError != nil {
			err = fmt.Errorf("bootstrap failed: %w", lastError)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"error":    err.Error(),
		}).Warn("Bootstrap process failed")
		return err
	}

	if _, err := bm.lookup.FindNode(ctx, bm.self); err != nil && !errors.Is(err, ErrLookupNoSeeds) {
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"error":    err.Error(),
		}).Debug("Self lookup failed")
	}

	bm.mu.Lock()
	bm.bootstrapped = bm.table.Size() > 0
	done := bm.bootstrapped
	bm.mu.Unlock()

	if !done {
		return errors.New("bootstrap failed: routing table still empty")
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Bootstrap",
		"seeds_ok":    successful,
		"peers_known": bm.table.Size(),
	}).Info("Bootstrap process completed successfully")
	return nil
}

// prepareBootstrapNodes creates a safe copy of bootstrap nodes for concurrent processing.
func (bm *BootstrapManager) prepareBootstrapNodes() []*BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]*BootstrapNode, len(bm.nodes))
	copy(nodes, bm.nodes)
	return nodes
}

// launchBootstrapWorkers starts goroutines to query each bootstrap node.
func (bm *BootstrapManager) launchBootstrapWorkers(ctx context.Context, nodes []*BootstrapNode, resultChan chan<- *BootstrapResult) {
	var wg sync.WaitGroup

	for _, node := range nodes {
		wg.Add(1)
		go bm.queryBootstrapNode(ctx, &wg, node, resultChan)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()
}

// queryBootstrapNode asks a single seed for the contacts closest to us.
func (bm *BootstrapManager) queryBootstrapNode(ctx context.Context, wg *sync.WaitGroup, bn *BootstrapNode, resultChan chan<- *BootstrapResult) {
	defer wg.Done()

	addr, err := bm.rpc.transport.ResolveAddr(bn.Host, bn.Port)
	if err != nil {
		resultChan <- &BootstrapResult{
			Node:  bn,
			Error: &BootstrapError{Type: "resolve", Node: bn.Address(), Cause: err},
		}
		return
	}

	responder, contacts, err := bm.rpc.FindNodeAt(ctx, addr, bm.self)
	if err != nil {
		resultChan <- &BootstrapResult{
			Node:  bn,
			Error: &BootstrapError{Type: "connection", Node: bn.Address(), Cause: err},
		}
		return
	}

	resultChan <- &BootstrapResult{Node: bn, Contact: responder, Contacts: contacts}
}

// processBootstrapResults records seed outcomes and counts the seeds that answered.
func (bm *BootstrapManager) processBootstrapResults(ctx context.Context, resultChan <-chan *BootstrapResult) (int, *BootstrapError) {
	successful := 0
	var lastError *BootstrapError

	for result := range resultChan {
		bm.mu.Lock()
		result.Node.LastUsed = time.Now()
		result.Node.Success = result.Error == nil
		bm.mu.Unlock()

		if result.Error != nil {
			lastError = result.Error
			continue
		}
		successful++

		// The responder goes in now so the self-lookup has a seed; the
		// contacts it returned are added once they answer a query themselves.
		bm.table.RecordSeen(ctx, result.Contact)
		logrus.WithFields(logrus.Fields{
			"function": "processBootstrapResults",
			"seed":     result.Contact.String(),
			"contacts": len(result.Contacts),
		}).Debug("Seed answered")
	}
	return successful, lastError
}

// BootstrapWithRetry runs Bootstrap with exponential backoff until it
// succeeds, ctx ends or the retry budget is spent.
func (bm *BootstrapManager) BootstrapWithRetry(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = bm.initialInterval
	eb.MaxInterval = bm.maxInterval
	eb.MaxElapsedTime = bm.maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := bm.Bootstrap(ctx)
		if errors.Is(err, ErrNoBootstrapNodes) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"function": "BootstrapWithRetry",
			"attempt":  attempt,
			"retry_in": wait.String(),
			"error":    err.Error(),
		}).Warn("Bootstrap attempt failed")
	}

	return backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify)
}

// Trigger starts a background BootstrapWithRetry unless one is already running.
func (bm *BootstrapManager) Trigger() {
	bm.lifecycleMu.Lock()
	defer bm.lifecycleMu.Unlock()

	if bm.ctx.Err() != nil || !bm.running.CompareAndSwap(false, true) {
		return
	}

	bm.wg.Add(1)
	go func() {
		defer bm.wg.Done()
		defer bm.running.Store(false)

		if err := bm.BootstrapWithRetry(bm.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithFields(logrus.Fields{
				"function": "Trigger",
				"error":    err.Error(),
			}).Warn("Background bootstrap gave up")
		}
	}()
}

// Running reports whether a background bootstrap is in progress.
func (bm *BootstrapManager) Running() bool {
	return bm.running.Load()
}

// Close stops any background bootstrap and waits for it to exit.
func (bm *BootstrapManager) Close() {
	bm.lifecycleMu.Lock()
	bm.cancel()
	bm.lifecycleMu.Unlock()

	bm.wg.Wait()
}

// IsBootstrapped returns true if the last bootstrap populated the table.
func (bm *BootstrapManager) IsBootstrapped() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bootstrapped
}

// Nodes returns a copy of the configured seeds.
func (bm *BootstrapManager) Nodes() []BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	out := make([]BootstrapNode, len(bm.nodes))
	for i, n := range bm.nodes {
		out[i] = *n
	}
	return out
}
