package permastore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/permastore/api"
	"github.com/opd-ai/permastore/config"
	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/dedup"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/metadata"
	"github.com/opd-ai/permastore/storage"
	"github.com/opd-ai/permastore/transfer"
	"github.com/opd-ai/permastore/transport"
	"github.com/opd-ai/permastore/zkp"
	"github.com/sirupsen/logrus"
)

const (
	databaseConnectTimeout = 10 * time.Second
	dedupTimeout           = 5 * time.Second
)

type options struct {
	transport   transport.Transport
	metadata    metadata.Store
	fetcher     transfer.Fetcher
	apiListener net.Listener
	dhtConfig   func(*dht.Config)
}

// Option customises node assembly.
type Option func(*options)

// WithTransport runs the DHT over tr instead of a UDP socket. The caller
// keeps ownership of tr.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) { o.transport = tr }
}

// WithMetadataStore overrides the metadata store selected by configuration.
func WithMetadataStore(store metadata.Store) Option {
	return func(o *options) { o.metadata = store }
}

// WithFetcher overrides how content is fetched from remote providers.
func WithFetcher(f transfer.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithAPIListener serves the HTTP API on an already bound listener.
func WithAPIListener(ln net.Listener) Option {
	return func(o *options) { o.apiListener = ln }
}

// WithDHTConfig adjusts the DHT parameters derived from configuration.
func WithDHTConfig(fn func(*dht.Config)) Option {
	return func(o *options) { o.dhtConfig = fn }
}

// Node is a complete storage node: DHT, local storage, metadata, transfer
// orchestration and the HTTP API.
type Node struct {
	config *config.Config
	keys   *crypto.KeyPair

	transport     transport.Transport
	ownsTransport bool
	blobs         *storage.FileStore
	meta          metadata.Store
	dht           *dht.DHT
	transfer      *transfer.Orchestrator
	api           *api.Server

	mu       sync.Mutex
	listener net.Listener
	started  bool
	closed   bool
	serveErr chan error
}

// New assembles a node from cfg. Nothing listens for HTTP until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("permastore: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "New",
		"data_dir": cfg.DataDir,
	})

	n := &Node{config: cfg, serveErr: make(chan error, 1), listener: o.apiListener}
	ok := false
	defer func() {
		if !ok {
			n.closeResources()
		}
	}()

	keys, err := crypto.LoadOrCreateKeyPair(cfg.KeyFile())
	if err != nil {
		return nil, fmt.Errorf("load node identity: %w", err)
	}
	n.keys = keys

	if o.transport != nil {
		n.transport = o.transport
	} else {
		udp, err := transport.NewUDPTransport(cfg.UDPAddr())
		if err != nil {
			return nil, fmt.Errorf("open dht transport: %w", err)
		}
		n.transport = udp
		n.ownsTransport = true
	}

	n.blobs, err = storage.NewFileStore(cfg.BlobDir())
	if err != nil {
		return nil, err
	}

	if n.meta, err = openMetadata(cfg, o.metadata); err != nil {
		return nil, err
	}

	self, err := selfContact(cfg, keys, n.transport.LocalAddr())
	if err != nil {
		return nil, err
	}

	dhtCfg := cfg.DHTConfig()
	if o.dhtConfig != nil {
		o.dhtConfig(dhtCfg)
	}
	if n.dht, err = dht.New(self, n.transport, dhtCfg); err != nil {
		return nil, err
	}
	for _, b := range cfg.BootstrapNodes {
		if err := n.dht.AddBootstrapNode(b.Host, b.Port); err != nil {
			return nil, fmt.Errorf("bootstrap node %s: %w", b, err)
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = transfer.NewHTTPFetcher(cfg.FetchTimeout)
	}
	n.transfer, err = transfer.New(transfer.Config{
		PublicURL:       cfg.PublicURL(),
		MaxSize:         cfg.MaxUploadSize,
		AnnounceTimeout: 2 * cfg.LookupTimeout,
	}, transfer.Deps{
		Blobs:    n.blobs,
		Metadata: n.meta,
		Dedup:    dedup.NewExactEngine(n.meta, dedupTimeout),
		Network:  n.dht,
		Fetcher:  fetcher,
	})
	if err != nil {
		return nil, err
	}

	var prover zkp.Prover
	if cfg.ZKPEnabled {
		prover = zkp.NewCommitmentProver(n.blobs)
	}
	n.api, err = api.New(api.Deps{
		Transfer:      n.transfer,
		DHT:           n.dht,
		Metadata:      n.meta,
		Blobs:         n.blobs,
		Prover:        prover,
		MaxUploadSize: cfg.MaxUploadSize,
		AccessLog:     cfg.AccessLog,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	logger.WithFields(logrus.Fields{
		"node_id":    self.ID.String(),
		"dht_addr":   n.transport.LocalAddr().String(),
		"public_url": cfg.PublicURL(),
		"zkp":        cfg.ZKPEnabled,
	}).Info("Node assembled")
	return n, nil
}

func openMetadata(cfg *config.Config, override metadata.Store) (metadata.Store, error) {
	if override != nil {
		return override, nil
	}
	if cfg.DatabaseURL == "" {
		return metadata.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), databaseConnectTimeout)
	defer cancel()
	return metadata.OpenPostgres(ctx, cfg.DatabaseURL)
}

// selfContact builds the local contact. Without an advertised host the
// bound address is used; peers replace unspecified hosts with the datagram
// source.
func selfContact(cfg *config.Config, keys *crypto.KeyPair, local net.Addr) (dht.Contact, error) {
	host, port, err := transport.SplitAddr(local)
	if err != nil {
		return dht.Contact{}, fmt.Errorf("local dht address: %w", err)
	}
	if cfg.AdvertiseHost != "" {
		host = cfg.AdvertiseHost
	}
	id := dht.NodeID(crypto.NodeIDFromPublicKey(keys.Public))
	return dht.NewContact(id, host, port), nil
}

// Start begins DHT maintenance, kicks off bootstrap in the background and
// starts serving the HTTP API.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return nil
	}

	if n.listener == nil {
		ln, err := net.Listen("tcp", n.config.APIAddr())
		if err != nil {
			return fmt.Errorf("listen on %s: %w", n.config.APIAddr(), err)
		}
		n.listener = ln
	}

	if err := n.dht.Start(ctx); err != nil {
		return err
	}

	ln := n.listener
	go func() {
		if err := n.api.Serve(ln); err != nil {
			select {
			case n.serveErr <- err:
			default:
			}
		}
	}()

	n.started = true
	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"api_addr":    ln.Addr().String(),
		"bootstrap":   len(n.config.BootstrapNodes),
		"peers_known": n.dht.PeersKnown(),
	}).Info("Node started")
	return nil
}

// Stop shuts the HTTP API down, then the DHT, then storage.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.started {
		if err := n.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown api: %w", err))
		}
		n.started = false
	} else if n.listener != nil {
		_ = n.listener.Close()
	}

	n.closeResources()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Node stopped")
	return errors.Join(errs...)
}

func (n *Node) closeResources() {
	if n.closed {
		return
	}
	n.closed = true

	if n.transfer != nil {
		n.transfer.Close()
	}
	if n.dht != nil {
		n.dht.Stop()
	}
	if n.ownsTransport && n.transport != nil {
		_ = n.transport.Close()
	}
	if n.meta != nil {
		_ = n.meta.Close()
	}
}

// Errors delivers a failure of the HTTP server after Start.
func (n *Node) Errors() <-chan error {
	return n.serveErr
}

// ID returns the node's DHT identifier.
func (n *Node) ID() dht.NodeID {
	return n.dht.Self().ID
}

// APIAddr returns the bound HTTP address, or nil before Start.
func (n *Node) APIAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// PublicURL returns the URL this node announces in provider records.
func (n *Node) PublicURL() string {
	return n.transfer.PublicURL()
}

// DHT exposes the DHT.
func (n *Node) DHT() *dht.DHT {
	return n.dht
}

// Transfer exposes the transfer orchestrator.
func (n *Node) Transfer() *transfer.Orchestrator {
	return n.transfer
}

// API exposes the HTTP server.
func (n *Node) API() *api.Server {
	return n.api
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}
