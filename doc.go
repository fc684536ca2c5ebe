// Package permastore assembles a peer-to-peer content-addressed storage node.
//
// A node keeps files on local disk addressed by their SHA-256 hash, records
// their metadata, and announces itself as a provider of each hash in a
// Kademlia DHT. Other nodes discover providers through the DHT and fetch the
// bytes over HTTP, verifying them against the requested hash.
//
// # Getting Started
//
//	cfg, err := config.Load(".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := permastore.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop(context.Background())
//
// # Components
//
// The node wires these packages together:
//
//   - dht: routing table, RPC, iterative lookups, provider records, bootstrap
//     and periodic maintenance
//   - transport: UDP and in-memory datagram transports
//   - storage: sharded on-disk blob store
//   - metadata: file records in memory or PostgreSQL
//   - dedup: duplicate detection on upload
//   - transfer: local-first download with verified network fallback
//   - zkp: possession proofs
//   - api: local and peer HTTP endpoints
//
// # Testing Without Sockets
//
// Pass WithTransport with a transport.MemoryNetwork endpoint to run several
// nodes in one process; cmd/testnet does this.
package permastore
