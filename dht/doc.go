// Package dht implements the Kademlia distributed hash table a permastore
// node uses for peer discovery and content-provider records.
//
// Identifiers are 256 bits wide, so a node ID and a SHA-256 content hash live
// in the same space. Distance is XOR, and a content hash acts directly as
// the key under which provider records are stored.
//
// The package is organised the way the protocol is layered:
//
//   - [RoutingTable] holds up to k contacts per distance bucket and applies the
//     least-recently-seen eviction rule, probing the oldest contact of a full
//     bucket before replacing it.
//   - [RPC] speaks PING, FIND_NODE, FIND_VALUE and STORE over a
//     [transport.Transport], matching replies to requests by token and feeding
//     every sender it hears from into the routing table.
//   - [LookupEngine] runs iterative lookups with alpha parallel queries per
//     round until the shortlist stops improving.
//   - [ProviderStore] announces and discovers provider records, expires stale
//     ones and republishes the records the local node owns.
//   - [BootstrapManager] and [Maintainer] populate and refresh the table in
//     the background.
//
// [DHT] assembles all of the above:
//
//	tr, _ := transport.NewUDPTransport("0.0.0.0:33445")
//	node, err := dht.New(dht.NewContact(id, "203.0.113.7", 33445), tr, dht.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node.AddBootstrapNode("198.51.100.1", 33445)
//	node.Start(ctx)
//	defer node.Stop()
//
//	providers, err := node.Lookup(ctx, key)
//
// The wire layer is unauthenticated; any node may announce any record.
package dht
