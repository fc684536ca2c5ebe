// Package crypto implements the identity and hashing primitives of a
// permastore node.
//
// A node is identified by a NaCl crypto_box key pair (Curve25519) that is
// persisted in the node's data directory, so the DHT node ID derived from it
// stays stable across restarts:
//
//	keys, err := crypto.LoadOrCreateKeyPair(filepath.Join(dataDir, "node.key"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id := crypto.NodeIDFromPublicKey(keys.Public)
//
// Content is addressed by its SHA-256 digest. The digest and the node ID share
// one 256-bit identifier space, which lets a content hash act directly as a
// DHT key:
//
//	sum := crypto.HashContent(data)
//	fmt.Println(crypto.HashHex(sum))
//
// # Time Injection
//
// Components that reason about expiry accept a [TimeProvider]. Tests use
// [ManualClock] to move time forward deterministically.
package crypto
