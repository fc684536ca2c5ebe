// Package transport implements the datagram layer the permastore DHT speaks over.
//
// Every Kademlia message travels as a single [Packet]: one type byte followed by
// an opaque payload. The package does not interpret payloads; the dht package
// encodes its messages into Packet.Data and registers one [PacketHandler] per
// packet type.
//
// Two implementations of [Transport] are provided:
//
//   - [UDPTransport] listens on a real UDP socket and is used by running nodes.
//   - [MemoryTransport] attaches to an in-process [MemoryNetwork] and is used by
//     tests and the testnet harness. Endpoints on a memory network can be taken
//     down to simulate unreachable peers.
//
// Example:
//
//	tr, err := transport.NewUDPTransport("0.0.0.0:33445")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	tr.RegisterHandler(transport.PacketPing, func(p *transport.Packet, addr net.Addr) error {
//	    return tr.Send(&transport.Packet{PacketType: transport.PacketPong, Data: p.Data}, addr)
//	})
//
// Datagram transports are unreliable by design: Send reports local failures only
// and a packet to an unknown or unreachable address is silently lost. Callers
// implement their own timeouts and retries.
package transport
