package transport

import (
	"net"
	"strconv"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport defines the interface for datagram transports used by the DHT.
// This abstraction allows the UDP and in-memory implementations to be used
// interchangeably.
type Transport interface {
	// Send sends a packet to the specified address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific packet type.
	RegisterHandler(packetType PacketType, handler PacketHandler)

	// ResolveAddr turns a host and port into an address usable with Send.
	ResolveAddr(host string, port int) (net.Addr, error)
}

// SplitAddr returns the host and numeric port of a UDP-style address.
func SplitAddr(addr net.Addr) (string, int, error) {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String(), udp.Port, nil
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func resolveUDPAddr(host string, port int) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}
