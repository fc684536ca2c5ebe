package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed is returned when sending on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// memoryPort is the port every memory endpoint listens on; endpoints differ by IP.
const memoryPort = 33445

// MemoryNetwork is an in-process datagram network. Each attached
// MemoryTransport gets a distinct loopback-range address.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
	down      map[string]bool
	next      uint32
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		down:      make(map[string]bool),
	}
}

// Listen attaches a new endpoint to the network.
func (n *MemoryNetwork) Listen() (*MemoryTransport, error) {
	id := atomic.AddUint32(&n.next, 1)
	if id >= 1<<24 {
		return nil, errors.New("memory network address space exhausted")
	}

	ip := net.IPv4(127, byte(id>>16), byte(id>>8), byte(id))
	t := &MemoryTransport{
		network:  n,
		addr:     &net.UDPAddr{IP: ip, Port: memoryPort},
		registry: newHandlerRegistry(),
	}

	n.mu.Lock()
	n.endpoints[t.addr.String()] = t
	n.mu.Unlock()

	return t, nil
}

// SetDown makes an endpoint silently drop everything sent to it, or restores it.
func (n *MemoryNetwork) SetDown(addr net.Addr, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if down {
		n.down[addr.String()] = true
	} else {
		delete(n.down, addr.String())
	}
}

func (n *MemoryNetwork) lookup(addr net.Addr) *MemoryTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()

	key := addr.String()
	if n.down[key] {
		return nil
	}
	return n.endpoints[key]
}

func (n *MemoryNetwork) isDown(addr net.Addr) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.down[addr.String()]
}

func (n *MemoryNetwork) detach(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.endpoints, t.addr.String())
}

// MemoryTransport is a Transport attached to a MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	addr     *net.UDPAddr
	registry *handlerRegistry
	closed   atomic.Bool
	sent     atomic.Uint64
}

// RegisterHandler registers a handler for a specific packet type.
func (t *MemoryTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.registry.register(packetType, handler)
}

// Send delivers the packet asynchronously to the endpoint at addr. Packets to
// unknown, closed or downed endpoints are lost without error.
func (t *MemoryTransport) Send(packet *Packet, addr net.Addr) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	data, err := packet.Serialize()
	if err != nil {
		return err
	}
	t.sent.Add(1)

	dst := t.network.lookup(addr)
	if dst == nil || dst.closed.Load() {
		return nil
	}
	if t.network.isDown(t.addr) {
		return nil
	}

	dst.registry.dispatch(data, t.addr)
	return nil
}

// ResolveAddr resolves an IP literal and port. No name resolution is performed.
func (t *MemoryTransport) ResolveAddr(host string, port int) (net.Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("memory transport: %q is not an IP address", host)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// Close detaches the endpoint from its network.
func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.network.detach(t)
	return nil
}

// LocalAddr returns the endpoint's address on the memory network.
func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}

// PacketsSent returns the number of packets this endpoint has sent.
func (t *MemoryTransport) PacketsSent() uint64 {
	return t.sent.Load()
}
