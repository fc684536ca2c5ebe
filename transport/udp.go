package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/permastore/limits"
	"github.com/sirupsen/logrus"
)

// readPollInterval bounds how long a read blocks before the loop rechecks for shutdown.
const readPollInterval = 100 * time.Millisecond

// UDPTransport implements UDP-based communication for the DHT.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn     net.PacketConn
	registry *handlerRegistry
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewUDPTransport creates a new UDP transport listener.
func NewUDPTransport(listenAddr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		registry: newHandlerRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPTransport",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	t.wg.Add(1)
	go t.processPackets()

	return t, nil
}

// RegisterHandler registers a handler for a specific packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.registry.register(packetType, handler)
}

// Send sends a packet to the specified address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// ResolveAddr resolves host and port into a UDP address.
func (t *UDPTransport) ResolveAddr(host string, port int) (net.Addr, error) {
	return resolveUDPAddr(host, port)
}

// Close shuts down the transport and waits for the read loop to exit.
func (t *UDPTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets handles incoming packets until the transport is closed.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()

	// One spare byte detects datagrams larger than the protocol limit.
	buffer := make([]byte, limits.MaxDatagramSize+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single incoming packet.
func (t *UDPTransport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readPollInterval))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		t.handleReadError(err)
		return
	}

	if n > limits.MaxDatagramSize {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
		}).Debug("Dropping oversized datagram")
		return
	}

	// The buffer is reused, so the handler gets its own copy.
	data := make([]byte, n)
	copy(data, buffer[:n])
	t.registry.dispatch(data, addr)
}

func (t *UDPTransport) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if errors.Is(err, net.ErrClosed) || t.ctx.Err() != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "processIncomingPacket",
		"error":    err.Error(),
	}).Warn("UDP read failed")
}
