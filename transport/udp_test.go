package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportLoopback(t *testing.T) {
	server, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	server.RegisterHandler(PacketPing, func(p *Packet, addr net.Addr) error {
		return server.Send(&Packet{PacketType: PacketPong, Data: p.Data}, addr)
	})

	pongs := make(chan []byte, 1)
	client.RegisterHandler(PacketPong, func(p *Packet, addr net.Addr) error {
		pongs <- p.Data
		return nil
	})

	require.NoError(t, client.Send(&Packet{PacketType: PacketPing, Data: []byte("token")}, server.LocalAddr()))

	select {
	case data := <-pongs:
		assert.Equal(t, []byte("token"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestUDPTransportCloseIdempotent(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestUDPResolveAddr(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer tr.Close()

	addr, err := tr.ResolveAddr("127.0.0.1", 4000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", addr.String())
}
