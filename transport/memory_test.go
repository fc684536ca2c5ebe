package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	packet *Packet
	from   net.Addr
}

func listenCollect(t *testing.T, n *MemoryNetwork, pt PacketType) (*MemoryTransport, chan received) {
	t.Helper()
	tr, err := n.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ch := make(chan received, 8)
	tr.RegisterHandler(pt, func(p *Packet, addr net.Addr) error {
		ch <- received{packet: p, from: addr}
		return nil
	})
	return tr, ch
}

func TestMemoryNetworkDelivery(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := listenCollect(t, n, PacketPong)
	b, inbox := listenCollect(t, n, PacketPing)

	assert.NotEqual(t, a.LocalAddr().String(), b.LocalAddr().String())

	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte("hi")}, b.LocalAddr()))

	select {
	case got := <-inbox:
		assert.Equal(t, []byte("hi"), got.packet.Data)
		assert.Equal(t, a.LocalAddr().String(), got.from.String())
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
	assert.EqualValues(t, 1, a.PacketsSent())
}

func TestMemoryNetworkDownAndClosed(t *testing.T) {
	n := NewMemoryNetwork()
	a, _ := listenCollect(t, n, PacketPong)
	b, inbox := listenCollect(t, n, PacketPing)

	n.SetDown(b.LocalAddr(), true)
	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, b.LocalAddr()))

	select {
	case <-inbox:
		t.Fatal("downed endpoint must not receive packets")
	case <-time.After(50 * time.Millisecond):
	}

	n.SetDown(b.LocalAddr(), false)
	require.NoError(t, b.Close())
	require.NoError(t, a.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, b.LocalAddr()))
	assert.ErrorIs(t, b.Send(&Packet{PacketType: PacketPing, Data: []byte{}}, a.LocalAddr()), ErrTransportClosed)
}

func TestMemoryResolveAddr(t *testing.T) {
	n := NewMemoryNetwork()
	tr, err := n.Listen()
	require.NoError(t, err)

	host, port, err := SplitAddr(tr.LocalAddr())
	require.NoError(t, err)

	addr, err := tr.ResolveAddr(host, port)
	require.NoError(t, err)
	assert.Equal(t, tr.LocalAddr().String(), addr.String())

	_, err = tr.ResolveAddr("not-an-ip", 1)
	assert.Error(t, err)
}
