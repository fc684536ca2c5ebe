package transport

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// handlerRegistry holds the per-type handlers shared by both transports.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[PacketType]PacketHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[PacketType]PacketHandler)}
}

func (r *handlerRegistry) register(packetType PacketType, handler PacketHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[packetType] = handler
}

// dispatch parses data and runs the matching handler in its own goroutine.
func (r *handlerRegistry) dispatch(data []byte, addr net.Addr) {
	packet, err := ParsePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     addr.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	r.mu.RLock()
	handler, exists := r.handlers[packet.PacketType]
	r.mu.RUnlock()

	if !exists {
		return
	}

	go func() {
		if err := handler(packet, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "dispatch",
				"packet_type": packet.PacketType.String(),
				"from":        addr.String(),
				"error":       err.Error(),
			}).Debug("Packet handler failed")
		}
	}()
}
