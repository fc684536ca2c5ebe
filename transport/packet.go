package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/permastore/limits"
)

// PacketType identifies the type of a DHT datagram.
type PacketType byte

const (
	// Request/reply pairs. A reply type is always its request type + 1.
	PacketPing PacketType = iota + 1
	PacketPong
	PacketFindNode
	PacketFindNodeReply
	PacketFindValue
	PacketFindValueReply
	PacketStore
	PacketStoreReply
)

var packetTypeNames = map[PacketType]string{
	PacketPing:           "PING",
	PacketPong:           "PONG",
	PacketFindNode:       "FIND_NODE",
	PacketFindNodeReply:  "FIND_NODE_REPLY",
	PacketFindValue:      "FIND_VALUE",
	PacketFindValueReply: "FIND_VALUE_REPLY",
	PacketStore:          "STORE",
	PacketStoreReply:     "STORE_REPLY",
}

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// IsReply reports whether t answers a request.
func (t PacketType) IsReply() bool {
	return t.Valid() && t%2 == 0
}

// ReplyType returns the reply type matching request type t.
func (t PacketType) ReplyType() PacketType {
	if t.IsReply() {
		return t
	}
	return t + 1
}

// Packet represents a single DHT datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	if err := limits.ValidateDatagram(result); err != nil {
		return nil, err
	}
	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}

	packetType := PacketType(data[0])
	if !packetType.Valid() {
		return nil, fmt.Errorf("unknown packet type %d", data[0])
	}

	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
