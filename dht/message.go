package dht

import (
	"fmt"

	"github.com/opd-ai/permastore/limits"
	"github.com/vmihailenco/msgpack/v5"
)

// Message is the payload of every DHT datagram. Which fields are set depends
// on the packet type carrying it.
type Message struct {
	Token     string           `msgpack:"t"`
	Sender    Contact          `msgpack:"s"`
	Target    NodeID           `msgpack:"tg"`
	Contacts  []Contact        `msgpack:"c,omitempty"`
	Providers []ProviderRecord `msgpack:"p,omitempty"`
	Record    *ProviderRecord  `msgpack:"r,omitempty"`
	Found     bool             `msgpack:"f,omitempty"`
	OK        bool             `msgpack:"ok,omitempty"`
}

func encodeMessage(m *Message) ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Message) validate() error {
	if m.Token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidMessage)
	}
	if m.Sender.ID.IsZero() {
		return fmt.Errorf("%w: missing sender id", ErrInvalidMessage)
	}
	if m.Sender.Port < 0 || m.Sender.Port > 65535 {
		return fmt.Errorf("%w: sender port %d out of range", ErrInvalidMessage, m.Sender.Port)
	}
	if len(m.Contacts) > limits.MaxContactsPerReply {
		return fmt.Errorf("%w: %d contacts", ErrInvalidMessage, len(m.Contacts))
	}
	if len(m.Providers) > limits.MaxProvidersPerReply {
		return fmt.Errorf("%w: %d providers", ErrInvalidMessage, len(m.Providers))
	}
	for _, p := range m.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	if m.Record != nil {
		if err := m.Record.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}
