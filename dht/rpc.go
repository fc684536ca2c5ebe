package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/permastore/limits"
	"github.com/opd-ai/permastore/transport"
	"github.com/sirupsen/logrus"
)

// providerSource is the part of the provider store the RPC layer serves from.
type providerSource interface {
	Providers(key NodeID) []ProviderRecord
	StoreRecord(rec ProviderRecord) error
}

// RPCStats reports transport-level activity.
type RPCStats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Timeouts uint64 `json:"timeouts"`
	InFlight int    `json:"in_flight"`
}

// RPC sends Kademlia requests and answers inbound ones.
type RPC struct {
	self      Contact
	transport transport.Transport
	table     *RoutingTable
	k         int
	timeout   time.Duration
	retries   int

	providersMu sync.RWMutex
	providers   providerSource

	mu      sync.Mutex
	pending map[string]chan *Message

	ctx    context.Context
	cancel context.CancelFunc

	sent     atomic.Uint64
	received atomic.Uint64
	timeouts atomic.Uint64
}

// NewRPC creates the RPC layer and registers its packet handlers on tr.
func NewRPC(self Contact, tr transport.Transport, table *RoutingTable, cfg *Config) *RPC {
	ctx, cancel := context.WithCancel(context.Background())
	r := &RPC{
		self:      self,
		transport: tr,
		table:     table,
		k:         cfg.K,
		timeout:   cfg.RPCTimeout,
		retries:   cfg.RPCRetries,
		pending:   make(map[string]chan *Message),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, pt := range []transport.PacketType{
		transport.PacketPing, transport.PacketPong,
		transport.PacketFindNode, transport.PacketFindNodeReply,
		transport.PacketFindValue, transport.PacketFindValueReply,
		transport.PacketStore, transport.PacketStoreReply,
	} {
		tr.RegisterHandler(pt, r.handlerFor(pt))
	}

	return r
}

// SetProviderSource sets where FIND_VALUE and STORE requests are served from.
func (r *RPC) SetProviderSource(ps providerSource) {
	r.providersMu.Lock()
	defer r.providersMu.Unlock()
	r.providers = ps
}

func (r *RPC) providerSource() providerSource {
	r.providersMu.RLock()
	defer r.providersMu.RUnlock()
	return r.providers
}

// Close cancels routing-table probes started by inbound messages.
func (r *RPC) Close() {
	r.cancel()
}

// Stats returns a snapshot of the RPC counters.
func (r *RPC) Stats() RPCStats {
	r.mu.Lock()
	inFlight := len(r.pending)
	r.mu.Unlock()

	return RPCStats{
		Sent:     r.sent.Load(),
		Received: r.received.Load(),
		Timeouts: r.timeouts.Load(),
		InFlight: inFlight,
	}
}

// Send issues a request to c and waits for the matching reply. Timeouts are
// retried up to the configured count; a contact that never answers is marked
// failed in the routing table and ErrRPCTimeout is returned.
func (r *RPC) Send(ctx context.Context, c Contact, pt transport.PacketType, msg *Message) (*Message, error) {
	addr, err := r.transport.ResolveAddr(c.Host, c.Port)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", c.Address(), err)
	}

	reply, err := r.sendTo(ctx, addr, pt, msg)
	if errors.Is(err, ErrRPCTimeout) {
		r.table.MarkFailed(c.ID)
	}
	return reply, err
}

func (r *RPC) sendTo(ctx context.Context, addr net.Addr, pt transport.PacketType, msg *Message) (*Message, error) {
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		var reply *Message
		reply, err = r.roundTrip(ctx, addr, pt, msg)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrRPCTimeout) {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"packet_type": pt.String(),
		"to":          addr.String(),
		"attempts":    r.retries + 1,
	}).Debug("Request timed out")
	return nil, err
}

// roundTrip performs a single request/reply exchange under a fresh token.
func (r *RPC) roundTrip(ctx context.Context, addr net.Addr, pt transport.PacketType, msg *Message) (*Message, error) {
	token := uuid.NewString()
	out := *msg
	out.Token = token
	out.Sender = r.self

	data, err := encodeMessage(&out)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Message, 1)
	r.mu.Lock()
	r.pending[token] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, token)
		r.mu.Unlock()
	}()

	if err := r.transport.Send(&transport.Packet{PacketType: pt, Data: data}, addr); err != nil {
		return nil, fmt.Errorf("send %s: %w", pt, err)
	}
	r.sent.Add(1)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		r.timeouts.Add(1)
		return nil, fmt.Errorf("%w: %s to %s", ErrRPCTimeout, pt, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping checks that c is alive.
func (r *RPC) Ping(ctx context.Context, c Contact) error {
	_, err := r.Send(ctx, c, transport.PacketPing, &Message{})
	return err
}

// FindNode asks c for the contacts it knows closest to target.
func (r *RPC) FindNode(ctx context.Context, c Contact, target NodeID) ([]Contact, error) {
	reply, err := r.Send(ctx, c, transport.PacketFindNode, &Message{Target: target})
	if err != nil {
		return nil, err
	}
	return reply.Contacts, nil
}

// FindNodeAt sends FIND_NODE to an address whose node ID is not yet known,
// returning the responder's contact along with its answer.
func (r *RPC) FindNodeAt(ctx context.Context, addr net.Addr, target NodeID) (Contact, []Contact, error) {
	reply, err := r.sendTo(ctx, addr, transport.PacketFindNode, &Message{Target: target})
	if err != nil {
		return Contact{}, nil, err
	}
	return reply.Sender, reply.Contacts, nil
}

// FindValue asks c for provider records under key. When c holds none, found
// is false and contacts carries its closest known nodes instead.
func (r *RPC) FindValue(ctx context.Context, c Contact, key NodeID) (providers []ProviderRecord, contacts []Contact, found bool, err error) {
	reply, err := r.Send(ctx, c, transport.PacketFindValue, &Message{Target: key})
	if err != nil {
		return nil, nil, false, err
	}
	if !reply.Found {
		return nil, reply.Contacts, false, nil
	}

	providers = reply.Providers[:0]
	for _, rec := range reply.Providers {
		if rec.Key != key || rec.Validate() != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "FindValue",
				"key":         key.Short(),
				"record_key":  rec.Key.Short(),
				"from":        c.String(),
				"provider_id": rec.ProviderID.Short(),
			}).Debug("Dropping provider record that does not match the key")
			continue
		}
		providers = append(providers, rec)
	}
	return providers, nil, len(providers) > 0, nil
}

// Store asks c to keep rec.
func (r *RPC) Store(ctx context.Context, c Contact, rec ProviderRecord) error {
	reply, err := r.Send(ctx, c, transport.PacketStore, &Message{Target: rec.Key, Record: &rec})
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%w: %s", ErrStoreRejected, c)
	}
	return nil
}

func (r *RPC) handlerFor(pt transport.PacketType) transport.PacketHandler {
	return func(packet *transport.Packet, addr net.Addr) error {
		msg, err := decodeMessage(packet.Data)
		if err != nil {
			return err
		}
		if msg.Sender.ID == r.self.ID {
			return nil
		}
		r.received.Add(1)
		r.fillSenderAddress(&msg.Sender, addr)

		if pt.IsReply() {
			r.deliverReply(msg)
		} else if err := r.answer(pt, msg, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "handlerFor",
				"packet_type": pt.String(),
				"from":        addr.String(),
				"error":       err.Error(),
			}).Debug("Failed to answer request")
		}

		r.table.RecordSeen(r.ctx, msg.Sender)
		return nil
	}
}

// fillSenderAddress takes the datagram source as the sender's address when it
// did not advertise a usable one.
func (r *RPC) fillSenderAddress(sender *Contact, addr net.Addr) {
	host, port, err := transport.SplitAddr(addr)
	if err != nil {
		return
	}
	if ip := net.ParseIP(sender.Host); sender.Host == "" || (ip != nil && ip.IsUnspecified()) {
		sender.Host = host
	}
	if sender.Port == 0 {
		sender.Port = port
	}
}

// deliverReply hands a reply to its waiting request. Replies whose request
// already finished are dropped.
func (r *RPC) deliverReply(msg *Message) {
	r.mu.Lock()
	ch, ok := r.pending[msg.Token]
	if ok {
		delete(r.pending, msg.Token)
	}
	r.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "deliverReply",
			"from":     msg.Sender.String(),
		}).Debug("Dropping unsolicited or late reply")
		return
	}
	ch <- msg
}

func (r *RPC) answer(pt transport.PacketType, req *Message, addr net.Addr) error {
	reply := &Message{Token: req.Token, Sender: r.self}

	switch pt {
	case transport.PacketPing:
	case transport.PacketFindNode:
		reply.Contacts = r.closestFor(req.Target, req.Sender.ID)
	case transport.PacketFindValue:
		var providers []ProviderRecord
		if ps := r.providerSource(); ps != nil {
			providers = ps.Providers(req.Target)
		}
		if len(providers) > 0 {
			if len(providers) > limits.MaxProvidersPerReply {
				providers = providers[:limits.MaxProvidersPerReply]
			}
			reply.Found = true
			reply.Providers = providers
		} else {
			reply.Contacts = r.closestFor(req.Target, req.Sender.ID)
		}
	case transport.PacketStore:
		reply.OK = r.acceptStore(req)
	default:
		return fmt.Errorf("unexpected request type %s", pt)
	}

	data, err := encodeMessage(reply)
	if err != nil {
		return err
	}
	return r.transport.Send(&transport.Packet{PacketType: pt.ReplyType(), Data: data}, addr)
}

// closestFor returns the k closest known contacts to target, never including
// the requester itself.
func (r *RPC) closestFor(target, requester NodeID) []Contact {
	closest := r.table.FindClosest(target, r.k+1)
	out := make([]Contact, 0, len(closest))
	for _, c := range closest {
		if c.ID == requester {
			continue
		}
		out = append(out, c)
		if len(out) == r.k || len(out) == limits.MaxContactsPerReply {
			break
		}
	}
	return out
}

func (r *RPC) acceptStore(req *Message) bool {
	ps := r.providerSource()
	if ps == nil || req.Record == nil || req.Record.Key != req.Target {
		return false
	}
	if err := ps.StoreRecord(*req.Record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "acceptStore",
			"key":      req.Target.Short(),
			"from":     req.Sender.String(),
			"error":    err.Error(),
		}).Debug("Rejected provider record")
		return false
	}
	return true
}
