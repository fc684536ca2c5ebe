package dht

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/sirupsen/logrus"
)

// Pinger checks whether a contact is still reachable.
type Pinger interface {
	Ping(ctx context.Context, c Contact) error
}

// bucketEntry is a contact plus its consecutive RPC failure count.
type bucketEntry struct {
	contact  Contact
	failures int
}

// kBucket holds contacts ordered from least to most recently seen.
type kBucket struct {
	mu          sync.Mutex
	entries     []*bucketEntry
	lastChanged time.Time
	probing     bool
}

func (b *kBucket) indexOf(id NodeID) int {
	for i, e := range b.entries {
		if e.contact.ID == id {
			return i
		}
	}
	return -1
}

func (b *kBucket) removeAt(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

func (b *kBucket) contacts() []Contact {
	out := make([]Contact, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.contact
	}
	return out
}

// RoutingTable manages k-buckets for the DHT routing.
// Each bucket is guarded by its own lock; the bucket array itself never changes.
type RoutingTable struct {
	self    NodeID
	k       int
	buckets [IDBits]*kBucket
	clock   crypto.TimeProvider

	pingerMu sync.RWMutex
	pinger   Pinger
}

// NewRoutingTable creates a routing table for self with bucket capacity k.
func NewRoutingTable(self NodeID, k int, clock crypto.TimeProvider) *RoutingTable {
	clock = crypto.OrDefault(clock)
	rt := &RoutingTable{
		self:  self,
		k:     k,
		clock: clock,
	}

	now := clock.Now()
	for i := range rt.buckets {
		rt.buckets[i] = &kBucket{
			entries:     make([]*bucketEntry, 0, k),
			lastChanged: now,
		}
	}
	return rt
}

// SetPinger sets the prober used when a bucket is full.
func (rt *RoutingTable) SetPinger(p Pinger) {
	rt.pingerMu.Lock()
	defer rt.pingerMu.Unlock()
	rt.pinger = p
}

func (rt *RoutingTable) getPinger() Pinger {
	rt.pingerMu.RLock()
	defer rt.pingerMu.RUnlock()
	return rt.pinger
}

// Self returns the local node ID.
func (rt *RoutingTable) Self() NodeID {
	return rt.self
}

// RecordSeen records that c was heard from. An existing contact moves to the
// most-recently-seen end. A new contact is appended when its bucket has room,
// replaces a contact that has failed an RPC, or otherwise waits on a probe of
// the least-recently-seen contact: a live incumbent is kept and c is dropped.
// It reports whether c is in the table afterwards.
func (rt *RoutingTable) RecordSeen(ctx context.Context, c Contact) bool {
	if c.ID == rt.self || c.ID.IsZero() {
		return false
	}

	idx := BucketIndex(rt.self, c.ID)
	b := rt.buckets[idx]
	now := rt.clock.Now()
	c.LastSeen = now

	b.mu.Lock()
	if i := b.indexOf(c.ID); i >= 0 {
		b.removeAt(i)
		b.entries = append(b.entries, &bucketEntry{contact: c})
		b.lastChanged = now
		b.mu.Unlock()
		return true
	}

	if len(b.entries) < rt.k {
		b.entries = append(b.entries, &bucketEntry{contact: c})
		b.lastChanged = now
		b.mu.Unlock()
		return true
	}

	for i, e := range b.entries {
		if e.failures > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "RecordSeen",
				"bucket":   idx,
				"evicted":  e.contact.String(),
				"inserted": c.String(),
			}).Debug("Replacing failed contact")
			b.removeAt(i)
			b.entries = append(b.entries, &bucketEntry{contact: c})
			b.lastChanged = now
			b.mu.Unlock()
			return true
		}
	}

	pinger := rt.getPinger()
	if b.probing || pinger == nil {
		b.mu.Unlock()
		return false
	}
	oldest := b.entries[0].contact
	b.probing = true
	b.mu.Unlock()

	err := pinger.Ping(ctx, oldest)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	i := b.indexOf(oldest.ID)
	if err == nil {
		if i >= 0 {
			e := b.entries[i]
			e.contact.LastSeen = rt.clock.Now()
			e.failures = 0
			b.removeAt(i)
			b.entries = append(b.entries, e)
		}
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "RecordSeen",
		"bucket":   idx,
		"evicted":  oldest.String(),
		"inserted": c.String(),
		"error":    err.Error(),
	}).Debug("Evicting unresponsive contact")

	if i >= 0 {
		b.removeAt(i)
	}
	if b.indexOf(c.ID) >= 0 {
		return true
	}
	if len(b.entries) >= rt.k {
		return false
	}
	b.entries = append(b.entries, &bucketEntry{contact: c})
	b.lastChanged = rt.clock.Now()
	return true
}

// MarkFailed records an RPC failure against id. A failed contact is the first
// to be replaced when its bucket is full.
func (rt *RoutingTable) MarkFailed(id NodeID) {
	if id == rt.self || id.IsZero() {
		return
	}

	b := rt.buckets[BucketIndex(rt.self, id)]
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		b.entries[i].failures++
	}
}

// Remove deletes id from the table.
func (rt *RoutingTable) Remove(id NodeID) bool {
	if id == rt.self {
		return false
	}

	b := rt.buckets[BucketIndex(rt.self, id)]
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexOf(id); i >= 0 {
		b.removeAt(i)
		return true
	}
	return false
}

// Contains reports whether id is in the table.
func (rt *RoutingTable) Contains(id NodeID) bool {
	if id == rt.self {
		return false
	}

	b := rt.buckets[BucketIndex(rt.self, id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indexOf(id) >= 0
}

// FindClosest returns up to count contacts ordered by increasing distance to
// target. Buckets are gathered starting at the target's bucket, then every
// closer bucket, then the farther ones in order, until count are collected.
func (rt *RoutingTable) FindClosest(target NodeID, count int) []Contact {
	if count <= 0 {
		return []Contact{}
	}

	start := BucketIndex(rt.self, target)
	var result []Contact

	if start >= 0 {
		result = append(result, rt.bucketContacts(start)...)
	}
	if len(result) < count {
		for i := start - 1; i >= 0; i-- {
			result = append(result, rt.bucketContacts(i)...)
		}
	}
	for i := start + 1; i < IDBits && len(result) < count; i++ {
		result = append(result, rt.bucketContacts(i)...)
	}

	sortByDistance(result, target)
	if len(result) > count {
		result = result[:count]
	}
	return result
}

func (rt *RoutingTable) bucketContacts(i int) []Contact {
	b := rt.buckets[i]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts()
}

// Size returns the number of contacts in the table.
func (rt *RoutingTable) Size() int {
	total := 0
	for _, b := range rt.buckets {
		b.mu.Lock()
		total += len(b.entries)
		b.mu.Unlock()
	}
	return total
}

// BucketLen returns the number of contacts in bucket i.
func (rt *RoutingTable) BucketLen(i int) int {
	if i < 0 || i >= IDBits {
		return 0
	}
	b := rt.buckets[i]
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// BucketContacts returns bucket i from least to most recently seen.
func (rt *RoutingTable) BucketContacts(i int) []Contact {
	if i < 0 || i >= IDBits {
		return nil
	}
	return rt.bucketContacts(i)
}

// Contacts returns every contact in the table.
func (rt *RoutingTable) Contacts() []Contact {
	var out []Contact
	for i := range rt.buckets {
		out = append(out, rt.bucketContacts(i)...)
	}
	return out
}

// StaleBuckets returns the non-empty buckets that have not changed within age.
func (rt *RoutingTable) StaleBuckets(age time.Duration) []int {
	now := rt.clock.Now()
	var stale []int
	for i, b := range rt.buckets {
		b.mu.Lock()
		if len(b.entries) > 0 && now.Sub(b.lastChanged) >= age {
			stale = append(stale, i)
		}
		b.mu.Unlock()
	}
	return stale
}

// Touch marks bucket i as refreshed.
func (rt *RoutingTable) Touch(i int) {
	if i < 0 || i >= IDBits {
		return
	}
	b := rt.buckets[i]
	b.mu.Lock()
	b.lastChanged = rt.clock.Now()
	b.mu.Unlock()
}
