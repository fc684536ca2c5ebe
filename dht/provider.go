package dht

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProviderRecord states that ProviderID serves the content keyed by Key from
// ProviderURL.
type ProviderRecord struct {
	Key         NodeID    `msgpack:"k" json:"key"`
	ProviderID  NodeID    `msgpack:"pid" json:"provider_id"`
	ProviderURL string    `msgpack:"url" json:"provider_url"`
	PublishedAt time.Time `msgpack:"pub" json:"published_at"`
	ExpiresAt   time.Time `msgpack:"exp" json:"expires_at"`
}

// Validate checks the record's fields.
func (r ProviderRecord) Validate() error {
	if r.Key.IsZero() || r.ProviderID.IsZero() {
		return fmt.Errorf("%w: missing key or provider id", ErrInvalidRecord)
	}
	if err := limits.ValidateProviderURL(r.ProviderURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Expired reports whether the record has expired at now.
func (r ProviderRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ProviderStats summarises the provider store.
type ProviderStats struct {
	Keys    int `json:"keys"`
	Records int `json:"records"`
	Owned   int `json:"owned"`
}

// ProviderStore keeps provider records received from the network and the
// set of keys the local node announces itself for.
type ProviderStore struct {
	self   Contact
	lookup *LookupEngine
	rpc    *RPC
	ttl    time.Duration
	alpha  int
	clock  crypto.TimeProvider

	mu      sync.RWMutex
	records map[NodeID]map[NodeID]ProviderRecord
	owned   map[NodeID]string
}

// NewProviderStore creates a provider store publishing records for self.
func NewProviderStore(self Contact, lookup *LookupEngine, rpc *RPC, cfg *Config) *ProviderStore {
	return &ProviderStore{
		self:    self,
		lookup:  lookup,
		rpc:     rpc,
		ttl:     cfg.RecordTTL,
		alpha:   cfg.Alpha,
		clock:   crypto.OrDefault(cfg.Clock),
		records: make(map[NodeID]map[NodeID]ProviderRecord),
		owned:   make(map[NodeID]string),
	}
}

// Announce publishes the local node as a provider of key at url: the record
// is stored locally, then sent with STORE to the k closest nodes to key. It
// returns the number of remote nodes that accepted the record. The key stays
// owned, and is republished, even when no remote node could be reached.
func (ps *ProviderStore) Announce(ctx context.Context, key NodeID, url string) (int, error) {
	now := ps.clock.Now()
	rec := ProviderRecord{
		Key:         key,
		ProviderID:  ps.self.ID,
		ProviderURL: url,
		PublishedAt: now,
		ExpiresAt:   now.Add(ps.ttl),
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	ps.mu.Lock()
	ps.owned[key] = url
	ps.mu.Unlock()

	if err := ps.StoreRecord(rec); err != nil {
		return 0, err
	}

	closest, err := ps.lookup.FindNode(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("announce %s: %w", key.Short(), err)
	}

	var stored atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(ps.alpha)
	for _, c := range closest {
		c := c
		g.Go(func() error {
			if err := ps.rpc.Store(ctx, c, rec); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Announce",
					"key":      key.Short(),
					"peer":     c.String(),
					"error":    err.Error(),
				}).Debug("STORE failed")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(stored.Load())
	logrus.WithFields(logrus.Fields{
		"function": "Announce",
		"key":      key.Short(),
		"url":      url,
		"targets":  len(closest),
		"stored":   n,
	}).Info("Announced provider record")

	if n == 0 {
		return 0, fmt.Errorf("announce %s: %w", key.Short(), ErrAnnounceFailed)
	}
	return n, nil
}

// Lookup returns the providers known for key, locally and across the
// network, deduplicated by provider and ordered freshest first.
func (ps *ProviderStore) Lookup(ctx context.Context, key NodeID) ([]ProviderRecord, error) {
	local := ps.Providers(key)

	res, err := ps.lookup.FindValue(ctx, key)
	if err != nil {
		if len(local) > 0 {
			return local, nil
		}
		return nil, err
	}

	return mergeProviders(ps.clock.Now(), local, res.Providers), nil
}

// StoreRecord keeps a record received from the network or announced locally.
// Expiry is clamped to now+TTL, and an existing record from the same provider
// is replaced only by a fresher one.
func (ps *ProviderStore) StoreRecord(rec ProviderRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	now := ps.clock.Now()
	if limit := now.Add(ps.ttl); rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(limit) {
		rec.ExpiresAt = limit
	}
	if rec.PublishedAt.IsZero() || rec.PublishedAt.After(now) {
		rec.PublishedAt = now
	}
	if rec.Expired(now) {
		return fmt.Errorf("%w: already expired", ErrInvalidRecord)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	byProvider, ok := ps.records[rec.Key]
	if !ok {
		byProvider = make(map[NodeID]ProviderRecord)
		ps.records[rec.Key] = byProvider
	}
	if existing, ok := byProvider[rec.ProviderID]; ok && existing.PublishedAt.After(rec.PublishedAt) {
		return nil
	}
	byProvider[rec.ProviderID] = rec
	return nil
}

// Providers returns the unexpired local records for key, freshest first.
func (ps *ProviderStore) Providers(key NodeID) []ProviderRecord {
	now := ps.clock.Now()

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var out []ProviderRecord
	for _, rec := range ps.records[key] {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sortFreshestFirst(out)
	return out
}

// ExpireRecords purges expired records and returns how many were removed.
func (ps *ProviderStore) ExpireRecords() int {
	now := ps.clock.Now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	removed := 0
	for key, byProvider := range ps.records {
		for id, rec := range byProvider {
			if rec.Expired(now) {
				delete(byProvider, id)
				removed++
			}
		}
		if len(byProvider) == 0 {
			delete(ps.records, key)
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ExpireRecords",
			"removed":  removed,
		}).Debug("Expired provider records")
	}
	return removed
}

// Republish re-announces every key the local node owns and returns how many
// announcements reached at least one node.
func (ps *ProviderStore) Republish(ctx context.Context) int {
	ps.mu.RLock()
	owned := make(map[NodeID]string, len(ps.owned))
	for k, v := range ps.owned {
		owned[k] = v
	}
	ps.mu.RUnlock()

	ok := 0
	for key, url := range owned {
		if ctx.Err() != nil {
			break
		}
		if _, err := ps.Announce(ctx, key, url); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Republish",
				"key":      key.Short(),
				"error":    err.Error(),
			}).Warn("Republish failed")
			continue
		}
		ok++
	}
	return ok
}

// Owns reports whether the local node announces itself for key.
func (ps *ProviderStore) Owns(key NodeID) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.owned[key]
	return ok
}

// Withdraw stops republishing key and drops the local node's own record.
// Copies already held by other nodes expire on their own.
func (ps *ProviderStore) Withdraw(key NodeID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.owned, key)
	if byProvider, ok := ps.records[key]; ok {
		delete(byProvider, ps.self.ID)
		if len(byProvider) == 0 {
			delete(ps.records, key)
		}
	}
}

// Stats returns record counts.
func (ps *ProviderStore) Stats() ProviderStats {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	st := ProviderStats{Keys: len(ps.records), Owned: len(ps.owned)}
	for _, byProvider := range ps.records {
		st.Records += len(byProvider)
	}
	return st
}

// mergeProviders deduplicates records by provider, keeping the freshest, and
// drops expired ones.
func mergeProviders(now time.Time, sets ...[]ProviderRecord) []ProviderRecord {
	best := make(map[NodeID]ProviderRecord)
	for _, set := range sets {
		for _, rec := range set {
			if rec.Expired(now) {
				continue
			}
			if cur, ok := best[rec.ProviderID]; !ok || rec.PublishedAt.After(cur.PublishedAt) {
				best[rec.ProviderID] = rec
			}
		}
	}

	out := make([]ProviderRecord, 0, len(best))
	for _, rec := range best {
		out = append(out, rec)
	}
	sortFreshestFirst(out)
	return out
}

func sortFreshestFirst(recs []ProviderRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].PublishedAt.Equal(recs[j].PublishedAt) {
			return recs[i].PublishedAt.After(recs[j].PublishedAt)
		}
		return recs[i].ProviderID.Less(recs[j].ProviderID)
	})
}
