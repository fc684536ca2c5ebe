package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]FileRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]FileRecord),
		now:     time.Now,
	}
}

// PutFileRecord inserts or replaces the record for rec.Hash.
func (m *MemoryStore) PutFileRecord(_ context.Context, rec FileRecord) error {
	if rec.Hash == "" {
		return fmt.Errorf("put file record: empty hash")
	}
	rec.Hash = strings.Clone(strings.ToLower(rec.Hash))
	rec.Tags = append([]string(nil), rec.Tags...)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	rec.Timestamp = rec.CreatedAt.Unix()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Hash] = rec
	return nil
}

// GetFileRecord returns the record for hash.
func (m *MemoryStore) GetFileRecord(_ context.Context, hash string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[strings.ToLower(hash)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return &rec, nil
}

// Search ranks every record against query.
func (m *MemoryStore) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	return rank(query, m.snapshot(), limit), nil
}

// List returns records newest first.
func (m *MemoryStore) List(_ context.Context, limit int) ([]FileRecord, error) {
	recs := m.snapshot()
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Hash < recs[j].Hash
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Count returns the number of records.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) snapshot() []FileRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}
