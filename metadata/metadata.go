// Package metadata stores the per-file records a node keeps about the content
// it holds: name, size, tags and how the content arrived.
package metadata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no record exists for a hash.
var ErrNotFound = errors.New("file record not found")

// Dedup statuses recorded with a file.
const (
	// StatusOriginal marks content uploaded to this node.
	StatusOriginal = "original"
	// StatusDeduplicated marks an upload that matched existing content.
	StatusDeduplicated = "deduplicated"
	// StatusReplica marks content fetched from another node and cached.
	StatusReplica = "replica"
)

// FileRecord describes one stored file, keyed by its content hash.
type FileRecord struct {
	Hash        string    `json:"hash"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Tags        []string  `json:"tags"`
	DedupStatus string    `json:"dedup_status"`
	CreatedAt   time.Time `json:"-"`
	Timestamp   int64     `json:"timestamp"`
}

// SearchResult is a record with its relevance to a query, in [0,1].
type SearchResult struct {
	FileRecord
	Similarity float64 `json:"similarity"`
}

// Store is the metadata store contract.
type Store interface {
	PutFileRecord(ctx context.Context, rec FileRecord) error
	GetFileRecord(ctx context.Context, hash string) (*FileRecord, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	List(ctx context.Context, limit int) ([]FileRecord, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Similarity scores how well rec matches query by filename and tags.
// An exact filename match scores 1; no match scores 0.
func Similarity(query string, rec FileRecord) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}

	score := 0.0
	name := strings.ToLower(rec.Filename)
	switch {
	case name == q:
		return 1
	case strings.Contains(name, q):
		score = 0.5 + 0.4*float64(len(q))/float64(len(name))
	}

	for _, tag := range rec.Tags {
		t := strings.ToLower(tag)
		switch {
		case t == q:
			score = maxFloat(score, 0.9)
		case strings.Contains(t, q):
			score = maxFloat(score, 0.6)
		}
	}
	return score
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// rank scores records against query and returns the matches, best first.
func rank(query string, recs []FileRecord, limit int) []SearchResult {
	var out []SearchResult
	for _, rec := range recs {
		if s := Similarity(query, rec); s > 0 {
			out = append(out, SearchResult{FileRecord: rec, Similarity: s})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// NormalizeTags trims, lowercases and deduplicates tags, dropping empty ones.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
