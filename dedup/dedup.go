// Package dedup decides whether incoming content duplicates content the node
// already holds.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/permastore/metadata"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable is returned when the engine cannot reach a decision.
// Callers treat it as "not a duplicate".
var ErrUnavailable = errors.New("dedup engine unavailable")

// Features describes the content being checked.
type Features struct {
	Filename    string
	ContentType string
	Size        int64
}

// Result is the outcome of a duplicate check.
type Result struct {
	IsDuplicate bool
	MatchedHash string
}

// Engine is the dedup engine contract.
type Engine interface {
	CheckDuplicate(ctx context.Context, hash string, features Features) (Result, error)
}

// ExactEngine reports a duplicate when the metadata store already has a
// record for the exact content hash.
type ExactEngine struct {
	store   metadata.Store
	timeout time.Duration
}

// NewExactEngine returns an engine backed by store. Each check is bounded by
// timeout; zero means no bound beyond the caller's context.
func NewExactEngine(store metadata.Store, timeout time.Duration) *ExactEngine {
	return &ExactEngine{store: store, timeout: timeout}
}

// CheckDuplicate looks hash up in the metadata store.
func (e *ExactEngine) CheckDuplicate(ctx context.Context, hash string, features Features) (Result, error) {
	if e.store == nil {
		return Result{}, fmt.Errorf("%w: no metadata store", ErrUnavailable)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	rec, err := e.store.GetFileRecord(ctx, hash)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		return Result{}, nil
	case err != nil:
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if features.Size > 0 && rec.Size > 0 && rec.Size != features.Size {
		logrus.WithFields(logrus.Fields{
			"function":      "CheckDuplicate",
			"hash":          hash,
			"recorded_size": rec.Size,
			"size":          features.Size,
		}).Warn("Recorded size differs for identical hash")
	}

	return Result{IsDuplicate: true, MatchedHash: rec.Hash}, nil
}
