// Package transfer implements upload and download of content on top of the
// DHT: local-first reads, network fallback through provider records, and
// verification of every fetched byte against its content hash.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/dedup"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/limits"
	"github.com/opd-ai/permastore/metadata"
	"github.com/opd-ai/permastore/storage"
	"github.com/sirupsen/logrus"
)

// Upload statuses.
const (
	StatusStored       = "stored"
	StatusDeduplicated = "deduplicated"
)

// Download sources.
const (
	SourceLocal   = "local"
	SourceNetwork = "network"
)

// Network is the part of the DHT the orchestrator uses.
type Network interface {
	Announce(ctx context.Context, key dht.NodeID, url string) (int, error)
	Lookup(ctx context.Context, key dht.NodeID) ([]dht.ProviderRecord, error)
	Owns(key dht.NodeID) bool
	Self() dht.Contact
}

// Config configures an Orchestrator.
type Config struct {
	// PublicURL is the peer API URL announced in provider records.
	PublicURL string
	// MaxSize caps uploads and fetched content.
	MaxSize int64
	// AnnounceTimeout bounds each background announce.
	AnnounceTimeout time.Duration
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Blobs    storage.BlobStore
	Metadata metadata.Store
	Dedup    dedup.Engine
	Network  Network
	Fetcher  Fetcher
}

// UploadRequest is a file to publish.
type UploadRequest struct {
	Filename    string
	ContentType string
	Tags        []string
	Data        []byte
}

// UploadResult reports the outcome of an upload.
type UploadResult struct {
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
	Filename    string `json:"filename"`
	MatchedHash string `json:"matched_hash,omitempty"`
}

// DownloadResult is verified content and where it came from.
type DownloadResult struct {
	Hash        string
	Data        []byte
	Filename    string
	ContentType string
	Source      string
	ProviderURL string
}

// Orchestrator coordinates storage, metadata, dedup and the DHT.
type Orchestrator struct {
	blobs   storage.BlobStore
	meta    metadata.Store
	dedup   dedup.Engine
	network Network
	fetcher Fetcher

	publicURL       string
	maxSize         int64
	announceTimeout time.Duration

	lifecycleMu sync.Mutex
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New returns an orchestrator. Blobs, Metadata and Network are required; a
// nil Dedup disables duplicate detection and a nil Fetcher uses HTTP.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Blobs == nil || deps.Metadata == nil || deps.Network == nil {
		return nil, errors.New("transfer: blobs, metadata and network are required")
	}
	if cfg.PublicURL == "" {
		return nil, errors.New("transfer: public url is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = limits.DefaultMaxUploadSize
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = 30 * time.Second
	}
	if deps.Fetcher == nil {
		deps.Fetcher = NewHTTPFetcher(time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		blobs:           deps.Blobs,
		meta:            deps.Metadata,
		dedup:           deps.Dedup,
		network:         deps.Network,
		fetcher:         deps.Fetcher,
		publicURL:       cfg.PublicURL,
		maxSize:         cfg.MaxSize,
		announceTimeout: cfg.AnnounceTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Upload stores req.Data, records its metadata and announces it.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := limits.ValidateUpload(req.Data, o.maxSize); err != nil {
		return nil, err
	}

	hash := crypto.HashContentHex(req.Data)
	size := int64(len(req.Data))
	filename := req.Filename
	if filename == "" {
		filename = hash
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"hash":     hash,
		"size":     size,
		"filename": filename,
	})

	if dup, ok := o.checkDuplicate(ctx, hash, req, logger); ok {
		if err := o.restoreBlob(hash, dup.MatchedHash, req.Data); err != nil {
			return nil, err
		}
		if o.blobs.Has(hash) && !o.network.Owns(keyFor(hash)) {
			o.announceAsync(hash)
		}
		logger.WithField("matched_hash", dup.MatchedHash).Info("Upload deduplicated")
		return &UploadResult{
			Hash:        hash,
			Size:        size,
			Status:      StatusDeduplicated,
			Filename:    filename,
			MatchedHash: dup.MatchedHash,
		}, nil
	}

	existed := o.blobs.Has(hash)
	if !existed {
		if err := o.blobs.Put(hash, req.Data); err != nil {
			logger.WithError(err).Error("Failed to store content")
			return nil, fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
		}
	}

	rec := metadata.FileRecord{
		Hash:        hash,
		Filename:    filename,
		Size:        size,
		ContentType: req.ContentType,
		Tags:        metadata.NormalizeTags(req.Tags),
		DedupStatus: metadata.StatusOriginal,
	}
	if err := o.meta.PutFileRecord(ctx, rec); err != nil {
		if !existed {
			if delErr := o.blobs.Delete(hash); delErr != nil {
				logger.WithError(delErr).Warn("Failed to remove orphaned blob")
			}
		}
		logger.WithError(err).Error("Metadata write failed, upload aborted")
		return nil, fmt.Errorf("%w: %v", ErrMetadataWriteFailed, err)
	}

	o.announceAsync(hash)
	logger.Info("Upload stored")

	return &UploadResult{
		Hash:     hash,
		Size:     size,
		Status:   StatusStored,
		Filename: filename,
	}, nil
}

func (o *Orchestrator) checkDuplicate(ctx context.Context, hash string, req UploadRequest, logger *logrus.Entry) (dedup.Result, bool) {
	if o.dedup == nil {
		return dedup.Result{}, false
	}

	res, err := o.dedup.CheckDuplicate(ctx, hash, dedup.Features{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        int64(len(req.Data)),
	})
	if err != nil {
		logger.WithError(err).Warn("Dedup engine unavailable, storing as new")
		return dedup.Result{}, false
	}
	if !res.IsDuplicate {
		return res, false
	}
	if res.MatchedHash == "" {
		res.MatchedHash = hash
	}
	return res, true
}

// restoreBlob rewrites the bytes of an exact duplicate whose blob has gone
// missing, so the existing metadata record stays reachable.
func (o *Orchestrator) restoreBlob(hash, matched string, data []byte) error {
	if !strings.EqualFold(hash, matched) || o.blobs.Has(hash) {
		return nil
	}
	if err := o.blobs.Put(hash, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWriteFailed, err)
	}
	return nil
}

// Local returns content held by this node without touching the network.
func (o *Orchestrator) Local(ctx context.Context, hash string) (*DownloadResult, error) {
	hash, _, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}

	data, err := o.blobs.Get(hash)
	if err != nil {
		if !errors.Is(err, storage.ErrBlobNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "Local",
				"hash":     hash,
				"error":    err.Error(),
			}).Warn("Local storage read failed")
		}
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, hash)
	}

	res := &DownloadResult{Hash: hash, Data: data, Source: SourceLocal}
	if rec, err := o.meta.GetFileRecord(ctx, hash); err == nil {
		res.Filename = rec.Filename
		res.ContentType = rec.ContentType
	}
	return res, nil
}

// Download returns verified content for hash, from local storage when
// present and otherwise from the providers the DHT knows of.
func (o *Orchestrator) Download(ctx context.Context, hash string) (*DownloadResult, error) {
	hash, sum, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}

	if res, err := o.Local(ctx, hash); err == nil {
		return res, nil
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "Download",
		"hash":     hash,
	})

	providers, err := o.network.Lookup(ctx, keyFor(hash))
	if err != nil {
		logger.WithError(err).Debug("Provider lookup failed")
	}
	candidates := o.candidates(providers)
	if len(candidates) == 0 {
		logger.Info("No providers found")
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, hash)
	}

	mismatches := 0
	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrContentNotFound, hash, err)
		}

		plog := logger.WithFields(logrus.Fields{
			"provider_id":  rec.ProviderID.Short(),
			"provider_url": rec.ProviderURL,
		})

		fetched, err := o.fetcher.Fetch(ctx, rec.ProviderURL, hash, o.maxSize)
		if err != nil {
			plog.WithError(err).Debug("Provider fetch failed")
			continue
		}
		if !crypto.VerifyContent(fetched.Data, sum) {
			plog.WithField("error", ErrHashMismatch.Error()).Warn("Provider returned content with wrong hash")
			mismatches++
			continue
		}

		o.cacheReplica(ctx, hash, fetched, plog)
		plog.WithField("size", len(fetched.Data)).Info("Content fetched from provider")

		return &DownloadResult{
			Hash:        hash,
			Data:        fetched.Data,
			Filename:    fetched.Filename,
			ContentType: fetched.ContentType,
			Source:      SourceNetwork,
			ProviderURL: rec.ProviderURL,
		}, nil
	}

	logger.WithFields(logrus.Fields{
		"providers":  len(candidates),
		"mismatches": mismatches,
	}).Info("All providers failed")
	if mismatches > 0 {
		return nil, fmt.Errorf("%w: %s: %d of %d providers served wrong bytes: %w",
			ErrContentNotFound, hash, mismatches, len(candidates), ErrHashMismatch)
	}
	return nil, fmt.Errorf("%w: %s: %d providers failed", ErrContentNotFound, hash, len(candidates))
}

// candidates orders providers freshest first, dropping the local node and
// repeats of a provider or URL.
func (o *Orchestrator) candidates(providers []dht.ProviderRecord) []dht.ProviderRecord {
	self := o.network.Self().ID
	sorted := append([]dht.ProviderRecord(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.After(sorted[j].PublishedAt)
	})

	seenID := make(map[dht.NodeID]bool)
	seenURL := make(map[string]bool)
	out := sorted[:0]
	for _, rec := range sorted {
		if rec.ProviderID == self || rec.ProviderURL == o.publicURL {
			continue
		}
		if seenID[rec.ProviderID] || seenURL[rec.ProviderURL] {
			continue
		}
		seenID[rec.ProviderID] = true
		seenURL[rec.ProviderURL] = true
		out = append(out, rec)
	}
	return out
}

// cacheReplica stores verified remote content locally and announces it.
// Failures only cost the cache.
func (o *Orchestrator) cacheReplica(ctx context.Context, hash string, fetched *FetchResult, logger *logrus.Entry) {
	if err := o.blobs.Put(hash, fetched.Data); err != nil {
		logger.WithError(err).Warn("Failed to cache replica")
		return
	}

	if _, err := o.meta.GetFileRecord(ctx, hash); err == nil {
		// The record outlived its blob; restoring the bytes is enough.
		logger.Info("Restored missing blob for existing record")
		o.announceAsync(hash)
		return
	}

	filename := fetched.Filename
	if filename == "" {
		filename = hash
	}
	rec := metadata.FileRecord{
		Hash:        hash,
		Filename:    filename,
		Size:        int64(len(fetched.Data)),
		ContentType: fetched.ContentType,
		DedupStatus: metadata.StatusReplica,
	}
	if err := o.meta.PutFileRecord(ctx, rec); err != nil {
		logger.WithError(err).Warn("Failed to record replica metadata, dropping cached copy")
		_ = o.blobs.Delete(hash)
		return
	}

	o.announceAsync(hash)
}

func (o *Orchestrator) announceAsync(hash string) {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.closed {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(o.ctx, o.announceTimeout)
		defer cancel()

		logger := logrus.WithFields(logrus.Fields{
			"function": "announceAsync",
			"hash":     hash,
		})

		stored, err := o.network.Announce(ctx, keyFor(hash), o.publicURL)
		if err != nil {
			logger.WithError(err).Warn("Announce failed, republish will retry")
			return
		}
		logger.WithField("stored", stored).Debug("Announced content")
	}()
}

// Info returns the metadata record for hash.
func (o *Orchestrator) Info(ctx context.Context, hash string) (*metadata.FileRecord, error) {
	hash, _, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}
	return o.meta.GetFileRecord(ctx, hash)
}

// List returns up to limit records, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]metadata.FileRecord, error) {
	return o.meta.List(ctx, limit)
}

// Search ranks local records against query.
func (o *Orchestrator) Search(ctx context.Context, query string, limit int) ([]metadata.SearchResult, error) {
	return o.meta.Search(ctx, query, limit)
}

// FilesStored returns the number of metadata records.
func (o *Orchestrator) FilesStored(ctx context.Context) (int, error) {
	return o.meta.Count(ctx)
}

// PublicURL returns the URL announced in provider records.
func (o *Orchestrator) PublicURL() string {
	return o.publicURL
}

// Wait blocks until pending background announces finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels background announces and waits for them.
func (o *Orchestrator) Close() {
	o.lifecycleMu.Lock()
	o.closed = true
	o.lifecycleMu.Unlock()

	o.cancel()
	o.wg.Wait()
}

func normalizeHash(hash string) (string, [crypto.HashSize]byte, error) {
	hash = strings.Clone(strings.ToLower(strings.TrimSpace(hash)))
	sum, err := crypto.ParseHash(hash)
	if err != nil {
		return "", sum, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return hash, sum, nil
}

// keyFor maps a hex content hash to its DHT key. Callers pass validated hashes.
func keyFor(hash string) dht.NodeID {
	sum, _ := crypto.ParseHash(hash)
	return dht.NodeID(sum)
}
