package transfer

import (
	"errors"

	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/dedup"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/limits"
	"github.com/opd-ai/permastore/metadata"
)

var (
	// ErrContentNotFound is returned when no local copy exists and no
	// provider delivered verified bytes.
	ErrContentNotFound = errors.New("content not found")

	// ErrHashMismatch is wrapped alongside ErrContentNotFound when no
	// provider delivered verified bytes and at least one served content
	// that does not hash to the requested value.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrMetadataWriteFailed is returned when an upload's metadata record
	// could not be written. The stored blob is removed.
	ErrMetadataWriteFailed = errors.New("metadata write failed")

	// ErrStorageWriteFailed is returned when content could not be written
	// to local storage.
	ErrStorageWriteFailed = errors.New("storage write failed")

	// ErrInvalidHash is returned for malformed content hashes.
	ErrInvalidHash = errors.New("invalid content hash")
)

// ErrorCode maps err to the name used in API error bodies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrContentNotFound):
		return "CONTENT_NOT_FOUND"
	case errors.Is(err, ErrHashMismatch):
		return "HASH_MISMATCH"
	case errors.Is(err, ErrMetadataWriteFailed):
		return "METADATA_WRITE_FAILED"
	case errors.Is(err, ErrStorageWriteFailed):
		return "STORAGE_WRITE_FAILED"
	case errors.Is(err, ErrInvalidHash), errors.Is(err, crypto.ErrInvalidHash):
		return "INVALID_HASH"
	case errors.Is(err, dedup.ErrUnavailable):
		return "DEDUP_UNAVAILABLE"
	case errors.Is(err, dht.ErrRPCTimeout):
		return "RPC_TIMEOUT"
	case errors.Is(err, dht.ErrLookupNoSeeds):
		return "LOOKUP_NO_SEEDS"
	case errors.Is(err, limits.ErrMessageTooLarge):
		return "PAYLOAD_TOO_LARGE"
	case errors.Is(err, limits.ErrMessageEmpty):
		return "EMPTY_PAYLOAD"
	case errors.Is(err, metadata.ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
