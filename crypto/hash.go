package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashSize is the size in bytes of a content hash.
const HashSize = sha256.Size

// ErrInvalidHash indicates a malformed hex content hash.
var ErrInvalidHash = errors.New("invalid content hash")

// HashContent returns the SHA-256 digest addressing data.
func HashContent(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}

// HashHex encodes a digest as lowercase hex.
func HashHex(sum [HashSize]byte) string {
	return hex.EncodeToString(sum[:])
}

// HashContentHex is HashHex(HashContent(data)).
func HashContentHex(data []byte) string {
	return HashHex(HashContent(data))
}

// ParseHash decodes a 64-character hex content hash.
func ParseHash(s string) ([HashSize]byte, error) {
	var sum [HashSize]byte
	if len(s) != HashSize*2 {
		return sum, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidHash, HashSize*2, len(s))
	}
	if _, err := hex.Decode(sum[:], []byte(s)); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return sum, nil
}

// VerifyContent reports whether data hashes to the expected digest.
func VerifyContent(data []byte, expected [HashSize]byte) bool {
	return HashContent(data) == expected
}
