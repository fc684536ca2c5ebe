// Package limits provides centralized size limits for the permastore node.
// This ensures consistent validation across different components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagramSize is the largest Kademlia datagram accepted or sent.
	MaxDatagramSize = 16384

	// MaxContactsPerReply bounds the number of contacts decoded from a single reply.
	MaxContactsPerReply = 64

	// MaxProvidersPerReply bounds the number of provider records in a FIND_VALUE reply.
	MaxProvidersPerReply = 32

	// MaxProviderURL is the longest provider API URL accepted in a record.
	MaxProviderURL = 2048

	// DefaultMaxUploadSize is the default cap on a single stored or fetched file (100MB).
	DefaultMaxUploadSize = 100 * 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates a raw datagram against MaxDatagramSize.
func ValidateDatagram(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxDatagramSize)
	}
	return nil
}

// ValidateProviderURL checks that a provider URL is present and not oversized.
func ValidateProviderURL(url string) error {
	if url == "" {
		return ErrMessageEmpty
	}
	if len(url) > MaxProviderURL {
		return fmt.Errorf("%w: provider url length %d exceeds limit %d", ErrMessageTooLarge, len(url), MaxProviderURL)
	}
	return nil
}

// ValidateUpload validates a file payload against the given upload cap.
// A non-positive maxSize falls back to DefaultMaxUploadSize.
func ValidateUpload(data []byte, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if int64(len(data)) > maxSize {
		return fmt.Errorf("%w: upload size %d exceeds limit %d", ErrMessageTooLarge, len(data), maxSize)
	}
	return nil
}
