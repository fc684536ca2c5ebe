package dht

import (
	"errors"
	"fmt"
)

var (
	// ErrRPCTimeout is returned when a request receives no reply in time.
	ErrRPCTimeout = errors.New("rpc timeout")

	// ErrLookupNoSeeds is returned when a lookup starts from an empty routing table.
	ErrLookupNoSeeds = errors.New("lookup has no seed contacts")

	// ErrNoBootstrapNodes is returned when bootstrap is attempted without seeds.
	ErrNoBootstrapNodes = errors.New("no bootstrap nodes configured")

	// ErrAnnounceFailed is returned when no node accepted a provider record.
	ErrAnnounceFailed = errors.New("no node accepted the provider record")

	// ErrInvalidRecord is returned for provider records that fail validation.
	ErrInvalidRecord = errors.New("invalid provider record")

	// ErrStoreRejected is returned when a peer declines a STORE.
	ErrStoreRejected = errors.New("store rejected by peer")

	// ErrInvalidMessage is returned for undecodable or inconsistent wire messages.
	ErrInvalidMessage = errors.New("invalid message")
)

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}
