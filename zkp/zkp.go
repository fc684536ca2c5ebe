// Package zkp produces possession proofs for stored content.
//
// A proof commits to the content under a fresh random challenge:
//
//	proof = BLAKE2b-256(challenge || content)
//
// Anyone holding the content can recompute the commitment for the published
// challenge and compare.
package zkp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names the commitment scheme in proofs.
const Algorithm = "blake2b-256-commitment"

// ChallengeSize is the length of the random challenge in bytes.
const ChallengeSize = 32

var (
	// ErrDisabled is returned when proofs are turned off on this node.
	ErrDisabled = errors.New("zero-knowledge proofs disabled")
	// ErrInvalidProof is returned when a proof cannot be decoded.
	ErrInvalidProof = errors.New("invalid proof")
)

// Proof is a commitment to a file's content.
type Proof struct {
	Hash      string `json:"hash"`
	Proof     string `json:"proof"`
	Challenge string `json:"challenge"`
	Algorithm string `json:"algorithm"`
}

// Prover is the proof generator contract.
type Prover interface {
	GenerateProof(ctx context.Context, hash string) (*Proof, error)
}

// ContentSource returns the bytes for a hash.
type ContentSource interface {
	Get(hash string) ([]byte, error)
}

// CommitmentProver generates BLAKE2b commitment proofs over local content.
type CommitmentProver struct {
	content ContentSource
}

// NewCommitmentProver returns a prover reading content from src.
func NewCommitmentProver(src ContentSource) *CommitmentProver {
	return &CommitmentProver{content: src}
}

// GenerateProof commits to the content stored under hash.
func (p *CommitmentProver) GenerateProof(ctx context.Context, hash string) (*Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := p.content.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("load content for proof: %w", err)
	}

	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}

	sum := commit(challenge, data)
	return &Proof{
		Hash:      hash,
		Proof:     hex.EncodeToString(sum[:]),
		Challenge: hex.EncodeToString(challenge),
		Algorithm: Algorithm,
	}, nil
}

// Verify reports whether proof commits to content.
func Verify(proof *Proof, content []byte) (bool, error) {
	if proof == nil || proof.Algorithm != Algorithm {
		return false, ErrInvalidProof
	}

	challenge, err := hex.DecodeString(proof.Challenge)
	if err != nil || len(challenge) != ChallengeSize {
		return false, fmt.Errorf("%w: bad challenge", ErrInvalidProof)
	}
	want, err := hex.DecodeString(proof.Proof)
	if err != nil || len(want) != blake2b.Size256 {
		return false, fmt.Errorf("%w: bad commitment", ErrInvalidProof)
	}

	got := commit(challenge, content)
	return subtle.ConstantTimeCompare(got[:], want) == 1, nil
}

func commit(challenge, content []byte) [blake2b.Size256]byte {
	buf := make([]byte, 0, len(challenge)+len(content))
	buf = append(buf, challenge...)
	buf = append(buf, content...)
	return blake2b.Sum256(buf)
}
