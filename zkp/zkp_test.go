package zkp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string][]byte

var errMissing = errors.New("missing")

func (m mapSource) Get(hash string) ([]byte, error) {
	data, ok := m[hash]
	if !ok {
		return nil, errMissing
	}
	return data, nil
}

func TestGenerateAndVerify(t *testing.T) {
	content := []byte("possession matters")
	prover := NewCommitmentProver(mapSource{"h1": content})

	proof, err := prover.GenerateProof(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", proof.Hash)
	assert.Equal(t, Algorithm, proof.Algorithm)
	assert.Len(t, proof.Challenge, ChallengeSize*2)
	assert.Len(t, proof.Proof, 64)

	ok, err := Verify(proof, content)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(proof, []byte("something else"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChallengesAreFresh(t *testing.T) {
	prover := NewCommitmentProver(mapSource{"h": []byte("x")})
	a, err := prover.GenerateProof(context.Background(), "h")
	require.NoError(t, err)
	b, err := prover.GenerateProof(context.Background(), "h")
	require.NoError(t, err)
	assert.NotEqual(t, a.Challenge, b.Challenge)
	assert.NotEqual(t, a.Proof, b.Proof)
}

func TestGenerateProofErrors(t *testing.T) {
	prover := NewCommitmentProver(mapSource{})
	_, err := prover.GenerateProof(context.Background(), "nope")
	assert.True(t, errors.Is(err, errMissing))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prover.GenerateProof(ctx, "nope")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		proof *Proof
	}{
		{"nil", nil},
		{"wrong algorithm", &Proof{Algorithm: "sha1"}},
		{"bad challenge", &Proof{Algorithm: Algorithm, Challenge: "zz", Proof: ""}},
		{"short commitment", &Proof{Algorithm: Algorithm, Challenge: hex64(), Proof: "ab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.proof, []byte("x"))
			assert.True(t, errors.Is(err, ErrInvalidProof))
		})
	}
}

func hex64() string {
	out := make([]byte, ChallengeSize*2)
	for i := range out {
		out[i] = '0'
	}
	return string(out)
}
