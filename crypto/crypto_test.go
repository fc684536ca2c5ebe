package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, kp1.Public, kp2.Public)
	assert.False(t, isZeroKey(kp1.Private))
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestKeyPairWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	kp.Wipe()
	assert.True(t, isZeroKey(kp.Private))
}

func TestNodeIDFromPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id1 := NodeIDFromPublicKey(kp.Public)
	id2 := NodeIDFromPublicKey(kp.Public)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, kp.Public, id1)
}

func TestLoadOrCreateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	created, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.EqualValues(t, keyFileSize, info.Size())

	loaded, err := LoadOrCreateKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, created.Public, loaded.Public)
	assert.Equal(t, NodeIDFromPublicKey(created.Public), NodeIDFromPublicKey(loaded.Public))
}

func TestLoadOrCreateKeyPairCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))

	_, err := LoadOrCreateKeyPair(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key file size")
}

func TestHashContent(t *testing.T) {
	// SHA-256 of "hello"
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	assert.Equal(t, want, HashContentHex([]byte("hello")))

	sum, err := ParseHash(want)
	require.NoError(t, err)
	assert.True(t, VerifyContent([]byte("hello"), sum))
	assert.False(t, VerifyContent([]byte("hello!"), sum))
}

func TestParseHash(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", strings.Repeat("ab", 32), false},
		{"uppercase", strings.Repeat("AB", 32), false},
		{"too short", "abcd", true},
		{"too long", strings.Repeat("a", 66), true},
		{"not hex", strings.Repeat("zz", 32), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHash)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
