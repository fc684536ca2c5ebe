package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// keyFileSize is the on-disk size of a persisted identity: the raw private key.
const keyFileSize = 32

// NodeIDFromPublicKey derives the 256-bit DHT identifier of a node from its
// public key.
func NodeIDFromPublicKey(publicKey [32]byte) [32]byte {
	return sha256.Sum256(publicKey[:])
}

// LoadOrCreateKeyPair loads the node key pair stored at path, generating and
// persisting a fresh one when the file does not exist yet.
func LoadOrCreateKeyPair(path string) (*KeyPair, error) {
	log := NewLogger("crypto", "LoadOrCreateKeyPair").WithField("path", path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		kp, err := parseKeyFile(data)
		if err != nil {
			log.WithError(err, "parse", "load_identity").Error("Stored identity is unusable")
			return nil, err
		}
		log.Debug("Loaded existing identity")
		return kp, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	if err := SaveKeyPair(path, kp); err != nil {
		return nil, err
	}

	log.WithFields(SecureFieldHash(kp.Public[:], "public_key")).Info("Generated new node identity")
	return kp, nil
}

// SaveKeyPair writes the private key to path with owner-only permissions.
func SaveKeyPair(path string, kp *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, kp.Private[:], 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install key file: %w", err)
	}
	return nil
}

func parseKeyFile(data []byte) (*KeyPair, error) {
	if len(data) != keyFileSize {
		return nil, fmt.Errorf("invalid key file size: %d bytes", len(data))
	}

	var secret [32]byte
	copy(secret[:], data)
	return FromSecretKey(secret)
}
