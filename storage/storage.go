// Package storage keeps content blobs on local disk, addressed by their
// SHA-256 hash.
//
// Blobs are spread over two levels of directories named after the first two
// byte pairs of the hash, so no single directory grows unbounded:
//
//	<base>/2c/f2/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opd-ai/permastore/crypto"
	"github.com/sirupsen/logrus"
)

// ErrBlobNotFound is returned when no blob exists for a hash.
var ErrBlobNotFound = errors.New("blob not found")

const tmpSuffix = ".tmp"

// BlobStore is the local content storage contract.
type BlobStore interface {
	Put(hash string, data []byte) error
	Get(hash string) ([]byte, error)
	Has(hash string) bool
	Delete(hash string) error
	Count() (int, error)
}

var _ BlobStore = (*FileStore)(nil)

// FileStore is a content-addressed blob store rooted at a directory.
type FileStore struct {
	baseDir string

	// Writers of the same hash are serialised; blobs are immutable once written.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the base directory if needed and returns a store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the directory the store is rooted at.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

// pathFor returns the sharded location of a blob after validating hash.
func (s *FileStore) pathFor(hash string) (string, error) {
	hash = strings.ToLower(hash)
	if _, err := crypto.ParseHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash), nil
}

func (s *FileStore) lockFor(hash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		s.locks[hash] = l
	}
	return l
}

// Put writes data under hash. The write goes to a temporary file that is
// renamed into place, so readers never observe a partial blob.
func (s *FileStore) Put(hash string, data []byte) error {
	hash = strings.ToLower(hash)
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}

	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install blob: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Put",
		"hash":     hash,
		"size":     len(data),
	}).Debug("Stored blob")
	return nil
}

// Get reads the blob stored under hash.
func (s *FileStore) Get(hash string) ([]byte, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Has reports whether a blob exists for hash.
func (s *FileStore) Has(hash string) bool {
	path, err := s.pathFor(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes the blob stored under hash. Deleting a missing blob is not an error.
func (s *FileStore) Delete(hash string) error {
	hash = strings.ToLower(hash)
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}

	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Count returns the number of stored blobs.
func (s *FileStore) Count() (int, error) {
	count := 0
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}
		if _, perr := crypto.ParseHash(d.Name()); perr == nil {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count blobs: %w", err)
	}
	return count, nil
}

// Hashes returns the hashes of every stored blob.
func (s *FileStore) Hashes() ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, perr := crypto.ParseHash(d.Name()); perr == nil {
			hashes = append(hashes, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return hashes, nil
}
