package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opd-ai/permastore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return s
}

func TestPutGetHasDelete(t *testing.T) {
	s := newStore(t)
	data := []byte("hello")
	hash := crypto.HashContentHex(data)

	assert.False(t, s.Has(hash))
	require.NoError(t, s.Put(hash, data))
	assert.True(t, s.Has(hash))

	got, err := s.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(s.BaseDir(), hash[:2], hash[2:4], hash))
	require.NoError(t, err, "blob lives in its shard directory")

	require.NoError(t, s.Delete(hash))
	assert.False(t, s.Has(hash))
	require.NoError(t, s.Delete(hash))

	_, err = s.Get(hash)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newStore(t)
	data := []byte("same bytes")
	hash := crypto.HashContentHex(data)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(hash, data))
		}()
	}
	wg.Wait()

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInvalidHashRejected(t *testing.T) {
	s := newStore(t)

	assert.ErrorIs(t, s.Put("../../etc/passwd", []byte("x")), crypto.ErrInvalidHash)
	_, err := s.Get("abc")
	assert.ErrorIs(t, err, crypto.ErrInvalidHash)
	assert.False(t, s.Has("zz"))
}

func TestCountAndHashes(t *testing.T) {
	s := newStore(t)

	want := map[string]bool{}
	for _, content := range []string{"a", "b", "c"} {
		h := crypto.HashContentHex([]byte(content))
		want[h] = true
		require.NoError(t, s.Put(h, []byte(content)))
	}

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	hashes, err := s.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 3)
	for _, h := range hashes {
		assert.True(t, want[h])
	}
}
