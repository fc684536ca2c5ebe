package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/opd-ai/permastore/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*metadata.MemoryStore
}

func (failingStore) GetFileRecord(context.Context, string) (*metadata.FileRecord, error) {
	return nil, errors.New("connection refused")
}

func TestExactEngine(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	require.NoError(t, store.PutFileRecord(ctx, metadata.FileRecord{
		Hash:     "aaaa",
		Filename: "x.bin",
		Size:     4,
	}))

	engine := NewExactEngine(store, 0)

	res, err := engine.CheckDuplicate(ctx, "aaaa", Features{Size: 4})
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "aaaa", res.MatchedHash)

	res, err = engine.CheckDuplicate(ctx, "bbbb", Features{Size: 4})
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.MatchedHash)
}

func TestExactEngineUnavailable(t *testing.T) {
	engine := NewExactEngine(failingStore{metadata.NewMemoryStore()}, 0)
	_, err := engine.CheckDuplicate(context.Background(), "aaaa", Features{})
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, err = NewExactEngine(nil, 0).CheckDuplicate(context.Background(), "aaaa", Features{})
	assert.True(t, errors.Is(err, ErrUnavailable))
}
