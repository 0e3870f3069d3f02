package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMasterKey = [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}

func newTestStore(t *testing.T) *BlockStore {
	t.Helper()
	s, err := Open(t.TempDir(), testMasterKey)
	require.NoError(t, err)
	return s
}

func TestBlockStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("some block content, compressible compressible compressible")

	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ContentHash(data), hash)
	assert.True(t, s.Has(hash))

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Stored bytes are not the plaintext.
	raw, err := os.ReadFile(filepath.Join(s.Dir(), hash[:2], hash))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "compressible")
}

func TestBlockStore_PutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	h2, err := s.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	_, count, err := s.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBlockStore_ConcurrentPutSameBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("identical content for all goroutines")

	const goroutines = 20
	var wg sync.WaitGroup
	hashes := make([]string, goroutines)
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			hashes[idx], errs[idx] = s.Put(ctx, data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i], "goroutine %d failed", i)
		assert.Equal(t, hashes[0], hashes[i])
	}
	got, err := s.Get(ctx, hashes[0])
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(s.Dir(), hashes[0][:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBlockStore_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), ContentHash([]byte("never stored")))
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestBlockStore_GetBadHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrMalformedKey)
	assert.False(t, s.Has("zz"))
}

func TestBlockStore_DetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("to be damaged"))
	require.NoError(t, err)

	path := filepath.Join(s.Dir(), hash[:2], hash)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrBlockCorrupt)
}

func TestBlockStore_WrongMasterKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := Open(dir, testMasterKey)
	require.NoError(t, err)
	hash, err := s1.Put(ctx, []byte("secret"))
	require.NoError(t, err)

	s2, err := Open(dir, [32]byte{9})
	require.NoError(t, err)
	_, err = s2.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrBlockCorrupt)
}

func TestBlockStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("short lived"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(hash))
	assert.False(t, s.Has(hash))

	// Deleting again is fine.
	assert.NoError(t, s.Delete(hash))
}

func TestBlockStore_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Get(ctx, ContentHash([]byte("x")))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBlockStore_EmptyBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.Put(ctx, nil)
	require.NoError(t, err)
	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Empty(t, got)
}
