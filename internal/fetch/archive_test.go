package fetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
)

func TestArchiveContext(t *testing.T) {
	a := NewArchiveContext()
	assert.Equal(t, 1, a.Restart())
	assert.Equal(t, 2, a.Restart())
	assert.Equal(t, 2, a.Restarts())

	_, known := a.Element("k", "x")
	assert.False(t, known)
	assert.Empty(t, a.Elements("k"))

	elem := bucket.NewArrayBucket("x", []byte("x"))
	a.Store("k", bucket.NewArrayBucket("data", nil), map[string]bucket.Bucket{"x": elem})
	assert.NotEmpty(t, a.Elements("k"))
	assert.ElementsMatch(t, []string{"x"}, a.Elements("k"))

	got, known := a.Element("k", "x")
	assert.True(t, known)
	assert.Same(t, elem, got)

	missing, known := a.Element("k", "y")
	assert.True(t, known)
	assert.Nil(t, missing)
}

func TestArchiveContext_StoreReplacesAndRelease(t *testing.T) {
	dir := t.TempDir()
	mk := func(name string) (*bucket.FileBucket, string) {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0600))
		b, err := bucket.NewFileBucket(path, bucket.FileOptions{DeleteOnFinalize: true})
		require.NoError(t, err)
		return b, path
	}

	a := NewArchiveContext()
	first, firstPath := mk("first")
	second, secondPath := mk("second")

	a.Store("k", first, nil)
	a.Store("k", second, nil)
	_, err := os.Stat(firstPath)
	assert.True(t, os.IsNotExist(err), "replaced archive should be released")

	a.Release()
	_, err = os.Stat(secondPath)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, a.Elements("k"))
	assert.Equal(t, 0, a.Restarts())
}
