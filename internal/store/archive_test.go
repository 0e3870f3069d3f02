package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestPackAndIndex(t *testing.T) {
	files := map[string]string{
		"index.html":      "<h1>hello</h1>",
		"docs/readme.txt": "read me",
		"empty":           "",
	}
	dir := writeTree(t, files)

	var buf bytes.Buffer
	n, err := Pack(dir, &buf)
	require.NoError(t, err)
	assert.Equal(t, len(files), n)

	entries, err := IndexArchive(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/readme.txt", "empty", "index.html"}, EntryNames(entries))

	raw := buf.Bytes()
	for name, content := range files {
		e := entries[name]
		assert.Equal(t, int64(len(content)), e.Size, name)
		assert.Equal(t, content, string(raw[e.Offset:e.Offset+e.Size]), name)
	}
}

func TestIndexArchive_NotATar(t *testing.T) {
	_, err := IndexArchive(bytes.NewReader(bytes.Repeat([]byte{0x42}, 1024)))
	assert.ErrorIs(t, err, ErrBadArchive)
}

func TestIndexArchive_Empty(t *testing.T) {
	var buf bytes.Buffer
	n, err := Pack(t.TempDir(), &buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := IndexArchive(&buf)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
