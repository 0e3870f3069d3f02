package bucket

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBucket(t *testing.T, b Bucket, data []byte) {
	t.Helper()
	w, err := b.OutputStream()
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func newFileBucket(t *testing.T, opts FileOptions) (*FileBucket, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bucket")
	b, err := NewFileBucket(path, opts)
	require.NoError(t, err)
	return b, path
}

func TestFileBucket_WriteRead(t *testing.T) {
	b, path := newFileBucket(t, FileOptions{})
	assert.Zero(t, b.Size())
	assert.Equal(t, "bucket", b.Name())
	assert.Equal(t, path, b.File())

	writeBucket(t, b, []byte("hello world"))
	assert.Equal(t, int64(11), b.Size())

	got, err := ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestFileBucket_MissingFileReadsEmpty(t *testing.T) {
	b, _ := newFileBucket(t, FileOptions{})
	got, err := ReadAll(b)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileBucket_OutputStreamTruncates(t *testing.T) {
	b, _ := newFileBucket(t, FileOptions{})
	writeBucket(t, b, []byte("a long first version"))
	writeBucket(t, b, []byte("short"))

	assert.Equal(t, int64(5), b.Size())
	got, err := ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))
}

func TestFileBucket_StaleGenerationWriteFails(t *testing.T) {
	b, _ := newFileBucket(t, FileOptions{})

	old, err := b.OutputStream()
	require.NoError(t, err)
	_, err = old.Write([]byte("old"))
	require.NoError(t, err)

	current, err := b.OutputStream()
	require.NoError(t, err)

	_, err = old.Write([]byte("zombie"))
	assert.ErrorIs(t, err, ErrStaleGeneration)

	_, err = current.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, old.Close())
	require.NoError(t, current.Close())

	assert.Equal(t, int64(3), b.Size())
	got, err := ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestFileBucket_ReadOnly(t *testing.T) {
	b, _ := newFileBucket(t, FileOptions{})

	w, err := b.OutputStream()
	require.NoError(t, err)
	_, err = w.Write([]byte("before"))
	require.NoError(t, err)

	b.SetReadOnly()
	assert.True(t, b.IsReadOnly())

	// An already-open stream is stopped too.
	_, err = w.Write([]byte("after"))
	assert.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, w.Close())

	_, err = b.OutputStream()
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Equal(t, int64(6), b.Size())
}

func TestFileBucket_ReadOnlyOption(t *testing.T) {
	b, _ := newFileBucket(t, FileOptions{ReadOnly: true})
	_, err := b.OutputStream()
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestFileBucket_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "existing")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))

	b, err := NewFileBucket(path, FileOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Size())
	assert.False(t, b.IsReadOnly())

	if runtime.GOOS != "windows" && os.Getuid() != 0 {
		require.NoError(t, os.Chmod(path, 0444))
		ro, err := NewFileBucket(path, FileOptions{})
		require.NoError(t, err)
		assert.True(t, ro.IsReadOnly(), "unwritable file forces read-only")
	}
}

func TestFileBucket_EmptyPath(t *testing.T) {
	_, err := NewFileBucket("", FileOptions{})
	assert.Error(t, err)
}

func TestFileBucket_Free(t *testing.T) {
	t.Run("keeps file by default", func(t *testing.T) {
		b, path := newFileBucket(t, FileOptions{})
		writeBucket(t, b, []byte("x"))
		b.Free()
		_, err := os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("delete on free", func(t *testing.T) {
		b, path := newFileBucket(t, FileOptions{DeleteOnFree: true})
		writeBucket(t, b, []byte("x"))
		b.Free()
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		// Idempotent.
		b.Free()
		b.FreeForce(true)
	})

	t.Run("force", func(t *testing.T) {
		b, path := newFileBucket(t, FileOptions{})
		writeBucket(t, b, []byte("x"))
		b.FreeForce(true)
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestFileBucket_Release(t *testing.T) {
	b, path := newFileBucket(t, FileOptions{DeleteOnFinalize: true})
	writeBucket(t, b, []byte("scratch"))
	b.Release()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	kept, keptPath := newFileBucket(t, FileOptions{DeleteOnFinalize: true})
	writeBucket(t, kept, []byte("kept"))
	kept.DontDeleteOnFinalize()
	assert.False(t, kept.DeleteOnFinalize())
	kept.Release()
	_, err = os.Stat(keptPath)
	assert.NoError(t, err)
}

func TestFileBucket_Split(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		sliceSize int
		want      int
	}{
		{name: "empty", length: 0, sliceSize: 4, want: 0},
		{name: "exact", length: 12, sliceSize: 4, want: 3},
		{name: "remainder", length: 13, sliceSize: 4, want: 4},
		{name: "smaller than slice", length: 3, sliceSize: 4, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, path := newFileBucket(t, FileOptions{DeleteOnFree: true})
			data := bytes.Repeat([]byte("abcdefg"), tt.length/7+1)[:tt.length]
			writeBucket(t, b, data)

			slices, err := b.Split(tt.sliceSize)
			require.NoError(t, err)
			require.Len(t, slices, tt.want)

			var total int64
			var joined []byte
			for _, s := range slices {
				assert.True(t, s.IsReadOnly())
				total += s.Size()
				part, err := ReadAll(s)
				require.NoError(t, err)
				joined = append(joined, part...)
			}
			assert.Equal(t, int64(tt.length), total)
			assert.Equal(t, data, append([]byte{}, joined...))

			// Freeing slices leaves the shared file alone.
			for _, s := range slices {
				s.Free()
			}
			_, err = os.Stat(path)
			if tt.length > 0 {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileBucket_SplitInvalidSize(t *testing.T) {
	b, _ := newFileBucket(t, FileOptions{})
	_, err := b.Split(0)
	assert.ErrorIs(t, err, ErrInvalidSliceSize)
}

func TestSliceCount_Overflow(t *testing.T) {
	_, err := sliceCount(int64(math.MaxInt32)+1, 1)
	assert.ErrorIs(t, err, ErrTooBig)

	n, err := sliceCount(int64(math.MaxInt32), 1)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt32, n)
}

func TestFileSlice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	s := NewFileSlice(path, 2, 5)
	assert.Equal(t, int64(5), s.Size())
	assert.Equal(t, int64(2), s.offset)
	assert.True(t, s.IsReadOnly())

	got, err := ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(got))

	_, err = s.OutputStream()
	assert.ErrorIs(t, err, ErrReadOnly)

	sub, err := s.Split(2)
	require.NoError(t, err)
	require.Len(t, sub, 3)
	last, err := ReadAll(sub[2])
	require.NoError(t, err)
	assert.Equal(t, "6", string(last))

	s.Free()
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestArrayBucket(t *testing.T) {
	b := NewArrayBucket("mem", []byte("initial"))
	assert.Equal(t, int64(7), b.Size())
	assert.Nil(t, b.FieldSet())

	old, err := b.OutputStream()
	require.NoError(t, err)
	cur, err := b.OutputStream()
	require.NoError(t, err)
	_, err = old.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrStaleGeneration)
	_, err = cur.Write([]byte("fresh"))
	require.NoError(t, err)

	got, err := ReadAll(b)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))

	slices, err := b.Split(2)
	require.NoError(t, err)
	assert.Len(t, slices, 3)
	assert.True(t, slices[0].IsReadOnly())

	b.SetReadOnly()
	_, err = cur.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = b.OutputStream()
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestCopy(t *testing.T) {
	src := NewArrayBucket("src", []byte("copy me"))
	dst, _ := newFileBucket(t, FileOptions{})

	n, err := Copy(dst, src)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, int64(7), dst.Size())

	ro := NewArrayBucket("ro", nil)
	ro.SetReadOnly()
	_, err = Copy(ro, src)
	assert.ErrorIs(t, err, ErrReadOnly)
}
