package bucket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// TypeFileBucket is the field-set type of a FileBucket record.
const TypeFileBucket = "FileBucket"

// FileOptions controls the lifecycle of a FileBucket.
type FileOptions struct {
	// ReadOnly rejects all output streams. Also forced when an existing file
	// is not writable.
	ReadOnly bool
	// DeleteOnFinalize marks the bucket as ephemeral: Release deletes the
	// file, and FieldSet refuses to produce a recovery record.
	DeleteOnFinalize bool
	// DeleteOnFree makes Free delete the backing file.
	DeleteOnFree bool
}

// fileState is the lock-guarded cell shared by a FileBucket and the output
// streams opened on it.
type fileState struct {
	mu               sync.Mutex
	readOnly         bool
	deleteOnFinalize bool
	generation       uint64
	length           int64
}

// writable reports whether a stream opened at generation may still write.
// Caller must hold mu.
func (s *fileState) writable(generation uint64) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if s.generation > generation {
		return fmt.Errorf("%w: stream generation %d, current %d", ErrStaleGeneration, generation, s.generation)
	}
	return nil
}

// FileBucket is a Bucket backed by a single file.
//
// The tracked length is authoritative. It is only read from the filesystem
// when the bucket is constructed over an existing file.
type FileBucket struct {
	path         string
	deleteOnFree bool
	st           *fileState
}

// NewFileBucket creates a bucket over path. The file need not exist yet.
func NewFileBucket(path string, opts FileOptions) (*FileBucket, error) {
	if path == "" {
		return nil, errors.New("file bucket: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve bucket path: %w", err)
	}

	st := &fileState{
		readOnly:         opts.ReadOnly,
		deleteOnFinalize: opts.DeleteOnFinalize,
	}
	if info, err := os.Stat(abs); err == nil {
		st.length = info.Size()
		if !fileWritable(abs) {
			st.readOnly = true
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat bucket file: %w", err)
	}

	return &FileBucket{
		path:         abs,
		deleteOnFree: opts.DeleteOnFree,
		st:           st,
	}, nil
}

// fileWritable opens the file for writing without truncating it.
func fileWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// OutputStream implements Bucket.
func (b *FileBucket) OutputStream() (io.WriteCloser, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()

	if b.st.readOnly {
		return nil, ErrReadOnly
	}

	// Older streams keep their descriptor on the truncated file; the
	// generation check is what stops them from writing.
	b.st.generation++
	f, err := os.OpenFile(b.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open bucket file: %w", err)
	}
	b.st.length = 0

	return &fileOutputStream{
		f:          f,
		st:         b.st,
		generation: b.st.generation,
	}, nil
}

// InputStream implements Bucket. A bucket whose file does not exist yet
// reads as empty.
func (b *FileBucket) InputStream() (io.ReadCloser, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()

	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket file: %w", err)
	}
	return f, nil
}

// Size implements Bucket.
func (b *FileBucket) Size() int64 {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	return b.st.length
}

// Name implements Bucket.
func (b *FileBucket) Name() string {
	return filepath.Base(b.path)
}

// File returns the absolute path of the backing file.
func (b *FileBucket) File() string {
	return b.path
}

// IsReadOnly implements Bucket.
func (b *FileBucket) IsReadOnly() bool {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	return b.st.readOnly
}

// SetReadOnly implements Bucket.
func (b *FileBucket) SetReadOnly() {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	b.st.readOnly = true
}

// DeleteOnFinalize reports whether the bucket is ephemeral.
func (b *FileBucket) DeleteOnFinalize() bool {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	return b.st.deleteOnFinalize
}

// DontDeleteOnFinalize clears the ephemeral flag so that the file survives
// Release and may be persisted with FieldSet.
func (b *FileBucket) DontDeleteOnFinalize() {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	b.st.deleteOnFinalize = false
}

// Free implements Bucket. The file is deleted only if the bucket was created
// with DeleteOnFree.
func (b *FileBucket) Free() {
	b.FreeForce(false)
}

// FreeForce deletes the backing file if the bucket deletes on free or force
// is set. A missing file is not an error, so repeated calls are harmless.
func (b *FileBucket) FreeForce(force bool) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()

	if !b.deleteOnFree && !force {
		return
	}
	if _, err := os.Stat(b.path); os.IsNotExist(err) {
		return
	}

	log.Debug().Str("bucket", b.Name()).Msg("deleting bucket")
	if err := os.Remove(b.path); err != nil {
		log.Error().Err(err).Str("bucket", b.Name()).Msg("delete failed on bucket")
		return
	}
	if _, err := os.Stat(b.path); err == nil {
		log.Error().Str("bucket", b.Name()).Msg("delete failed on bucket: file still present")
	}
}

// Release is called by the owner when its scope ends. Ephemeral buckets are
// deleted regardless of DeleteOnFree.
func (b *FileBucket) Release() {
	if b.DeleteOnFinalize() {
		b.FreeForce(true)
	}
}

// Split implements Bucket.
func (b *FileBucket) Split(sliceSize int) ([]Bucket, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()

	count, err := sliceCount(b.st.length, sliceSize)
	if err != nil {
		return nil, err
	}
	slices := make([]Bucket, count)
	for i := range slices {
		start, end := sliceBounds(i, sliceSize, b.st.length)
		slices[i] = NewFileSlice(b.path, start, end-start)
	}
	return slices, nil
}

// FieldSet implements Bucket. Ephemeral buckets return nil: a file the
// process believed gone must never be recovered.
func (b *FileBucket) FieldSet() FieldSet {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()

	if b.st.deleteOnFinalize {
		return nil
	}
	fs := FieldSet{}
	fs.Put(FieldType, TypeFileBucket)
	fs.Put(FieldFilename, b.path)
	fs.PutInt64(FieldLength, b.st.length)
	return fs
}

func (b *FileBucket) String() string {
	return "FileBucket:" + b.path
}

// fileBucketFromFieldSet reconstructs a FileBucket and registers its file
// with tracker. The on-disk length must match the recorded length exactly.
func fileBucketFromFieldSet(fs FieldSet, tracker FileTracker) (*FileBucket, error) {
	path := fs.Get(FieldFilename)
	if path == "" {
		return nil, fmt.Errorf("%w: no filename", ErrBadRecord)
	}
	raw := fs.Get(FieldLength)
	if raw == "" {
		return nil, fmt.Errorf("%w: no length", ErrBadRecord)
	}
	length, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: corrupt length %q", ErrBadRecord, raw)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if info.Size() != length {
		return nil, fmt.Errorf("%w: invalid length: should be %d actually %d on %s",
			ErrBadRecord, length, info.Size(), path)
	}

	if tracker != nil {
		tracker.Register(path)
	}
	return &FileBucket{
		path: path,
		st:   &fileState{length: length},
	}, nil
}

// fileOutputStream writes to a FileBucket for as long as its generation is
// current and the bucket stays writable.
type fileOutputStream struct {
	f          *os.File
	st         *fileState
	generation uint64
}

func (w *fileOutputStream) Write(p []byte) (int, error) {
	w.st.mu.Lock()
	defer w.st.mu.Unlock()

	if err := w.st.writable(w.generation); err != nil {
		return 0, err
	}
	n, err := w.f.Write(p)
	w.st.length += int64(n)
	return n, err
}

func (w *fileOutputStream) Close() error {
	return w.f.Close()
}
