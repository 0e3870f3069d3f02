// Package bucket provides file-backed and in-memory byte containers with an
// explicit lifecycle: truncate-and-rewrite generations, a one-way read-only
// transition, deletion on free, splitting into read-only slices and
// crash-recoverable field-set records.
package bucket

import (
	"fmt"
	"io"
	"math"
)

// Bucket is a named, sized byte container.
type Bucket interface {
	// OutputStream truncates the bucket and returns a writer bound to a new
	// generation. Writers from older generations fail with ErrStaleGeneration.
	OutputStream() (io.WriteCloser, error)

	// InputStream returns a reader over the current contents.
	InputStream() (io.ReadCloser, error)

	// Size returns the tracked length in bytes.
	Size() int64

	// Name returns a short human-readable name.
	Name() string

	IsReadOnly() bool

	// SetReadOnly marks the bucket read-only. It cannot be undone.
	SetReadOnly()

	// Free releases the storage behind the bucket if the bucket owns it.
	// Failures are logged, never returned.
	Free()

	// Split divides the contents into ceil(Size/sliceSize) read-only,
	// non-owning buckets.
	Split(sliceSize int) ([]Bucket, error)

	// FieldSet returns a recovery record, or nil if the bucket must not be
	// recovered after a restart.
	FieldSet() FieldSet
}

// Copy copies the full contents of src into dst, truncating dst first.
func Copy(dst, src Bucket) (int64, error) {
	in, err := src.InputStream()
	if err != nil {
		return 0, fmt.Errorf("open source %s: %w", src.Name(), err)
	}
	defer func() { _ = in.Close() }()

	out, err := dst.OutputStream()
	if err != nil {
		return 0, fmt.Errorf("open destination %s: %w", dst.Name(), err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("copy %s to %s: %w", src.Name(), dst.Name(), err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close destination %s: %w", dst.Name(), err)
	}
	return n, nil
}

// ReadAll returns the full contents of b.
func ReadAll(b Bucket) ([]byte, error) {
	in, err := b.InputStream()
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()
	return io.ReadAll(in)
}

// sliceCount validates a split request and returns the number of slices.
func sliceCount(length int64, sliceSize int) (int, error) {
	if sliceSize <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSliceSize, sliceSize)
	}
	if length > int64(math.MaxInt32)*int64(sliceSize) {
		return 0, fmt.Errorf("%w: %d bytes for slice size %d", ErrTooBig, length, sliceSize)
	}
	count := length / int64(sliceSize)
	if length%int64(sliceSize) > 0 {
		count++
	}
	return int(count), nil
}

// sliceBounds returns the window [start, end) of slice i.
func sliceBounds(i int, sliceSize int, length int64) (int64, int64) {
	start := int64(i) * int64(sliceSize)
	end := min(start+int64(sliceSize), length)
	return start, end
}
