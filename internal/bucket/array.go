package bucket

import (
	"bytes"
	"io"
	"sync"
)

// ArrayBucket is an in-memory Bucket. It follows the same generation and
// read-only rules as FileBucket and is never recoverable.
type ArrayBucket struct {
	name string

	mu         sync.Mutex
	data       []byte
	readOnly   bool
	generation uint64
}

// NewArrayBucket returns a writable in-memory bucket holding a copy of data.
func NewArrayBucket(name string, data []byte) *ArrayBucket {
	return &ArrayBucket{
		name: name,
		data: bytes.Clone(data),
	}
}

// OutputStream implements Bucket.
func (b *ArrayBucket) OutputStream() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readOnly {
		return nil, ErrReadOnly
	}
	b.generation++
	b.data = nil
	return &arrayOutputStream{b: b, generation: b.generation}, nil
}

// InputStream implements Bucket. The reader sees a snapshot of the contents.
func (b *ArrayBucket) InputStream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return io.NopCloser(bytes.NewReader(bytes.Clone(b.data))), nil
}

// Size implements Bucket.
func (b *ArrayBucket) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// Name implements Bucket.
func (b *ArrayBucket) Name() string { return b.name }

// IsReadOnly implements Bucket.
func (b *ArrayBucket) IsReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

// SetReadOnly implements Bucket.
func (b *ArrayBucket) SetReadOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
}

// Free implements Bucket.
func (b *ArrayBucket) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// Split implements Bucket. The slices share no memory with b.
func (b *ArrayBucket) Split(sliceSize int) ([]Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	length := int64(len(b.data))
	count, err := sliceCount(length, sliceSize)
	if err != nil {
		return nil, err
	}
	slices := make([]Bucket, count)
	for i := range slices {
		start, end := sliceBounds(i, sliceSize, length)
		s := NewArrayBucket(b.name, b.data[start:end])
		s.readOnly = true
		slices[i] = s
	}
	return slices, nil
}

// FieldSet implements Bucket. Memory does not survive a restart.
func (b *ArrayBucket) FieldSet() FieldSet { return nil }

type arrayOutputStream struct {
	b          *ArrayBucket
	generation uint64
}

func (w *arrayOutputStream) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()

	if w.b.readOnly {
		return 0, ErrReadOnly
	}
	if w.b.generation > w.generation {
		return 0, ErrStaleGeneration
	}
	w.b.data = append(w.b.data, p...)
	return len(p), nil
}

func (w *arrayOutputStream) Close() error { return nil }
