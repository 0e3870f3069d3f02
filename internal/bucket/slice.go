package bucket

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// TypeFileSlice is the field-set type of a FileSlice record.
const TypeFileSlice = "ReadOnlyFileSliceBucket"

// FileSlice is a read-only window into a file owned by someone else.
// Freeing a slice never deletes the file.
type FileSlice struct {
	path   string
	offset int64
	length int64
}

// NewFileSlice returns a window [offset, offset+length) into path.
func NewFileSlice(path string, offset, length int64) *FileSlice {
	return &FileSlice{path: path, offset: offset, length: length}
}

// OutputStream implements Bucket.
func (s *FileSlice) OutputStream() (io.WriteCloser, error) {
	return nil, ErrReadOnly
}

// InputStream implements Bucket.
func (s *FileSlice) InputStream() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open slice file: %w", err)
	}
	return &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, s.offset, s.length),
		f:             f,
	}, nil
}

// Size implements Bucket.
func (s *FileSlice) Size() int64 { return s.length }

// Name implements Bucket.
func (s *FileSlice) Name() string {
	return fmt.Sprintf("%s[%d+%d]", filepath.Base(s.path), s.offset, s.length)
}

// IsReadOnly implements Bucket.
func (s *FileSlice) IsReadOnly() bool { return true }

// SetReadOnly implements Bucket.
func (s *FileSlice) SetReadOnly() {}

// Free implements Bucket. The backing file is shared and is left in place.
func (s *FileSlice) Free() {}

// Split implements Bucket.
func (s *FileSlice) Split(sliceSize int) ([]Bucket, error) {
	count, err := sliceCount(s.length, sliceSize)
	if err != nil {
		return nil, err
	}
	slices := make([]Bucket, count)
	for i := range slices {
		start, end := sliceBounds(i, sliceSize, s.length)
		slices[i] = NewFileSlice(s.path, s.offset+start, end-start)
	}
	return slices, nil
}

// FieldSet implements Bucket.
func (s *FileSlice) FieldSet() FieldSet {
	fs := FieldSet{}
	fs.Put(FieldType, TypeFileSlice)
	fs.Put(FieldFilename, s.path)
	fs.PutInt64(FieldOffset, s.offset)
	fs.PutInt64(FieldLength, s.length)
	return fs
}

func (s *FileSlice) String() string {
	return "FileSlice:" + s.Name()
}

func fileSliceFromFieldSet(fs FieldSet, tracker FileTracker) (*FileSlice, error) {
	path := fs.Get(FieldFilename)
	if path == "" {
		return nil, fmt.Errorf("%w: no filename", ErrBadRecord)
	}
	offset, err := strconv.ParseInt(fs.Get(FieldOffset), 10, 64)
	if err != nil || offset < 0 {
		return nil, fmt.Errorf("%w: corrupt offset %q", ErrBadRecord, fs.Get(FieldOffset))
	}
	length, err := strconv.ParseInt(fs.Get(FieldLength), 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: corrupt length %q", ErrBadRecord, fs.Get(FieldLength))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if info.Size() < offset+length {
		return nil, fmt.Errorf("%w: slice %d+%d beyond end of %s (%d bytes)",
			ErrBadRecord, offset, length, path, info.Size())
	}

	if tracker != nil {
		tracker.Register(path)
	}
	return NewFileSlice(path, offset, length), nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (r *sectionReadCloser) Close() error {
	return r.f.Close()
}
