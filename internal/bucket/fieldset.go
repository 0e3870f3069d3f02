package bucket

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Field-set keys.
const (
	FieldType     = "Type"
	FieldFilename = "Filename"
	FieldLength   = "Length"
	FieldOffset   = "Offset"
)

// fieldSetEnd terminates an encoded field set.
const fieldSetEnd = "End"

// FieldSet is a flat key/value recovery record.
type FieldSet map[string]string

// Get returns the value for key, or "" if absent.
func (fs FieldSet) Get(key string) string {
	return fs[key]
}

// Put sets key to value.
func (fs FieldSet) Put(key, value string) {
	fs[key] = value
}

// PutInt64 sets key to the decimal form of v.
func (fs FieldSet) PutInt64(key string, v int64) {
	fs[key] = strconv.FormatInt(v, 10)
}

// WriteTo encodes the set as sorted "Key=Value" lines followed by "End".
func (fs FieldSet) WriteTo(w io.Writer) (int64, error) {
	keys := make([]string, 0, len(fs))
	for k := range fs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fs[k])
		sb.WriteByte('\n')
	}
	sb.WriteString(fieldSetEnd)
	sb.WriteByte('\n')

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// ReadFieldSet decodes a field set written by WriteTo.
func ReadFieldSet(r io.Reader) (FieldSet, error) {
	fs := FieldSet{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if line == fieldSetEnd {
			return fs, nil
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed line %q", ErrBadRecord, line)
		}
		fs[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read field set: %w", err)
	}
	return nil, fmt.Errorf("%w: missing %s marker", ErrBadRecord, fieldSetEnd)
}

// FromFieldSet reconstructs a bucket from a recovery record and registers
// its backing file with tracker (which may be nil).
func FromFieldSet(fs FieldSet, tracker FileTracker) (Bucket, error) {
	if fs == nil {
		return nil, fmt.Errorf("%w: nil field set", ErrBadRecord)
	}
	switch t := fs.Get(FieldType); t {
	case TypeFileBucket:
		return fileBucketFromFieldSet(fs, tracker)
	case TypeFileSlice:
		return fileSliceFromFieldSet(fs, tracker)
	case "":
		return nil, fmt.Errorf("%w: no type", ErrBadRecord)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadRecord, t)
	}
}
