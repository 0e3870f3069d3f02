package bucket

import "errors"

// Bucket error types.
var (
	ErrReadOnly         = errors.New("bucket is read-only")
	ErrStaleGeneration  = errors.New("write through stale output stream after restart")
	ErrTooBig           = errors.New("bucket too big to split")
	ErrInvalidSliceSize = errors.New("invalid slice size")
	ErrBadRecord        = errors.New("cannot create bucket from field set")
)
