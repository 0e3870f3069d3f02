package store

import "errors"

// Store errors.
var (
	ErrBlockNotFound   = errors.New("block not found")
	ErrBlockCorrupt    = errors.New("block corrupt")
	ErrMalformedKey    = errors.New("malformed key")
	ErrInvalidManifest = errors.New("invalid manifest")
	ErrUnknownManifest = errors.New("unknown manifest kind")
	ErrBadArchive      = errors.New("bad archive")

	ErrInsufficientSpace = errors.New("insufficient space in store")
)
