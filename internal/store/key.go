package store

import (
	"fmt"
	"strings"
)

// KeyPrefix starts every content key.
const KeyPrefix = "CHK@"

// MaxPathComponents bounds the path of a key.
const MaxPathComponents = 32

// Key names a manifest block and, optionally, a path inside it.
//
// The string form is CHK@<hash>[/path/inside]. The hash is the hex SHA-256 of
// the manifest block.
type Key struct {
	Hash string
	Path string
}

// ParseKey parses the string form of a key. Errors wrap ErrMalformedKey.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), KeyPrefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: missing %s prefix: %q", ErrMalformedKey, KeyPrefix, s)
	}

	hash, path, _ := strings.Cut(rest, "/")
	hash = strings.ToLower(hash)
	if !validHash(hash) {
		return Key{}, fmt.Errorf("%w: bad hash %q", ErrMalformedKey, hash)
	}

	path = strings.Trim(path, "/")
	if path != "" {
		parts := strings.Split(path, "/")
		if len(parts) > MaxPathComponents {
			return Key{}, fmt.Errorf("%w: more than %d path components", ErrMalformedKey, MaxPathComponents)
		}
		for _, p := range parts {
			if p == "" || p == "." || p == ".." {
				return Key{}, fmt.Errorf("%w: bad path component %q", ErrMalformedKey, p)
			}
		}
	}
	return Key{Hash: hash, Path: path}, nil
}

// String returns the string form of k.
func (k Key) String() string {
	if k.Path == "" {
		return KeyPrefix + k.Hash
	}
	return KeyPrefix + k.Hash + "/" + k.Path
}

// WithPath returns k pointing at path inside its manifest.
func (k Key) WithPath(path string) Key {
	return Key{Hash: k.Hash, Path: strings.Trim(path, "/")}
}
