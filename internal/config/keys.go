package config

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StoreKeyFile is the name of the generated master key inside the store
// directory.
const StoreKeyFile = "store.key"

// ErrBadStoreKey is returned for a master key that is not 32 hex-encoded
// bytes.
var ErrBadStoreKey = errors.New("store key must be 64 hex characters")

// ParseStoreKey decodes a hex-encoded 32-byte master key.
func ParseStoreKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != len(key) {
		return key, ErrBadStoreKey
	}
	copy(key[:], raw)
	return key, nil
}

// GenerateStoreKey creates a random master key and saves it hex-encoded to
// path with owner-only permissions.
func GenerateStoreKey(path string) ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate store key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return key, fmt.Errorf("create key directory: %w", err)
	}

	// O_EXCL: an existing key is never overwritten.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return key, fmt.Errorf("create store key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key[:]) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return key, fmt.Errorf("write store key: %w", err)
	}
	if err := f.Close(); err != nil {
		return key, fmt.Errorf("close store key: %w", err)
	}
	return key, nil
}

// LoadStoreKey reads a master key written by GenerateStoreKey.
func LoadStoreKey(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("read store key: %w", err)
	}
	key, err := ParseStoreKey(string(data))
	if err != nil {
		return key, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// EnsureStoreKey loads the master key at path, generating it on first use.
func EnsureStoreKey(path string) ([32]byte, error) {
	key, err := LoadStoreKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return key, err
	}

	key, err = GenerateStoreKey(path)
	if errors.Is(err, os.ErrExist) {
		return LoadStoreKey(path)
	}
	return key, err
}

// MasterKey returns the configured master key, or the one kept in the store
// directory when none is configured.
func (c *Config) MasterKey() ([32]byte, error) {
	if c.StoreKey != "" {
		return ParseStoreKey(c.StoreKey)
	}
	return EnsureStoreKey(filepath.Join(c.StoreDir, StoreKeyFile))
}

// StoreKeyFingerprint returns a short printable identifier of a master key
// that does not reveal it.
func StoreKeyFingerprint(key [32]byte) string {
	h := sha256.Sum256(key[:])
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(h[:12])
}
