// Package store keeps content blocks and the manifests that tie them into
// files, redirects and archives.
package store

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// BlockStore is a content-addressed block store on local disk. A block is
// named by the SHA-256 of its plaintext and stored as
// plaintext -> zstd -> XChaCha20-Poly1305.
//
// Encryption is convergent: the key and nonce of a block derive from the
// master key and the block hash, so equal blocks deduplicate. Anyone holding
// the master key and a candidate plaintext can confirm that it is stored.
type BlockStore struct {
	dir       string
	masterKey [32]byte

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Open opens (creating if needed) the block store under dir.
func Open(dir string, masterKey [32]byte) (*BlockStore, error) {
	blocksDir := filepath.Join(dir, "blocks")
	if err := os.MkdirAll(blocksDir, 0755); err != nil {
		return nil, fmt.Errorf("create blocks dir: %w", err)
	}

	s := &BlockStore{
		dir:       blocksDir,
		masterKey: masterKey,
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
	return s, nil
}

// Dir returns the directory holding the blocks.
func (s *BlockStore) Dir() string { return s.dir }

// Put stores a block and returns its hash. Storing a block that already
// exists is a no-op.
func (s *BlockStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash := ContentHash(data)
	path, err := s.blockPath(hash, true)
	if err != nil {
		return "", err
	}
	if fileExists(path) {
		return hash, nil
	}

	sealed, err := s.encrypt(s.compress(data), hash)
	if err != nil {
		return "", fmt.Errorf("encrypt block: %w", err)
	}

	// Concurrent writers of one hash produce identical bytes; the last rename
	// wins.
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".block-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(sealed); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write block: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename block: %w", err)
	}
	return hash, nil
}

// Get returns the plaintext of a block. A missing block yields
// ErrBlockNotFound; one that fails to decrypt, decompress or verify yields
// ErrBlockCorrupt.
func (s *BlockStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validHash(hash) {
		return nil, fmt.Errorf("%w: bad block hash %q", ErrMalformedKey, hash)
	}
	path, err := s.blockPath(hash, false)
	if err != nil {
		return nil, err
	}

	// Writes are atomic renames, so a reader sees a whole block or none.
	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}

	compressed, err := s.decrypt(sealed, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBlockCorrupt, hash, err)
	}
	data, err := s.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompress: %v", ErrBlockCorrupt, hash, err)
	}
	if actual := ContentHash(data); actual != hash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrBlockCorrupt, hash, actual)
	}
	return data, nil
}

// Has reports whether a block is stored.
func (s *BlockStore) Has(hash string) bool {
	if !validHash(hash) {
		return false
	}
	path, err := s.blockPath(hash, false)
	return err == nil && fileExists(path)
}

// Delete removes a block. Deleting a missing block is not an error.
func (s *BlockStore) Delete(hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("%w: bad block hash %q", ErrMalformedKey, hash)
	}
	path, err := s.blockPath(hash, false)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

// TotalSize returns the on-disk size of all blocks and their count.
func (s *BlockStore) TotalSize() (int64, int, error) {
	var total int64
	count := 0
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !validHash(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		count++
		return nil
	})
	return total, count, err
}

// blockPath returns blocks/ab/abcdef..., creating the subdirectory when
// mkdir is set.
func (s *BlockStore) blockPath(hash string, mkdir bool) (string, error) {
	dir := filepath.Join(s.dir, hash[:2])
	if mkdir {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create block dir: %w", err)
		}
	}
	return filepath.Join(dir, hash), nil
}

func (s *BlockStore) deriveBlockKey(hash string) ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, s.masterKey[:], []byte(hash), []byte("meshfetch-block-key"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive block key: %w", err)
	}
	return key, nil
}

// deriveNonce keys the nonce on the master key too, so it cannot be
// predicted from the hash alone.
func (s *BlockStore) deriveNonce(hash string) ([24]byte, error) {
	var nonce [24]byte
	secret := append(s.masterKey[:len(s.masterKey):len(s.masterKey)], hash...)
	r := hkdf.New(sha256.New, secret, nil, []byte("meshfetch-block-nonce"))
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, fmt.Errorf("derive nonce: %w", err)
	}
	return nonce, nil
}

func (s *BlockStore) aead(hash string) (cipher.AEAD, [24]byte, error) {
	var nonce [24]byte
	key, err := s.deriveBlockKey(hash)
	if err != nil {
		return nil, nonce, err
	}
	nonce, err = s.deriveNonce(hash)
	if err != nil {
		return nil, nonce, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, nonce, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nonce, nil
}

func (s *BlockStore) encrypt(plaintext []byte, hash string) ([]byte, error) {
	aead, nonce, err := s.aead(hash)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

func (s *BlockStore) decrypt(ciphertext []byte, hash string) ([]byte, error) {
	aead, nonce, err := s.aead(hash)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *BlockStore) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *BlockStore) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
