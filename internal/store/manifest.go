package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// manifestMagic prefixes every encoded manifest block.
var manifestMagic = []byte("MFM\x01")

// Kind is the type of a manifest.
type Kind uint8

// Manifest kinds.
const (
	KindSplitfile Kind = 1
	KindRedirect  Kind = 2
	KindArchive   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindSplitfile:
		return "splitfile"
	case KindRedirect:
		return "redirect"
	case KindArchive:
		return "archive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ArchiveMIMEType is the MIME type of archive manifests.
const ArchiveMIMEType = "application/x-tar"

// Manifest is the block a key points at. A splitfile or archive lists the
// data blocks whose concatenation is the content; a redirect names another
// key.
type Manifest struct {
	Kind     Kind     `cbor:"1,keyasint"`
	MIMEType string   `cbor:"2,keyasint,omitempty"`
	Size     int64    `cbor:"3,keyasint,omitempty"`
	Blocks   []string `cbor:"4,keyasint,omitempty"`
	Target   string   `cbor:"5,keyasint,omitempty"`
}

var (
	manifestEnc cbor.EncMode
	manifestDec cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps equal manifests at equal hashes.
	manifestEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	manifestDec, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// Validate checks that m is well formed. An unknown kind yields
// ErrUnknownManifest, anything else ErrInvalidManifest.
func (m *Manifest) Validate() error {
	switch m.Kind {
	case KindSplitfile, KindArchive:
		if m.Size < 0 {
			return fmt.Errorf("%w: negative size", ErrInvalidManifest)
		}
		if m.Size > 0 && len(m.Blocks) == 0 {
			return fmt.Errorf("%w: %d bytes in no blocks", ErrInvalidManifest, m.Size)
		}
		if int64(len(m.Blocks)) > m.Size {
			return fmt.Errorf("%w: %d blocks for %d bytes", ErrInvalidManifest, len(m.Blocks), m.Size)
		}
		for i, h := range m.Blocks {
			if !validHash(h) {
				return fmt.Errorf("%w: block %d: bad hash %q", ErrInvalidManifest, i, h)
			}
		}
	case KindRedirect:
		if _, err := ParseKey(m.Target); err != nil {
			return fmt.Errorf("%w: redirect target: %v", ErrInvalidManifest, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownManifest, m.Kind)
	}
	return nil
}

// EncodeManifest encodes m as a manifest block.
func EncodeManifest(m *Manifest) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := manifestEnc.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(bytes.Clone(manifestMagic), body...), nil
}

// DecodeManifest parses and validates a manifest block.
func DecodeManifest(block []byte) (*Manifest, error) {
	body, ok := bytes.CutPrefix(block, manifestMagic)
	if !ok {
		return nil, fmt.Errorf("%w: missing magic", ErrInvalidManifest)
	}
	m := &Manifest{}
	if err := manifestDec.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// PutManifest stores m and returns the key naming it.
func (s *BlockStore) PutManifest(ctx context.Context, m *Manifest) (Key, error) {
	block, err := EncodeManifest(m)
	if err != nil {
		return Key{}, err
	}
	hash, err := s.Put(ctx, block)
	if err != nil {
		return Key{}, err
	}
	return Key{Hash: hash}, nil
}

// GetManifest fetches and decodes the manifest block named by hash.
func (s *BlockStore) GetManifest(ctx context.Context, hash string) (*Manifest, error) {
	block, err := s.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return DecodeManifest(block)
}
