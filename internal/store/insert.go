package store

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
)

// insertParallelism bounds concurrent block writes of one insert.
const insertParallelism = 4

// Inserter stores content as blocks plus a manifest.
type Inserter struct {
	store     *BlockStore
	blockSize int
	logger    zerolog.Logger
}

// NewInserter creates an inserter cutting content into blockSize blocks.
func NewInserter(s *BlockStore, blockSize int) *Inserter {
	return &Inserter{
		store:     s,
		blockSize: blockSize,
		logger:    log.With().Str("component", "inserter").Logger(),
	}
}

// Insert stores the data in b as a splitfile.
func (in *Inserter) Insert(ctx context.Context, b bucket.Bucket, mimeType string) (Key, error) {
	return in.insert(ctx, b, KindSplitfile, mimeType)
}

// InsertFile stores a file on disk, guessing its MIME type from the name.
func (in *Inserter) InsertFile(ctx context.Context, path string) (Key, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Key{}, err
	}
	if !info.Mode().IsRegular() {
		return Key{}, fmt.Errorf("%s is not a regular file", path)
	}
	b, err := bucket.NewFileBucket(path, bucket.FileOptions{ReadOnly: true})
	if err != nil {
		return Key{}, err
	}
	return in.Insert(ctx, b, mime.TypeByExtension(filepath.Ext(path)))
}

// InsertDir packs the regular files under dir into an archive and stores
// it. The archive is staged in a scratch bucket from tmp.
func (in *Inserter) InsertDir(ctx context.Context, dir string, tmp *bucket.TempFactory) (Key, error) {
	staged, err := tmp.MakeBucket()
	if err != nil {
		return Key{}, err
	}
	defer staged.Free()

	w, err := staged.OutputStream()
	if err != nil {
		return Key{}, fmt.Errorf("stage archive: %w", err)
	}
	files, err := Pack(dir, w)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("stage archive: %w", cerr)
	}
	if err != nil {
		return Key{}, err
	}

	in.logger.Debug().Str("dir", dir).Int("files", files).
		Str("size", humanize.IBytes(uint64(staged.Size()))).Msg("packed directory")
	return in.insert(ctx, staged, KindArchive, ArchiveMIMEType)
}

// InsertRedirect stores a manifest pointing at target.
func (in *Inserter) InsertRedirect(ctx context.Context, target Key) (Key, error) {
	return in.store.PutManifest(ctx, &Manifest{Kind: KindRedirect, Target: target.String()})
}

func (in *Inserter) insert(ctx context.Context, b bucket.Bucket, kind Kind, mimeType string) (Key, error) {
	if vol, err := VolumeStats(in.store.Dir()); err != nil {
		in.logger.Warn().Err(err).Msg("cannot check free space")
	} else if vol.Available < b.Size() {
		return Key{}, fmt.Errorf("%w: %s needed, %s available", ErrInsufficientSpace,
			humanize.IBytes(uint64(b.Size())), humanize.IBytes(uint64(vol.Available)))
	}

	slices, err := b.Split(in.blockSize)
	if err != nil {
		return Key{}, fmt.Errorf("split %s: %w", b.Name(), err)
	}

	hashes := make([]string, len(slices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(insertParallelism)
	for i, slice := range slices {
		g.Go(func() error {
			defer slice.Free()
			data, err := bucket.ReadAll(slice)
			if err != nil {
				return fmt.Errorf("read block %d: %w", i, err)
			}
			hash, err := in.store.Put(gctx, data)
			if err != nil {
				return fmt.Errorf("store block %d: %w", i, err)
			}
			hashes[i] = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Key{}, err
	}

	key, err := in.store.PutManifest(ctx, &Manifest{
		Kind:     kind,
		MIMEType: mimeType,
		Size:     b.Size(),
		Blocks:   hashes,
	})
	if err != nil {
		return Key{}, err
	}
	in.logger.Info().Str("key", key.String()).Str("kind", kind.String()).
		Int("blocks", len(hashes)).Str("size", humanize.IBytes(uint64(b.Size()))).Msg("inserted")
	return key, nil
}
