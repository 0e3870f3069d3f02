package bucket

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/meshfetch/internal/config"
)

// tempPrefix starts the name of every anonymous scratch file.
const tempPrefix = "t"

// TempFactory creates anonymous scratch buckets in the configured temp
// directory.
type TempFactory struct {
	dir *config.TempDir
}

// NewTempFactory creates a factory over dir.
func NewTempFactory(dir *config.TempDir) *TempFactory {
	return &TempFactory{dir: dir}
}

// Dir returns the directory scratch buckets are created in.
func (f *TempFactory) Dir() string {
	return f.dir.Path()
}

// MakeBucket creates an ephemeral, delete-on-free FileBucket with a random
// name. The file itself is created by the first OutputStream call.
func (f *TempFactory) MakeBucket() (*FileBucket, error) {
	id := uuid.New()
	name := tempPrefix + strings.ReplaceAll(id.String(), "-", "")
	b, err := NewFileBucket(filepath.Join(f.dir.Path(), name), FileOptions{
		DeleteOnFinalize: true,
		DeleteOnFree:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("make temp bucket: %w", err)
	}
	return b, nil
}

// Sweep deletes scratch files older than maxAge that are not registered in
// keep (which may be nil). Scratch files are recognised by name.
func (f *TempFactory) Sweep(maxAge time.Duration, keep *Registry) (int, error) {
	dir := f.dir.Path()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	var result *multierror.Error
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isTempName(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if keep != nil && keep.Contains(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Str("dir", dir).Msg("swept stale temp buckets")
	}
	return removed, result.ErrorOrNil()
}

// isTempName reports whether name looks like a MakeBucket file.
func isTempName(name string) bool {
	rest, ok := strings.CutPrefix(name, tempPrefix)
	if !ok || len(rest) != 32 {
		return false
	}
	for _, c := range rest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
