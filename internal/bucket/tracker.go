package bucket

import (
	"path/filepath"
	"sort"
	"sync"
)

// FileTracker is told about every file adopted from a recovery record, so
// that it is not treated as garbage.
type FileTracker interface {
	Register(path string)
}

// Registry is an in-memory FileTracker.
type Registry struct {
	mu    sync.RWMutex
	files map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{files: make(map[string]struct{})}
}

// Register implements FileTracker.
func (r *Registry) Register(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[filepath.Clean(path)] = struct{}{}
}

// Contains reports whether path has been registered.
func (r *Registry) Contains(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.files[filepath.Clean(path)]
	return ok
}

// Files returns the registered paths in sorted order.
func (r *Registry) Files() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	files := make([]string, 0, len(r.files))
	for f := range r.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
