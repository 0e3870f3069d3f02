package fetch

import (
	"sync"

	"github.com/tunnelmesh/meshfetch/internal/bucket"
)

// ArchiveContext holds the archive-unpack state of one request across its
// restarts, plus the restart counter. All archives seen by the request share
// one restart budget.
type ArchiveContext struct {
	mu       sync.Mutex
	restarts int
	archives map[string]*unpackedArchive
}

type unpackedArchive struct {
	data     bucket.Bucket
	elements map[string]bucket.Bucket
}

// NewArchiveContext creates an empty archive context.
func NewArchiveContext() *ArchiveContext {
	return &ArchiveContext{archives: make(map[string]*unpackedArchive)}
}

// Restart records a restart and returns the new count.
func (a *ArchiveContext) Restart() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restarts++
	return a.restarts
}

// Restarts returns the number of restarts so far.
func (a *ArchiveContext) Restarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restarts
}

// Element returns the unpacked element at path. known is false if the
// archive has not been unpacked yet.
func (a *ArchiveContext) Element(archiveKey, path string) (b bucket.Bucket, known bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	arc, ok := a.archives[archiveKey]
	if !ok {
		return nil, false
	}
	return arc.elements[path], true
}

// Elements returns the element paths of an unpacked archive.
func (a *ArchiveContext) Elements(archiveKey string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	arc, ok := a.archives[archiveKey]
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(arc.elements))
	for p := range arc.elements {
		paths = append(paths, p)
	}
	return paths
}

// Store records an unpacked archive. data is the bucket the elements point
// into; it is released by Release. A second Store for the same key replaces
// the first and releases its data.
func (a *ArchiveContext) Store(archiveKey string, data bucket.Bucket, elements map[string]bucket.Bucket) {
	a.mu.Lock()
	old := a.archives[archiveKey]
	a.archives[archiveKey] = &unpackedArchive{data: data, elements: elements}
	a.mu.Unlock()

	if old != nil {
		releaseBucket(old.data)
	}
}

// Release frees every unpacked archive.
func (a *ArchiveContext) Release() {
	a.mu.Lock()
	archives := a.archives
	a.archives = make(map[string]*unpackedArchive)
	a.mu.Unlock()

	for _, arc := range archives {
		releaseBucket(arc.data)
	}
}

// releaseBucket frees b. Ephemeral buckets are deleted even if they were
// not created delete-on-free.
func releaseBucket(b bucket.Bucket) {
	if b == nil {
		return
	}
	b.Free()
	if r, ok := b.(interface{ Release() }); ok {
		r.Release()
	}
}
