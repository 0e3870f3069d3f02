package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Temp directory errors.
var (
	ErrBadTempDir        = errors.New("bad temp directory")
	ErrTempDirAlreadySet = errors.New("temp directory already set")
)

// tempDirCandidates lists fallback directories per GOOS, tried in order.
var tempDirCandidates = map[string][]string{
	"linux":   {"/tmp", "/var/tmp"},
	"freebsd": {"/tmp", "/var/tmp"},
	"darwin":  {"/tmp", "/var/tmp"},
	"windows": {`C:\TEMP`, `C:\WINDOWS\TEMP`},
}

// TempDir is the process-wide directory for anonymous scratch buckets. It is
// created once at start-up and handed to every bucket factory.
type TempDir struct {
	mu   sync.Mutex
	path string
	set  bool
}

// NewTempDir returns a TempDir holding the platform default from
// DefaultTempDir. It can still be overridden once with Set.
func NewTempDir() *TempDir {
	return &TempDir{path: DefaultTempDir()}
}

// ResolveTempDir builds a TempDir, applying override when it is non-empty.
// An invalid override is a fatal configuration error.
func ResolveTempDir(override string) (*TempDir, error) {
	d := NewTempDir()
	if override != "" {
		if err := d.Set(override); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Path returns the current temp directory.
func (d *TempDir) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Set replaces the temp directory. The directory must exist, be a directory
// and be writable. Set succeeds at most once.
func (d *TempDir) Set(dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.set {
		return fmt.Errorf("%w: %s", ErrTempDirAlreadySet, d.path)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadTempDir, dir, err)
	}
	if !usableDir(abs) {
		return fmt.Errorf("%w: %s", ErrBadTempDir, abs)
	}
	d.path = abs
	d.set = true
	return nil
}

// DefaultTempDir resolves the temp directory without an override: the
// platform temp property, then the candidates for this OS, then the working
// directory.
func DefaultTempDir() string {
	if dir := platformTempDir(); dir != "" {
		return dir
	}
	for _, candidate := range tempDirCandidates[runtime.GOOS] {
		if usableDir(candidate) {
			return candidate
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// platformTempDir returns the temp directory advertised by the environment
// if it is usable.
func platformTempDir() string {
	for _, env := range []string{"TMPDIR", "TEMP", "TMP"} {
		if dir := os.Getenv(env); dir != "" && usableDir(dir) {
			return dir
		}
	}
	return ""
}

// usableDir reports whether path exists, is a directory and is writable.
func usableDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	return writable(path)
}
