package store

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Entry locates one file inside an archive.
type Entry struct {
	Offset int64
	Size   int64
}

// Pack writes the regular files under dir to w as a tar archive, named by
// their slash-separated path relative to dir. It returns the number of files
// written.
func Pack(dir string, w io.Writer) (int, error) {
	tw := tar.NewWriter(w)
	count := 0
	err := filepath.WalkDir(dir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, name)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("tar header %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", rel, err)
		}

		f, err := os.Open(name)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("pack %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("finish archive: %w", err)
	}
	return count, nil
}

// countingReader tracks how far the tar reader has consumed its input. It
// deliberately does not implement io.Seeker so that skipped entries are read
// through and counted.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// IndexArchive reads a tar archive and returns where each regular file's
// data sits within it. Later entries with the same name replace earlier
// ones. Errors wrap ErrBadArchive.
func IndexArchive(r io.Reader) (map[string]Entry, error) {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)
	entries := make(map[string]Entry)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(filepath.ToSlash(hdr.Name))
		if name == "." || name == ".." || path.IsAbs(name) || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("%w: unsafe entry name %q", ErrBadArchive, hdr.Name)
		}
		entries[name] = Entry{Offset: cr.n, Size: hdr.Size}
	}
	return entries, nil
}

// EntryNames returns the names in an index, sorted.
func EntryNames(entries map[string]Entry) []string {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
