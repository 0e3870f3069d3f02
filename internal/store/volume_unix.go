//go:build !windows

package store

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VolumeStats returns the filesystem statistics for path.
func VolumeStats(path string) (Volume, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Volume{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	bsize := int64(stat.Bsize) //nolint:unconvert
	total := int64(stat.Blocks) * bsize
	return Volume{
		Total:     total,
		Used:      total - int64(stat.Bfree)*bsize,
		Available: int64(stat.Bavail) * bsize,
	}, nil
}
