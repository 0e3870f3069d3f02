//go:build windows

package store

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// VolumeStats returns the filesystem statistics for path.
func VolumeStats(path string) (Volume, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return Volume{}, fmt.Errorf("utf16 path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return Volume{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", path, err)
	}

	return Volume{
		Total:     int64(totalBytes),
		Used:      int64(totalBytes) - int64(totalFreeBytes),
		Available: int64(freeBytesAvailable),
	}, nil
}
