//go:build windows

package config

import "os"

// writable reports whether the current user may create files in dir.
// Windows ACLs are not reflected in mode bits, so a probe file is created.
func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".meshfetch-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
