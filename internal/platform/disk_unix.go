//go:build !windows

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeDiskSpace returns the bytes available to unprivileged users on the
// volume containing path.
func FreeDiskSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return clamp(uint64(stat.Bavail) * uint64(stat.Bsize)), nil
}
