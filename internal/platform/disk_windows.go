//go:build windows

package platform

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// FreeDiskSpace returns the bytes available to the calling user on the
// volume containing path.
func FreeDiskSpace(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("free disk space %s: %w", path, err)
	}
	var free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, nil, nil); err != nil {
		return 0, fmt.Errorf("free disk space %s: %w", path, err)
	}
	return clamp(free), nil
}
