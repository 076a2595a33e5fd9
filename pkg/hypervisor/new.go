package hypervisor

import (
	"fmt"
	"runtime"
)

// SupportedPlatform returns true if the current platform has a hypervisor backend.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// DefaultDriver returns the driver name used when none is configured.
func DefaultDriver() string {
	switch runtime.GOOS {
	case "darwin":
		return "vz"
	default:
		return "qemu"
	}
}

// IsDriverSupported reports whether driver can run on this platform.
func IsDriverSupported(driver string) bool {
	for _, d := range platformDrivers() {
		if d == driver {
			return true
		}
	}
	return false
}

// NewBackend creates the backend named by driver, storing its per-instance
// resources under dataDir.
// The constructors are implemented in platform-specific files using build tags.
func NewBackend(driver, dataDir string) (Backend, error) {
	if !SupportedPlatform() {
		return nil, ErrUnsupportedPlatform
	}
	if driver == "" {
		driver = DefaultDriver()
	}
	if !IsDriverSupported(driver) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	return newPlatformBackend(driver, dataDir)
}
