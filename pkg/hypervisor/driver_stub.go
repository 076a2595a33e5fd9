//go:build !darwin && !linux

package hypervisor

func platformDrivers() []string {
	return nil
}

// newPlatformBackend returns an error on unsupported platforms.
func newPlatformBackend(driver, dataDir string) (Backend, error) {
	return nil, ErrUnsupportedPlatform
}
