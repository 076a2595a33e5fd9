package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingImage       = errors.New("hypervisor: image path is required")
	ErrMissingName        = errors.New("hypervisor: instance name is required")
	ErrMissingMAC         = errors.New("hypervisor: default MAC address is required")
)

// Runtime errors
var (
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
	ErrUnsupportedDriver   = errors.New("hypervisor: unsupported virtualization driver")
	ErrNotImplemented      = errors.New("hypervisor: not implemented on this backend")
)
