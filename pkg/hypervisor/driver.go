// Package hypervisor provides a unified interface for VM management
// across different virtualization backends (QEMU on Linux, macOS Virtualization.framework).
package hypervisor

import "context"

// Backend is the main interface for hypervisor operations.
// Platform-specific implementations (qemu, vz) satisfy this interface.
// The daemon core only ever talks to a Backend, never to a concrete driver.
type Backend interface {
	// Info returns driver metadata.
	Info() Info

	// Capabilities returns what features the backend supports.
	Capabilities() Capabilities

	// Networks lists host interfaces that instances may be bridged to.
	// Returns ErrNotImplemented when the backend cannot bridge.
	Networks() ([]NetworkInterfaceInfo, error)

	// PrepareSourceImage converts a freshly downloaded image into the
	// format the backend boots from. Called once per cached source image.
	PrepareSourceImage(src Image) (Image, error)

	// PrepareInstanceImage materializes the instance's own disk (resize,
	// cloud-init seed) from its copy of the source image.
	PrepareInstanceImage(img Image, desc Description) error

	// CreateMachine builds a VM handle without starting it.
	CreateMachine(desc Description, monitor Monitor) (Machine, error)

	// RemoveResourcesFor deletes everything the backend created for name.
	RemoveResourcesFor(name string) error
}

// Machine is a handle on one VM instance.
type Machine interface {
	Name() string

	// Start boots the VM, or resumes it when suspended.
	Start(ctx context.Context) error

	// Shutdown gracefully powers the VM off.
	Shutdown(ctx context.Context) error

	// Suspend pauses the VM in place.
	Suspend(ctx context.Context) error

	State() State

	// SSHHostname returns the address the instance's SSH server is reachable on.
	SSHHostname(ctx context.Context) (string, error)
	SSHPort() int

	// IPv4 returns the instance's address or "" when unknown.
	IPv4() string
}

// Monitor receives state changes observed by a backend so they can be persisted.
type Monitor interface {
	PersistState(name string, state State)
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(name string, state State)

// PersistState calls f(name, state).
func (f MonitorFunc) PersistState(name string, state State) {
	f(name, state)
}

// Capabilities describes driver feature support.
// Used for early validation before VM configuration.
type Capabilities struct {
	SharedDirs bool // virtio-fs or similar
	Networking bool // bridged extra interfaces
	Snapshots  bool // VM state snapshots
}

// Info contains driver metadata.
type Info struct {
	Name    string // "qemu" or "vz"
	Version string // Driver version
	Arch    string // "arm64" or "amd64"
}

// String renders the info as name-version, used in provenance markers.
func (i Info) String() string {
	if i.Version == "" {
		return i.Name
	}
	return i.Name + "-" + i.Version
}

// NetworkInterface is one requested or recorded network attachment.
type NetworkInterface struct {
	AutoMode   bool   `json:"auto_mode"`
	ID         string `json:"id"`
	MACAddress string `json:"mac_address"`
}

// NetworkInterfaceInfo describes a host interface as reported by a backend.
type NetworkInterfaceInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
}
