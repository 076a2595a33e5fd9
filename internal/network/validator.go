package network

import (
	"errors"
	"fmt"
	"strings"

	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// NetworkLister reports the host interfaces instances may attach to.
// hypervisor.Backend satisfies it.
type NetworkLister interface {
	Networks() ([]hypervisor.NetworkInterfaceInfo, error)
}

// Validator checks requested attachments before any MAC is claimed.
type Validator struct {
	lister NetworkLister
	macs   *MACAllocator
}

// NewValidator returns a validator backed by lister and the claim set macs.
func NewValidator(lister NetworkLister, macs *MACAllocator) *Validator {
	return &Validator{lister: lister, macs: macs}
}

// Validate checks attachments for an instance of image remote:release.
func (v *Validator) Validate(attachments []hypervisor.NetworkInterface, remote, release string) error {
	if len(attachments) == 0 {
		return nil
	}

	available, err := v.lister.Networks()
	if errors.Is(err, hypervisor.ErrNotImplemented) || (err == nil && available == nil) {
		return ErrBridgingNotImplemented
	}
	if err != nil {
		return fmt.Errorf("list host networks: %w", err)
	}

	known := make(map[string]bool, len(available))
	for _, iface := range available {
		known[iface.ID] = true
	}
	var diagnostics []string
	for _, a := range attachments {
		if !known[a.ID] {
			diagnostics = append(diagnostics, fmt.Sprintf("Invalid network %q set with --network", a.ID))
		}
	}
	if len(diagnostics) > 0 {
		return &InvalidNetworkError{Diagnostics: diagnostics}
	}

	for _, a := range attachments {
		if a.AutoMode && IsLegacyImage(remote, release) {
			return &UnsupportedImageError{Image: imageName(remote, release)}
		}
	}

	seen := make(map[string]bool, len(attachments))
	for _, a := range attachments {
		if a.MACAddress == "" {
			continue
		}
		if !IsValidMAC(a.MACAddress) {
			return &InvalidMACError{MAC: a.MACAddress}
		}
		key := strings.ToLower(a.MACAddress)
		if seen[key] || v.macs.InUse(a.MACAddress) {
			return &DuplicateMACError{MAC: a.MACAddress}
		}
		seen[key] = true
	}

	return nil
}

func imageName(remote, release string) string {
	if remote == "" {
		return release
	}
	return remote + ":" + release
}
