package network

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBridgingNotImplemented is returned when extra interfaces are requested
// from a backend that cannot list host networks.
var ErrBridgingNotImplemented = errors.New("The bridging feature is not implemented on this backend")

// DuplicateMACError reports a MAC address that is already claimed.
type DuplicateMACError struct {
	MAC string
}

func (e *DuplicateMACError) Error() string {
	return "Repeated MAC address " + e.MAC
}

// InvalidMACError reports a syntactically invalid MAC address.
type InvalidMACError struct {
	MAC string
}

func (e *InvalidMACError) Error() string {
	return "Invalid MAC address: " + e.MAC
}

// InvalidNetworkError reports requested interfaces the backend does not know.
type InvalidNetworkError struct {
	// Diagnostics holds one line per invalid interface id.
	Diagnostics []string
}

func (e *InvalidNetworkError) Error() string {
	return "Invalid network options supplied"
}

// Details joins the diagnostics for display.
func (e *InvalidNetworkError) Details() string {
	return strings.Join(e.Diagnostics, "\n")
}

// UnsupportedImageError is returned for images whose cloud-init predates
// netplan-based network configuration.
type UnsupportedImageError struct {
	Image string
}

func (e *UnsupportedImageError) Error() string {
	return fmt.Sprintf("Automatic network configuration not available for %s", e.Image)
}
