// Package network allocates MAC addresses and validates requested network
// attachments against what the backend offers.
package network

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MACPrefix is the locally administered prefix of generated addresses.
const MACPrefix = "52:54:00"

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// IsValidMAC reports whether s is six colon-separated hex pairs.
func IsValidMAC(s string) bool {
	return macPattern.MatchString(s)
}

// MACAllocator tracks every MAC address in use by an instance, live or
// deleted but not yet purged.
type MACAllocator struct {
	mu      sync.Mutex
	claimed map[string]struct{}
	rand    io.Reader
}

// NewMACAllocator returns an empty allocator.
func NewMACAllocator() *MACAllocator {
	return &MACAllocator{
		claimed: make(map[string]struct{}),
		rand:    rand.Reader,
	}
}

func canonical(mac string) string {
	return strings.ToLower(mac)
}

// Claim reserves mac. Claiming an address already in use fails and leaves
// the allocator unchanged.
func (a *MACAllocator) Claim(mac string) error {
	return a.ClaimAll([]string{mac})
}

// ClaimAll reserves every address in macs or none of them.
func (a *MACAllocator) ClaimAll(macs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(macs))
	for _, mac := range macs {
		key := canonical(mac)
		if _, ok := a.claimed[key]; ok {
			return &DuplicateMACError{MAC: mac}
		}
		if _, ok := seen[key]; ok {
			return &DuplicateMACError{MAC: mac}
		}
		seen[key] = struct{}{}
	}
	for key := range seen {
		a.claimed[key] = struct{}{}
	}
	return nil
}

// Release frees the given addresses. Unknown addresses are ignored.
func (a *MACAllocator) Release(macs ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, mac := range macs {
		delete(a.claimed, canonical(mac))
	}
}

// InUse reports whether mac is claimed.
func (a *MACAllocator) InUse(mac string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.claimed[canonical(mac)]
	return ok
}

// Len returns the number of claimed addresses.
func (a *MACAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claimed)
}

// Claimed returns the claimed addresses, sorted and lower-cased.
func (a *MACAllocator) Claimed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.claimed))
	for mac := range a.claimed {
		out = append(out, mac)
	}
	sort.Strings(out)
	return out
}

// GenerateUnique returns a random address under MACPrefix that is not
// claimed. The address is not reserved; callers claim it themselves.
func (a *MACAllocator) GenerateUnique() (string, error) {
	return a.GenerateUniqueExcept(nil)
}

// GenerateUniqueExcept is like GenerateUnique but also avoids the addresses
// in pending, which callers are about to claim together.
func (a *MACAllocator) GenerateUniqueExcept(pending []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	skip := make(map[string]struct{}, len(pending))
	for _, mac := range pending {
		skip[canonical(mac)] = struct{}{}
	}

	// 2^24 addresses; give up long before exhausting them
	for attempt := 0; attempt < 1000; attempt++ {
		mac, err := a.random()
		if err != nil {
			return "", err
		}
		if _, ok := a.claimed[mac]; ok {
			continue
		}
		if _, ok := skip[mac]; ok {
			continue
		}
		return mac, nil
	}
	return "", fmt.Errorf("network: could not generate an unused MAC address")
}

func (a *MACAllocator) random() (string, error) {
	var b [3]byte
	if _, err := io.ReadFull(a.rand, b[:]); err != nil {
		return "", fmt.Errorf("network: generate MAC: %w", err)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", MACPrefix, b[0], b[1], b[2]), nil
}
