package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmd/pkg/hypervisor"
)

type listerFunc func() ([]hypervisor.NetworkInterfaceInfo, error)

func (f listerFunc) Networks() ([]hypervisor.NetworkInterfaceInfo, error) { return f() }

func hostNetworks() ([]hypervisor.NetworkInterfaceInfo, error) {
	return []hypervisor.NetworkInterfaceInfo{
		{ID: "eth0", Type: "ethernet"},
		{ID: "br0", Type: "bridge", Description: "Network bridge with eth1"},
	}, nil
}

func TestValidateNoAttachments(t *testing.T) {
	called := false
	v := NewValidator(listerFunc(func() ([]hypervisor.NetworkInterfaceInfo, error) {
		called = true
		return nil, hypervisor.ErrNotImplemented
	}), NewMACAllocator())

	require.NoError(t, v.Validate(nil, "", "jammy"))
	assert.False(t, called, "backend must not be queried without attachments")
}

func TestValidateBridgingNotImplemented(t *testing.T) {
	tests := []struct {
		name   string
		lister listerFunc
	}{
		{"not implemented", func() ([]hypervisor.NetworkInterfaceInfo, error) { return nil, hypervisor.ErrNotImplemented }},
		{"nil list", func() ([]hypervisor.NetworkInterfaceInfo, error) { return nil, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.lister, NewMACAllocator())
			// even an invalid id yields the bridging error first
			err := v.Validate([]hypervisor.NetworkInterface{{ID: "nope", AutoMode: true}}, "", "jammy")
			require.ErrorIs(t, err, ErrBridgingNotImplemented)
		})
	}
}

func TestValidateBackendError(t *testing.T) {
	boom := errors.New("boom")
	v := NewValidator(listerFunc(func() ([]hypervisor.NetworkInterfaceInfo, error) { return nil, boom }), NewMACAllocator())
	err := v.Validate([]hypervisor.NetworkInterface{{ID: "eth0"}}, "", "jammy")
	require.ErrorIs(t, err, boom)
}

func TestValidateInvalidNetwork(t *testing.T) {
	v := NewValidator(listerFunc(hostNetworks), NewMACAllocator())

	err := v.Validate([]hypervisor.NetworkInterface{
		{ID: "eth0", AutoMode: true},
		{ID: "eth2", AutoMode: true},
		{ID: "wlan9"},
	}, "", "jammy")

	var invalid *InvalidNetworkError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "Invalid network options supplied", err.Error())
	require.Len(t, invalid.Diagnostics, 2)
	assert.Contains(t, invalid.Details(), `"eth2"`)
	assert.Contains(t, invalid.Details(), `"wlan9"`)
}

func TestValidateLegacyImages(t *testing.T) {
	v := NewValidator(listerFunc(hostNetworks), NewMACAllocator())
	auto := []hypervisor.NetworkInterface{{ID: "eth0", AutoMode: true}}

	for _, release := range []string{"10.04", "lucid", "14.04", "trusty", "16.04", "xenial", "17.04", "zesty"} {
		for _, remote := range []string{"", "release"} {
			err := v.Validate(auto, remote, release)
			var unsupported *UnsupportedImageError
			require.True(t, errors.As(err, &unsupported), "%s:%s", remote, release)
			assert.Contains(t, err.Error(), "Automatic network configuration not available for")
		}
	}

	err := v.Validate(auto, "snapcraft", "core")
	var unsupported *UnsupportedImageError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "Automatic network configuration not available for snapcraft:core", err.Error())

	// newer releases and other remotes are fine
	require.NoError(t, v.Validate(auto, "", "18.04"))
	require.NoError(t, v.Validate(auto, "daily", "xenial"))
	require.NoError(t, v.Validate(auto, "snapcraft", "core22"))
}

func TestValidateManualSkipsLegacyCheck(t *testing.T) {
	v := NewValidator(listerFunc(hostNetworks), NewMACAllocator())
	manual := []hypervisor.NetworkInterface{{ID: "eth0", AutoMode: false}}
	require.NoError(t, v.Validate(manual, "", "xenial"))
}

func TestValidateMACs(t *testing.T) {
	macs := NewMACAllocator()
	require.NoError(t, macs.Claim("52:54:00:bd:19:41"))
	v := NewValidator(listerFunc(hostNetworks), macs)

	t.Run("invalid syntax", func(t *testing.T) {
		err := v.Validate([]hypervisor.NetworkInterface{{ID: "eth0", MACAddress: "52:54:00:zz:00:00"}}, "", "jammy")
		var invalid *InvalidMACError
		require.True(t, errors.As(err, &invalid))
		assert.Equal(t, "Invalid MAC address: 52:54:00:zz:00:00", err.Error())
	})

	t.Run("repeated in request", func(t *testing.T) {
		err := v.Validate([]hypervisor.NetworkInterface{
			{ID: "eth0", MACAddress: "52:54:00:00:00:01"},
			{ID: "br0", MACAddress: "52:54:00:00:00:01"},
		}, "", "jammy")
		var dup *DuplicateMACError
		require.True(t, errors.As(err, &dup))
	})

	t.Run("already claimed", func(t *testing.T) {
		err := v.Validate([]hypervisor.NetworkInterface{{ID: "eth0", MACAddress: "52:54:00:BD:19:41"}}, "", "jammy")
		var dup *DuplicateMACError
		require.True(t, errors.As(err, &dup))
		assert.Contains(t, err.Error(), "Repeated MAC")
	})

	t.Run("valid", func(t *testing.T) {
		err := v.Validate([]hypervisor.NetworkInterface{
			{ID: "eth0", MACAddress: "52:54:00:00:00:01", AutoMode: true},
			{ID: "br0"},
		}, "", "jammy")
		require.NoError(t, err)
		assert.Equal(t, 1, macs.Len(), "validation never claims")
	})
}
