package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

func TestFakeMachineTransitions(t *testing.T) {
	var states []hypervisor.State
	m := NewFakeMachine("foo", hypervisor.MonitorFunc(func(name string, s hypervisor.State) {
		states = append(states, s)
	}))
	ctx := context.Background()

	assert.ErrorIs(t, m.Suspend(ctx), hypervisor.ErrNotRunning)
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, "192.168.2.123", m.IPv4())
	require.NoError(t, m.Suspend(ctx))
	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.IPv4())

	assert.Equal(t, []hypervisor.State{hypervisor.StateRunning, hypervisor.StateSuspended, hypervisor.StateOff}, states)
}

func TestFakeVaultFetch(t *testing.T) {
	v := NewFakeVault(t.TempDir())
	prepared := 0
	img, err := v.FetchImage(context.Background(), image.Query{Name: "foo", Release: "default"},
		func(i hypervisor.Image) (hypervisor.Image, error) {
			prepared++
			return i, nil
		}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, prepared)
	assert.FileExists(t, img.Path)

	got, err := v.InstanceImage("foo")
	require.NoError(t, err)
	assert.Equal(t, img, got)

	require.NoError(t, v.Remove("foo"))
	_, err = v.InstanceImage("foo")
	assert.ErrorIs(t, err, image.ErrNoInstance)
}

func TestFakeHostLookup(t *testing.T) {
	h := NewFakeHost()
	info, err := h.InfoFor(context.Background(), image.Query{Release: "lts"})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "noble", info.Release)

	_, err = h.AllImagesFor(context.Background(), "nowhere")
	assert.Error(t, err)
}

func TestInstanceJSONIsValid(t *testing.T) {
	doc := InstanceJSON("real-zebraphant", "52:54:00:73:76:28", []hypervisor.NetworkInterface{
		{ID: "wlx60e3270f55fe", MACAddress: "52:54:00:bd:19:41", AutoMode: true},
		{ID: "enp3s0", MACAddress: "01:23:45:67:89:ab"},
	})
	var parsed map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	assert.Len(t, parsed["real-zebraphant"]["extra_interfaces"], 2)

	var empty map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(InstanceJSON("x", "52:54:00:00:00:01", nil)), &empty))
}

func TestStateJSONIsValid(t *testing.T) {
	doc := StateJSON(
		fmt.Sprintf(GhostRecord, "ghost1"),
		fmt.Sprintf(ValidRecord, "valid1", "56"),
	)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc), &parsed))
	assert.Len(t, parsed, 2)
}

func TestWriteState(t *testing.T) {
	dir := t.TempDir()
	path := WriteState(t, dir, "{}\n")
	assert.Equal(t, filepath.Join(dir, "vmd-vm-instances.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}
