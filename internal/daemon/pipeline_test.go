package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmd/internal/events"
	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/memsize"
	"github.com/javanstorm/vmd/internal/names"
	"github.com/javanstorm/vmd/internal/platform"
	"github.com/javanstorm/vmd/internal/testutil"
	"github.com/javanstorm/vmd/internal/workflow"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

func TestValidName(t *testing.T) {
	for _, name := range []string{"a", "foo", "foo-bar", "Foo9", "pied-piper-2"} {
		assert.True(t, ValidName(name), name)
	}
	for _, name := range []string{"", "-foo", "foo-", "9foo", "foo_bar", "foo.bar", "foo bar"} {
		assert.False(t, ValidName(name), name)
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()

	reply, err := d.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "pied-piper", reply.InstanceName)

	require.Len(t, f.backend.Created, 1)
	desc := f.backend.Created[0]
	assert.Equal(t, "pied-piper", desc.Name)
	assert.Equal(t, 1, desc.NumCores)
	assert.Equal(t, memsize.GiB.Bytes(), desc.MemSize)
	assert.Equal(t, (5 * memsize.GiB).Bytes(), desc.DiskSpace)
	assert.True(t, strings.HasPrefix(desc.DefaultMAC, "52:54:00:"))
	assert.Equal(t, "ubuntu", desc.SSHUsername)

	rec, err := d.store.Get("pied-piper")
	require.NoError(t, err)
	assert.Equal(t, hypervisor.StateOff, rec.State)
	assert.Equal(t, desc.DefaultMAC, rec.MACAddr)
	assert.Equal(t, []string{events.Created}, eventTypes(drain(f.events)))

	queries := f.vault.FetchedQueries()
	require.Len(t, queries, 1)
	assert.Equal(t, image.DefaultRelease, queries[0].Release)
	assert.Equal(t, "pied-piper", queries[0].Name)
}

func TestCreateDiskDefaultsToImageMinimum(t *testing.T) {
	f := newFixture(t)
	f.vault.MinSize = 10 * memsize.GiB
	d := f.daemon()

	f.create(d, "foo")
	assert.Equal(t, (10 * memsize.GiB).Bytes(), f.backend.Created[0].DiskSpace)
}

func TestCreateExplicitSizes(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{
		InstanceName: "foo",
		NumCores:     4,
		MemSize:      "2G",
		DiskSpace:    "10G",
	})
	require.NoError(t, err)

	desc := f.backend.Created[0]
	assert.Equal(t, 4, desc.NumCores)
	assert.Equal(t, (2 * memsize.GiB).Bytes(), desc.MemSize)
	assert.Equal(t, (10 * memsize.GiB).Bytes(), desc.DiskSpace)
}

func TestCreateAcceptsMinimumSizes(t *testing.T) {
	for _, req := range []CreateRequest{
		{MemSize: "128M"},
		{MemSize: "1G"},
		{DiskSpace: "512M"},
		{DiskSpace: "1G"},
	} {
		f := newFixture(t)
		d := f.daemon()
		_, err := d.Create(context.Background(), req)
		assert.NoError(t, err)
		assert.Len(t, f.backend.Created, 1)
	}
}

func TestCreateRejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{"zero memory", CreateRequest{MemSize: "0"}, "memory"},
		{"small memory", CreateRequest{MemSize: "127M"}, "memory"},
		{"bad memory", CreateRequest{MemSize: "lots"}, "memory"},
		{"zero disk", CreateRequest{DiskSpace: "0"}, "disk"},
		{"small disk", CreateRequest{DiskSpace: "511M"}, "disk"},
		{"bad disk", CreateRequest{DiskSpace: "big"}, "disk"},
		{"negative cores", CreateRequest{NumCores: -1}, "CPUs"},
		{"leading dash", CreateRequest{InstanceName: "-foo"}, "Invalid instance name"},
		{"trailing dash", CreateRequest{InstanceName: "foo-"}, "Invalid instance name"},
		{"bad network mode", CreateRequest{Networks: []NetworkOption{{ID: "eth0", Mode: "bridge"}}}, "network mode"},
		{"bad user data", CreateRequest{UserData: "runcmd: ["}, "user data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.daemon()

			_, err := d.Create(context.Background(), tt.req)
			e := requireCode(t, err, CodeInvalidArgument)
			assert.Contains(t, e.Message, tt.want)
			assert.Empty(t, f.backend.Created)
			assert.Equal(t, 0, d.macs.Len())
		})
	}
}

func TestCreateRejectsDiskBelowImageMinimum(t *testing.T) {
	f := newFixture(t)
	f.vault.MinSize = 10 * memsize.GiB
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo", DiskSpace: "6G"})
	e := requireCode(t, err, CodeInvalidArgument)
	assert.Equal(t, "Requested disk (6442450944 bytes) below minimum for this image (10737418240 bytes)", e.Message)
	assert.Empty(t, f.backend.Created)
	assert.Equal(t, 0, d.macs.Len())
}

func TestCreateFailsWhenSpaceLessThanImage(t *testing.T) {
	f := newFixture(t)
	f.vault.MinSize = 1
	f.free = 0
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo"})
	e := requireCode(t, err, CodeResourceExhausted)
	assert.Contains(t, e.Message, "Available disk (0 bytes) below minimum for this image (1 bytes)")
	assert.Empty(t, f.backend.Created)
}

func TestCreateWarnsWhenOvercommittingDisk(t *testing.T) {
	f := newFixture(t)
	f.free = 0
	d := f.daemon()

	reply, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo"})
	require.NoError(t, err)

	want := "Reserving more disk space (5368709120 bytes) than available (0 bytes)"
	assert.Contains(t, f.warnings(), want)
	assert.Equal(t, []string{want}, reply.Warnings)
	assert.Len(t, f.backend.Created, 1)
}

func TestCreateFailsWithInvalidDataDirectory(t *testing.T) {
	f := newFixture(t)
	opts := f.options()
	opts.DataDir = filepath.Join(t.TempDir(), "invalid_data_directory")
	opts.FreeDiskSpace = platform.FreeDiskSpace
	d, err := New(opts)
	require.NoError(t, err)

	_, err = d.Create(context.Background(), CreateRequest{InstanceName: "foo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to determine information about the volume containing")
	assert.Empty(t, f.backend.Created)
}

func TestCreateRejectsExistingName(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()
	f.create(d, "foo")

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo"})
	e := requireCode(t, err, CodeAlreadyExists)
	assert.Equal(t, `instance "foo" already exists`, e.Message)
	assert.Len(t, f.backend.Created, 1)
}

func TestCreateGeneratesUnusedName(t *testing.T) {
	f := newFixture(t)
	f.names = &names.Fixed{"foo", "foo", "bar"}
	d := f.daemon()

	first, err := d.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	second, err := d.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)

	assert.Equal(t, "foo", first.InstanceName)
	assert.Equal(t, "bar", second.InstanceName)
}

func TestCreateGivesUpOnNameGeneration(t *testing.T) {
	f := newFixture(t)
	f.names = &names.Fixed{"foo"}
	d := f.daemon()
	f.create(d, "")

	_, err := d.Create(context.Background(), CreateRequest{})
	requireCode(t, err, CodeResourceExhausted)
}

func TestCreateReleasesMACsOnFailure(t *testing.T) {
	const mac = "52:54:00:00:00:01"

	tests := []struct {
		name string
		fail func(*fixture)
		fix  func(*fixture)
		want string
	}{
		{
			name: "image fetch",
			fail: func(f *fixture) { f.vault.FetchError = image.ErrImageNotFound },
			fix:  func(f *fixture) { f.vault.FetchError = nil },
			want: "no image matches",
		},
		{
			name: "image preparation",
			fail: func(f *fixture) {
				f.backend.OnPrepareInstance = func(hypervisor.Image, hypervisor.Description) error { return testutil.ErrFake }
			},
			fix:  func(f *fixture) { f.backend.OnPrepareInstance = nil },
			want: "instance image preparation failed: injected failure",
		},
		{
			name: "machine creation",
			fail: func(f *fixture) { f.backend.OnCreate = func(hypervisor.Description) error { return testutil.ErrFake } },
			fix:  func(f *fixture) { f.backend.OnCreate = nil },
			want: "injected failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.daemon()
			req := CreateRequest{InstanceName: "foo", Networks: []NetworkOption{{ID: "eth0", MACAddress: mac}}}

			tt.fail(f)
			_, err := d.Create(context.Background(), req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.False(t, d.macs.InUse(mac))
			assert.Equal(t, 0, d.macs.Len())
			assert.False(t, d.store.Has("foo"))

			tt.fix(f)
			_, err = d.Create(context.Background(), req)
			require.NoError(t, err)
			assert.True(t, d.macs.InUse(mac))
		})
	}
}

func TestCreateRemovesResourcesWhenPreparationFails(t *testing.T) {
	f := newFixture(t)
	f.backend.OnPrepareInstance = func(hypervisor.Image, hypervisor.Description) error { return testutil.ErrFake }
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo"})
	requireCode(t, err, CodeInternal)
	assert.Equal(t, []string{"foo"}, f.backend.Removed)
	assert.Equal(t, []string{"foo"}, f.vault.Removed)
}

func TestCreateConsultsWorkflowsForBareAliases(t *testing.T) {
	tests := []struct {
		image string
		calls []string
	}{
		{"", []string{"default"}},
		{"jammy", []string{"jammy"}},
		{"release:jammy", nil},
		{"snapcraft:core22", nil},
		{"https://example.com/disk.img", nil},
	}

	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			f := newFixture(t)
			d := f.daemon()

			_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo", Image: tt.image})
			require.NoError(t, err)
			assert.Equal(t, tt.calls, f.workflows.CallsFor())
		})
	}
}

func TestCreateAppliesWorkflow(t *testing.T) {
	f := newFixture(t)
	f.workflows.Workflows["minikube"] = testutil.FakeWorkflow{
		Description: "minikube is local Kubernetes",
		Query:       image.Query{Release: "jammy", Type: image.Alias},
		Apply: func(r *workflow.Request) error {
			r.NumCores = 2
			r.MemSize = 4 * memsize.GiB
			r.DiskSpace = 20 * memsize.GiB
			r.VendorData = map[string]interface{}{
				"runcmd": []interface{}{"snap install minikube"},
			}
			return nil
		},
	}
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo", Image: "minikube"})
	require.NoError(t, err)

	desc := f.backend.Created[0]
	assert.Equal(t, 2, desc.NumCores)
	assert.Equal(t, (4 * memsize.GiB).Bytes(), desc.MemSize)
	assert.Equal(t, (20 * memsize.GiB).Bytes(), desc.DiskSpace)
	assert.Equal(t, "jammy", f.vault.FetchedQueries()[0].Release)

	prepared, ok := f.backend.LastPrepared()
	require.True(t, ok)
	assert.Contains(t, prepared.VendorData, "runcmd")
	assert.Contains(t, prepared.VendorData, "growpart")
}

func TestCreateRejectsRequestBelowWorkflowMinimum(t *testing.T) {
	f := newFixture(t)
	f.workflows.Workflows["minikube"] = testutil.FakeWorkflow{
		Query: image.Query{Release: "jammy", Type: image.Alias},
		Apply: func(*workflow.Request) error {
			return &workflow.MinimumError{Type: "Memory size", Value: "2G"}
		},
	}
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo", Image: "minikube", MemSize: "1G"})
	e := requireCode(t, err, CodeInvalidArgument)
	assert.Equal(t, "Memory size requested is less than Workflow minimum of 2G", e.Message)
	assert.Empty(t, f.backend.Created)
}

func TestCreateBuildsVendorData(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()
	f.create(d, "foo")

	desc, ok := f.backend.LastPrepared()
	require.True(t, ok)

	assert.Contains(t, desc.VendorData, "growpart")
	assert.Equal(t, []interface{}{f.keys.Public}, desc.VendorData["ssh_authorized_keys"])

	files := desc.VendorData["write_files"].([]interface{})
	require.Len(t, files, 1)
	content := files[0].(map[string]interface{})["content"].(string)
	assert.Contains(t, content, "vmd/version/1.0.0 # written by vmd")
	assert.Contains(t, content, "vmd/driver/mock-1234 # written by vmd")
	assert.Contains(t, content, "vmd/host/Ubuntu-24.04 # written by vmd")

	assert.Equal(t, "foo", desc.MetaData["instance-id"])
	assert.Nil(t, desc.NetworkData)
}

func TestCreatePassesUserData(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo", UserData: "runcmd:\n  - echo hi\n"})
	require.NoError(t, err)

	desc, _ := f.backend.LastPrepared()
	assert.Equal(t, []interface{}{"echo hi"}, desc.UserData["runcmd"])
}

func TestCreateNamesExtraInterfacesByPosition(t *testing.T) {
	type want struct {
		entry     string
		macPrefix string
	}
	tests := []struct {
		name      string
		networks  []NetworkOption
		present   []want
		forbidden []string
	}{
		{
			name:      "single auto",
			networks:  []NetworkOption{{ID: "eth0"}},
			present:   []want{{"extra0", "52:54:00:"}},
			forbidden: []string{"extra1"},
		},
		{
			name: "explicit mac then generated",
			networks: []NetworkOption{
				{ID: "eth0", MACAddress: "01:23:45:ab:cd:ef", Mode: "auto"},
				{ID: "wlan0"},
			},
			present:   []want{{"extra0", "01:23:45:ab:cd:ef"}, {"extra1", "52:54:00:"}},
			forbidden: []string{"extra2"},
		},
		{
			name:      "manual first",
			networks:  []NetworkOption{{ID: "eth0", Mode: "manual"}, {ID: "wlan0"}},
			present:   []want{{"extra1", "52:54:00:"}},
			forbidden: []string{"extra0", "extra2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.daemon()

			_, err := d.Launch(context.Background(), CreateRequest{InstanceName: "foo", Networks: tt.networks})
			require.NoError(t, err)

			desc, _ := f.backend.LastPrepared()
			require.NotNil(t, desc.NetworkData)
			ethernets := desc.NetworkData["ethernets"].(map[string]interface{})

			def := ethernets["default"].(map[string]interface{})
			assert.Equal(t, desc.DefaultMAC, def["match"].(map[string]interface{})["macaddress"])

			for _, w := range tt.present {
				entry, ok := ethernets[w.entry].(map[string]interface{})
				require.True(t, ok, w.entry)
				mac := entry["match"].(map[string]interface{})["macaddress"].(string)
				assert.True(t, strings.HasPrefix(mac, w.macPrefix), "%s: %s", w.entry, mac)
			}
			for _, name := range tt.forbidden {
				assert.NotContains(t, ethernets, name)
			}
			assert.Len(t, desc.ExtraInterfaces, len(tt.networks))
		})
	}
}

func TestCreateManualOnlyHasNoNetworkData(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{
		InstanceName: "foo",
		Networks:     []NetworkOption{{ID: "eth0", Mode: "manual"}},
	})
	require.NoError(t, err)

	desc, _ := f.backend.LastPrepared()
	assert.Nil(t, desc.NetworkData)
	require.Len(t, desc.ExtraInterfaces, 1)
	assert.False(t, desc.ExtraInterfaces[0].AutoMode)
	assert.True(t, strings.HasPrefix(desc.ExtraInterfaces[0].MACAddress, "52:54:00:"))
}

func TestCreateRejectsInvalidNetworks(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{
		InstanceName: "foo",
		Networks:     []NetworkOption{{ID: "eth7"}, {ID: "eth0"}},
	})
	e := requireCode(t, err, CodeInvalidArgument)
	assert.Contains(t, e.Details, "eth7")
	assert.NotContains(t, e.Details, "eth0")
	assert.Equal(t, 0, d.macs.Len())
}

func TestCreateRejectsBridgingWhenUnsupported(t *testing.T) {
	f := newFixture(t)
	f.backend.NetworksError = hypervisor.ErrNotImplemented
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{
		InstanceName: "foo",
		Networks:     []NetworkOption{{ID: "eth0"}},
	})
	requireCode(t, err, CodeFailedPrecondition)
}

func TestCreateRejectsAutoNetworkOnLegacyImage(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{
		InstanceName: "foo",
		Image:        "xenial",
		Networks:     []NetworkOption{{ID: "eth0"}},
	})
	e := requireCode(t, err, CodeFailedPrecondition)
	assert.Contains(t, e.Message, "xenial")
}

func TestLaunchStartsInstance(t *testing.T) {
	f := newFixture(t)
	d := f.daemon()
	f.launch(d, "foo")

	assert.Equal(t, hypervisor.StateRunning, f.backend.Machine("foo").State())
	assert.Equal(t, []string{events.Created, events.Started}, eventTypes(drain(f.events)))
}

func TestLaunchKeepsInstanceWhenStartFails(t *testing.T) {
	f := newFixture(t)
	f.backend.MachineSetup = func(m *testutil.FakeMachine) { m.StartError = testutil.ErrFake }
	d := f.daemon()

	_, err := d.Launch(context.Background(), CreateRequest{InstanceName: "foo"})
	e := requireCode(t, err, CodeInternal)
	assert.Contains(t, e.Message, `instance "foo" was created but failed to start`)

	assert.True(t, d.store.Has("foo"))
	assert.Equal(t, 1, d.macs.Len())
}

func TestCreateTimeoutLeavesPipelineRunning(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.backend.OnPrepareInstance = func(hypervisor.Image, hypervisor.Description) error {
		<-release
		return nil
	}
	d := f.daemon()

	_, err := d.Create(context.Background(), CreateRequest{InstanceName: "foo", Timeout: 1})
	requireCode(t, err, CodeDeadlineExceeded)
	assert.False(t, d.store.Has("foo"))

	close(release)
	require.Eventually(t, func() bool { return d.store.Has("foo") }, 5*time.Second, 10*time.Millisecond)
}

func TestCreateCancelledRequest(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.backend.OnPrepareInstance = func(hypervisor.Image, hypervisor.Description) error {
		<-release
		return errors.New("boom")
	}
	d := f.daemon()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Create(ctx, CreateRequest{InstanceName: "foo"})
	requireCode(t, err, CodeUnavailable)

	close(release)
	require.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		_, inFlight := d.inFlight["foo"]
		return !inFlight && d.macs.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, d.store.Has("foo"))
}
