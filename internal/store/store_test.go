package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmd/internal/memsize"
	"github.com/javanstorm/vmd/internal/network"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

const ghostTemplate = `"%s": {
    "deleted": false,
    "disk_space": "0",
    "mac_addr": "",
    "mem_size": "0",
    "metadata": {},
    "mounts": [],
    "num_cores": 0,
    "ssh_username": "",
    "state": 0
}`

const validTemplate = `"%s": {
    "deleted": false,
    "disk_space": "3232323232",
    "mac_addr": "%s",
    "mem_size": "2323232323",
    "metadata": {},
    "mounts": [],
    "num_cores": 4,
    "ssh_username": "ubuntu",
    "state": 1
}`

func plantState(t *testing.T, entries ...string) string {
	t.Helper()
	dir := t.TempDir()
	content := "{\n" + strings.Join(entries, ",\n") + "\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	return dir
}

func newStore(t *testing.T, dir string) (*Store, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return New(dir, log), hook
}

func names(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

func TestLoadMissingFile(t *testing.T) {
	s, _ := newStore(t, t.TempDir())
	recs, err := s.Load(network.NewMACAllocator())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))

	s, _ := newStore(t, dir)
	_, err := s.Load(network.NewMACAllocator())
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(dir, FileName))
}

func TestLoadSkipsGhosts(t *testing.T) {
	dir := plantState(t,
		fmt.Sprintf(ghostTemplate, "ghost1"),
		fmt.Sprintf(ghostTemplate, "ghost2"),
		fmt.Sprintf(validTemplate, "valid1", "ab:cd:ef:12:34:56"),
		fmt.Sprintf(validTemplate, "valid2", "ab:cd:ef:12:34:78"),
	)
	s, _ := newStore(t, dir)
	claims := network.NewMACAllocator()

	recs, err := s.Load(claims)
	require.NoError(t, err)
	assert.Equal(t, []string{"valid1", "valid2"}, names(recs))
	assert.Equal(t, 2, claims.Len())
	assert.False(t, s.Has("ghost1"))

	rec, err := s.Get("valid1")
	require.NoError(t, err)
	assert.Equal(t, 4, rec.NumCores)
	assert.Equal(t, memsize.Size(3232323232), rec.DiskSpace)
	assert.Equal(t, hypervisor.StateStarting, rec.State)
	assert.Equal(t, "ubuntu", rec.SSHUsername)
}

func TestLoadDropsRepeatedMACs(t *testing.T) {
	dir := plantState(t,
		fmt.Sprintf(validTemplate, "alpha", "52:54:00:bd:19:41"),
		fmt.Sprintf(validTemplate, "beta", "52:54:00:BD:19:41"),
		fmt.Sprintf(validTemplate, "gamma", "52:54:00:00:00:03"),
	)
	s, hook := newStore(t, dir)
	claims := network.NewMACAllocator()

	recs, err := s.Load(claims)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "gamma"}, names(recs))
	assert.False(t, s.Has("beta"))

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["instance"] == "beta" {
			warned = true
		}
	}
	assert.True(t, warned, "dropping a record must be logged")
}

func TestLoadDropsSelfRepeatedMACs(t *testing.T) {
	entry := `"solo": {
    "deleted": false,
    "disk_space": "5368709120",
    "extra_interfaces": [{"auto_mode": true, "id": "eth0", "mac_address": "52:54:00:73:76:28"}],
    "mac_addr": "52:54:00:73:76:28",
    "mem_size": "1073741824",
    "metadata": {},
    "mounts": [],
    "num_cores": 1,
    "ssh_username": "ubuntu",
    "state": 0
}`
	s, _ := newStore(t, plantState(t, entry))
	claims := network.NewMACAllocator()

	recs, err := s.Load(claims)
	require.NoError(t, err)
	assert.Empty(t, recs)
	// the dropped record's MAC is free for reuse
	assert.False(t, claims.InUse("52:54:00:73:76:28"))
}

func TestLoadToleratesUnknownEntries(t *testing.T) {
	dir := plantState(t,
		`"weird": 42`,
		fmt.Sprintf(validTemplate, "valid", "52:54:00:00:00:01"),
	)
	s, _ := newStore(t, dir)
	recs, err := s.Load(network.NewMACAllocator())
	require.NoError(t, err)
	assert.Equal(t, []string{"valid"}, names(recs))
}

func sampleRecord(name, mac string) *Record {
	return &Record{
		Name:      name,
		DiskSpace: 5 * memsize.GiB,
		ExtraInterfaces: []hypervisor.NetworkInterface{
			{ID: "eth0", MACAddress: "52:54:00:aa:bb:cc", AutoMode: true},
		},
		MACAddr:     mac,
		MemSize:     memsize.GiB,
		NumCores:    2,
		SSHUsername: "ubuntu",
		Mounts: []Mount{{
			SourcePath:  "/home/user/src",
			TargetPath:  "/src",
			UIDMappings: []UIDMapping{{HostUID: 1000, InstanceUID: -1}},
		}},
	}
}

func TestUpsertPersistsSortedJSON(t *testing.T) {
	dir := t.TempDir()
	s, _ := newStore(t, dir)

	require.NoError(t, s.Upsert(sampleRecord("zeta", "52:54:00:00:00:02")))
	require.NoError(t, s.Upsert(sampleRecord("alpha", "52:54:00:00:00:01")))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	content := string(data)

	assert.Less(t, strings.Index(content, `"alpha"`), strings.Index(content, `"zeta"`))
	assert.Contains(t, content, `    "alpha": {`)
	assert.Contains(t, content, `"disk_space": "5368709120"`)
	assert.Contains(t, content, `"mem_size": "1073741824"`)
	assert.Contains(t, content, `"gid_mappings": []`)
	assert.Less(t, strings.Index(content, `"deleted"`), strings.Index(content, `"state"`))

	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	s, _ := newStore(t, dir)
	require.NoError(t, s.Upsert(sampleRecord("alpha", "52:54:00:00:00:01")))
	rec := sampleRecord("beta", "52:54:00:00:00:02")
	rec.ExtraInterfaces = nil
	rec.Metadata = map[string]interface{}{"arguments": []interface{}{"--flag"}}
	rec.State = hypervisor.StateSuspended
	require.NoError(t, s.Upsert(rec))

	first, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	reloaded, _ := newStore(t, dir)
	_, err = reloaded.Load(network.NewMACAllocator())
	require.NoError(t, err)
	require.NoError(t, reloaded.Persist())

	second, err := os.ReadFile(reloaded.Path())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	snap, err := reloaded.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(snap))
}

func TestUpdateAndMarkDeleted(t *testing.T) {
	s, _ := newStore(t, t.TempDir())
	require.NoError(t, s.Upsert(sampleRecord("alpha", "52:54:00:00:00:01")))

	require.NoError(t, s.Update("alpha", func(r *Record) { r.State = hypervisor.StateRunning }))
	require.NoError(t, s.MarkDeleted("alpha"))

	rec, err := s.Get("alpha")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Equal(t, hypervisor.StateRunning, rec.State)

	require.ErrorIs(t, s.Update("missing", func(*Record) {}), ErrNotFound)
	require.ErrorIs(t, s.MarkDeleted("missing"), ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newStore(t, t.TempDir())
	require.NoError(t, s.Upsert(sampleRecord("alpha", "52:54:00:00:00:01")))

	rec, err := s.Get("alpha")
	require.NoError(t, err)
	rec.NumCores = 99
	rec.Mounts[0].TargetPath = "/elsewhere"

	again, err := s.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, again.NumCores)
	assert.Equal(t, "/src", again.Mounts[0].TargetPath)
}

func TestPurge(t *testing.T) {
	s, _ := newStore(t, t.TempDir())
	claims := network.NewMACAllocator()

	live := sampleRecord("live", "52:54:00:00:00:01")
	live.ExtraInterfaces = nil
	gone := sampleRecord("gone", "52:54:00:00:00:02")
	gone.Deleted = true
	for _, r := range []*Record{live, gone} {
		require.NoError(t, claims.ClaimAll(r.MACs()))
		require.NoError(t, s.Upsert(r))
	}

	released, err := s.Purge([]string{"live", "gone", "missing"}, claims)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"52:54:00:00:00:02", "52:54:00:aa:bb:cc"}, released)
	assert.Equal(t, []string{"live"}, s.Names())
	assert.True(t, claims.InUse("52:54:00:00:00:01"))
	assert.False(t, claims.InUse("52:54:00:aa:bb:cc"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"gone"`)
}

func TestPurgeNothingStillRewrites(t *testing.T) {
	s, _ := newStore(t, t.TempDir())
	_, err := s.Purge(nil, network.NewMACAllocator())
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestDropIsMemoryOnly(t *testing.T) {
	s, _ := newStore(t, t.TempDir())
	require.NoError(t, s.Upsert(sampleRecord("alpha", "52:54:00:00:00:01")))

	s.Drop("alpha")
	assert.False(t, s.Has("alpha"))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"alpha"`)
}

func TestIsGhost(t *testing.T) {
	assert.True(t, (&Record{}).IsGhost())
	assert.False(t, (&Record{NumCores: 1}).IsGhost())
	assert.False(t, (&Record{State: hypervisor.StateRunning}).IsGhost())
	assert.False(t, (&Record{DiskSpace: 1}).IsGhost())
}
