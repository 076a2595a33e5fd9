package hypervisor

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteSeedFiles(t *testing.T) {
	dir := t.TempDir()
	desc := Description{
		Name:       "pied-piper",
		MetaData:   map[string]interface{}{"instance-id": "pied-piper"},
		VendorData: map[string]interface{}{"growpart": map[string]interface{}{"mode": "auto"}},
	}

	files, err := writeSeedFiles(dir, desc)
	require.NoError(t, err)
	assert.Equal(t, []string{seedMetaData, seedUserData, seedVendorData}, files)

	vendor, err := os.ReadFile(filepath.Join(dir, seedVendorData))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(vendor), "#cloud-config\n"))

	var parsed map[string]interface{}
	require.NoError(t, yaml.Unmarshal(vendor, &parsed))
	assert.Equal(t, "auto", parsed["growpart"].(map[string]interface{})["mode"])

	user, err := os.ReadFile(filepath.Join(dir, seedUserData))
	require.NoError(t, err)
	assert.Equal(t, "#cloud-config\n{}\n", string(user))

	_, err = os.Stat(filepath.Join(dir, seedNetworkData))
	assert.True(t, os.IsNotExist(err), "network-config must be omitted without network data")
}

func TestWriteSeedFilesWithNetwork(t *testing.T) {
	dir := t.TempDir()
	desc := Description{
		Name:        "hooli",
		NetworkData: map[string]interface{}{"version": 2},
	}

	files, err := writeSeedFiles(dir, desc)
	require.NoError(t, err)
	assert.Contains(t, files, seedNetworkData)
}

func TestMakeSeedISO(t *testing.T) {
	dir := t.TempDir()
	desc := Description{
		Name:     "pied-piper",
		MetaData: map[string]interface{}{"instance-id": "pied-piper"},
	}
	files, err := writeSeedFiles(dir, desc)
	require.NoError(t, err)

	out, err := makeSeedISO(dir, files)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, seedISOName), out)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := iso9660.OpenImage(f)
	require.NoError(t, err)
	root, err := img.RootDir()
	require.NoError(t, err)
	children, err := root.GetChildren()
	require.NoError(t, err)

	var contents []string
	for _, c := range children {
		if c.IsDir() {
			continue
		}
		data, err := io.ReadAll(c.Reader())
		require.NoError(t, err)
		contents = append(contents, string(data))
	}
	require.Len(t, contents, len(files))

	meta, err := os.ReadFile(filepath.Join(dir, seedMetaData))
	require.NoError(t, err)
	assert.Contains(t, contents, string(meta))
}

func TestMakeSeedISOMissingFile(t *testing.T) {
	_, err := makeSeedISO(t.TempDir(), []string{seedUserData})
	assert.ErrorContains(t, err, "read user-data")
}

func TestDescriptionValidate(t *testing.T) {
	valid := Description{
		Name:       "vm",
		NumCores:   1,
		MemSize:    1 << 30,
		DefaultMAC: "52:54:00:00:00:01",
		Image:      Image{Path: "/tmp/disk.qcow2"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(d *Description)
		want   error
	}{
		{"no name", func(d *Description) { d.Name = "" }, ErrMissingName},
		{"no cores", func(d *Description) { d.NumCores = 0 }, ErrInvalidCPUCount},
		{"tiny memory", func(d *Description) { d.MemSize = 64 << 20 }, ErrInsufficientMemory},
		{"no image", func(d *Description) { d.Image.Path = "" }, ErrMissingImage},
		{"no mac", func(d *Description) { d.DefaultMAC = "" }, ErrMissingMAC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			require.ErrorIs(t, d.Validate(), tt.want)
		})
	}
}
