package cloudinit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestVendorData(t *testing.T) {
	tree := VendorData("ssh-ed25519 AAAAkey vmd", Provenance{
		Version:     "1.2.3",
		Driver:      "qemu-8.2.2",
		HostOS:      "ubuntu",
		HostVersion: "24.04",
	})

	growpart := tree["growpart"].(map[string]interface{})
	assert.Equal(t, "auto", growpart["mode"])
	assert.Equal(t, []interface{}{"/"}, growpart["devices"])
	assert.Equal(t, false, growpart["ignore_growroot_disabled"])

	assert.Equal(t, []interface{}{"ssh-ed25519 AAAAkey vmd"}, tree["ssh_authorized_keys"])

	files := tree["write_files"].([]interface{})
	require.Len(t, files, 1)
	entry := files[0].(map[string]interface{})
	assert.Equal(t, PollinatePath, entry["path"])
	assert.Equal(t,
		"vmd/version/1.2.3 # written by vmd\n"+
			"vmd/driver/qemu-8.2.2 # written by vmd\n"+
			"vmd/host/ubuntu-24.04 # written by vmd\n",
		entry["content"])
}

func TestNetworkDataNilWithoutAutoAttachments(t *testing.T) {
	assert.Nil(t, NetworkData("52:54:00:00:00:01", nil))
	assert.Nil(t, NetworkData("52:54:00:00:00:01", []Interface{{MAC: "52:54:00:00:00:02"}}))
}

func TestNetworkData(t *testing.T) {
	tree := NetworkData("52:54:00:00:00:01", []Interface{
		{MAC: "52:54:00:00:00:02", AutoMode: true},
		{MAC: "52:54:00:00:00:03"},
		{MAC: "52:54:00:00:00:04", AutoMode: true},
	})
	require.NotNil(t, tree)
	assert.Equal(t, 2, tree["version"])

	ethernets := tree["ethernets"].(map[string]interface{})
	assert.Len(t, ethernets, 3)

	def := ethernets["default"].(map[string]interface{})
	assert.Equal(t, "52:54:00:00:00:01", def["match"].(map[string]interface{})["macaddress"])
	assert.Equal(t, true, def["dhcp4"])

	extra0 := ethernets["extra0"].(map[string]interface{})
	assert.Equal(t, "52:54:00:00:00:02", extra0["match"].(map[string]interface{})["macaddress"])
	assert.Equal(t, true, extra0["optional"])
	assert.Equal(t, 200, extra0["dhcp4-overrides"].(map[string]interface{})["route-metric"])

	assert.NotContains(t, ethernets, "extra1", "manual attachments are left to the user")
	assert.Contains(t, ethernets, "extra2")
}

func TestMetaData(t *testing.T) {
	assert.Equal(t, map[string]interface{}{
		"instance-id":    "foo",
		"local-hostname": "foo",
		"cloud-name":     "vmd",
	}, MetaData("foo"))
}

func TestUserData(t *testing.T) {
	tree, err := UserData("")
	require.NoError(t, err)
	assert.Empty(t, tree)

	tree, err = UserData("#cloud-config\npackages:\n  - htop\n")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"htop"}, tree["packages"])

	_, err = UserData("packages: [unclosed")
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	dst := VendorData("key", Provenance{})
	Merge(dst, map[string]interface{}{
		"packages":    []interface{}{"docker.io"},
		"write_files": []interface{}{map[string]interface{}{"path": "/etc/motd"}},
		"growpart":    map[string]interface{}{"mode": "off"},
	})

	assert.Equal(t, []interface{}{"docker.io"}, dst["packages"])
	assert.Len(t, dst["write_files"], 2)
	growpart := dst["growpart"].(map[string]interface{})
	assert.Equal(t, "off", growpart["mode"])
	assert.Equal(t, []interface{}{"/"}, growpart["devices"])
}

func TestRender(t *testing.T) {
	out, err := Render(nil, true)
	require.NoError(t, err)
	assert.Equal(t, "#cloud-config\n{}\n", string(out))

	out, err = Render(MetaData("foo"), false)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(string(out), "#"))

	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "vmd", back["cloud-name"])

	out, err = Render(NetworkData("52:54:00:00:00:01", []Interface{{MAC: "52:54:00:00:00:02", AutoMode: true}}), false)
	require.NoError(t, err)
	assert.Contains(t, string(out), "route-metric: 200")
	assert.Contains(t, string(out), "dhcp4-overrides:")
}
