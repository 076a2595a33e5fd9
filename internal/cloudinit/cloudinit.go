// Package cloudinit builds the cloud-init documents handed to a new instance.
// All functions are pure; they build plain map trees that Render turns into YAML.
package cloudinit

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Header starts every user-data and vendor-data document.
const Header = "#cloud-config"

// PollinatePath is where the provenance markers are written in the guest.
const PollinatePath = "/etc/pollinate/add-user-agent"

// Provenance identifies the software that created an instance.
type Provenance struct {
	Version     string // daemon version
	Driver      string // backend name-version
	HostOS      string
	HostVersion string
}

func (p Provenance) pollinateContent() string {
	lines := []string{
		"vmd/version/" + p.Version,
		"vmd/driver/" + p.Driver,
		fmt.Sprintf("vmd/host/%s-%s", p.HostOS, p.HostVersion),
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(" # written by vmd\n")
	}
	return b.String()
}

// VendorData returns the vendor-data tree: root filesystem growth, the
// daemon's SSH key and provenance markers.
func VendorData(sshPublicKey string, p Provenance) map[string]interface{} {
	return map[string]interface{}{
		"growpart": map[string]interface{}{
			"mode":                     "auto",
			"devices":                  []interface{}{"/"},
			"ignore_growroot_disabled": false,
		},
		"ssh_authorized_keys": []interface{}{sshPublicKey},
		"write_files": []interface{}{
			map[string]interface{}{
				"path":    PollinatePath,
				"content": p.pollinateContent(),
			},
		},
	}
}

// Interface is an extra network attachment as seen by cloud-init.
type Interface struct {
	MAC      string
	AutoMode bool
}

// NetworkData returns the netplan v2 tree matching the primary NIC and every
// auto-mode attachment, or nil when no attachment needs configuring. Each
// attachment is named after its position in extras, so the names are stable
// across manual attachments.
func NetworkData(primaryMAC string, extras []Interface) map[string]interface{} {
	auto := false
	for _, e := range extras {
		if e.AutoMode {
			auto = true
			break
		}
	}
	if !auto {
		return nil
	}

	ethernets := map[string]interface{}{
		"default": map[string]interface{}{
			"match": map[string]interface{}{"macaddress": primaryMAC},
			"dhcp4": true,
		},
	}
	for i, e := range extras {
		if !e.AutoMode {
			continue
		}
		ethernets[fmt.Sprintf("extra%d", i)] = map[string]interface{}{
			"match":           map[string]interface{}{"macaddress": e.MAC},
			"dhcp4":           true,
			"dhcp4-overrides": map[string]interface{}{"route-metric": 200},
			"optional":        true,
		}
	}

	return map[string]interface{}{
		"version":   2,
		"ethernets": ethernets,
	}
}

// MetaData returns the meta-data tree for an instance.
func MetaData(name string) map[string]interface{} {
	return map[string]interface{}{
		"instance-id":    name,
		"local-hostname": name,
		"cloud-name":     "vmd",
	}
}

// UserData parses a caller-supplied user-data document. Empty input yields
// an empty tree.
func UserData(doc string) (map[string]interface{}, error) {
	tree := map[string]interface{}{}
	if strings.TrimSpace(doc) == "" {
		return tree, nil
	}
	if err := yaml.Unmarshal([]byte(doc), &tree); err != nil {
		return nil, fmt.Errorf("parse user-data: %w", err)
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}
	return tree, nil
}

// Merge folds src into dst. Nested maps merge recursively, lists are
// appended and any other value in src replaces the one in dst.
func Merge(dst, src map[string]interface{}) {
	for k, sv := range src {
		dv, ok := dst[k]
		if !ok {
			dst[k] = sv
			continue
		}
		switch s := sv.(type) {
		case map[string]interface{}:
			if d, ok := dv.(map[string]interface{}); ok {
				Merge(d, s)
				continue
			}
		case []interface{}:
			if d, ok := dv.([]interface{}); ok {
				dst[k] = append(d, s...)
				continue
			}
		}
		dst[k] = sv
	}
}

// Render encodes tree as YAML, prefixed with Header when header is set.
// An empty tree renders as "{}".
func Render(tree map[string]interface{}, header bool) ([]byte, error) {
	var buf bytes.Buffer
	if header {
		buf.WriteString(Header)
		buf.WriteByte('\n')
	}
	if len(tree) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes(), nil
	}
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
