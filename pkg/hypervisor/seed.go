package hypervisor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kdomanski/iso9660"

	"github.com/javanstorm/vmd/internal/cloudinit"
)

// Seed file names understood by cloud-init's NoCloud datasource.
const (
	seedUserData    = "user-data"
	seedMetaData    = "meta-data"
	seedVendorData  = "vendor-data"
	seedNetworkData = "network-config"
	seedISOName     = "cloud-init-config.iso"
	seedLabel       = "cidata"
)

// writeSeedFiles renders the description's cloud-init trees into dir and
// returns the written file names.
func writeSeedFiles(dir string, desc Description) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create seed dir: %w", err)
	}

	docs := []struct {
		name   string
		tree   map[string]interface{}
		header bool
	}{
		{seedMetaData, desc.MetaData, false},
		{seedUserData, desc.UserData, true},
		{seedVendorData, desc.VendorData, true},
		{seedNetworkData, desc.NetworkData, false},
	}

	var written []string
	for _, doc := range docs {
		if doc.tree == nil && doc.name == seedNetworkData {
			continue
		}
		data, err := cloudinit.Render(doc.tree, doc.header)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", doc.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, doc.name), data, 0644); err != nil {
			return nil, fmt.Errorf("write %s: %w", doc.name, err)
		}
		written = append(written, doc.name)
	}
	return written, nil
}

// makeSeedISO packs the seed files in dir into dir/cloud-init-config.iso,
// labelled "cidata" for the NoCloud datasource.
func makeSeedISO(dir string, files []string) (string, error) {
	w, err := iso9660.NewWriter()
	if err != nil {
		return "", fmt.Errorf("create ISO writer: %w", err)
	}
	defer w.Cleanup()

	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		if err := w.AddFile(bytes.NewReader(data), name); err != nil {
			return "", fmt.Errorf("add %s: %w", name, err)
		}
	}

	out := filepath.Join(dir, seedISOName)
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create seed ISO: %w", err)
	}
	if err := w.WriteTo(f, seedLabel); err != nil {
		f.Close()
		return "", fmt.Errorf("write seed ISO: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write seed ISO: %w", err)
	}
	return out, nil
}
