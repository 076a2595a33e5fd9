package hypervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SysClassNet is where Linux exposes network interfaces.
const SysClassNet = "/sys/class/net"

// InterfacesFrom lists the network interfaces found under a sysfs-style
// directory, one subdirectory per interface. Bridges are identified by their
// "bridge" subdirectory and described by their "brif" members.
func InterfacesFrom(sysDir string) ([]NetworkInterfaceInfo, error) {
	entries, err := os.ReadDir(sysDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", sysDir, err)
	}

	var ifaces []NetworkInterfaceInfo
	for _, entry := range entries {
		// sysfs entries are symlinks to device directories
		path := filepath.Join(sysDir, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		ifaces = append(ifaces, interfaceFrom(path))
	}

	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].ID < ifaces[j].ID })
	return ifaces, nil
}

func interfaceFrom(dir string) NetworkInterfaceInfo {
	iface := NetworkInterfaceInfo{ID: filepath.Base(dir)}

	if info, err := os.Stat(filepath.Join(dir, "bridge")); err == nil && info.IsDir() {
		iface.Type = "bridge"

		var members []string
		if entries, err := os.ReadDir(filepath.Join(dir, "brif")); err == nil {
			for _, e := range entries {
				members = append(members, e.Name())
			}
		}
		if len(members) == 0 {
			iface.Description = "Empty network bridge"
		} else {
			iface.Description = "Network bridge with " + strings.Join(members, ", ")
		}
	}

	return iface
}
