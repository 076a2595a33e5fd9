package store

import (
	"strings"

	"github.com/javanstorm/vmd/internal/memsize"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// UIDMapping maps a host user id to one inside the instance.
type UIDMapping struct {
	HostUID     int `json:"host_uid"`
	InstanceUID int `json:"instance_uid"`
}

// GIDMapping maps a host group id to one inside the instance.
type GIDMapping struct {
	HostGID     int `json:"host_gid"`
	InstanceGID int `json:"instance_gid"`
}

// Mount is a host directory shared into an instance.
type Mount struct {
	SourcePath  string       `json:"source_path"`
	TargetPath  string       `json:"target_path"`
	UIDMappings []UIDMapping `json:"uid_mappings"`
	GIDMappings []GIDMapping `json:"gid_mappings"`
}

// Record is the persisted specification of one instance.
// Fields are declared in alphabetical order of their JSON keys so the state
// file comes out with sorted keys.
type Record struct {
	Name string `json:"-"`

	Deleted         bool                          `json:"deleted"`
	DiskSpace       memsize.Size                  `json:"disk_space"`
	ExtraInterfaces []hypervisor.NetworkInterface `json:"extra_interfaces"`
	MACAddr         string                        `json:"mac_addr"`
	MemSize         memsize.Size                  `json:"mem_size"`
	Metadata        map[string]interface{}        `json:"metadata"`
	Mounts          []Mount                       `json:"mounts"`
	NumCores        int                           `json:"num_cores"`
	SSHUsername     string                        `json:"ssh_username"`
	State           hypervisor.State              `json:"state"`
}

// IsGhost reports whether r is a placeholder left behind for a purged
// instance. Ghosts are never materialized.
func (r *Record) IsGhost() bool {
	return r.NumCores == 0 && r.State == hypervisor.StateOff && r.DiskSpace == 0
}

// MACs returns the primary MAC followed by every extra interface MAC.
func (r *Record) MACs() []string {
	macs := make([]string, 0, 1+len(r.ExtraInterfaces))
	if r.MACAddr != "" {
		macs = append(macs, r.MACAddr)
	}
	for _, iface := range r.ExtraInterfaces {
		if iface.MACAddress != "" {
			macs = append(macs, iface.MACAddress)
		}
	}
	return macs
}

// repeatedMAC returns the first MAC that appears twice in r, or "".
func (r *Record) repeatedMAC() string {
	seen := make(map[string]bool)
	for _, mac := range r.MACs() {
		key := strings.ToLower(mac)
		if seen[key] {
			return mac
		}
		seen[key] = true
	}
	return ""
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.ExtraInterfaces = append([]hypervisor.NetworkInterface(nil), r.ExtraInterfaces...)
	c.Mounts = make([]Mount, len(r.Mounts))
	for i, m := range r.Mounts {
		m.UIDMappings = append([]UIDMapping(nil), m.UIDMappings...)
		m.GIDMappings = append([]GIDMapping(nil), m.GIDMappings...)
		c.Mounts[i] = m
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// normalize replaces nil collections so they serialize as {} and [].
func (r *Record) normalize() {
	if r.ExtraInterfaces == nil {
		r.ExtraInterfaces = []hypervisor.NetworkInterface{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	if r.Mounts == nil {
		r.Mounts = []Mount{}
	}
	for i := range r.Mounts {
		if r.Mounts[i].UIDMappings == nil {
			r.Mounts[i].UIDMappings = []UIDMapping{}
		}
		if r.Mounts[i].GIDMappings == nil {
			r.Mounts[i].GIDMappings = []GIDMapping{}
		}
	}
}
