package daemon

import "github.com/javanstorm/vmd/internal/store"

// NetworkOption is one requested network attachment.
type NetworkOption struct {
	ID         string `json:"id"`
	MACAddress string `json:"mac_address,omitempty"`
	// Mode is "auto" (the default) or "manual".
	Mode string `json:"mode,omitempty"`
}

// CreateRequest is the argument of create and launch.
type CreateRequest struct {
	InstanceName string          `json:"instance_name,omitempty"`
	NumCores     int             `json:"num_cores,omitempty"`
	MemSize      string          `json:"mem_size,omitempty"`
	DiskSpace    string          `json:"disk_space,omitempty"`
	Image        string          `json:"image,omitempty"`
	RemoteName   string          `json:"remote_name,omitempty"`
	Networks     []NetworkOption `json:"network_options,omitempty"`
	UserData     string          `json:"cloud_init_user_data,omitempty"`
	// Timeout is in seconds; 0 waits as long as the operation takes.
	Timeout   int `json:"timeout,omitempty"`
	Verbosity int `json:"verbosity,omitempty"`
}

// CreateReply names the new instance.
type CreateReply struct {
	InstanceName string   `json:"vm_instance_name"`
	Warnings     []string `json:"warnings,omitempty"`
}

// InstanceNames selects instances; empty means all where a command allows it.
type InstanceNames struct {
	InstanceNames []string `json:"instance_names,omitempty"`
	Verbosity     int      `json:"verbosity,omitempty"`
}

// StopRequest is the argument of stop.
type StopRequest struct {
	InstanceNames []string `json:"instance_names,omitempty"`
	// TimeMinutes delays the shutdown when positive.
	TimeMinutes int  `json:"time_minutes,omitempty"`
	Cancel      bool `json:"cancel_shutdown,omitempty"`
	Verbosity   int  `json:"verbosity,omitempty"`
}

// DeleteRequest is the argument of delete.
type DeleteRequest struct {
	InstanceNames []string `json:"instance_names,omitempty"`
	Purge         bool     `json:"purge,omitempty"`
	Verbosity     int      `json:"verbosity,omitempty"`
}

// ListEntry is one line of list.
type ListEntry struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	IPv4    string `json:"ipv4,omitempty"`
	Release string `json:"current_release,omitempty"`
}

// ListReply is the result of list.
type ListReply struct {
	Instances []ListEntry `json:"instances"`
}

// InstanceInfo is the detailed view returned by info.
type InstanceInfo struct {
	Name            string          `json:"name"`
	State           string          `json:"instance_status"`
	ImageRelease    string          `json:"image_release,omitempty"`
	CurrentRelease  string          `json:"current_release,omitempty"`
	ImageHash       string          `json:"id,omitempty"`
	IPv4            string          `json:"ipv4,omitempty"`
	NumCores        int             `json:"cpu_count"`
	MemSize         int64           `json:"memory_total"`
	DiskSpace       int64           `json:"disk_total"`
	MACAddr         string          `json:"mac_addr"`
	ExtraInterfaces []NetworkOption `json:"extra_interfaces,omitempty"`
	Mounts          []store.Mount   `json:"mounts,omitempty"`
	SSHUsername     string          `json:"ssh_username"`
}

// InfoReply is the result of info.
type InfoReply struct {
	Instances []InstanceInfo `json:"info"`
}

// FindRequest is the argument of find.
type FindRequest struct {
	SearchString string `json:"search_string,omitempty"`
	RemoteName   string `json:"remote_name,omitempty"`
	Verbosity    int    `json:"verbosity,omitempty"`
}

// FindEntry is one image or workflow.
type FindEntry struct {
	// Remote is empty for the default remote and for workflows.
	Remote       string   `json:"remote_name,omitempty"`
	Aliases      []string `json:"aliases"`
	OS           string   `json:"os,omitempty"`
	Release      string   `json:"release,omitempty"`
	ReleaseTitle string   `json:"release_title"`
	Version      string   `json:"version,omitempty"`
}

// FindReply is the result of find.
type FindReply struct {
	Images    []FindEntry `json:"images_info"`
	Workflows []FindEntry `json:"workflows_info,omitempty"`
}

// SSHInfo tells a client how to reach one instance.
type SSHInfo struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	PrivateKey string `json:"priv_key_base64"`
}

// SSHInfoReply maps instance names to their SSH endpoints.
type SSHInfoReply struct {
	SSHInfo map[string]SSHInfo `json:"ssh_info"`
}

// MountTarget is an instance and a path inside it.
type MountTarget struct {
	InstanceName string `json:"instance_name"`
	TargetPath   string `json:"target_path,omitempty"`
}

// MountRequest is the argument of mount.
type MountRequest struct {
	SourcePath  string             `json:"source_path"`
	Targets     []MountTarget      `json:"target_paths"`
	UIDMappings []store.UIDMapping `json:"uid_mappings,omitempty"`
	GIDMappings []store.GIDMapping `json:"gid_mappings,omitempty"`
	Verbosity   int                `json:"verbosity,omitempty"`
}

// UmountRequest is the argument of umount.
type UmountRequest struct {
	Targets   []MountTarget `json:"target_paths"`
	Verbosity int           `json:"verbosity,omitempty"`
}

// VersionReply carries the daemon version.
type VersionReply struct {
	Version string `json:"version"`
}

// Empty is the reply of commands that return nothing.
type Empty struct{}
