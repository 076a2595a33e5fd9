package hypervisor

// Image is a disk image on the host, either a cached source image or an
// instance's own copy of one.
type Image struct {
	// Path is the disk image file.
	Path string `json:"path"`

	// KernelPath and InitrdPath are set for images that boot directly.
	KernelPath string `json:"kernel_path,omitempty"`
	InitrdPath string `json:"initrd_path,omitempty"`

	// ID is the image hash, when known.
	ID string `json:"id"`

	OriginalRelease string   `json:"original_release"`
	CurrentRelease  string   `json:"current_release"`
	ReleaseDate     string   `json:"release_date"`
	Aliases         []string `json:"aliases,omitempty"`
}

// SharedDir is a host directory exposed inside the guest.
type SharedDir struct {
	// Tag is the mount tag the guest uses ("mount -t virtiofs <tag> <mountpoint>").
	Tag      string
	HostPath string
	ReadOnly bool
}

// Description holds everything a backend needs to materialize one instance.
type Description struct {
	// Name is the instance name.
	Name string

	// NumCores is the number of virtual CPUs.
	NumCores int

	// MemSize is the amount of memory in bytes.
	MemSize int64

	// DiskSpace is the instance disk size in bytes.
	DiskSpace int64

	// DefaultMAC is the MAC of the NAT interface every instance gets.
	DefaultMAC string

	// ExtraInterfaces are bridged attachments, in request order.
	ExtraInterfaces []NetworkInterface

	// SSHUsername is the account cloud-init provisions the daemon key for.
	SSHUsername string

	// Image is the instance's copy of the source image.
	Image Image

	// SharedDirs are host directories exposed via virtio-fs, where supported.
	SharedDirs []SharedDir

	// Cloud-init trees. NetworkData is nil when no attachment needs configuring.
	MetaData    map[string]interface{}
	VendorData  map[string]interface{}
	UserData    map[string]interface{}
	NetworkData map[string]interface{}
}

// Validate performs basic validation of the description.
func (d *Description) Validate() error {
	if d.Name == "" {
		return ErrMissingName
	}
	if d.NumCores < 1 {
		return ErrInvalidCPUCount
	}
	if d.MemSize < 128*1024*1024 {
		return ErrInsufficientMemory
	}
	if d.Image.Path == "" {
		return ErrMissingImage
	}
	if d.DefaultMAC == "" {
		return ErrMissingMAC
	}
	return nil
}
