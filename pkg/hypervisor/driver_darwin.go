//go:build darwin

package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
)

const dhcpLeasesFile = "/var/db/dhcpd_leases"

func platformDrivers() []string {
	return []string{"vz"}
}

func newPlatformBackend(driver, dataDir string) (Backend, error) {
	return &vzBackend{dataDir: filepath.Join(dataDir, "vz")}, nil
}

// vzBackend implements Backend using macOS Virtualization.framework.
type vzBackend struct {
	dataDir string
}

func (b *vzBackend) Info() Info {
	return Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
}

func (b *vzBackend) Capabilities() Capabilities {
	return Capabilities{
		SharedDirs: true,  // virtio-fs supported
		Networking: false, // bridged attachments not wired up
		Snapshots:  false, // Not yet implemented
	}
}

// Networks is not implemented: bridging needs the com.apple.vm.networking
// entitlement.
func (b *vzBackend) Networks() ([]NetworkInterfaceInfo, error) {
	return nil, ErrNotImplemented
}

func (b *vzBackend) instanceDir(name string) string {
	return filepath.Join(b.dataDir, name)
}

// PrepareSourceImage converts qcow2 images to raw, which is all vz can boot.
func (b *vzBackend) PrepareSourceImage(src Image) (Image, error) {
	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		// assume the image is already raw
		return src, nil
	}
	raw := strings.TrimSuffix(src.Path, filepath.Ext(src.Path)) + ".raw"
	out, err := exec.Command(qemuImg, "convert", "-O", "raw", src.Path, raw).CombinedOutput()
	if err != nil {
		return Image{}, fmt.Errorf("vzBackend: convert to raw: %w: %s", err, bytes.TrimSpace(out))
	}
	os.Remove(src.Path)

	prepared := src
	prepared.Path = raw
	return prepared, nil
}

func (b *vzBackend) PrepareInstanceImage(img Image, desc Description) error {
	// Grow the raw disk as a sparse file
	f, err := os.OpenFile(img.Path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("vzBackend: open disk: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("vzBackend: stat disk: %w", err)
	}
	if desc.DiskSpace > info.Size() {
		if err := f.Truncate(desc.DiskSpace); err != nil {
			return fmt.Errorf("vzBackend: resize disk: %w", err)
		}
	}

	dir := b.instanceDir(desc.Name)
	files, err := writeSeedFiles(dir, desc)
	if err != nil {
		return err
	}
	if _, err := makeSeedISO(dir, files); err != nil {
		return err
	}
	return nil
}

func (b *vzBackend) CreateMachine(desc Description, monitor Monitor) (Machine, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	dir := b.instanceDir(desc.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("vzBackend: create instance dir: %w", err)
	}
	return &vzMachine{
		desc:    desc,
		dir:     dir,
		monitor: monitor,
		state:   StateOff,
	}, nil
}

func (b *vzBackend) RemoveResourcesFor(name string) error {
	if err := os.RemoveAll(b.instanceDir(name)); err != nil {
		return fmt.Errorf("vzBackend: remove resources for %s: %w", name, err)
	}
	return nil
}

// vzMachine is one Virtualization.framework VM. The vz object is rebuilt on
// every cold start.
type vzMachine struct {
	mu      sync.Mutex
	desc    Description
	dir     string
	monitor Monitor
	vm      *vz.VirtualMachine
	state   State
}

func (m *vzMachine) Name() string {
	return m.desc.Name
}

func (m *vzMachine) setState(s State) {
	m.state = s
	if m.monitor != nil {
		m.monitor.PersistState(m.desc.Name, s)
	}
}

func (m *vzMachine) configuration() (*vz.VirtualMachineConfiguration, error) {
	d := m.desc

	storePath := filepath.Join(m.dir, "efi-vars")
	var opts []vz.NewEFIVariableStoreOption
	if _, err := os.Stat(storePath); os.IsNotExist(err) {
		opts = append(opts, vz.WithCreatingEFIVariableStore())
	}
	store, err := vz.NewEFIVariableStore(storePath, opts...)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: EFI variable store: %w", err)
	}
	bootLoader, err := vz.NewEFIBootLoader(vz.WithEFIVariableStore(store))
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(d.NumCores),
		uint64(d.MemSize),
	)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	// Console output goes to a log file in the instance directory
	consoleLog, err := os.OpenFile(filepath.Join(m.dir, "console.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: open console log: %w", err)
	}
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		consoleLog.Close()
		return nil, fmt.Errorf("vzBackend: open %s: %w", os.DevNull, err)
	}
	serialAttachment, err := vz.NewFileHandleSerialPortAttachment(devNull, consoleLog)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create serial attachment: %w", err)
	}
	serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(serialAttachment)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create serial config: %w", err)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration([]*vz.VirtioConsoleDeviceSerialPortConfiguration{
		serialCfg,
	})

	natAttachment, err := vz.NewNATNetworkDeviceAttachment()
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create NAT attachment: %w", err)
	}
	netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create network config: %w", err)
	}
	hwAddr, err := net.ParseMAC(d.DefaultMAC)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: parse MAC address: %w", err)
	}
	macAddr, err := vz.NewMACAddress(hwAddr)
	if err != nil {
		return nil, fmt.Errorf("vzBackend: create MAC address: %w", err)
	}
	netConfig.SetMACAddress(macAddr)
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration([]*vz.VirtioNetworkDeviceConfiguration{netConfig})

	var storage []vz.StorageDeviceConfiguration
	disks := []struct {
		path     string
		readOnly bool
	}{
		{d.Image.Path, false},
		{filepath.Join(m.dir, seedISOName), true},
	}
	for _, disk := range disks {
		if _, err := os.Stat(disk.path); err != nil {
			continue
		}
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(disk.path, disk.readOnly)
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create disk attachment: %w", err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return nil, fmt.Errorf("vzBackend: create block device: %w", err)
		}
		storage = append(storage, blockDevice)
	}
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(storage)

	if len(d.SharedDirs) > 0 {
		var fsDevices []vz.DirectorySharingDeviceConfiguration
		for _, share := range d.SharedDirs {
			sharedDir, err := vz.NewSharedDirectory(share.HostPath, share.ReadOnly)
			if err != nil {
				return nil, fmt.Errorf("vzBackend: create shared dir %s: %w", share.Tag, err)
			}
			dirShare, err := vz.NewSingleDirectoryShare(sharedDir)
			if err != nil {
				return nil, fmt.Errorf("vzBackend: create dir share %s: %w", share.Tag, err)
			}
			fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(share.Tag)
			if err != nil {
				return nil, fmt.Errorf("vzBackend: create fs config %s: %w", share.Tag, err)
			}
			fsConfig.SetDirectoryShare(dirShare)
			fsDevices = append(fsDevices, fsConfig)
		}
		vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(fsDevices)
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return nil, fmt.Errorf("vzBackend: invalid configuration: %w", err)
	}
	return vmCfg, nil
}

func (m *vzMachine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning, StateStarting:
		return ErrAlreadyRunning
	case StateSuspended:
		if err := m.vm.Resume(); err != nil {
			return fmt.Errorf("vzBackend: resume VM: %w", err)
		}
		m.setState(StateRunning)
		return nil
	}

	vmCfg, err := m.configuration()
	if err != nil {
		return err
	}
	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return fmt.Errorf("vzBackend: create VM: %w", err)
	}

	m.setState(StateStarting)
	if err := vm.Start(); err != nil {
		m.setState(StateOff)
		return fmt.Errorf("vzBackend: start VM: %w", err)
	}
	m.vm = vm
	m.setState(StateRunning)

	// Monitor VM state in background
	go func() {
		for state := range vm.StateChangedNotify() {
			if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
				m.mu.Lock()
				if m.vm == vm {
					m.setState(StateOff)
				}
				m.mu.Unlock()
				return
			}
		}
	}()

	return nil
}

func (m *vzMachine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	vm := m.vm
	if vm == nil || m.state == StateOff {
		m.mu.Unlock()
		return nil
	}
	m.setState(StateStopping)
	m.mu.Unlock()

	if vm.CanRequestStop() {
		if _, err := vm.RequestStop(); err != nil {
			return fmt.Errorf("vzBackend: request stop failed: %w", err)
		}
	}

	deadline := time.NewTimer(2 * time.Minute)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		if vm.State() == vz.VirtualMachineStateStopped {
			break
		}
		select {
		case <-tick.C:
			continue
		case <-ctx.Done():
		case <-deadline.C:
		}
		if vm.CanStop() {
			if err := vm.Stop(); err != nil {
				return fmt.Errorf("vzBackend: force stop: %w", err)
			}
		}
		break
	}

	m.mu.Lock()
	m.setState(StateOff)
	m.mu.Unlock()
	return nil
}

func (m *vzMachine) Suspend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning || m.vm == nil {
		return ErrNotRunning
	}
	m.setState(StateSuspending)
	if err := m.vm.Pause(); err != nil {
		m.setState(StateRunning)
		return fmt.Errorf("vzBackend: pause VM: %w", err)
	}
	m.setState(StateSuspended)
	return nil
}

func (m *vzMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *vzMachine) SSHHostname(ctx context.Context) (string, error) {
	if m.State() != StateRunning {
		return "", ErrNotRunning
	}
	ip := m.IPv4()
	if ip == "" {
		return "", fmt.Errorf("vzBackend: no DHCP lease for %s yet", m.desc.Name)
	}
	return ip, nil
}

func (m *vzMachine) SSHPort() int {
	return 22
}

func (m *vzMachine) IPv4() string {
	f, err := os.Open(dhcpLeasesFile)
	if err != nil {
		return ""
	}
	defer f.Close()
	return leaseIPFor(bufio.NewScanner(f), m.desc.DefaultMAC)
}
