//go:build linux

package hypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const aarch64Firmware = "/usr/share/qemu-efi-aarch64/QEMU_EFI.fd"

func platformDrivers() []string {
	return []string{"qemu"}
}

func newPlatformBackend(driver, dataDir string) (Backend, error) {
	return newQemuBackend(dataDir)
}

// qemuBackend implements Backend by spawning qemu-system processes.
type qemuBackend struct {
	dataDir    string
	netDir     string
	qemuImg    string
	qemuSystem string
	version    string
}

func newQemuBackend(dataDir string) (*qemuBackend, error) {
	qemuImg, err := exec.LookPath("qemu-img")
	if err != nil {
		return nil, fmt.Errorf("qemu: qemu-img not found in PATH: %w", err)
	}
	system := "qemu-system-" + qemuArch()
	qemuSystem, err := exec.LookPath(system)
	if err != nil {
		return nil, fmt.Errorf("qemu: %s not found in PATH: %w", system, err)
	}

	b := &qemuBackend{
		dataDir:    filepath.Join(dataDir, "qemu"),
		netDir:     SysClassNet,
		qemuImg:    qemuImg,
		qemuSystem: qemuSystem,
		version:    "unknown",
	}
	if out, err := exec.Command(qemuSystem, "--version").Output(); err == nil {
		b.version = parseQemuVersion(string(out))
	}
	return b, nil
}

// parseQemuVersion extracts "8.2.2" from "QEMU emulator version 8.2.2 (Debian ...)".
func parseQemuVersion(out string) string {
	const marker = "version "
	line := strings.SplitN(out, "\n", 2)[0]
	i := strings.Index(line, marker)
	if i < 0 {
		return "unknown"
	}
	fields := strings.Fields(line[i+len(marker):])
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}

func qemuArch() string {
	if runtime.GOARCH == "arm64" {
		return "aarch64"
	}
	return "x86_64"
}

func (b *qemuBackend) Info() Info {
	return Info{
		Name:    "qemu",
		Version: b.version,
		Arch:    runtime.GOARCH,
	}
}

func (b *qemuBackend) Capabilities() Capabilities {
	return Capabilities{
		SharedDirs: false, // mounts need sshfs, not provided by this backend
		Networking: true,  // bridged -nic per extra interface
		Snapshots:  false,
	}
}

func (b *qemuBackend) Networks() ([]NetworkInterfaceInfo, error) {
	return InterfacesFrom(b.netDir)
}

func (b *qemuBackend) instanceDir(name string) string {
	return filepath.Join(b.dataDir, name)
}

type qemuImageInfo struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
}

func (b *qemuBackend) imageInfo(path string) (qemuImageInfo, error) {
	var info qemuImageInfo
	out, err := exec.Command(b.qemuImg, "info", "--output=json", path).Output()
	if err != nil {
		return info, fmt.Errorf("qemu-img info %s: %w", path, err)
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return info, fmt.Errorf("decode qemu-img info: %w", err)
	}
	return info, nil
}

func (b *qemuBackend) PrepareSourceImage(src Image) (Image, error) {
	info, err := b.imageInfo(src.Path)
	if err != nil {
		return Image{}, err
	}
	if info.Format == "qcow2" {
		return src, nil
	}

	converted := strings.TrimSuffix(src.Path, filepath.Ext(src.Path)) + ".qcow2"
	out, err := exec.Command(b.qemuImg, "convert", "-O", "qcow2", src.Path, converted).CombinedOutput()
	if err != nil {
		return Image{}, fmt.Errorf("qemu-img convert: %w: %s", err, bytes.TrimSpace(out))
	}
	os.Remove(src.Path)

	prepared := src
	prepared.Path = converted
	return prepared, nil
}

func (b *qemuBackend) PrepareInstanceImage(img Image, desc Description) error {
	info, err := b.imageInfo(img.Path)
	if err != nil {
		return err
	}
	if desc.DiskSpace > info.VirtualSize {
		out, err := exec.Command(b.qemuImg, "resize", img.Path, strconv.FormatInt(desc.DiskSpace, 10)).CombinedOutput()
		if err != nil {
			return fmt.Errorf("qemu-img resize: %w: %s", err, bytes.TrimSpace(out))
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

func (b *qemuBackend) CreateMachine(desc Description, monitor Monitor) (Machine, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(desc.Image.Path); err != nil {
		return nil, fmt.Errorf("qemu: instance image: %w", err)
	}
	dir := b.instanceDir(desc.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("qemu: create instance dir: %w", err)
	}
	return &qemuMachine{
		backend: b,
		desc:    desc,
		dir:     dir,
		monitor: monitor,
		state:   StateOff,
	}, nil
}

func (b *qemuBackend) RemoveResourcesFor(name string) error {
	if err := os.RemoveAll(b.instanceDir(name)); err != nil {
		return fmt.Errorf("qemu: remove resources for %s: %w", name, err)
	}
	return nil
}

// qemuMachine is one qemu-system process.
type qemuMachine struct {
	mu      sync.Mutex
	backend *qemuBackend
	desc    Description
	dir     string
	monitor Monitor
	cmd     *exec.Cmd
	state   State
	sshPort int
	exited  chan struct{}
}

func (m *qemuMachine) Name() string {
	return m.desc.Name
}

func (m *qemuMachine) qmpSocket() string {
	return filepath.Join(m.dir, "qmp.sock")
}

func (m *qemuMachine) setState(s State) {
	m.state = s
	if m.monitor != nil {
		m.monitor.PersistState(m.desc.Name, s)
	}
}

func (m *qemuMachine) args(sshPort int) []string {
	d := m.desc
	args := []string{
		"-name", d.Name,
		"-smp", strconv.Itoa(d.NumCores),
		"-m", fmt.Sprintf("%dM", d.MemSize/(1024*1024)),
		"-cpu", "max",
		"-display", "none",
		"-serial", "file:" + filepath.Join(m.dir, "console.log"),
		"-qmp", "unix:" + m.qmpSocket() + ",server=on,wait=off",
		"-drive", "file=" + d.Image.Path + ",if=virtio,format=qcow2,discard=unmap",
	}
	if qemuArch() == "aarch64" {
		args = append(args, "-machine", "virt,accel=kvm:tcg", "-bios", aarch64Firmware)
	} else {
		args = append(args, "-machine", "accel=kvm:tcg")
	}

	seed := filepath.Join(m.dir, seedISOName)
	if _, err := os.Stat(seed); err == nil {
		args = append(args, "-drive", "file="+seed+",if=virtio,format=raw,readonly=on")
	}

	args = append(args, "-nic", fmt.Sprintf("user,model=virtio-net-pci,mac=%s,hostfwd=tcp:127.0.0.1:%d-:22", d.DefaultMAC, sshPort))
	for _, iface := range d.ExtraInterfaces {
		args = append(args, "-nic", fmt.Sprintf("bridge,br=%s,model=virtio-net-pci,mac=%s", iface.ID, iface.MACAddress))
	}
	return args
}

func (m *qemuMachine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning, StateStarting:
		return ErrAlreadyRunning
	case StateSuspended:
		if err := qmpCommand(ctx, m.qmpSocket(), "cont"); err != nil {
			return fmt.Errorf("qemu: resume %s: %w", m.desc.Name, err)
		}
		m.setState(StateRunning)
		return nil
	}

	port, err := freeLocalPort()
	if err != nil {
		return fmt.Errorf("qemu: pick ssh port: %w", err)
	}

	cmd := exec.Command(m.backend.qemuSystem, m.args(port)...)
	logFile, err := os.OpenFile(filepath.Join(m.dir, "qemu.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("qemu: open log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	m.setState(StateStarting)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		m.setState(StateOff)
		return fmt.Errorf("qemu: start %s: %w", m.desc.Name, err)
	}

	m.cmd = cmd
	m.sshPort = port
	m.exited = make(chan struct{})
	exited := m.exited

	go func() {
		cmd.Wait()
		logFile.Close()
		m.mu.Lock()
		if m.cmd == cmd {
			m.cmd = nil
			m.setState(StateOff)
		}
		m.mu.Unlock()
		close(exited)
	}()

	m.setState(StateRunning)
	return nil
}

func (m *qemuMachine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.cmd == nil {
		m.mu.Unlock()
		return nil
	}
	cmd, exited := m.cmd, m.exited
	m.setState(StateStopping)
	m.mu.Unlock()

	if err := qmpCommand(ctx, m.qmpSocket(), "system_powerdown"); err != nil {
		cmd.Process.Kill()
	}

	timeout := time.NewTimer(2 * time.Minute)
	defer timeout.Stop()
	select {
	case <-exited:
		return nil
	case <-timeout.C:
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("qemu: kill %s: %w", m.desc.Name, err)
	}
	<-exited
	return nil
}

func (m *qemuMachine) Suspend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return ErrNotRunning
	}
	m.setState(StateSuspending)
	if err := qmpCommand(ctx, m.qmpSocket(), "stop"); err != nil {
		m.setState(StateRunning)
		return fmt.Errorf("qemu: suspend %s: %w", m.desc.Name, err)
	}
	m.setState(StateSuspended)
	return nil
}

func (m *qemuMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *qemuMachine) SSHHostname(ctx context.Context) (string, error) {
	if m.State() != StateRunning {
		return "", ErrNotRunning
	}
	return "127.0.0.1", nil
}

func (m *qemuMachine) SSHPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sshPort
}

// IPv4 is unknown for user-mode networking; the guest is reached through
// the SSH port forward.
func (m *qemuMachine) IPv4() string {
	return ""
}

func freeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
