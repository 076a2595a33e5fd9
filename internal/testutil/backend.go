// Package testutil provides fakes and fixtures shared by vmd tests.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// FakeBackend is a programmable hypervisor.Backend. Hooks left nil succeed.
type FakeBackend struct {
	mu sync.Mutex

	InfoValue     hypervisor.Info
	Caps          hypervisor.Capabilities
	NetworkList   []hypervisor.NetworkInterfaceInfo
	NetworksError error

	OnPrepareSource   func(hypervisor.Image) (hypervisor.Image, error)
	OnPrepareInstance func(hypervisor.Image, hypervisor.Description) error
	OnCreate          func(hypervisor.Description) error
	OnRemove          func(name string)

	// MachineSetup runs on every machine CreateMachine returns.
	MachineSetup func(*FakeMachine)

	SourcesPrepared   []hypervisor.Image
	InstancesPrepared []hypervisor.Description
	Created           []hypervisor.Description
	Removed           []string
	Machines          map[string]*FakeMachine
	NetworkCalls      int
}

// NewFakeBackend returns a backend reporting "mock-1234" with eth0 and
// wlan0 available for bridging.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		InfoValue: hypervisor.Info{Name: "mock", Version: "1234", Arch: "amd64"},
		Caps:      hypervisor.Capabilities{SharedDirs: true, Networking: true},
		NetworkList: []hypervisor.NetworkInterfaceInfo{
			{ID: "eth0", Type: "ethernet", Description: "Ethernet device"},
			{ID: "wlan0", Type: "wifi", Description: "Wi-Fi device"},
		},
		Machines: make(map[string]*FakeMachine),
	}
}

func (b *FakeBackend) Info() hypervisor.Info { return b.InfoValue }

func (b *FakeBackend) Capabilities() hypervisor.Capabilities { return b.Caps }

func (b *FakeBackend) Networks() ([]hypervisor.NetworkInterfaceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NetworkCalls++
	if b.NetworksError != nil {
		return nil, b.NetworksError
	}
	return append([]hypervisor.NetworkInterfaceInfo(nil), b.NetworkList...), nil
}

func (b *FakeBackend) PrepareSourceImage(src hypervisor.Image) (hypervisor.Image, error) {
	b.mu.Lock()
	b.SourcesPrepared = append(b.SourcesPrepared, src)
	hook := b.OnPrepareSource
	b.mu.Unlock()
	if hook != nil {
		return hook(src)
	}
	return src, nil
}

func (b *FakeBackend) PrepareInstanceImage(img hypervisor.Image, desc hypervisor.Description) error {
	b.mu.Lock()
	b.InstancesPrepared = append(b.InstancesPrepared, desc)
	hook := b.OnPrepareInstance
	b.mu.Unlock()
	if hook != nil {
		return hook(img, desc)
	}
	return nil
}

func (b *FakeBackend) CreateMachine(desc hypervisor.Description, monitor hypervisor.Monitor) (hypervisor.Machine, error) {
	b.mu.Lock()
	b.Created = append(b.Created, desc)
	hook := b.OnCreate
	b.mu.Unlock()
	if hook != nil {
		if err := hook(desc); err != nil {
			return nil, err
		}
	}

	m := NewFakeMachine(desc.Name, monitor)
	b.mu.Lock()
	b.Machines[desc.Name] = m
	setup := b.MachineSetup
	b.mu.Unlock()
	if setup != nil {
		setup(m)
	}
	return m, nil
}

func (b *FakeBackend) RemoveResourcesFor(name string) error {
	b.mu.Lock()
	hook := b.OnRemove
	b.mu.Unlock()
	if hook != nil {
		hook(name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.Removed = append(b.Removed, name)
	delete(b.Machines, name)
	return nil
}

// Machine returns the machine created for name, or nil.
func (b *FakeBackend) Machine(name string) *FakeMachine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Machines[name]
}

// CreatedNames returns the names passed to CreateMachine, in order.
func (b *FakeBackend) CreatedNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.Created))
	for i, d := range b.Created {
		names[i] = d.Name
	}
	return names
}

// LastPrepared returns the last description passed to PrepareInstanceImage.
func (b *FakeBackend) LastPrepared() (hypervisor.Description, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.InstancesPrepared) == 0 {
		return hypervisor.Description{}, false
	}
	return b.InstancesPrepared[len(b.InstancesPrepared)-1], true
}

// FakeMachine is a hypervisor.Machine whose transitions are instant.
type FakeMachine struct {
	mu      sync.Mutex
	name    string
	monitor hypervisor.Monitor
	state   hypervisor.State

	StartError    error
	ShutdownError error
	SuspendError  error
	Address       string
	Host          string
	Port          int

	Starts    int
	Shutdowns int
	Suspends  int
}

// NewFakeMachine returns a stopped machine.
func NewFakeMachine(name string, monitor hypervisor.Monitor) *FakeMachine {
	return &FakeMachine{
		name:    name,
		monitor: monitor,
		state:   hypervisor.StateOff,
		Address: "192.168.2.123",
		Host:    "127.0.0.1",
		Port:    22,
	}
}

func (m *FakeMachine) setState(s hypervisor.State) {
	m.state = s
	if m.monitor != nil {
		m.monitor.PersistState(m.name, s)
	}
}

func (m *FakeMachine) Name() string { return m.name }

func (m *FakeMachine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Starts++
	if m.StartError != nil {
		return m.StartError
	}
	if m.state == hypervisor.StateRunning {
		return hypervisor.ErrAlreadyRunning
	}
	m.setState(hypervisor.StateRunning)
	return nil
}

func (m *FakeMachine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Shutdowns++
	if m.ShutdownError != nil {
		return m.ShutdownError
	}
	m.setState(hypervisor.StateOff)
	return nil
}

func (m *FakeMachine) Suspend(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Suspends++
	if m.SuspendError != nil {
		return m.SuspendError
	}
	if m.state != hypervisor.StateRunning {
		return hypervisor.ErrNotRunning
	}
	m.setState(hypervisor.StateSuspended)
	return nil
}

func (m *FakeMachine) State() hypervisor.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState forces a state without notifying the monitor.
func (m *FakeMachine) SetState(s hypervisor.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *FakeMachine) SSHHostname(ctx context.Context) (string, error) {
	if m.State() != hypervisor.StateRunning {
		return "", hypervisor.ErrNotRunning
	}
	return m.Host, nil
}

func (m *FakeMachine) SSHPort() int { return m.Port }

func (m *FakeMachine) IPv4() string {
	if m.State() != hypervisor.StateRunning {
		return ""
	}
	return m.Address
}

// Counts returns the number of start, shutdown and suspend calls.
func (m *FakeMachine) Counts() (starts, shutdowns, suspends int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Starts, m.Shutdowns, m.Suspends
}

// ErrFake is a generic injected failure.
var ErrFake = errors.New("injected failure")
