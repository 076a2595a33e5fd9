// Package daemon is the orchestration core: it owns the instance table and
// the MAC claim set, runs the creation pipeline and dispatches commands.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/events"
	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/metrics"
	"github.com/javanstorm/vmd/internal/names"
	"github.com/javanstorm/vmd/internal/network"
	"github.com/javanstorm/vmd/internal/platform"
	"github.com/javanstorm/vmd/internal/store"
	"github.com/javanstorm/vmd/internal/version"
	"github.com/javanstorm/vmd/internal/workflow"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// DefaultSSHUsername is provisioned when Options.SSHUsername is empty.
const DefaultSSHUsername = "ubuntu"

// KeyProvider supplies the daemon's SSH key pair. *sshkey.Manager satisfies it.
type KeyProvider interface {
	PublicKey() (string, error)
	PrivateKey() (string, error)
}

// Options holds the daemon's collaborators.
type Options struct {
	// DataDir holds the state file and instance images.
	DataDir string

	// SSHUsername is recorded for new instances.
	SSHUsername string

	Backend   hypervisor.Backend
	Vault     image.Vault
	Workflows workflow.Provider
	Keys      KeyProvider

	// Names generates instance names; defaults to a random generator.
	Names names.Generator

	// Events defaults to a no-op publisher.
	Events events.Publisher

	// Metrics may be nil.
	Metrics *metrics.Metrics

	Log logrus.FieldLogger

	// FreeDiskSpace defaults to platform.FreeDiskSpace.
	FreeDiskSpace func(path string) (int64, error)

	// HostRelease defaults to platform.HostRelease().
	HostRelease platform.Release

	// Version defaults to version.Version.
	Version string

	// DelayUnit is the unit of stop --time; defaults to a minute.
	DelayUnit time.Duration
}

// Daemon serves the vmd commands.
type Daemon struct {
	opts Options
	log  logrus.FieldLogger

	// mu guards the store contents, the claim set, machines and inFlight
	// as one unit.
	mu        sync.RWMutex
	store     *store.Store
	macs      *network.MACAllocator
	validator *network.Validator
	machines  map[string]hypervisor.Machine
	inFlight  map[string]struct{}

	// per-instance lifecycle locks, *sync.Mutex by name
	locks sync.Map

	delayMu sync.Mutex
	delayed map[string]*time.Timer
}

// New loads the persisted instances and recreates a machine handle for
// each. Instances the backend cannot recreate are dropped from memory and
// their MACs released; the state file is left untouched.
func New(opts Options) (*Daemon, error) {
	if opts.Backend == nil {
		return nil, errors.New("daemon: no backend")
	}
	if opts.Vault == nil {
		return nil, errors.New("daemon: no image vault")
	}
	if opts.Keys == nil {
		return nil, errors.New("daemon: no SSH key provider")
	}
	if opts.Workflows == nil {
		opts.Workflows = noWorkflows{}
	}
	if opts.Names == nil {
		opts.Names = names.NewRandom()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.FreeDiskSpace == nil {
		opts.FreeDiskSpace = platform.FreeDiskSpace
	}
	if opts.HostRelease == (platform.Release{}) {
		opts.HostRelease = platform.HostRelease()
	}
	if opts.Version == "" {
		opts.Version = version.Version
	}
	if opts.DelayUnit <= 0 {
		opts.DelayUnit = time.Minute
	}
	if opts.SSHUsername == "" {
		opts.SSHUsername = DefaultSSHUsername
	}

	log := opts.Log.WithField("component", "daemon")
	macs := network.NewMACAllocator()
	d := &Daemon{
		opts:      opts,
		log:       log,
		store:     store.New(opts.DataDir, opts.Log),
		macs:      macs,
		validator: network.NewValidator(opts.Backend, macs),
		machines:  make(map[string]hypervisor.Machine),
		inFlight:  make(map[string]struct{}),
		delayed:   make(map[string]*time.Timer),
	}

	records, err := d.store.Load(macs)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	for _, rec := range records {
		m, err := d.materialize(rec)
		if err != nil {
			log.WithField("instance", rec.Name).WithError(err).Warn("removing instance that could not be recreated")
			d.store.Drop(rec.Name)
			macs.Release(rec.MACs()...)
			continue
		}
		d.machines[rec.Name] = m
	}

	log.WithField("instances", len(d.machines)).Info("instances loaded")
	d.updateGauges()
	return d, nil
}

// materialize builds a machine handle for a persisted record.
func (d *Daemon) materialize(rec *store.Record) (hypervisor.Machine, error) {
	img, err := d.opts.Vault.InstanceImage(rec.Name)
	if err != nil {
		return nil, err
	}
	return d.opts.Backend.CreateMachine(d.describe(rec, img), d.monitor())
}

// describe maps a record onto a backend description. Cloud-init trees are
// only needed at creation and are left empty here.
func (d *Daemon) describe(rec *store.Record, img hypervisor.Image) hypervisor.Description {
	desc := hypervisor.Description{
		Name:            rec.Name,
		NumCores:        rec.NumCores,
		MemSize:         rec.MemSize.Bytes(),
		DiskSpace:       rec.DiskSpace.Bytes(),
		DefaultMAC:      rec.MACAddr,
		ExtraInterfaces: append([]hypervisor.NetworkInterface(nil), rec.ExtraInterfaces...),
		SSHUsername:     rec.SSHUsername,
		Image:           img,
	}
	for i, m := range rec.Mounts {
		desc.SharedDirs = append(desc.SharedDirs, hypervisor.SharedDir{
			Tag:      fmt.Sprintf("mount%d", i),
			HostPath: m.SourcePath,
		})
	}
	return desc
}

// monitor persists backend-observed state changes. It must not take d.mu:
// backends may report while a command holds it.
func (d *Daemon) monitor() hypervisor.Monitor {
	return hypervisor.MonitorFunc(func(name string, state hypervisor.State) {
		err := d.store.Update(name, func(r *store.Record) { r.State = state })
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.WithField("instance", name).WithError(err).Warn("failed to persist instance state")
		}
	})
}

// Resume starts the instances that were running when the daemon last stopped.
func (d *Daemon) Resume(ctx context.Context) {
	for _, rec := range d.store.List() {
		if rec.Deleted {
			continue
		}
		switch rec.State {
		case hypervisor.StateRunning, hypervisor.StateStarting, hypervisor.StateRestarting:
		default:
			continue
		}
		m, ok := d.machine(rec.Name)
		if !ok {
			continue
		}
		log := d.log.WithField("instance", rec.Name)
		if err := m.Start(ctx); err != nil && !errors.Is(err, hypervisor.ErrAlreadyRunning) {
			log.WithError(err).Warn("failed to resume instance")
			continue
		}
		log.Info("instance resumed")
	}
	d.updateGauges()
}

// Close cancels pending delayed shutdowns.
func (d *Daemon) Close() {
	d.delayMu.Lock()
	defer d.delayMu.Unlock()
	for name, t := range d.delayed {
		t.Stop()
		delete(d.delayed, name)
	}
}

// StatePath returns the state file path.
func (d *Daemon) StatePath() string {
	return d.store.Path()
}

func (d *Daemon) machine(name string) (hypervisor.Machine, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.machines[name]
	return m, ok
}

func (d *Daemon) instanceLock(name string) *sync.Mutex {
	l, _ := d.locks.LoadOrStore(name, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// stateOf reports a record's live state. Callers hold d.mu.
func (d *Daemon) stateOf(rec *store.Record) hypervisor.State {
	if rec.Deleted {
		return hypervisor.StateDeleted
	}
	if m, ok := d.machines[rec.Name]; ok {
		return m.State()
	}
	return rec.State
}

// requestLog returns the logger for one command. A positive verbosity
// lowers the threshold to debug for that command, and to trace from 2 up.
func (d *Daemon) requestLog(op string, verbosity int) logrus.FieldLogger {
	entry := d.log.WithField("op", op)
	if verbosity <= 0 {
		return entry
	}
	level := logrus.DebugLevel
	if verbosity > 1 {
		level = logrus.TraceLevel
	}
	if entry.Logger.IsLevelEnabled(level) {
		return entry
	}
	base := entry.Logger
	l := &logrus.Logger{
		Out:          base.Out,
		Formatter:    base.Formatter,
		Hooks:        base.Hooks,
		ReportCaller: base.ReportCaller,
		ExitFunc:     base.ExitFunc,
		Level:        level,
	}
	return l.WithFields(entry.Data)
}

func (d *Daemon) publish(eventType, name string, state hypervisor.State) {
	e := events.Event{Type: eventType, Instance: name, State: state.String(), Time: time.Now().UTC()}
	if err := d.opts.Events.Publish(context.Background(), e); err != nil {
		d.log.WithField("instance", name).WithError(err).Debug("failed to publish event")
	}
}

func (d *Daemon) updateGauges() {
	if d.opts.Metrics == nil {
		return
	}
	d.mu.RLock()
	byState := make(map[string]int)
	for _, rec := range d.store.List() {
		byState[d.stateOf(rec).String()]++
	}
	d.mu.RUnlock()
	d.opts.Metrics.SetInstances(byState)
	d.opts.Metrics.SetMACsClaimed(d.macs.Len())
}

// noWorkflows is used when no workflow provider is configured.
type noWorkflows struct{}

func (noWorkflows) FetchWorkflowFor(_ context.Context, name string, _ *workflow.Request) (image.Query, error) {
	return image.Query{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, name)
}

func (noWorkflows) InfoFor(_ context.Context, name string) (image.Info, error) {
	return image.Info{}, fmt.Errorf("%w: %s", workflow.ErrWorkflowNotFound, name)
}

func (noWorkflows) AllWorkflows(context.Context) ([]image.Info, error) {
	return nil, nil
}
