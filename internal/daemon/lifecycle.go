package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/events"
	"github.com/javanstorm/vmd/internal/store"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// targets resolves the instances a batch command applies to. Without names
// it returns every record accepted by all, sorted. Unknown names fail the
// whole command before anything is touched.
func (d *Daemon) targets(op string, names []string, all func(*store.Record) bool) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(names) == 0 {
		var out []string
		for _, rec := range d.store.List() {
			if all == nil || all(rec) {
				out = append(out, rec.Name)
			}
		}
		return out, nil
	}

	var (
		out      []string
		failures []failure
		seen     = make(map[string]bool, len(names))
	)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if !d.store.Has(name) {
			failures = append(failures, failure{name, notFound(name)})
			continue
		}
		out = append(out, name)
	}
	if err := batchError(op, failures); err != nil {
		return nil, err
	}
	return out, nil
}

// lookup returns a copy of the record and the machine for name.
func (d *Daemon) lookup(name string) (*store.Record, hypervisor.Machine, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, err := d.store.Get(name)
	if err != nil {
		return nil, nil, notFound(name)
	}
	m, ok := d.machines[name]
	if !ok {
		return nil, nil, errorf(CodeInternal, "instance %q has no machine", name)
	}
	return rec, m, nil
}

// lookupLive is lookup that also rejects deleted instances.
func (d *Daemon) lookupLive(name string) (*store.Record, hypervisor.Machine, error) {
	rec, m, err := d.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	if rec.Deleted {
		return nil, nil, errorf(CodeFailedPrecondition, "instance %q is deleted", name)
	}
	return rec, m, nil
}

func notDeleted(r *store.Record) bool { return !r.Deleted }

// each runs fn for every name and folds the failures.
func (d *Daemon) each(op string, verbosity int, names []string, fn func(string) error) error {
	defer d.updateGauges()
	log := d.requestLog(op, verbosity)
	var failures []failure
	for _, name := range names {
		if err := fn(name); err != nil {
			log.WithField("instance", name).WithError(err).Debug("command failed")
			failures = append(failures, failure{name, toError(err)})
			continue
		}
		log.WithField("instance", name).Debug("command applied")
	}
	return batchError(op, failures)
}

// Start starts the named instances, or every instance that is not deleted.
func (d *Daemon) Start(ctx context.Context, req InstanceNames) (*Empty, error) {
	names, err := d.targets("start", req.InstanceNames, notDeleted)
	if err != nil {
		return nil, err
	}
	if err := d.each("start", req.Verbosity, names, func(name string) error { return d.startOne(ctx, name) }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) startOne(ctx context.Context, name string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	_, m, err := d.lookupLive(name)
	if err != nil {
		return err
	}
	if m.State() == hypervisor.StateRunning {
		return nil
	}
	if err := m.Start(ctx); err != nil && !errors.Is(err, hypervisor.ErrAlreadyRunning) {
		return fmt.Errorf("start: %w", err)
	}
	d.log.WithField("instance", name).Info("instance started")
	d.publish(events.Started, name, m.State())
	return nil
}

// Stop shuts the instances down now, schedules a delayed shutdown, or
// cancels pending ones.
func (d *Daemon) Stop(ctx context.Context, req StopRequest) (*Empty, error) {
	names, err := d.targets("stop", req.InstanceNames, notDeleted)
	if err != nil {
		return nil, err
	}

	var fn func(string) error
	switch {
	case req.Cancel:
		fn = func(name string) error {
			if d.cancelDelayed(name) {
				d.log.WithField("instance", name).Info("delayed shutdown cancelled")
			}
			return nil
		}
	case req.TimeMinutes > 0:
		delay := time.Duration(req.TimeMinutes) * d.opts.DelayUnit
		fn = func(name string) error { return d.scheduleStop(name, delay) }
	default:
		fn = func(name string) error { return d.stopOne(ctx, name) }
	}

	if err := d.each("stop", req.Verbosity, names, fn); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) stopOne(ctx context.Context, name string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	_, m, err := d.lookupLive(name)
	if err != nil {
		return err
	}
	d.cancelDelayed(name)
	if m.State() == hypervisor.StateOff {
		return nil
	}
	if err := m.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	d.log.WithField("instance", name).Info("instance stopped")
	d.publish(events.Stopped, name, m.State())
	return nil
}

// scheduleStop arranges for name to shut down after delay. Instances that
// are not running are left alone.
func (d *Daemon) scheduleStop(name string, delay time.Duration) error {
	_, m, err := d.lookupLive(name)
	if err != nil {
		return err
	}
	if m.State() != hypervisor.StateRunning {
		return nil
	}

	d.delayMu.Lock()
	defer d.delayMu.Unlock()

	if old, ok := d.delayed[name]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.delayMu.Lock()
		if d.delayed[name] != t {
			d.delayMu.Unlock()
			return
		}
		delete(d.delayed, name)
		d.delayMu.Unlock()

		if err := d.stopOne(context.Background(), name); err != nil {
			d.log.WithField("instance", name).WithError(err).Warn("delayed shutdown failed")
		}
		d.updateGauges()
	})
	d.delayed[name] = t

	d.log.WithField("instance", name).WithField("delay", delay).Info("shutdown scheduled")
	return nil
}

// cancelDelayed drops a pending shutdown and reports whether one existed.
func (d *Daemon) cancelDelayed(name string) bool {
	d.delayMu.Lock()
	defer d.delayMu.Unlock()
	t, ok := d.delayed[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(d.delayed, name)
	return true
}

// PendingShutdown reports whether a delayed shutdown is scheduled for name.
func (d *Daemon) PendingShutdown(name string) bool {
	d.delayMu.Lock()
	defer d.delayMu.Unlock()
	_, ok := d.delayed[name]
	return ok
}

// Restart shuts the instances down and starts them again.
func (d *Daemon) Restart(ctx context.Context, req InstanceNames) (*Empty, error) {
	names, err := d.targets("restart", req.InstanceNames, notDeleted)
	if err != nil {
		return nil, err
	}
	if err := d.each("restart", req.Verbosity, names, func(name string) error { return d.restartOne(ctx, name) }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) restartOne(ctx context.Context, name string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	_, m, err := d.lookupLive(name)
	if err != nil {
		return err
	}
	d.cancelDelayed(name)
	if m.State() != hypervisor.StateOff {
		if err := m.Shutdown(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
	}
	if err := m.Start(ctx); err != nil && !errors.Is(err, hypervisor.ErrAlreadyRunning) {
		return fmt.Errorf("restart: %w", err)
	}
	d.log.WithField("instance", name).Info("instance restarted")
	d.publish(events.Restarted, name, m.State())
	return nil
}

// Suspend pauses running instances. Without names only running instances
// are targeted.
func (d *Daemon) Suspend(ctx context.Context, req InstanceNames) (*Empty, error) {
	names, err := d.targets("suspend", req.InstanceNames, func(r *store.Record) bool {
		return !r.Deleted && d.stateOf(r) == hypervisor.StateRunning
	})
	if err != nil {
		return nil, err
	}
	if err := d.each("suspend", req.Verbosity, names, func(name string) error { return d.suspendOne(ctx, name) }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) suspendOne(ctx context.Context, name string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	_, m, err := d.lookupLive(name)
	if err != nil {
		return err
	}
	if m.State() != hypervisor.StateRunning {
		return errorf(CodeFailedPrecondition, "instance %q is not running", name)
	}
	if err := m.Suspend(ctx); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	d.log.WithField("instance", name).Info("instance suspended")
	d.publish(events.Suspended, name, m.State())
	return nil
}

// Recover clears the deleted flag of the named instances, or of every
// deleted instance.
func (d *Daemon) Recover(ctx context.Context, req InstanceNames) (*Empty, error) {
	names, err := d.targets("recover", req.InstanceNames, func(r *store.Record) bool { return r.Deleted })
	if err != nil {
		return nil, err
	}
	if err := d.each("recover", req.Verbosity, names, d.recoverOne); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) recoverOne(name string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	d.mu.Lock()
	rec, err := d.store.Get(name)
	if err != nil {
		d.mu.Unlock()
		return notFound(name)
	}
	if !rec.Deleted {
		d.mu.Unlock()
		return nil
	}
	err = d.store.Update(name, func(r *store.Record) { r.Deleted = false })
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.log.WithField("instance", name).Info("instance recovered")
	d.publish(events.Recovered, name, rec.State)
	return nil
}

// Delete shuts the instances down and marks them deleted, purging them
// when asked to.
func (d *Daemon) Delete(ctx context.Context, req DeleteRequest) (*Empty, error) {
	names, err := d.targets("delete", req.InstanceNames, nil)
	if err != nil {
		return nil, err
	}

	var deleted []string
	err = d.each("delete", req.Verbosity, names, func(name string) error {
		if err := d.deleteOne(ctx, name); err != nil {
			return err
		}
		deleted = append(deleted, name)
		return nil
	})
	if req.Purge && len(deleted) > 0 {
		if perr := d.purge(deleted, d.requestLog("delete", req.Verbosity)); perr != nil && err == nil {
			err = perr
		}
	}
	if err != nil {
		return nil, toError(err)
	}
	return &Empty{}, nil
}

func (d *Daemon) deleteOne(ctx context.Context, name string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	rec, m, err := d.lookup(name)
	if err != nil {
		return err
	}
	d.cancelDelayed(name)
	if rec.Deleted {
		return nil
	}
	if m.State() != hypervisor.StateOff {
		if err := m.Shutdown(ctx); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	}

	d.mu.Lock()
	err = d.store.MarkDeleted(name)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.log.WithField("instance", name).Info("instance deleted")
	d.publish(events.Deleted, name, hypervisor.StateDeleted)
	return nil
}

// Purge removes every deleted instance for good.
func (d *Daemon) Purge(ctx context.Context, req InstanceNames) (*Empty, error) {
	d.mu.RLock()
	var names []string
	for _, rec := range d.store.List() {
		if rec.Deleted {
			names = append(names, rec.Name)
		}
	}
	d.mu.RUnlock()

	err := d.purge(names, d.requestLog("purge", req.Verbosity))
	d.updateGauges()
	if err != nil {
		return nil, toError(err)
	}
	return &Empty{}, nil
}

// purge removes the deleted instances among names: backend resources,
// instance images, records and MAC claims. The state file is rewritten
// even when nothing was removed.
//
// Each instance lock is held from selection until the record is gone, so a
// concurrent recover either lands first and keeps the instance or waits
// and finds nothing.
func (d *Daemon) purge(names []string, log logrus.FieldLogger) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i, name := range sorted {
		if i > 0 && sorted[i-1] == name {
			continue
		}
		l := d.instanceLock(name)
		l.Lock()
		defer l.Unlock()
	}

	d.mu.Lock()
	var doomed []string
	for i, name := range sorted {
		if i > 0 && sorted[i-1] == name {
			continue
		}
		rec, err := d.store.Get(name)
		if err != nil || !rec.Deleted {
			continue
		}
		doomed = append(doomed, name)
		delete(d.machines, name)
	}
	d.mu.Unlock()

	for _, name := range doomed {
		d.discard(name, log.WithField("instance", name))
	}

	d.mu.Lock()
	released, err := d.store.Purge(doomed, d.macs)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	for _, name := range doomed {
		d.publish(events.Purged, name, hypervisor.StateDeleted)
	}
	log.WithField("instances", len(doomed)).WithField("macs_released", len(released)).Info("purged deleted instances")
	return nil
}
