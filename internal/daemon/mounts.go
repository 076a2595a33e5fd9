package daemon

import (
	"context"
	"os"
	"path/filepath"

	"github.com/javanstorm/vmd/internal/store"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// Mount shares a host directory into instances. Mounts are recorded and
// reach the backend the next time the machine handle is built, which
// happens right away for stopped instances.
func (d *Daemon) Mount(ctx context.Context, req MountRequest) (*Empty, error) {
	if req.SourcePath == "" {
		return nil, errorf(CodeInvalidArgument, "source path is required")
	}
	if len(req.Targets) == 0 {
		return nil, errorf(CodeInvalidArgument, "at least one mount target is required")
	}

	source, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return nil, errorf(CodeInvalidArgument, "invalid source path %q: %v", req.SourcePath, err)
	}
	fi, err := os.Stat(source)
	if err != nil {
		return nil, errorf(CodeInvalidArgument, "source path %q does not exist", source)
	}
	if !fi.IsDir() {
		return nil, errorf(CodeInvalidArgument, "source path %q is not a directory", source)
	}

	log := d.requestLog("mount", req.Verbosity).WithField("source", source)
	var failures []failure
	for _, t := range req.Targets {
		target := t.TargetPath
		if target == "" {
			target = source
		}
		m := store.Mount{
			SourcePath:  source,
			TargetPath:  target,
			UIDMappings: req.UIDMappings,
			GIDMappings: req.GIDMappings,
		}
		if err := d.addMount(t.InstanceName, m); err != nil {
			log.WithField("instance", t.InstanceName).WithError(err).Debug("mount rejected")
			failures = append(failures, failure{t.InstanceName, toError(err)})
		}
	}
	if err := batchError("mount", failures); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) addMount(name string, m store.Mount) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	d.mu.Lock()
	rec, err := d.store.Get(name)
	if err != nil {
		d.mu.Unlock()
		return notFound(name)
	}
	if rec.Deleted {
		d.mu.Unlock()
		return errorf(CodeFailedPrecondition, "instance %q is deleted", name)
	}
	for _, existing := range rec.Mounts {
		if existing.TargetPath == m.TargetPath {
			d.mu.Unlock()
			return errorf(CodeInvalidArgument, "%q is already mounted in %q", m.TargetPath, name)
		}
	}
	err = d.store.Update(name, func(r *store.Record) { r.Mounts = append(r.Mounts, m) })
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.log.WithField("instance", name).WithField("source", m.SourcePath).WithField("target", m.TargetPath).Info("mount added")
	d.refreshMachine(name)
	return nil
}

// Umount removes mounts. A target without a path removes every mount of
// its instance.
func (d *Daemon) Umount(ctx context.Context, req UmountRequest) (*Empty, error) {
	if len(req.Targets) == 0 {
		return nil, errorf(CodeInvalidArgument, "at least one mount target is required")
	}

	log := d.requestLog("umount", req.Verbosity)
	var failures []failure
	for _, t := range req.Targets {
		if err := d.removeMount(t.InstanceName, t.TargetPath); err != nil {
			log.WithField("instance", t.InstanceName).WithError(err).Debug("umount rejected")
			failures = append(failures, failure{t.InstanceName, toError(err)})
		}
	}
	if err := batchError("umount", failures); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (d *Daemon) removeMount(name, target string) error {
	l := d.instanceLock(name)
	l.Lock()
	defer l.Unlock()

	d.mu.Lock()
	rec, err := d.store.Get(name)
	if err != nil {
		d.mu.Unlock()
		return notFound(name)
	}
	if rec.Deleted {
		d.mu.Unlock()
		return errorf(CodeFailedPrecondition, "instance %q is deleted", name)
	}

	var kept []store.Mount
	if target != "" {
		found := false
		for _, m := range rec.Mounts {
			if m.TargetPath == target {
				found = true
				continue
			}
			kept = append(kept, m)
		}
		if !found {
			d.mu.Unlock()
			return errorf(CodeNotFound, "%q is not mounted in %q", target, name)
		}
	}
	err = d.store.Update(name, func(r *store.Record) { r.Mounts = kept })
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.log.WithField("instance", name).WithField("target", target).Info("mount removed")
	d.refreshMachine(name)
	return nil
}

// refreshMachine rebuilds the handle of a stopped instance so it picks up
// the current record. Running instances keep theirs until recreated.
func (d *Daemon) refreshMachine(name string) {
	rec, m, err := d.lookup(name)
	if err != nil || m.State() != hypervisor.StateOff {
		return
	}
	fresh, err := d.materialize(rec)
	if err != nil {
		d.log.WithField("instance", name).WithError(err).Warn("failed to rebuild machine after mount change")
		return
	}
	d.mu.Lock()
	d.machines[name] = fresh
	d.mu.Unlock()
}
