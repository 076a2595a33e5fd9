package daemon

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/store"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// List reports every instance with its state, address and release.
func (d *Daemon) List(ctx context.Context, req InstanceNames) (*ListReply, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	reply := &ListReply{Instances: []ListEntry{}}
	for _, rec := range d.store.List() {
		state := d.stateOf(rec)
		entry := ListEntry{Name: rec.Name, State: state.String()}
		if m, ok := d.machines[rec.Name]; ok && state == hypervisor.StateRunning {
			entry.IPv4 = m.IPv4()
		}
		if img, err := d.opts.Vault.InstanceImage(rec.Name); err == nil {
			entry.Release = img.CurrentRelease
		}
		reply.Instances = append(reply.Instances, entry)
	}
	return reply, nil
}

// Info describes the named instances, or all of them.
func (d *Daemon) Info(ctx context.Context, req InstanceNames) (*InfoReply, error) {
	names, err := d.targets("info", req.InstanceNames, nil)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	reply := &InfoReply{Instances: []InstanceInfo{}}
	for _, name := range names {
		rec, err := d.store.Get(name)
		if err != nil {
			// purged since targets ran
			continue
		}
		reply.Instances = append(reply.Instances, d.describeInstance(rec))
	}
	return reply, nil
}

// describeInstance builds the info view of rec. Callers hold d.mu.
func (d *Daemon) describeInstance(rec *store.Record) InstanceInfo {
	state := d.stateOf(rec)
	info := InstanceInfo{
		Name:        rec.Name,
		State:       state.String(),
		NumCores:    rec.NumCores,
		MemSize:     rec.MemSize.Bytes(),
		DiskSpace:   rec.DiskSpace.Bytes(),
		MACAddr:     rec.MACAddr,
		Mounts:      rec.Mounts,
		SSHUsername: rec.SSHUsername,
	}
	for _, iface := range rec.ExtraInterfaces {
		mode := "manual"
		if iface.AutoMode {
			mode = "auto"
		}
		info.ExtraInterfaces = append(info.ExtraInterfaces, NetworkOption{ID: iface.ID, MACAddress: iface.MACAddress, Mode: mode})
	}
	if m, ok := d.machines[rec.Name]; ok && state == hypervisor.StateRunning {
		info.IPv4 = m.IPv4()
	}
	if img, err := d.opts.Vault.InstanceImage(rec.Name); err == nil {
		info.ImageRelease = img.OriginalRelease
		info.CurrentRelease = img.CurrentRelease
		info.ImageHash = img.ID
	}
	return info
}

// Find searches the image hosts and the workflows.
//
// An empty search lists everything. "remote:" lists one remote. Anything
// else is matched against the images, then against the workflows. Find
// reads no instance state and takes no daemon lock.
func (d *Daemon) Find(ctx context.Context, req FindRequest) (*FindReply, error) {
	log := d.requestLog("find", req.Verbosity)
	log.WithField("search", req.SearchString).WithField("remote", req.RemoteName).Debug("searching images")
	reply := &FindReply{Images: []FindEntry{}}
	search := req.SearchString

	switch {
	case search == "" && req.RemoteName == "":
		for _, host := range d.opts.Vault.Hosts() {
			host.ForEach(ctx, func(remote string, info image.Info) {
				reply.Images = append(reply.Images, findEntry(remote, info))
			})
		}
		workflows, err := d.opts.Workflows.AllWorkflows(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to list workflows")
		}
		for _, info := range workflows {
			reply.Workflows = append(reply.Workflows, findEntry("", info))
		}
		return reply, nil

	case search == "" || strings.HasSuffix(search, ":"):
		remote := strings.TrimSuffix(search, ":")
		if remote == "" {
			remote = req.RemoteName
		}
		if remote == "" {
			remote = image.RemoteRelease
		}
		host, err := d.opts.Vault.ImageHostFor(remote)
		if err != nil {
			return nil, toError(err)
		}
		infos, err := host.AllImagesFor(ctx, remote)
		if err != nil {
			return nil, toError(err)
		}
		for _, info := range infos {
			reply.Images = append(reply.Images, findEntry(remote, info))
		}
		return reply, nil
	}

	q := image.ParseQuery(search)
	if req.RemoteName != "" && q.Remote == "" {
		q.Remote = req.RemoteName
	}
	infos, err := d.opts.Vault.AllInfoFor(ctx, q)
	if err != nil {
		return nil, toError(err)
	}
	for _, info := range infos {
		reply.Images = append(reply.Images, findEntry(q.Remote, info))
	}

	if len(infos) == 0 && q.Remote == "" {
		if info, err := d.opts.Workflows.InfoFor(ctx, q.Release); err == nil {
			reply.Workflows = append(reply.Workflows, findEntry("", info))
		}
	}
	if len(reply.Images) == 0 && len(reply.Workflows) == 0 {
		return nil, errorf(CodeNotFound, "Unable to find an image or workflow matching %q", search)
	}
	return reply, nil
}

func findEntry(remote string, info image.Info) FindEntry {
	if remote == image.RemoteRelease {
		remote = ""
	}
	return FindEntry{
		Remote:       remote,
		Aliases:      append([]string(nil), info.Aliases...),
		OS:           info.OS,
		Release:      info.Release,
		ReleaseTitle: info.ReleaseTitle,
		Version:      info.Version,
	}
}

// SSHInfo returns connection details for running instances.
func (d *Daemon) SSHInfo(ctx context.Context, req InstanceNames) (*SSHInfoReply, error) {
	if len(req.InstanceNames) == 0 {
		return nil, errorf(CodeInvalidArgument, "ssh_info requires at least one instance name")
	}
	names, err := d.targets("ssh_info", req.InstanceNames, nil)
	if err != nil {
		return nil, err
	}

	key, err := d.opts.Keys.PrivateKey()
	if err != nil {
		return nil, errorf(CodeInternal, "read SSH private key: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(key))

	reply := &SSHInfoReply{SSHInfo: make(map[string]SSHInfo, len(names))}
	var failures []failure
	for _, name := range names {
		rec, m, err := d.lookupLive(name)
		if err != nil {
			failures = append(failures, failure{name, toError(err)})
			continue
		}
		if m.State() != hypervisor.StateRunning {
			failures = append(failures, failure{name, errorf(CodeFailedPrecondition, "instance %q is not running", name)})
			continue
		}
		host, err := m.SSHHostname(ctx)
		if err != nil {
			failures = append(failures, failure{name, toError(err)})
			continue
		}
		reply.SSHInfo[name] = SSHInfo{
			Host:       host,
			Port:       m.SSHPort(),
			Username:   rec.SSHUsername,
			PrivateKey: encoded,
		}
	}
	if err := batchError("ssh_info", failures); err != nil {
		return nil, err
	}
	return reply, nil
}

// Version reports the daemon version.
func (d *Daemon) Version(ctx context.Context) (*VersionReply, error) {
	return &VersionReply{Version: d.opts.Version}, nil
}
