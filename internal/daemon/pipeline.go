package daemon

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/cloudinit"
	"github.com/javanstorm/vmd/internal/download"
	"github.com/javanstorm/vmd/internal/events"
	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/memsize"
	"github.com/javanstorm/vmd/internal/store"
	"github.com/javanstorm/vmd/internal/timing"
	"github.com/javanstorm/vmd/internal/workflow"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// Sizing defaults and minimums.
const (
	DefaultNumCores  = 1
	DefaultMemSize   = memsize.GiB
	DefaultDiskSpace = 5 * memsize.GiB

	MinNumCores  = 1
	MinMemSize   = 128 * memsize.MiB
	MinDiskSpace = 512 * memsize.MiB
)

const maxNameAttempts = 100

var namePattern = regexp.MustCompile(`^[A-Za-z]([A-Za-z0-9-]*[A-Za-z0-9])?$`)

// ValidName reports whether name can be used for an instance.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// plan is a create request after validation, filled in step by step.
type plan struct {
	name        string
	query       image.Query
	numCores    int
	memSize     memsize.Size
	diskSpace   memsize.Size
	attachments []hypervisor.NetworkInterface
	userData    map[string]interface{}
	vendorExtra map[string]interface{}
	primaryMAC  string
	warnings    []string
}

// Create runs the creation pipeline.
func (d *Daemon) Create(ctx context.Context, req CreateRequest) (*CreateReply, error) {
	return d.runPipeline(ctx, "create", req, false)
}

// Launch runs the creation pipeline and starts the new instance.
func (d *Daemon) Launch(ctx context.Context, req CreateRequest) (*CreateReply, error) {
	return d.runPipeline(ctx, "launch", req, true)
}

// runPipeline detaches the work from ctx. The caller stops waiting when ctx
// ends or the request timeout expires; the pipeline runs to completion and
// rolls back on its own.
func (d *Daemon) runPipeline(ctx context.Context, op string, req CreateRequest, start bool) (*CreateReply, error) {
	type result struct {
		reply *CreateReply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := d.create(context.WithoutCancel(ctx), req, start)
		done <- result{reply, err}
	}()

	wait := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, toError(r.err)
		}
		return r.reply, nil
	case <-wait.Done():
		if errors.Is(wait.Err(), context.DeadlineExceeded) {
			return nil, errorf(CodeDeadlineExceeded, "%s timed out after %d seconds", op, req.Timeout)
		}
		return nil, toError(wait.Err())
	}
}

func (d *Daemon) create(ctx context.Context, req CreateRequest, start bool) (reply *CreateReply, err error) {
	op := "create"
	if start {
		op = "launch"
	}
	log := d.requestLog(op, req.Verbosity).WithField("component", "pipeline")
	timer := timing.WithObserver(func(p timing.Phase) {
		d.opts.Metrics.ObserveStep(p.Name, p.Duration)
	})
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		d.opts.Metrics.PipelineRun(outcome)
		log.WithFields(timer.Fields()).WithField("outcome", outcome).Debug("pipeline finished")
		d.updateGauges()
	}()

	p, err := parseRequest(req)
	if err != nil {
		return nil, err
	}
	name, err := d.reserveName(p.name)
	if err != nil {
		return nil, err
	}
	defer d.unreserveName(name)
	p.name = name
	log = log.WithField("instance", name)
	timer.Mark("validate")

	if err := d.resolveWorkflow(ctx, p, log); err != nil {
		return nil, err
	}
	if p.numCores == 0 {
		p.numCores = DefaultNumCores
	}
	if p.memSize == 0 {
		p.memSize = DefaultMemSize
	}
	timer.Mark("workflow")

	if err := d.validator.Validate(p.attachments, p.query.Remote, p.query.Release); err != nil {
		return nil, err
	}
	claimed, err := d.claimMACs(p)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			d.releaseMACs(claimed)
		}
	}()
	timer.Mark("network")

	if err := d.checkCapacity(ctx, p, log); err != nil {
		return nil, err
	}
	timer.Mark("capacity")

	q := p.query
	q.Name = name
	img, err := d.opts.Vault.FetchImage(ctx, q, d.opts.Backend.PrepareSourceImage, progressLogger(log))
	if err != nil {
		return nil, err
	}
	timer.Mark("fetch_image")

	desc, err := d.buildDescription(p, img)
	if err != nil {
		d.discard(name, log)
		return nil, err
	}
	if err := d.opts.Backend.PrepareInstanceImage(img, desc); err != nil {
		d.discard(name, log)
		return nil, errorf(CodeInternal, "instance image preparation failed: %v", err)
	}
	timer.Mark("prepare_instance")

	m, err := d.opts.Backend.CreateMachine(desc, d.monitor())
	if err != nil {
		d.discard(name, log)
		return nil, fmt.Errorf("create machine: %w", err)
	}
	timer.Mark("create_machine")

	rec := &store.Record{
		Name:            name,
		DiskSpace:       p.diskSpace,
		ExtraInterfaces: p.attachments,
		MACAddr:         p.primaryMAC,
		MemSize:         p.memSize,
		NumCores:        p.numCores,
		SSHUsername:     d.opts.SSHUsername,
		State:           hypervisor.StateOff,
	}
	d.mu.Lock()
	err = d.store.Upsert(rec)
	if err == nil {
		d.machines[name] = m
		committed = true
	} else {
		d.store.Drop(name)
	}
	d.mu.Unlock()
	if err != nil {
		d.discard(name, log)
		return nil, fmt.Errorf("persist instance: %w", err)
	}
	timer.Mark("register")

	d.publish(events.Created, name, hypervisor.StateOff)
	log.Info("instance created")

	reply = &CreateReply{InstanceName: name, Warnings: p.warnings}
	if !start {
		return reply, nil
	}
	if err := d.startOne(ctx, name); err != nil {
		e := toError(err)
		return nil, &Error{Code: e.Code, Message: fmt.Sprintf("instance %q was created but failed to start: %s", name, e.Message)}
	}
	timer.Mark("start")
	return reply, nil
}

// parseRequest validates a request without touching any state.
func parseRequest(req CreateRequest) (*plan, error) {
	if req.InstanceName != "" && !ValidName(req.InstanceName) {
		return nil, errorf(CodeInvalidArgument, "Invalid instance name supplied: %q", req.InstanceName)
	}
	p := &plan{name: req.InstanceName}

	if req.NumCores < 0 || (req.NumCores > 0 && req.NumCores < MinNumCores) {
		return nil, errorf(CodeInvalidArgument, "number of CPUs requested is below minimum of %d", MinNumCores)
	}
	p.numCores = req.NumCores

	var err error
	if req.MemSize != "" {
		if p.memSize, err = memsize.Parse(req.MemSize); err != nil {
			return nil, errorf(CodeInvalidArgument, "invalid memory size %q", req.MemSize)
		}
		if p.memSize < MinMemSize {
			return nil, errorf(CodeInvalidArgument, "memory size requested is below minimum of %s", MinMemSize.Human())
		}
	}
	if req.DiskSpace != "" {
		if p.diskSpace, err = memsize.Parse(req.DiskSpace); err != nil {
			return nil, errorf(CodeInvalidArgument, "invalid disk size %q", req.DiskSpace)
		}
		if p.diskSpace < MinDiskSpace {
			return nil, errorf(CodeInvalidArgument, "disk space requested is below minimum of %s", MinDiskSpace.Human())
		}
	}

	for _, opt := range req.Networks {
		iface := hypervisor.NetworkInterface{ID: opt.ID, MACAddress: opt.MACAddress}
		switch opt.Mode {
		case "", "auto":
			iface.AutoMode = true
		case "manual":
		default:
			return nil, errorf(CodeInvalidArgument, "Invalid network mode %q for %q; use auto or manual", opt.Mode, opt.ID)
		}
		p.attachments = append(p.attachments, iface)
	}

	if p.userData, err = cloudinit.UserData(req.UserData); err != nil {
		return nil, errorf(CodeInvalidArgument, "Invalid cloud-init user data: %v", err)
	}

	p.query = image.ParseQuery(req.Image)
	if req.RemoteName != "" && p.query.Type == image.Alias && p.query.Remote == "" {
		p.query.Remote = req.RemoteName
	}
	return p, nil
}

// reserveName marks name, or a generated one, as being created.
func (d *Daemon) reserveName(requested string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if requested != "" {
		if d.nameTaken(requested) {
			return "", errorf(CodeAlreadyExists, "instance %q already exists", requested)
		}
		d.inFlight[requested] = struct{}{}
		return requested, nil
	}

	for i := 0; i < maxNameAttempts; i++ {
		name := d.opts.Names.Generate()
		if !ValidName(name) || d.nameTaken(name) {
			continue
		}
		d.inFlight[name] = struct{}{}
		return name, nil
	}
	return "", errorf(CodeResourceExhausted, "unable to generate a unique instance name")
}

// nameTaken reports whether name is in use. Callers hold d.mu.
func (d *Daemon) nameTaken(name string) bool {
	if _, ok := d.inFlight[name]; ok {
		return true
	}
	return d.store.Has(name)
}

func (d *Daemon) unreserveName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, name)
}

// resolveWorkflow applies a workflow when the query is a bare alias naming
// one. Unknown workflows leave the query as an image alias.
func (d *Daemon) resolveWorkflow(ctx context.Context, p *plan, log logrus.FieldLogger) error {
	if p.query.Type != image.Alias || p.query.Remote != "" {
		return nil
	}

	wreq := &workflow.Request{NumCores: p.numCores, MemSize: p.memSize, DiskSpace: p.diskSpace}
	q, err := d.opts.Workflows.FetchWorkflowFor(ctx, p.query.Release, wreq)
	if errors.Is(err, workflow.ErrWorkflowNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	log.WithField("workflow", p.query.Release).WithField("image", q.String()).Debug("using workflow")
	p.query = image.Query{Release: q.Release, Remote: q.Remote, Type: q.Type}
	p.numCores = wreq.NumCores
	p.memSize = wreq.MemSize
	p.diskSpace = wreq.DiskSpace
	p.vendorExtra = wreq.VendorData
	return nil
}

// claimMACs generates the primary MAC and any missing attachment MACs and
// claims them all. It returns the claimed addresses.
func (d *Daemon) claimMACs(p *plan) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pending []string
	for _, a := range p.attachments {
		if a.MACAddress != "" {
			pending = append(pending, a.MACAddress)
		}
	}

	primary, err := d.macs.GenerateUniqueExcept(pending)
	if err != nil {
		return nil, err
	}
	pending = append(pending, primary)
	for i := range p.attachments {
		if p.attachments[i].MACAddress != "" {
			continue
		}
		mac, err := d.macs.GenerateUniqueExcept(pending)
		if err != nil {
			return nil, err
		}
		p.attachments[i].MACAddress = mac
		pending = append(pending, mac)
	}

	if err := d.macs.ClaimAll(pending); err != nil {
		return nil, err
	}
	p.primaryMAC = primary
	return pending, nil
}

func (d *Daemon) releaseMACs(macs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.macs.Release(macs...)
}

// checkCapacity enforces the image minimum against the requested disk and
// the free space of the data directory. Overcommitting only warns.
func (d *Daemon) checkCapacity(ctx context.Context, p *plan, log logrus.FieldLogger) error {
	minimum, err := d.opts.Vault.MinimumImageSizeFor(ctx, p.query)
	if err != nil {
		return err
	}
	free, err := d.opts.FreeDiskSpace(d.opts.DataDir)
	if err != nil {
		return errorf(CodeInternal, "Failed to determine information about the volume containing %s: %v", d.opts.DataDir, err)
	}
	available := memsize.Size(free)

	if p.diskSpace != 0 && p.diskSpace < minimum {
		return errorf(CodeInvalidArgument, "Requested disk (%d bytes) below minimum for this image (%d bytes)",
			p.diskSpace.Bytes(), minimum.Bytes())
	}
	if available < minimum {
		return errorf(CodeResourceExhausted, "Available disk (%d bytes) below minimum for this image (%d bytes)",
			available.Bytes(), minimum.Bytes())
	}

	if p.diskSpace == 0 {
		p.diskSpace = memsize.Max(DefaultDiskSpace, minimum)
	}
	if available < p.diskSpace {
		msg := fmt.Sprintf("Reserving more disk space (%d bytes) than available (%d bytes)", p.diskSpace.Bytes(), available.Bytes())
		log.Warn(msg)
		p.warnings = append(p.warnings, msg)
	}
	return nil
}

// buildDescription assembles the backend description, cloud-init included.
func (d *Daemon) buildDescription(p *plan, img hypervisor.Image) (hypervisor.Description, error) {
	pub, err := d.opts.Keys.PublicKey()
	if err != nil {
		return hypervisor.Description{}, fmt.Errorf("read SSH public key: %w", err)
	}

	vendor := cloudinit.VendorData(pub, cloudinit.Provenance{
		Version:     d.opts.Version,
		Driver:      d.opts.Backend.Info().String(),
		HostOS:      d.opts.HostRelease.OS,
		HostVersion: d.opts.HostRelease.Version,
	})
	if p.vendorExtra != nil {
		cloudinit.Merge(vendor, p.vendorExtra)
	}

	extras := make([]cloudinit.Interface, len(p.attachments))
	for i, a := range p.attachments {
		extras[i] = cloudinit.Interface{MAC: a.MACAddress, AutoMode: a.AutoMode}
	}

	return hypervisor.Description{
		Name:            p.name,
		NumCores:        p.numCores,
		MemSize:         p.memSize.Bytes(),
		DiskSpace:       p.diskSpace.Bytes(),
		DefaultMAC:      p.primaryMAC,
		ExtraInterfaces: append([]hypervisor.NetworkInterface(nil), p.attachments...),
		SSHUsername:     d.opts.SSHUsername,
		Image:           img,
		MetaData:        cloudinit.MetaData(p.name),
		VendorData:      vendor,
		UserData:        p.userData,
		NetworkData:     cloudinit.NetworkData(p.primaryMAC, extras),
	}, nil
}

// discard removes whatever the backend and the vault hold for name.
func (d *Daemon) discard(name string, log logrus.FieldLogger) {
	if err := d.opts.Backend.RemoveResourcesFor(name); err != nil {
		log.WithError(err).Warn("failed to remove backend resources")
	}
	if err := d.opts.Vault.Remove(name); err != nil {
		log.WithError(err).Warn("failed to remove instance image")
	}
}

func progressLogger(log logrus.FieldLogger) download.ProgressFunc {
	last := -10
	return func(percent int) bool {
		if percent >= 0 && percent/10 != last/10 {
			last = percent
			log.WithField("percent", percent).Debug("downloading image")
		}
		return true
	}
}
