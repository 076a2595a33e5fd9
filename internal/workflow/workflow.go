// Package workflow provides ready-made instance templates. Workflows come
// from a zip archive of YAML documents that is refreshed periodically.
package workflow

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmd/internal/download"
	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/memsize"
)

// ArchiveName is the cached archive's file name.
const ArchiveName = "vmd-workflows.zip"

const workflowDirVersion = "v1"

// Request holds the parts of an instance a workflow can fill in. Zero sizes
// mean the caller did not ask for anything.
type Request struct {
	NumCores   int
	MemSize    memsize.Size
	DiskSpace  memsize.Size
	VendorData map[string]interface{}
}

// Provider resolves workflows.
type Provider interface {
	// FetchWorkflowFor applies the named workflow to req and returns the
	// image query it uses.
	FetchWorkflowFor(ctx context.Context, name string, req *Request) (image.Query, error)

	// InfoFor describes one workflow.
	InfoFor(ctx context.Context, name string) (image.Info, error)

	// AllWorkflows describes every workflow, sorted by name.
	AllWorkflows(ctx context.Context) ([]image.Info, error)
}

type document struct {
	Description string              `yaml:"description"`
	Instances   map[string]instance `yaml:"instances"`
}

type instance struct {
	Image     string                 `yaml:"image"`
	Limits    limits                 `yaml:"limits"`
	CloudInit map[string]interface{} `yaml:"cloud-init"`
}

type limits struct {
	MinCPU  string `yaml:"min-cpu"`
	MinMem  string `yaml:"min-mem"`
	MinDisk string `yaml:"min-disk"`
}

// DefaultProvider downloads the workflow archive from a URL into a cache
// directory and re-downloads it once older than the TTL.
type DefaultProvider struct {
	url         string
	archivePath string
	ttl         time.Duration
	downloader  download.Downloader
	log         logrus.FieldLogger

	mu         sync.Mutex
	workflows  map[string][]byte
	lastUpdate time.Time
}

// NewDefaultProvider fetches the archive immediately. A failed download is
// logged; the provider then serves whatever archive is already cached.
func NewDefaultProvider(ctx context.Context, url, cacheDir string, ttl time.Duration, d download.Downloader, log logrus.FieldLogger) *DefaultProvider {
	p := &DefaultProvider{
		url:         url,
		archivePath: filepath.Join(cacheDir, ArchiveName),
		ttl:         ttl,
		downloader:  d,
		log:         log.WithField("component", "workflow"),
		workflows:   map[string][]byte{},
	}
	p.mu.Lock()
	p.update(ctx)
	p.mu.Unlock()
	return p
}

// update refreshes the archive when stale. Callers hold p.mu.
func (p *DefaultProvider) update(ctx context.Context) {
	if !p.lastUpdate.IsZero() && time.Since(p.lastUpdate) <= p.ttl {
		return
	}

	if err := p.downloader.DownloadTo(ctx, p.url, p.archivePath, nil); err != nil {
		p.log.WithError(err).Error("error fetching workflows")
		if len(p.workflows) == 0 {
			p.loadArchive()
		}
		return
	}
	p.loadArchive()
	p.lastUpdate = time.Now()
}

func (p *DefaultProvider) loadArchive() {
	workflows, err := readArchive(p.archivePath)
	if err != nil {
		p.log.WithError(err).Warn("cannot read workflow archive")
		return
	}
	p.workflows = workflows
}

// readArchive returns the YAML files under a v1/ directory, keyed by base name.
func readArchive(archivePath string) (map[string][]byte, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer r.Close()

	workflows := make(map[string][]byte)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		ext := path.Ext(f.Name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if !strings.Contains(path.Dir(f.Name), workflowDirVersion) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		workflows[strings.TrimSuffix(path.Base(f.Name), ext)] = data
	}
	return workflows, nil
}

func (p *DefaultProvider) document(ctx context.Context, name string) (*document, error) {
	p.mu.Lock()
	p.update(ctx)
	data, ok := p.workflows[name]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &InvalidWorkflowError{Reason: fmt.Sprintf("Cannot parse workflow %q: %v", name, err)}
	}
	return &doc, nil
}

// FetchWorkflowFor applies workflow name to req. Unset sizes take the
// workflow minimum; sizes below it are rejected.
func (p *DefaultProvider) FetchWorkflowFor(ctx context.Context, name string, req *Request) (image.Query, error) {
	doc, err := p.document(ctx, name)
	if err != nil {
		return image.Query{}, err
	}
	inst := doc.Instances[name]

	query := image.Query{Release: image.DefaultRelease, Type: image.Alias}
	if inst.Image != "" {
		tokens := strings.Split(inst.Image, ":")
		switch len(tokens) {
		case 1:
			query.Release = tokens[0]
		case 2:
			query.Remote, query.Release = tokens[0], tokens[1]
		default:
			return image.Query{}, &InvalidWorkflowError{Reason: "Unsupported image scheme in Workflow"}
		}
	}

	if inst.Limits.MinCPU != "" {
		minCPU, err := strconv.Atoi(inst.Limits.MinCPU)
		if err != nil {
			return image.Query{}, &InvalidWorkflowError{Reason: "Minimum CPU value in workflow is invalid"}
		}
		if req.NumCores == 0 {
			req.NumCores = minCPU
		} else if req.NumCores < minCPU {
			return image.Query{}, &MinimumError{Type: "Number of CPUs", Value: inst.Limits.MinCPU}
		}
	}

	for _, l := range []struct {
		raw  string
		size *memsize.Size
		kind string
		what string
	}{
		{inst.Limits.MinMem, &req.MemSize, "Memory size", "memory size"},
		{inst.Limits.MinDisk, &req.DiskSpace, "Disk space", "disk space"},
	} {
		if l.raw == "" {
			continue
		}
		min, err := memsize.Parse(l.raw)
		if err != nil {
			return image.Query{}, &InvalidWorkflowError{Reason: fmt.Sprintf("Minimum %s value in workflow is invalid", l.what)}
		}
		if *l.size == 0 {
			*l.size = min
		} else if *l.size < min {
			return image.Query{}, &MinimumError{Type: l.kind, Value: l.raw}
		}
	}

	if len(inst.CloudInit) > 0 {
		if req.VendorData == nil {
			req.VendorData = map[string]interface{}{}
		}
		for k, v := range inst.CloudInit {
			req.VendorData[k] = v
		}
	}

	return query, nil
}

// InfoFor describes workflow name.
func (p *DefaultProvider) InfoFor(ctx context.Context, name string) (image.Info, error) {
	doc, err := p.document(ctx, name)
	if err != nil {
		return image.Info{}, err
	}
	return image.Info{Aliases: []string{name}, ReleaseTitle: doc.Description}, nil
}

// AllWorkflows describes every workflow. Unparseable documents are skipped.
func (p *DefaultProvider) AllWorkflows(ctx context.Context) ([]image.Info, error) {
	p.mu.Lock()
	p.update(ctx)
	names := make([]string, 0, len(p.workflows))
	for name := range p.workflows {
		names = append(names, name)
	}
	p.mu.Unlock()
	sort.Strings(names)

	var out []image.Info
	for _, name := range names {
		info, err := p.InfoFor(ctx, name)
		if err != nil {
			p.log.WithError(err).WithField("workflow", name).Warn("skipping workflow")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}
