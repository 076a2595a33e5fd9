package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/download"
)

// Host is a source of images for one or more remotes.
type Host interface {
	// InfoFor returns the image matching q, or nil when there is none.
	InfoFor(ctx context.Context, q Query) (*Info, error)

	// AllInfoFor returns every image matching q.
	AllInfoFor(ctx context.Context, q Query) ([]Info, error)

	// AllImagesFor lists every image of remote.
	AllImagesFor(ctx context.Context, remote string) ([]Info, error)

	// ForEach calls fn for every image of every remote.
	ForEach(ctx context.Context, fn func(remote string, info Info))

	SupportedRemotes() []string
}

type manifest struct {
	products []Info
	byAlias  map[string]*Info
}

// CatalogHost serves the built-in catalog. Image ids and versions come from
// the publishers' checksum files, refreshed once the manifest TTL expires.
type CatalogHost struct {
	catalog    map[string][]Entry
	downloader download.Downloader
	ttl        time.Duration
	log        logrus.FieldLogger

	mu          sync.Mutex
	manifests   map[string]*manifest
	lastUpdated time.Time
}

// NewCatalogHost returns a host for catalog.
func NewCatalogHost(catalog map[string][]Entry, d download.Downloader, ttl time.Duration, log logrus.FieldLogger) *CatalogHost {
	return &CatalogHost{
		catalog:    catalog,
		downloader: d,
		ttl:        ttl,
		log:        log.WithField("component", "catalog"),
		manifests:  make(map[string]*manifest),
	}
}

// SupportedRemotes returns the catalog's remotes, sorted.
func (h *CatalogHost) SupportedRemotes() []string {
	remotes := make([]string, 0, len(h.catalog))
	for r := range h.catalog {
		remotes = append(remotes, r)
	}
	sort.Strings(remotes)
	return remotes
}

// Supports reports whether remote is served by this host.
func (h *CatalogHost) Supports(remote string) bool {
	_, ok := h.catalog[remote]
	return ok
}

// UpdateManifests refreshes every remote's manifest if the TTL expired.
func (h *CatalogHost) UpdateManifests(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateLocked(ctx, false)
}

func (h *CatalogHost) updateLocked(ctx context.Context, force bool) {
	if !force && !h.lastUpdated.IsZero() && time.Since(h.lastUpdated) < h.ttl {
		return
	}

	for remote, entries := range h.catalog {
		m, err := h.fetchManifest(ctx, entries)
		if err != nil {
			h.log.WithError(err).WithField("remote", remote).Warn("manifest update failed")
			continue
		}
		h.manifests[remote] = m
	}
	h.lastUpdated = time.Now()
}

func (h *CatalogHost) fetchManifest(ctx context.Context, entries []Entry) (*manifest, error) {
	sums := make(map[string][]byte)
	m := &manifest{byAlias: make(map[string]*Info)}

	for _, e := range entries {
		info := Info{
			Aliases:      e.Aliases,
			OS:           e.OS,
			Release:      e.Release,
			ReleaseTitle: e.ReleaseTitle,
			Supported:    true,
			Location:     e.URL(),
			MinSize:      e.MinSize,
		}

		if modified, err := h.downloader.LastModified(ctx, e.URL()); err == nil {
			info.Version = modified.UTC().Format("20060102")
		} else {
			return nil, fmt.Errorf("%w: %s: %v", ErrManifestFailed, e.File, err)
		}

		if e.SumsFile != "" {
			sumsURL := e.URLPrefix + e.SumsFile
			data, ok := sums[sumsURL]
			if !ok {
				var err error
				data, err = h.downloader.Download(ctx, sumsURL)
				if err != nil {
					return nil, fmt.Errorf("%w: %s: %v", ErrManifestFailed, sumsURL, err)
				}
				sums[sumsURL] = data
			}
			info.ID = hashFor(data, e.File)
			info.Verified = info.ID != ""
		}
		if info.ID == "" {
			info.ID = urlID(e.URL() + "@" + info.Version)
		}

		m.products = append(m.products, info)
	}

	for i := range m.products {
		p := &m.products[i]
		m.byAlias[p.ID] = p
		for _, alias := range p.Aliases {
			m.byAlias[alias] = p
		}
	}
	return m, nil
}

func (h *CatalogHost) manifestFor(ctx context.Context, remote string) (*manifest, error) {
	if !h.Supports(remote) {
		return nil, &UnsupportedRemoteError{Remote: remote}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateLocked(ctx, false)

	m, ok := h.manifests[remote]
	if !ok {
		return nil, &UnsupportedRemoteError{Remote: remote}
	}
	return m, nil
}

// InfoFor looks q up by alias or id.
func (h *CatalogHost) InfoFor(ctx context.Context, q Query) (*Info, error) {
	m, err := h.manifestFor(ctx, q.ResolvedRemote())
	if err != nil {
		return nil, err
	}
	if p, ok := m.byAlias[q.Release]; ok {
		info := *p
		return &info, nil
	}
	// a hash prefix is enough when unambiguous
	var match *Info
	for i := range m.products {
		p := &m.products[i]
		if len(q.Release) >= 4 && strings.HasPrefix(p.ID, q.Release) {
			if match != nil {
				return nil, nil
			}
			match = p
		}
	}
	if match == nil {
		return nil, nil
	}
	info := *match
	return &info, nil
}

// AllInfoFor returns the images matching q. Without a remote every remote
// is searched.
func (h *CatalogHost) AllInfoFor(ctx context.Context, q Query) ([]Info, error) {
	remotes := []string{q.Remote}
	if q.Remote == "" {
		remotes = h.SupportedRemotes()
	}

	var out []Info
	for _, remote := range remotes {
		rq := q
		rq.Remote = remote
		info, err := h.InfoFor(ctx, rq)
		if err != nil {
			if q.Remote == "" {
				continue
			}
			return nil, err
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	return out, nil
}

// AllImagesFor lists the images of remote.
func (h *CatalogHost) AllImagesFor(ctx context.Context, remote string) ([]Info, error) {
	m, err := h.manifestFor(ctx, remote)
	if err != nil {
		return nil, err
	}
	return append([]Info(nil), m.products...), nil
}

// ForEach visits every image, remotes in sorted order.
func (h *CatalogHost) ForEach(ctx context.Context, fn func(remote string, info Info)) {
	for _, remote := range h.SupportedRemotes() {
		images, err := h.AllImagesFor(ctx, remote)
		if err != nil {
			continue
		}
		for _, info := range images {
			fn(remote, info)
		}
	}
}

func urlID(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
