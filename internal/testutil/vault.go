package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/javanstorm/vmd/internal/download"
	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/memsize"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// FakeVault is an image.Vault that writes small placeholder images.
type FakeVault struct {
	mu  sync.Mutex
	dir string

	MinSize      memsize.Size
	MinSizeError error
	FetchError   error
	HostList     []image.Host
	OnAllInfoFor func(image.Query) ([]image.Info, error)

	Fetched   []image.Query
	Instances map[string]hypervisor.Image
	Removed   []string
}

// NewFakeVault returns a vault storing images under dir, serving a
// FakeHost with the default catalog.
func NewFakeVault(dir string) *FakeVault {
	return &FakeVault{
		dir:       dir,
		HostList:  []image.Host{NewFakeHost()},
		Instances: make(map[string]hypervisor.Image),
	}
}

func (v *FakeVault) FetchImage(ctx context.Context, q image.Query, prepare image.PrepareFunc, progress download.ProgressFunc) (hypervisor.Image, error) {
	v.mu.Lock()
	v.Fetched = append(v.Fetched, q)
	fetchErr := v.FetchError
	v.mu.Unlock()
	if fetchErr != nil {
		return hypervisor.Image{}, fetchErr
	}

	dir := filepath.Join(v.dir, q.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return hypervisor.Image{}, err
	}
	img := hypervisor.Image{
		Path:            filepath.Join(dir, "disk.img"),
		ID:              "ab5191cc1afb1c3dc1a4d2e1e6f6a3d1aa8a2c4d6c4c1a9e1f0b2c3d4e5f6a7b",
		OriginalRelease: "24.04 LTS",
		CurrentRelease:  "24.04 LTS",
		ReleaseDate:     "20240423",
	}
	if err := os.WriteFile(img.Path, []byte("fake image"), 0644); err != nil {
		return hypervisor.Image{}, err
	}
	if progress != nil {
		progress(100)
	}
	if prepare != nil {
		prepared, err := prepare(img)
		if err != nil {
			return hypervisor.Image{}, err
		}
		img = prepared
	}

	v.mu.Lock()
	v.Instances[q.Name] = img
	v.mu.Unlock()
	return img, nil
}

func (v *FakeVault) InstanceImage(name string) (hypervisor.Image, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	img, ok := v.Instances[name]
	if !ok {
		return hypervisor.Image{}, fmt.Errorf("%w: %s", image.ErrNoInstance, name)
	}
	return img, nil
}

// AddInstance records an image for name, as if it had been fetched earlier.
func (v *FakeVault) AddInstance(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Instances[name] = hypervisor.Image{
		Path:            filepath.Join(v.dir, name, "disk.img"),
		ID:              "ab5191cc",
		OriginalRelease: "22.04 LTS",
		CurrentRelease:  "22.04 LTS",
	}
}

func (v *FakeVault) Remove(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Removed = append(v.Removed, name)
	delete(v.Instances, name)
	return os.RemoveAll(filepath.Join(v.dir, name))
}

func (v *FakeVault) MinimumImageSizeFor(ctx context.Context, q image.Query) (memsize.Size, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.MinSize, v.MinSizeError
}

func (v *FakeVault) ImageHostFor(remote string) (image.Host, error) {
	if remote == "" {
		remote = image.RemoteRelease
	}
	for _, h := range v.HostList {
		for _, r := range h.SupportedRemotes() {
			if r == remote {
				return h, nil
			}
		}
	}
	return nil, &image.UnsupportedRemoteError{Remote: remote}
}

func (v *FakeVault) AllInfoFor(ctx context.Context, q image.Query) ([]image.Info, error) {
	if v.OnAllInfoFor != nil {
		return v.OnAllInfoFor(q)
	}
	var out []image.Info
	for _, h := range v.HostList {
		infos, err := h.AllInfoFor(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
	}
	return out, nil
}

func (v *FakeVault) Hosts() []image.Host { return v.HostList }

func (v *FakeVault) Close() error { return nil }

// FetchedQueries returns the queries passed to FetchImage.
func (v *FakeVault) FetchedQueries() []image.Query {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]image.Query(nil), v.Fetched...)
}

// FakeHost serves a fixed catalog keyed by remote.
type FakeHost struct {
	Images map[string][]image.Info
}

// NewFakeHost returns a host with two release images and one snapcraft image.
func NewFakeHost() *FakeHost {
	return &FakeHost{Images: map[string][]image.Info{
		image.RemoteRelease: {
			{Aliases: []string{"noble", "lts", "default"}, OS: "Ubuntu", Release: "noble", ReleaseTitle: "24.04 LTS", ID: "ab5191cc", Supported: true},
			{Aliases: []string{"jammy"}, OS: "Ubuntu", Release: "jammy", ReleaseTitle: "22.04 LTS", ID: "cd6273dd", Supported: true},
		},
		image.RemoteSnapcraft: {
			{Aliases: []string{"core22"}, OS: "Ubuntu Core", Release: "core22", ReleaseTitle: "Snapcraft builder for Core 22", ID: "ef7354ee", Supported: true},
		},
	}}
}

func (h *FakeHost) InfoFor(ctx context.Context, q image.Query) (*image.Info, error) {
	images, ok := h.Images[q.ResolvedRemote()]
	if !ok {
		return nil, &image.UnsupportedRemoteError{Remote: q.ResolvedRemote()}
	}
	for _, info := range images {
		if info.HasAlias(q.Release) {
			found := info
			return &found, nil
		}
	}
	return nil, nil
}

func (h *FakeHost) AllInfoFor(ctx context.Context, q image.Query) ([]image.Info, error) {
	remotes := []string{q.Remote}
	if q.Remote == "" {
		remotes = h.SupportedRemotes()
	}
	var out []image.Info
	for _, r := range remotes {
		rq := q
		rq.Remote = r
		info, err := h.InfoFor(ctx, rq)
		if err != nil {
			return nil, err
		}
		if info != nil {
			out = append(out, *info)
		}
	}
	return out, nil
}

func (h *FakeHost) AllImagesFor(ctx context.Context, remote string) ([]image.Info, error) {
	images, ok := h.Images[remote]
	if !ok {
		return nil, &image.UnsupportedRemoteError{Remote: remote}
	}
	return images, nil
}

func (h *FakeHost) ForEach(ctx context.Context, fn func(remote string, info image.Info)) {
	for _, r := range h.SupportedRemotes() {
		for _, info := range h.Images[r] {
			fn(r, info)
		}
	}
}

func (h *FakeHost) SupportedRemotes() []string {
	var out []string
	for _, r := range []string{image.RemoteRelease, image.RemoteDaily, image.RemoteSnapcraft, image.RemoteDistros} {
		if _, ok := h.Images[r]; ok {
			out = append(out, r)
		}
	}
	return out
}
