package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/download"
	"github.com/javanstorm/vmd/internal/memsize"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// PrepareFunc converts a freshly downloaded source image into the form the
// backend boots from.
type PrepareFunc func(hypervisor.Image) (hypervisor.Image, error)

// Vault caches source images and hands out per-instance copies.
type Vault interface {
	// FetchImage resolves q, downloading and preparing the source image if
	// it is not cached, and returns a copy owned by instance q.Name.
	FetchImage(ctx context.Context, q Query, prepare PrepareFunc, progress download.ProgressFunc) (hypervisor.Image, error)

	// InstanceImage returns the image recorded for an instance.
	InstanceImage(name string) (hypervisor.Image, error)

	// Remove deletes an instance's image copy and record.
	Remove(name string) error

	// MinimumImageSizeFor returns the smallest disk an instance of q can have.
	MinimumImageSizeFor(ctx context.Context, q Query) (memsize.Size, error)

	// ImageHostFor returns the host serving remote.
	ImageHostFor(remote string) (Host, error)

	// AllInfoFor returns the images matching q across hosts.
	AllInfoFor(ctx context.Context, q Query) ([]Info, error)

	// Hosts returns every configured host.
	Hosts() []Host

	Close() error
}

type imageRecord struct {
	Image        hypervisor.Image `json:"image"`
	Query        string           `json:"query"`
	MinSize      memsize.Size     `json:"min_size"`
	LastAccessed time.Time        `json:"last_accessed"`
}

type instanceRecord struct {
	Image hypervisor.Image `json:"image"`
	Query string           `json:"query"`
}

// DefaultVault stores source images under <cache>/images and instance copies
// under <data>/vault/instances, indexed in a Badger database.
type DefaultVault struct {
	cacheDir   string
	dataDir    string
	hosts      []Host
	downloader download.Downloader
	db         *badger.DB
	log        logrus.FieldLogger

	// one fetch per source image at a time
	fetching sync.Map
}

// NewVault opens the vault database at <cacheDir>/vault.db.
func NewVault(cacheDir, dataDir string, hosts []Host, d download.Downloader, log logrus.FieldLogger) (*DefaultVault, error) {
	opts := badger.DefaultOptions(filepath.Join(cacheDir, "vault.db"))
	opts.Logger = nil                         // badger logs to stderr otherwise
	opts = opts.WithValueLogFileSize(1 << 20) // records are tiny
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open image vault: %w", err)
	}

	return &DefaultVault{
		cacheDir:   cacheDir,
		dataDir:    dataDir,
		hosts:      hosts,
		downloader: d,
		db:         db,
		log:        log.WithField("component", "vault"),
	}, nil
}

// Close closes the vault database.
func (v *DefaultVault) Close() error {
	return v.db.Close()
}

func imageKey(id string) []byte {
	return []byte("image:" + id)
}

func instanceKey(name string) []byte {
	return []byte("instance:" + name)
}

func (v *DefaultVault) put(key []byte, val interface{}) error {
	return v.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// get decodes key into out, reporting whether it was found.
func (v *DefaultVault) get(key []byte, out interface{}) (bool, error) {
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Hosts returns the configured hosts.
func (v *DefaultVault) Hosts() []Host {
	return v.hosts
}

// ImageHostFor returns the host serving remote; "" is the default remote.
func (v *DefaultVault) ImageHostFor(remote string) (Host, error) {
	if remote == "" {
		remote = RemoteRelease
	}
	for _, h := range v.hosts {
		for _, r := range h.SupportedRemotes() {
			if r == remote {
				return h, nil
			}
		}
	}
	return nil, &UnsupportedRemoteError{Remote: remote}
}

// AllInfoFor searches every host, or only the query's remote when set.
func (v *DefaultVault) AllInfoFor(ctx context.Context, q Query) ([]Info, error) {
	if q.Remote != "" {
		h, err := v.ImageHostFor(q.Remote)
		if err != nil {
			return nil, err
		}
		return h.AllInfoFor(ctx, q)
	}

	var out []Info
	for _, h := range v.hosts {
		infos, err := h.AllInfoFor(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
	}
	return out, nil
}

func (v *DefaultVault) resolve(ctx context.Context, q Query) (*Info, error) {
	h, err := v.ImageHostFor(q.Remote)
	if err != nil {
		return nil, err
	}
	info, err := h.InfoFor(ctx, q)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, q)
	}
	return info, nil
}

// MinimumImageSizeFor returns the catalog minimum, raised to the size of the
// prepared image when one is cached. Custom images report their file size.
func (v *DefaultVault) MinimumImageSizeFor(ctx context.Context, q Query) (memsize.Size, error) {
	switch q.Type {
	case LocalFile:
		fi, err := os.Stat(q.Release)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrFileNotFound, q.Release)
		}
		return memsize.Size(fi.Size()), nil
	case HTTPDownload:
		var rec imageRecord
		if ok, err := v.get(imageKey(urlID(q.Release)), &rec); err == nil && ok {
			return rec.MinSize, nil
		}
		return 0, nil
	}

	info, err := v.resolve(ctx, q)
	if err != nil {
		return 0, err
	}
	min := info.MinSize
	var rec imageRecord
	if ok, err := v.get(imageKey(info.ID), &rec); err == nil && ok {
		min = memsize.Max(min, rec.MinSize)
	}
	return min, nil
}

// FetchImage returns an instance copy of the image q names.
func (v *DefaultVault) FetchImage(ctx context.Context, q Query, prepare PrepareFunc, progress download.ProgressFunc) (hypervisor.Image, error) {
	if q.Name == "" {
		return hypervisor.Image{}, errors.New("image: query has no instance name")
	}

	var existing instanceRecord
	if ok, err := v.get(instanceKey(q.Name), &existing); err == nil && ok {
		if _, err := os.Stat(existing.Image.Path); err == nil {
			return existing.Image, nil
		}
	}

	var source hypervisor.Image
	var err error
	switch q.Type {
	case LocalFile:
		source, err = v.fetchLocal(q, prepare)
	case HTTPDownload:
		info := Info{
			Location:     q.Release,
			ID:           urlID(q.Release),
			ReleaseTitle: "Custom image",
		}
		source, err = v.fetchSource(ctx, q, info, prepare, progress)
	default:
		var info *Info
		info, err = v.resolve(ctx, q)
		if err == nil {
			source, err = v.fetchSource(ctx, q, *info, prepare, progress)
		}
	}
	if err != nil {
		return hypervisor.Image{}, err
	}

	instance := source
	if q.Type != LocalFile {
		instance, err = v.copyForInstance(q.Name, source)
		if err != nil {
			return hypervisor.Image{}, err
		}
	}

	if err := v.put(instanceKey(q.Name), instanceRecord{Image: instance, Query: q.String()}); err != nil {
		return hypervisor.Image{}, fmt.Errorf("record instance image: %w", err)
	}
	return instance, nil
}

func (v *DefaultVault) instanceDir(name string) string {
	return filepath.Join(v.dataDir, "vault", "instances", name)
}

// fetchLocal copies a custom image file into the instance directory and
// prepares it there; custom images are not cached.
func (v *DefaultVault) fetchLocal(q Query, prepare PrepareFunc) (hypervisor.Image, error) {
	if _, err := os.Stat(q.Release); err != nil {
		return hypervisor.Image{}, fmt.Errorf("%w: %s", ErrFileNotFound, q.Release)
	}

	dst := filepath.Join(v.instanceDir(q.Name), filepath.Base(q.Release))
	if err := copyFile(q.Release, dst); err != nil {
		return hypervisor.Image{}, fmt.Errorf("copy custom image: %w", err)
	}

	img := hypervisor.Image{
		Path:            dst,
		ID:              urlID("file://" + q.Release),
		OriginalRelease: "Custom image",
		CurrentRelease:  "Custom image",
	}
	prepared, err := prepare(img)
	if err != nil {
		os.RemoveAll(v.instanceDir(q.Name))
		return hypervisor.Image{}, fmt.Errorf("prepare custom image: %w", err)
	}
	return prepared, nil
}

// fetchSource returns the cached prepared image for info, downloading and
// preparing it first when needed.
func (v *DefaultVault) fetchSource(ctx context.Context, q Query, info Info, prepare PrepareFunc, progress download.ProgressFunc) (hypervisor.Image, error) {
	lock, _ := v.fetching.LoadOrStore(info.ID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	log := v.log.WithField("image", info.ID)

	var rec imageRecord
	if ok, err := v.get(imageKey(info.ID), &rec); err != nil {
		return hypervisor.Image{}, fmt.Errorf("read image record: %w", err)
	} else if ok {
		if _, err := os.Stat(rec.Image.Path); err == nil {
			rec.LastAccessed = time.Now().UTC()
			if err := v.put(imageKey(info.ID), rec); err != nil {
				log.WithError(err).Warn("failed to update image access time")
			}
			return rec.Image, nil
		}
		log.Warn("cached image missing, downloading again")
	}

	dir := filepath.Join(v.cacheDir, "images", info.ID)
	file := filepath.Join(dir, path.Base(info.Location))
	if err := v.downloader.DownloadTo(ctx, info.Location, file, progress); err != nil {
		os.RemoveAll(dir)
		return hypervisor.Image{}, fmt.Errorf("download %s: %w", info.Location, err)
	}

	if info.Verified {
		if err := verifySHA256(file, info.ID); err != nil {
			os.RemoveAll(dir)
			return hypervisor.Image{}, err
		}
	}

	src := hypervisor.Image{
		Path:            file,
		ID:              info.ID,
		OriginalRelease: info.ReleaseTitle,
		CurrentRelease:  info.ReleaseTitle,
		ReleaseDate:     info.Version,
		Aliases:         info.Aliases,
	}
	prepared, err := prepare(src)
	if err != nil {
		os.RemoveAll(dir)
		return hypervisor.Image{}, fmt.Errorf("prepare source image: %w", err)
	}

	minSize := info.MinSize
	if fi, err := os.Stat(prepared.Path); err == nil {
		minSize = memsize.Max(minSize, memsize.Size(fi.Size()))
	}

	rec = imageRecord{
		Image:        prepared,
		Query:        q.String(),
		MinSize:      minSize,
		LastAccessed: time.Now().UTC(),
	}
	if err := v.put(imageKey(info.ID), rec); err != nil {
		return hypervisor.Image{}, fmt.Errorf("record source image: %w", err)
	}
	log.Info("source image cached")
	return prepared, nil
}

func (v *DefaultVault) copyForInstance(name string, source hypervisor.Image) (hypervisor.Image, error) {
	dst := filepath.Join(v.instanceDir(name), filepath.Base(source.Path))
	if err := copyFile(source.Path, dst); err != nil {
		os.RemoveAll(v.instanceDir(name))
		return hypervisor.Image{}, fmt.Errorf("copy image for %s: %w", name, err)
	}
	instance := source
	instance.Path = dst
	return instance, nil
}

// InstanceImage returns the image recorded for name.
func (v *DefaultVault) InstanceImage(name string) (hypervisor.Image, error) {
	var rec instanceRecord
	ok, err := v.get(instanceKey(name), &rec)
	if err != nil {
		return hypervisor.Image{}, err
	}
	if !ok {
		return hypervisor.Image{}, fmt.Errorf("%w: %s", ErrNoInstance, name)
	}
	return rec.Image, nil
}

// Remove deletes an instance's image. Removing an unknown instance is not
// an error.
func (v *DefaultVault) Remove(name string) error {
	if err := os.RemoveAll(v.instanceDir(name)); err != nil {
		return fmt.Errorf("remove instance image: %w", err)
	}
	return v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(instanceKey(name))
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func verifySHA256(file, want string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash %s: %w", file, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksum, filepath.Base(file), got, want)
	}
	return nil
}
