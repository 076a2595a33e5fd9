package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/javanstorm/vmd/internal/download"
)

// fakeDownloader serves files from memory.
type fakeDownloader struct {
	mu        sync.Mutex
	files     map[string][]byte
	modified  time.Time
	downloads map[string]int
	failHead  bool
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		files:     make(map[string][]byte),
		modified:  time.Date(2024, 4, 25, 0, 0, 0, 0, time.UTC),
		downloads: make(map[string]int),
	}
}

func (f *fakeDownloader) serve(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[url] = data
}

func (f *fakeDownloader) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads[url]
}

func (f *fakeDownloader) DownloadTo(ctx context.Context, url, path string, progress download.ProgressFunc) error {
	data, err := f.Download(ctx, url)
	if err != nil {
		return err
	}
	if progress != nil && !progress(100) {
		return download.ErrAborted
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (f *fakeDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[url]
	if !ok {
		return nil, fmt.Errorf("download failed: 404 Not Found (URL: %s)", url)
	}
	f.downloads[url]++
	return data, nil
}

func (f *fakeDownloader) LastModified(ctx context.Context, url string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHead {
		return time.Time{}, errors.New("network unreachable")
	}
	if _, ok := f.files[url]; !ok {
		return time.Time{}, fmt.Errorf("download failed: 404 Not Found (URL: %s)", url)
	}
	return f.modified, nil
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// testCatalog is a two-remote catalog under prefix.
func testCatalog(prefix string) map[string][]Entry {
	return map[string][]Entry{
		RemoteRelease: {
			{File: "noble.img", URLPrefix: prefix + "/release/", SumsFile: "SHA256SUMS",
				Aliases: []string{"noble", "24.04", "default"}, OS: "Ubuntu", Release: "24.04", ReleaseTitle: "24.04 LTS", MinSize: 1024},
			{File: "jammy.img", URLPrefix: prefix + "/release/", SumsFile: "SHA256SUMS",
				Aliases: []string{"jammy", "22.04"}, OS: "Ubuntu", Release: "22.04", ReleaseTitle: "22.04 LTS", MinSize: 1024},
		},
		RemoteDistros: {
			{File: "debian.qcow2", URLPrefix: prefix + "/debian/",
				Aliases: []string{"debian"}, OS: "Debian", Release: "12", ReleaseTitle: "Debian 12", MinSize: 2048},
		},
	}
}

var (
	nobleData  = []byte("noble image contents")
	jammyData  = []byte("jammy image contents")
	debianData = []byte("debian image contents")
)

func serveTestCatalog(d *fakeDownloader, prefix string) {
	d.serve(prefix+"/release/noble.img", nobleData)
	d.serve(prefix+"/release/jammy.img", jammyData)
	d.serve(prefix+"/release/SHA256SUMS", []byte(
		sha(nobleData)+" *noble.img\n"+sha(jammyData)+" *jammy.img\n"))
	d.serve(prefix+"/debian/debian.qcow2", debianData)
}
