// Package download fetches images, checksums and workflow archives over HTTP
// with retries.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// ErrAborted is returned when a progress callback cancels a download.
var ErrAborted = errors.New("download: aborted")

// ProgressFunc receives the completion percentage of a download, or -1 when
// the total size is unknown. Returning false aborts the download.
type ProgressFunc func(percent int) bool

// Downloader is what the image vault and workflow provider need from the network.
type Downloader interface {
	// DownloadTo writes url to path atomically.
	DownloadTo(ctx context.Context, url, path string, progress ProgressFunc) error

	// Download returns the body of url.
	Download(ctx context.Context, url string) ([]byte, error)

	// LastModified returns the Last-Modified header of url.
	LastModified(ctx context.Context, url string) (time.Time, error)
}

// HTTPDownloader implements Downloader with a retrying HTTP client.
type HTTPDownloader struct {
	client *retryablehttp.Client
	log    logrus.FieldLogger
}

// New returns an HTTPDownloader retrying each request up to three times.
func New(log logrus.FieldLogger) *HTTPDownloader {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil // suppress default logging

	return &HTTPDownloader{
		client: client,
		log:    log.WithField("component", "download"),
	}
}

func (d *HTTPDownloader) get(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed: %s (URL: %s)", resp.Status, url)
	}
	return resp, nil
}

// DownloadTo downloads url into path via a temporary file.
func (d *HTTPDownloader) DownloadTo(ctx context.Context, url, path string, progress ProgressFunc) error {
	d.log.WithField("url", url).Debug("downloading")

	resp, err := d.get(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{w: f, total: resp.ContentLength, report: progress, last: -2}
	}

	_, err = io.Copy(w, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, path)
}

// Download returns the whole body of url.
func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	resp, err := d.get(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return data, nil
}

// LastModified issues a HEAD request for url.
func (d *HTTPDownloader) LastModified(ctx context.Context, url string) (time.Time, error) {
	resp, err := d.get(ctx, http.MethodHead, url)
	if err != nil {
		return time.Time{}, err
	}
	resp.Body.Close()

	header := resp.Header.Get("Last-Modified")
	if header == "" {
		return time.Time{}, fmt.Errorf("no Last-Modified header for %s", url)
	}
	return http.ParseTime(header)
}

type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	last    int
	report  ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)

	percent := -1
	if p.total > 0 {
		percent = int(p.written * 100 / p.total)
	}
	if percent != p.last {
		p.last = percent
		if !p.report(percent) {
			return n, ErrAborted
		}
	}
	return n, err
}
