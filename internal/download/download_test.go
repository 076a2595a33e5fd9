package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDownloader(t *testing.T) *HTTPDownloader {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	d := New(log)
	d.client.RetryMax = 0
	return d
}

func TestDownloadTo(t *testing.T) {
	body := strings.Repeat("x", 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "65536")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	path := filepath.Join(t.TempDir(), "images", "disk.img")

	var seen []int
	err := d.DownloadTo(context.Background(), srv.URL, path, func(p int) bool {
		seen = append(seen, p)
		return true
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	require.NotEmpty(t, seen)
	assert.Equal(t, 100, seen[len(seen)-1])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadToAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	path := filepath.Join(t.TempDir(), "disk.img")

	err := d.DownloadTo(context.Background(), srv.URL, path, func(int) bool { return false })
	require.ErrorIs(t, err, ErrAborted)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := newTestDownloader(t)
	_, err := d.Download(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestLastModified(t *testing.T) {
	stamp := time.Date(2024, 4, 25, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Last-Modified", stamp.Format(http.TimeFormat))
	}))
	defer srv.Close()

	d := newTestDownloader(t)
	got, err := d.LastModified(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(got))
}
