package asset_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdsrag/internal/asset"
)

func listCache(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDownloader_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "opds-test", r.Header.Get("X-Client"))
		w.Write([]byte("hello world"))
	}))
	defer ts.Close()

	dir := t.TempDir()
	d := asset.NewDownloader(dir, time.Second)

	path, err := d.Download(context.Background(), asset.Request{
		URL:       ts.URL + "/book.txt",
		Format:    asset.FormatText,
		Headers:   map[string]string{"X-Client": "opds-test"},
		MaxSizeMB: 1,
	})
	require.NoError(t, err)
	defer os.Remove(path)

	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, ".text"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownloader_SizeCapStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing without a Content-Length forces the streaming check.
		chunk := bytes.Repeat([]byte("a"), 64*1024)
		for i := 0; i < 20; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}))
	defer ts.Close()

	dir := t.TempDir()
	d := asset.NewDownloader(dir, 5*time.Second)

	path, err := d.Download(context.Background(), asset.Request{URL: ts.URL, Format: asset.FormatPDF, MaxSizeMB: 1})
	assert.Empty(t, path)
	assert.ErrorIs(t, err, asset.ErrSizeExceeded)

	var dlErr *asset.DownloadError
	assert.True(t, errors.As(err, &dlErr))
	assert.Empty(t, listCache(t, dir), "partial file must be removed")
}

func TestDownloader_SizeCapContentLength(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2097152")
		w.Write(bytes.Repeat([]byte("b"), 2*1024*1024))
	}))
	defer ts.Close()

	dir := t.TempDir()
	d := asset.NewDownloader(dir, 5*time.Second)

	_, err := d.Download(context.Background(), asset.Request{URL: ts.URL, Format: asset.FormatEPUB, MaxSizeMB: 1})
	assert.ErrorIs(t, err, asset.ErrSizeExceeded)
	assert.Empty(t, listCache(t, dir))
}

func TestDownloader_NonSuccessStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	d := asset.NewDownloader(t.TempDir(), time.Second)
	_, err := d.Download(context.Background(), asset.Request{URL: ts.URL, Format: asset.FormatPDF, MaxSizeMB: 1})

	var dlErr *asset.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, http.StatusNotFound, dlErr.StatusCode)
}

func TestDownloader_ConnectionFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	d := asset.NewDownloader(t.TempDir(), time.Second)
	_, err := d.Download(context.Background(), asset.Request{URL: url, Format: asset.FormatPDF, MaxSizeMB: 1})

	var dlErr *asset.DownloadError
	assert.True(t, errors.As(err, &dlErr))
}

func TestDownloader_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer ts.Close()

	d := asset.NewDownloader(t.TempDir(), 50*time.Millisecond)
	_, err := d.Download(context.Background(), asset.Request{URL: ts.URL, Format: asset.FormatPDF, MaxSizeMB: 1})

	var dlErr *asset.DownloadError
	assert.True(t, errors.As(err, &dlErr))
}

const challenge = `Digest realm="opds", nonce="abc123", qop="auth", algorithm=MD5`

func TestDownloader_DigestFallback(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		auth := r.Header.Get("Authorization")
		if n == 1 {
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "reader", user)
			assert.Equal(t, "secret", pass)
			w.Header().Set("WWW-Authenticate", challenge)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.True(t, strings.HasPrefix(auth, "Digest "))
		cred, err := digest.ParseCredentials(auth)
		if assert.NoError(t, err) {
			assert.Equal(t, "reader", cred.Username)
			assert.Equal(t, "opds", cred.Realm)
		}
		w.Write([]byte("protected"))
	}))
	defer ts.Close()

	d := asset.NewDownloader(t.TempDir(), time.Second)
	path, err := d.Download(context.Background(), asset.Request{
		URL:         ts.URL + "/b.txt",
		Format:      asset.FormatText,
		Credentials: &asset.Credentials{Username: "reader", Password: "secret"},
		MaxSizeMB:   1,
	})
	require.NoError(t, err)
	defer os.Remove(path)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDownloader_DigestRejected(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("WWW-Authenticate", challenge)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	d := asset.NewDownloader(t.TempDir(), time.Second)
	_, err := d.Download(context.Background(), asset.Request{
		URL:         ts.URL,
		Format:      asset.FormatPDF,
		Credentials: &asset.Credentials{Username: "reader", Password: "wrong"},
		MaxSizeMB:   1,
	})

	assert.ErrorIs(t, err, asset.ErrAuthRejected)
	var dlErr *asset.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, http.StatusUnauthorized, dlErr.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "exactly one digest retry")
}

func TestDownloader_UnauthorizedWithoutCredentials(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	d := asset.NewDownloader(t.TempDir(), time.Second)
	_, err := d.Download(context.Background(), asset.Request{URL: ts.URL, Format: asset.FormatPDF, MaxSizeMB: 1})

	var dlErr *asset.DownloadError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, http.StatusUnauthorized, dlErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPurgeCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "asset-1.pdf"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.db"), []byte("x"), 0o600))

	n, err := asset.PurgeCache(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"keep.db"}, listCache(t, dir))
}
