package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/icholy/digest"
)

const DefaultTimeout = 45 * time.Second

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Request struct {
	URL         string
	Format      Format
	Credentials *Credentials
	Headers     map[string]string
	MaxSizeMB   int
	// CacheDir holds the temp file; defaults to the downloader's directory.
	CacheDir string
}

type Downloader struct {
	client   *http.Client
	cacheDir string
}

func NewDownloader(cacheDir string, timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Downloader{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Download fetches req.URL into a new temp file and returns its path. The
// caller owns the file and must remove it.
func (d *Downloader) Download(ctx context.Context, req Request) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", &DownloadError{URL: req.URL, Err: err}
	}

	resp, err := d.do(ctx, req, "")
	if err != nil {
		return "", &DownloadError{URL: req.URL, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized && req.Credentials != nil {
		chal, chalErr := digest.FindChallenge(resp.Header)
		drain(resp)
		if chalErr != nil {
			return "", &DownloadError{URL: req.URL, StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("%w: basic auth refused and no digest challenge: %v", ErrAuthRejected, chalErr)}
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   http.MethodGet,
			URI:      u.RequestURI(),
			Count:    1,
			Username: req.Credentials.Username,
			Password: req.Credentials.Password,
		})
		if err != nil {
			return "", &DownloadError{URL: req.URL, StatusCode: http.StatusUnauthorized, Err: fmt.Errorf("%w: %v", ErrAuthRejected, err)}
		}

		slog.DebugContext(ctx, "retrying download with digest auth", "url", req.URL)
		resp, err = d.do(ctx, req, cred.String())
		if err != nil {
			return "", &DownloadError{URL: req.URL, Err: err}
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return "", &DownloadError{URL: req.URL, StatusCode: http.StatusUnauthorized, Err: ErrAuthRejected}
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DownloadError{URL: req.URL, StatusCode: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	limit := int64(req.MaxSizeMB) * 1024 * 1024
	if limit > 0 && resp.ContentLength > limit {
		return "", &DownloadError{URL: req.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: content-length %d", ErrSizeExceeded, resp.ContentLength)}
	}

	path, err := d.store(req, resp.Body, limit)
	if err != nil {
		return "", &DownloadError{URL: req.URL, StatusCode: resp.StatusCode, Err: err}
	}
	return path, nil
}

func (d *Downloader) do(ctx context.Context, req Request, digestAuth string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	switch {
	case digestAuth != "":
		httpReq.Header.Set("Authorization", digestAuth)
	case req.Credentials != nil:
		httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	}
	return d.client.Do(httpReq) // #nosec G107 -- acquisition URLs come from the catalog
}

// store streams body into a temp file and removes it again on any failure,
// including the moment the byte count passes limit.
func (d *Downloader) store(req Request, body io.Reader, limit int64) (string, error) {
	dir := req.CacheDir
	if dir == "" {
		dir = d.cacheDir
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	f, err := os.CreateTemp(dir, "asset-*."+string(req.Format))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	src := body
	if limit > 0 {
		src = io.LimitReader(body, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("write asset: %w", copyErr)
	case limit > 0 && n > limit:
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: more than %d bytes", ErrSizeExceeded, limit)
	case closeErr != nil:
		_ = os.Remove(path)
		return "", fmt.Errorf("close asset: %w", closeErr)
	}
	return path, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// PurgeCache removes leftover temp files from earlier runs.
func PurgeCache(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "asset-*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}
