package asset

import (
	"errors"
	"fmt"
)

var (
	ErrSizeExceeded = errors.New("asset exceeds maximum size")
	ErrAuthRejected = errors.New("authentication rejected")
)

// DownloadError covers connection failures, timeouts, non-2xx responses,
// rejected credentials and size overflow.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
