package download

import (
	"errors"
	"fmt"
)

// DownloadError reports a failed transfer. Truncated is set when the body
// ended before the declared length was reached.
type DownloadError struct {
	URL        string
	StatusCode int
	Truncated  bool
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

var (
	// ErrMissingLength means the response did not declare a Content-Length.
	ErrMissingLength = errors.New("missing content length")
	// ErrTruncated means fewer bytes arrived than were declared.
	ErrTruncated = errors.New("truncated transfer")
	// ErrDigestMismatch means the file does not match the expected sha256.
	ErrDigestMismatch = errors.New("sha256 mismatch")
)

// IsDownload reports whether err is a DownloadError.
func IsDownload(err error) bool {
	var e *DownloadError
	return errors.As(err, &e)
}
