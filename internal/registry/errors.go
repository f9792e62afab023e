package registry

import (
	"errors"
	"fmt"
)

// MetadataFetchError reports a failed registry query: transport error,
// non-200 status (404 included), undecodable body or missing fields.
type MetadataFetchError struct {
	Package    string
	StatusCode int
	Err        error
}

func (e *MetadataFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch metadata for %s: status %d: %v", e.Package, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch metadata for %s: %v", e.Package, e.Err)
}

func (e *MetadataFetchError) Unwrap() error { return e.Err }

// ErrNotFound is wrapped by MetadataFetchError when the registry answers 404.
var ErrNotFound = errors.New("package not found")

// IsMetadataFetch reports whether err is a MetadataFetchError.
func IsMetadataFetch(err error) bool {
	var e *MetadataFetchError
	return errors.As(err, &e)
}
