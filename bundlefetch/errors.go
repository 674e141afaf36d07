package bundlefetch

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported bundle uri scheme")
	ErrInvalidAppID      = errors.New("invalid application id")
)

// FetchError describes a bundle that could not be retrieved.  StatusCode is
// only set when an HTTP server answered with a non-success status.
type FetchError struct {
	URI        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch bundle %s: status %d: %s", e.URI, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("failed to fetch bundle %s: %s", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
