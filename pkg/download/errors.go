package download

import (
	"errors"
	"fmt"

	"github.com/chunkdl/chunkdl/pkg/client"
	"github.com/chunkdl/chunkdl/pkg/store"
)

var (
	ErrNotFound          = store.ErrNotFound
	ErrShutdown          = errors.New("download manager is shut down")
	ErrSizeMismatch      = errors.New("Size Mismatch") //nolint:stylecheck
	ErrRangeIgnored      = errors.New("server ignored range request")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrInvalidURL        = errors.New("invalid download url")

	errCancelled  = errors.New("Cancelled") //nolint:stylecheck
	errSuperseded = errors.New("run superseded")
)

// permanentError marks a failure that retrying the same request cannot fix.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, client.ErrTooManyRedirects) || errors.Is(err, client.ErrMissingLocation)
}

func rangeIgnored(offset int64) error {
	return permanent(fmt.Errorf("%w: got 200 OK resuming at byte %d", ErrRangeIgnored, offset))
}
