package client

import (
	"errors"
	"fmt"
)

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrMissingLocation  = errors.New("redirect with no Location header")
)

type HTTPStatusError struct {
	StatusCode int
}

func ErrUnexpectedHTTPStatus(statusCode int) error {
	return HTTPStatusError{StatusCode: statusCode}
}

var _ error = &HTTPStatusError{}

func (c HTTPStatusError) Error() string {
	return fmt.Sprintf("Status code %d", c.StatusCode)
}
