package gateway

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// RequestError is a failed gateway request: either a transport error (Err
// set, possibly a timeout) or an HTTP error status.
type RequestError struct {
	Status  int
	Timeout bool
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway request: %v", e.Err)
	}
	return fmt.Sprintf("gateway returned status %d", e.Status)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports whether the request may be retried: network timeouts,
// HTTP 429 and HTTP 5xx. Everything else is definitive.
func (e *RequestError) Retryable() bool {
	if e.Err != nil {
		return e.Timeout
	}
	return e.Status == 429 || e.Status >= 500
}

func isTimeout(err error) bool {
	if os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
