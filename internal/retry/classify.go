package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

var retryableStatusCodes = map[int]struct{}{
	408: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

var retryableFragments = []string{"connection", "timeout", "fetch"}

type retryableError struct {
	err error
}

func (wrapped retryableError) Error() string {
	return wrapped.err.Error()
}

func (wrapped retryableError) Unwrap() error {
	return wrapped.err
}

// MarkRetryable flags err as transient for IsRetryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err describes a transient condition.
// It depends only on the error value.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked retryableError
	if errors.As(err, &marked) {
		return true
	}

	var networkErr net.Error
	if errors.As(err, &networkErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var statusErr StatusCoder
	if errors.As(err, &statusErr) {
		if _, ok := retryableStatusCodes[statusErr.StatusCode()]; ok {
			return true
		}
	}

	message := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}
