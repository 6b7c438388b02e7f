package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks a failure worth retrying (network, timeout, 5xx)
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix (bad credentials,
// unknown resource, malformed request)
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Fatal wraps err as a FatalError
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Untagged network and
// deadline errors count as transient; everything else does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
