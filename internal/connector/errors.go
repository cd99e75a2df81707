package connector

import (
	"errors"
	"fmt"
)

// TransportError reports that no association could be established after
// the configured retries.
type TransportError struct {
	Server   string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("could not associate with %s after %d attempt(s): %v", e.Server, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigurationError reports that the server profile or the request cannot
// support the operation. It is never worth retrying.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// RetriableError reports an operation that failed on a working association.
// Schedulers should retry it later, with a longer delay when
// ExtendedBackoff is set.
type RetriableError struct {
	Msg             string
	ExtendedBackoff bool
	Err             error
}

func (e *RetriableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%v)", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RetriableError) Unwrap() error { return e.Err }

// InvariantError reports a programming or protocol assumption that does not
// hold. The enclosing job should be aborted.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violated: " + e.Msg }

func configError(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

func invariant(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

func retriable(msg string) error {
	return &RetriableError{Msg: msg}
}

func retriableWrap(msg string, err error) error {
	return &RetriableError{Msg: msg, Err: err}
}

// Kind names the error class for logs, metrics and audit records.
func Kind(err error) string {
	var (
		transport *TransportError
		config    *ConfigurationError
		retry     *RetriableError
		inv       *InvariantError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &config):
		return "configuration"
	case errors.As(err, &inv):
		return "invariant"
	case errors.As(err, &retry):
		if retry.ExtendedBackoff {
			return "retriable_extended"
		}
		return "retriable"
	default:
		return "error"
	}
}
