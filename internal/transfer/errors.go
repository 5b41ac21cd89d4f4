package transfer

import (
	"context"
	"errors"
	"fmt"
)

type (
	// ConnectionFailedError covers dial failures, session losses and
	// per-operation timeouts. Always worth retrying.
	ConnectionFailedError struct {
		Server string
		err    error
	}

	// AuthenticationFailedError covers credential and share-access
	// rejections. Never retried, the outcome cannot change.
	AuthenticationFailedError struct {
		Server string
		User   string
		err    error
	}

	// RemoteWriteFailedError covers failures while writing or promoting
	// the remote file after a session was established.
	RemoteWriteFailedError struct {
		Path string
		err  error
	}

	// ChecksumMismatchError means the remote bytes do not match the
	// local source after a completed write. Retrying would re-read the
	// same bytes, so it is surfaced immediately.
	ChecksumMismatchError struct {
		Path     string
		Expected string
		Actual   string
	}
)

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Server, e.err)
}
func (e *ConnectionFailedError) Unwrap() error { return e.err }

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication of %s against %s failed: %v", e.User, e.Server, e.err)
}
func (e *AuthenticationFailedError) Unwrap() error { return e.err }

func (e *RemoteWriteFailedError) Error() string {
	return fmt.Sprintf("remote write to %s failed: %v", e.Path, e.err)
}
func (e *RemoteWriteFailedError) Unwrap() error { return e.err }

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, remote has %s", e.Path, e.Expected, e.Actual)
}

// FailureKind buckets transfer errors for the retry policy and the
// ledger's lastError column.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureConnection     FailureKind = "ConnectionFailed"
	FailureAuthentication FailureKind = "AuthenticationFailed"
	FailureRemoteWrite    FailureKind = "RemoteWriteFailed"
	FailureChecksum       FailureKind = "ChecksumMismatch"
	FailureCancelled      FailureKind = "Cancelled"
	FailureLocal          FailureKind = "LocalRead"
)

// KindOf classifies an error from a transfer attempt. Unrecognized
// errors are treated as local faults and not retried.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCancelled
	}

	var (
		connection *ConnectionFailedError
		auth       *AuthenticationFailedError
		write      *RemoteWriteFailedError
		checksum   *ChecksumMismatchError
	)
	switch {
	case errors.As(err, &auth):
		return FailureAuthentication
	case errors.As(err, &connection):
		return FailureConnection
	case errors.As(err, &write):
		return FailureRemoteWrite
	case errors.As(err, &checksum):
		return FailureChecksum
	default:
		return FailureLocal
	}
}

// RetryRule is one row of the static retry policy.
type RetryRule struct {
	Retryable   bool
	MaxAttempts int
}

// RetryPolicy is the complete retry behaviour of the transfer manager,
// kept as a single table so it can be audited and tested in isolation.
// MaxAttempts counts every attempt including the first.
var RetryPolicy = map[FailureKind]RetryRule{
	FailureConnection:     {Retryable: true, MaxAttempts: 5},
	FailureRemoteWrite:    {Retryable: true, MaxAttempts: 5},
	FailureAuthentication: {Retryable: false, MaxAttempts: 1},
	FailureChecksum:       {Retryable: false, MaxAttempts: 1},
	FailureCancelled:      {Retryable: false, MaxAttempts: 1},
	FailureLocal:          {Retryable: false, MaxAttempts: 1},
}

func ruleFor(kind FailureKind) RetryRule {
	if rule, ok := RetryPolicy[kind]; ok {
		return rule
	}

	return RetryRule{Retryable: false, MaxAttempts: 1}
}
