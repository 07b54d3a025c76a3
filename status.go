// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bassosimone/ioengine/quota"
)

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// StatusCode is the engine's outcome taxonomy (§7): every asynchronous
// completion callback (Read, Write, Connect, Accept shutdown, DNS
// lookup) reports one of these kinds rather than a bare error, so
// callers can branch on outcome class without string-matching error
// text.
type StatusCode int

const (
	// StatusOk reports success.
	StatusOk StatusCode = iota

	// StatusCancelled reports that the operation was cancelled, either
	// explicitly (Cancel returned true) or implicitly (owning object
	// destroyed while the operation was outstanding).
	StatusCancelled

	// StatusDeadlineExceeded reports that the caller-supplied deadline
	// was reached before the operation completed.
	StatusDeadlineExceeded

	// StatusUnreachable reports a transport-level failure reaching the
	// peer (connection refused, reset, network unreachable).
	StatusUnreachable

	// StatusResourceExhausted reports that a quota refused an
	// allocation needed to make progress.
	StatusResourceExhausted

	// StatusInvalidUsage reports a programmer error (overlapping
	// Read/Write, use-after-close). Implementations should abort the
	// process rather than return this in production paths; it exists
	// so tests can assert the contract without crashing the test
	// binary.
	StatusInvalidUsage

	// StatusInternal reports an unclassified internal failure.
	StatusInternal

	// StatusNotFound reports a DNS lookup that completed successfully
	// with no matching records.
	StatusNotFound

	// StatusUnimplemented reports a code path intentionally left
	// unimplemented (e.g. a poll strategy unavailable on the current
	// platform).
	StatusUnimplemented
)

// String implements [fmt.Stringer].
func (c StatusCode) String() string {
	switch c {
	case StatusOk:
		return "Ok"
	case StatusCancelled:
		return "Cancelled"
	case StatusDeadlineExceeded:
		return "DeadlineExceeded"
	case StatusUnreachable:
		return "Unreachable"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusInvalidUsage:
		return "InvalidUsage"
	case StatusInternal:
		return "Internal"
	case StatusNotFound:
		return "NotFound"
	case StatusUnimplemented:
		return "Unimplemented"
	default:
		return "Unknown"
	}
}

// Status pairs a [StatusCode] with the wrapped cause, if any. The
// zero value is [StatusOk] with a nil Reason.
type Status struct {
	Code   StatusCode
	Reason error
}

// OkStatus returns a success [Status].
func OkStatus() Status {
	return Status{Code: StatusOk}
}

// Ok reports whether s represents success.
func (s Status) Ok() bool {
	return s.Code == StatusOk
}

// Error implements the error interface, so a [Status] can be returned
// or wrapped anywhere an error is expected.
func (s Status) Error() string {
	if s.Reason != nil {
		return fmt.Sprintf("%s: %s", s.Code, s.Reason)
	}
	return s.Code.String()
}

// Unwrap lets [errors.Is] and [errors.As] see through to the
// wrapped cause.
func (s Status) Unwrap() error {
	return s.Reason
}

// NewStatus builds a [Status] from a code and its wrapped cause.
func NewStatus(code StatusCode, reason error) Status {
	return Status{Code: code, Reason: reason}
}

// NewStatusFromError builds a [Status] by classifying err with
// [classifyStatus], for components that have no more specific mapping
// of their own (unlike [*Endpoint.classifyIOError],
// [*Connector.classifyConnectError], and [*Resolver.classifyDNSError],
// which special-case transport-level failures).
func NewStatusFromError(err error) Status {
	return Status{Code: classifyStatus(err), Reason: err}
}

// classifyStatus maps a context or quota sentinel error to the
// corresponding [StatusCode]; anything else not recognized here
// becomes StatusInternal. This is the engine-wide fallback used by
// components that surface a [Status] without a more specific mapping.
func classifyStatus(err error) StatusCode {
	switch {
	case err == nil:
		return StatusOk
	case isCancelled(err):
		return StatusCancelled
	case isDeadlineExceeded(err):
		return StatusDeadlineExceeded
	case errors.Is(err, quota.ErrExhausted):
		return StatusResourceExhausted
	default:
		return StatusInternal
	}
}
