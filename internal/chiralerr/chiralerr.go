// Package chiralerr defines the orchestrator's error taxonomy: every error a
// source driver or storage layer reports is classified as Retryable or
// Permanent so the orchestrator can dispatch on behavior via errors.As
// instead of a central type switch.
package chiralerr

import (
	"errors"
	"fmt"
)

// Retryable errors warrant a backoff-and-retry, optionally against an
// alternate source; the failure is expected to be transient.
type Retryable interface {
	error
	Retryable() bool
}

// Permanent errors mean the current source (or session) should be dropped
// for this job; retrying against the same source/session cannot succeed.
type Permanent interface {
	error
	Permanent() bool
}

// Class names the taxonomy buckets from the error handling design.
type Class string

const (
	ClassCrypto      Class = "crypto"
	ClassIntegrity   Class = "integrity"
	ClassTransport   Class = "transport"
	ClassStorage     Class = "storage"
	ClassProtocol    Class = "protocol"
	ClassDiscovery   Class = "discovery"
)

// Error is the concrete type wrapping every classified error in the system.
type Error struct {
	Class     Class
	Code      string // e.g. "HashMismatch", "Timeout", "DiskFull"
	Err       error
	retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s/%s", e.Class, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this error's class/code is considered
// transient and worth a backoff-and-retry.
func (e *Error) Retryable() bool { return e.retryable }

// Permanent reports the inverse of Retryable: true when the current
// source/session should be dropped outright.
func (e *Error) Permanent() bool { return !e.retryable }

func newErr(class Class, code string, retryable bool, err error) *Error {
	return &Error{Class: class, Code: code, Err: err, retryable: retryable}
}

// Crypto errors are never retried; they are always terminal for the
// affected chunk or source.
func AuthFailure(err error) *Error  { return newErr(ClassCrypto, "AuthFailure", false, err) }
func WrapFailure(err error) *Error  { return newErr(ClassCrypto, "WrapFailure", false, err) }
func Capacity(err error) *Error     { return newErr(ClassCrypto, "Capacity", false, err) }

// Integrity errors terminate the current source and trigger a re-fetch
// elsewhere; trust is never widened to tolerate them.
func HashMismatch(err error) *Error      { return newErr(ClassIntegrity, "HashMismatch", false, err) }
func MerkleProofInvalid(err error) *Error {
	return newErr(ClassIntegrity, "MerkleProofInvalid", false, err)
}
func EtagChanged(err error) *Error { return newErr(ClassIntegrity, "EtagChanged", false, err) }

// Transport-retryable errors use exponential backoff with a capped attempt
// count, preferring an alternate source on repeated failure.
func Timeout(err error) *Error              { return newErr(ClassTransport, "Timeout", true, err) }
func TemporaryUnavailable(err error) *Error { return newErr(ClassTransport, "TemporaryUnavailable", true, err) }
func ServerError(err error) *Error          { return newErr(ClassTransport, "5xx", true, err) }
func ConnectionReset(err error) *Error      { return newErr(ClassTransport, "ConnectionReset", true, err) }

// Transport-permanent errors drop the source for this file outright.
func ClientError(err error) *Error        { return newErr(ClassTransport, "4xx", false, err) }
func UnsupportedRange(err error) *Error   { return newErr(ClassTransport, "UnsupportedRange", false, err) }
func AuthRejected(err error) *Error       { return newErr(ClassTransport, "Auth", false, err) }
func NotFound(err error) *Error           { return newErr(ClassTransport, "NotFound", false, err) }

// Storage errors pause the job and surface to the caller. DiskFull is
// resumable once space frees up; PermissionDenied is fatal.
func DiskFull(err error) *Error         { return newErr(ClassStorage, "DiskFull", true, err) }
func PermissionDenied(err error) *Error { return newErr(ClassStorage, "PermissionDenied", false, err) }
func IO(err error) *Error               { return newErr(ClassStorage, "Io", true, err) }

// Protocol errors are terminal per-session; a new session may retry.
func MalformedMessage(err error) *Error { return newErr(ClassProtocol, "MalformedMessage", false, err) }
func SequenceMismatch(err error) *Error { return newErr(ClassProtocol, "SequenceMismatch", false, err) }
func SessionExpired(err error) *Error   { return newErr(ClassProtocol, "SessionExpired", false, err) }

// NotFoundAtDHT is retryable for a bounded propagation window; callers that
// exceed that window should reclassify it as permanent themselves (the
// window is a job-level concern, not something this package can time).
func NotFoundAtDHT(err error) *Error { return newErr(ClassDiscovery, "NotFound", true, err) }

// IsRetryable reports whether err (or anything it wraps) is Retryable.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsPermanent reports whether err (or anything it wraps) is Permanent.
func IsPermanent(err error) bool {
	var p Permanent
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}
