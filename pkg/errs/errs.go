// Package errs defines the error taxonomy shared across the execution
// fabric. Every kind below is a tagged result value, never a control-flow
// exception: callers inspect Kind() and the structured fields instead of
// matching on error strings. The core never silently downgrades a denial
// to success and never retries a denial internally.
package errs

import "fmt"

// Kind identifies which of the taxonomy's error families an error
// belongs to.
type Kind string

const (
	KindCapability   Kind = "capability_error"
	KindPolicy       Kind = "policy_violation"
	KindQuota        Kind = "quota_exceeded"
	KindDomain       Kind = "domain_violation"
	KindIntegrity    Kind = "integrity_error"
	KindProtocol     Kind = "protocol_error"
	KindApproval     Kind = "approval_denied"
	KindPending      Kind = "approval_pending"
	KindRegistration Kind = "registration_failed"
)

// Error is the common shape for every taxonomy member: a kind, a
// human-readable message, and an optional wrapped cause so
// errors.Is/errors.As keep working across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Capability(format string, args ...any) *Error { return new_(KindCapability, format, args...) }
func Policy(format string, args ...any) *Error     { return new_(KindPolicy, format, args...) }
func Quota(format string, args ...any) *Error      { return new_(KindQuota, format, args...) }
func Domain(format string, args ...any) *Error     { return new_(KindDomain, format, args...) }
func Protocol(format string, args ...any) *Error   { return new_(KindProtocol, format, args...) }
func Approval(format string, args ...any) *Error   { return new_(KindApproval, format, args...) }
func Pending(format string, args ...any) *Error    { return new_(KindPending, format, args...) }

func Integrity(cause error, format string, args ...any) *Error {
	return wrap(KindIntegrity, cause, format, args...)
}

func Registration(cause error, format string, args ...any) *Error {
	return wrap(KindRegistration, cause, format, args...)
}

// Is reports whether err belongs to the taxonomy and, if so, whether its
// Kind equals kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !asError(err, &e) {
		return false
	}
	return e.Kind == kind
}

// asError is a small local errors.As to avoid importing "errors" twice
// for a one-line helper; behaves identically for the *Error chain used
// throughout this module.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
