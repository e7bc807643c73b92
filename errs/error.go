// Package errs defines the error taxonomy shared by every component of the
// broker, and the mapping from that taxonomy to HTTP status codes.
package errs

import "net/http"

// Kind is the stable error classification clients and handlers switch on.
type Kind string

const (
	KindUnauthorized        Kind = "Unauthorized"
	KindIdentityNotFound    Kind = "IdentityNotFound"
	KindNotFound            Kind = "NotFound"
	KindInvalidParameter    Kind = "InvalidParameter"
	KindMissingParameter    Kind = "MissingParameter"
	KindInvalidHeader       Kind = "InvalidHeader"
	KindMissingHeader       Kind = "MissingHeader"
	KindInvalidMethod       Kind = "InvalidMethod"
	KindPayloadTooLarge     Kind = "PayloadTooLarge"
	KindInternalServerError Kind = "InternalServerError"
)

// Error is a developer-facing error wrapper that carries a stable Kind plus
// optional resource metadata (namespace, queue, key id) for logging. Its
// Error() string is safe to log but callers at the HTTP boundary must never
// forward it to the client verbatim for auth failures (see Unauthorized).
type Error struct {
	Kind     Kind
	msg      string
	resource string
	err      error
}

func New(kind Kind, msg string) Error {
	return Error{Kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, err error) Error {
	return Error{Kind: kind, msg: msg, err: err}
}

func (e Error) WithResource(resource string) Error {
	e.resource = resource
	return e
}

func (e Error) Error() string {
	s := string(e.Kind) + ": " + e.msg
	if e.resource != "" {
		s += " [" + e.resource + "]"
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e Error) Unwrap() error {
	return e.err
}

func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Unauthorized collapses every authentication/authorization failure into a
// single sentinel so identity existence is never leaked to the client, per
// the broker's error handling design.
func Unauthorized(msg string) Error {
	return New(KindUnauthorized, msg)
}

func IdentityNotFound(keyID string) Error {
	return New(KindIdentityNotFound, "access key not found").WithResource(keyID)
}

func NotFound(resource string) Error {
	return New(KindNotFound, "not found").WithResource(resource)
}

func InvalidParameter(name string) Error {
	return New(KindInvalidParameter, "invalid parameter").WithResource(name)
}

func MissingParameter(name string) Error {
	return New(KindMissingParameter, "missing parameter").WithResource(name)
}

func InvalidHeader(name string) Error {
	return New(KindInvalidHeader, "invalid header").WithResource(name)
}

func MissingHeader(name string) Error {
	return New(KindMissingHeader, "missing header").WithResource(name)
}

func InvalidMethod(action string) Error {
	return New(KindInvalidMethod, "unknown action").WithResource(action)
}

func PayloadTooLarge() Error {
	return New(KindPayloadTooLarge, "request body exceeds the configured limit")
}

func Internal(err error) Error {
	return Wrap(KindInternalServerError, "internal error", err)
}

// StatusCode maps a Kind to its pinned HTTP status, per the error handling
// design table. Anything unrecognized (should not happen for an Error value
// produced by this package) maps to 500.
func StatusCode(err error) int {
	var e Error
	if ae, ok := err.(Error); ok {
		e = ae
	} else {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case KindUnauthorized, KindIdentityNotFound:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidParameter, KindMissingParameter, KindInvalidHeader, KindMissingHeader, KindInvalidMethod:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage returns the message safe to return in an HTTP error body.
// Auth failures never reveal whether the underlying identity exists.
func ClientMessage(err error) string {
	e, ok := err.(Error)
	if !ok {
		return "internal server error"
	}
	switch e.Kind {
	case KindUnauthorized, KindIdentityNotFound:
		return "unauthorized"
	case KindInternalServerError:
		return "internal server error"
	default:
		return e.Error()
	}
}
