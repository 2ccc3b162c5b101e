// Package berrors provides the error taxonomy used throughout the proxy
// core. Callers distinguish error kinds with errors.Is/errors.As (or this
// package's Is helper) rather than string matching, the same way boulder's
// berrors package is used in ca.go (here: errors.Is(err, berrors.NotFoundErr)
// or berrors.Is(err, berrors.NotFound)).
package berrors

import (
	"errors"
	"fmt"
)

// ErrorType labels the kind of failure that occurred, matching the taxonomy
// in the interception engine's error handling design.
type ErrorType int

const (
	_ ErrorType = iota
	// ConfigError is an invalid listen port or bad upstream address.
	ConfigError
	// CaUnavailable means interception was requested but no CA is loaded.
	CaUnavailable
	// CertIssueFailed wraps a key generation or signing failure.
	CertIssueFailed
	// UpstreamUnreachable means a direct or proxied connect failed.
	UpstreamUnreachable
	// UpstreamProtocol means a non-2xx CONNECT response, or a malformed one.
	UpstreamProtocol
	// TlsHandshakeFailed wraps a client-facing or server-facing handshake failure.
	TlsHandshakeFailed
	// MalformedRequest means the HTTP request could not be parsed.
	MalformedRequest
	// MalformedResponse means the HTTP response could not be parsed.
	MalformedResponse
	// HeaderTooLarge means headers exceeded the 64 KiB cap.
	HeaderTooLarge
	// BodyTooLarge means a body exceeded the configured cap.
	BodyTooLarge
	// ProtocolViolation is a WebSocket framing violation.
	ProtocolViolation
	// Timeout means a phase exceeded its deadline.
	Timeout
	// PersistenceError wraps a traffic-store failure.
	PersistenceError
	// NotFound means the requested object does not exist.
	NotFound
)

func (t ErrorType) String() string {
	switch t {
	case ConfigError:
		return "ConfigError"
	case CaUnavailable:
		return "CaUnavailable"
	case CertIssueFailed:
		return "CertIssueFailed"
	case UpstreamUnreachable:
		return "UpstreamUnreachable"
	case UpstreamProtocol:
		return "UpstreamProtocol"
	case TlsHandshakeFailed:
		return "TlsHandshakeFailed"
	case MalformedRequest:
		return "MalformedRequest"
	case MalformedResponse:
		return "MalformedResponse"
	case HeaderTooLarge:
		return "HeaderTooLarge"
	case BodyTooLarge:
		return "BodyTooLarge"
	case ProtocolViolation:
		return "ProtocolViolation"
	case Timeout:
		return "Timeout"
	case PersistenceError:
		return "PersistenceError"
	case NotFound:
		return "NotFound"
	default:
		return "UnknownError"
	}
}

// ProxyError is the concrete error type returned by every package in the
// interception engine. It carries a typed Kind so callers can branch on
// failure category without parsing strings, plus an optional wrapped cause
// and a side value (e.g. which TLS side, or which timeout phase failed).
type ProxyError struct {
	Kind   ErrorType
	Detail string
	Side   string // set by TlsHandshakeFailed: "client" or "server"
	Phase  string // set by Timeout: the phase that timed out
	cause  error
}

func (e *ProxyError) Error() string {
	switch e.Kind {
	case TlsHandshakeFailed:
		if e.Side != "" {
			return fmt.Sprintf("%s (%s side): %s", e.Kind, e.Side, e.Detail)
		}
	case Timeout:
		if e.Phase != "" {
			return fmt.Sprintf("%s (%s): %s", e.Kind, e.Phase, e.Detail)
		}
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ProxyError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is matching against the sentinel Kind comparisons
// used elsewhere, e.g. errors.Is(err, berrors.NotFoundErr).
func (e *ProxyError) Is(target error) bool {
	var other *ProxyError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newf(kind ErrorType, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Sentinel instances usable directly with errors.Is, mirroring berrors.NotFound.
var (
	NotFoundErr = &ProxyError{Kind: NotFound, Detail: "not found"}
)

func Configf(format string, args ...interface{}) *ProxyError {
	return newf(ConfigError, format, args...)
}

func CaUnavailablef(format string, args ...interface{}) *ProxyError {
	return newf(CaUnavailable, format, args...)
}

func CertIssueFailedf(cause error, format string, args ...interface{}) *ProxyError {
	e := newf(CertIssueFailed, format, args...)
	e.cause = cause
	return e
}

func UpstreamUnreachablef(format string, args ...interface{}) *ProxyError {
	return newf(UpstreamUnreachable, format, args...)
}

func UpstreamProtocolf(format string, args ...interface{}) *ProxyError {
	return newf(UpstreamProtocol, format, args...)
}

func TlsHandshakeFailedf(side string, cause error, format string, args ...interface{}) *ProxyError {
	e := newf(TlsHandshakeFailed, format, args...)
	e.Side = side
	e.cause = cause
	return e
}

func MalformedRequestf(format string, args ...interface{}) *ProxyError {
	return newf(MalformedRequest, format, args...)
}

func MalformedResponsef(format string, args ...interface{}) *ProxyError {
	return newf(MalformedResponse, format, args...)
}

func HeaderTooLargef(format string, args ...interface{}) *ProxyError {
	return newf(HeaderTooLarge, format, args...)
}

func BodyTooLargef(format string, args ...interface{}) *ProxyError {
	return newf(BodyTooLarge, format, args...)
}

func ProtocolViolationf(format string, args ...interface{}) *ProxyError {
	return newf(ProtocolViolation, format, args...)
}

func Timeoutf(phase string, format string, args ...interface{}) *ProxyError {
	e := newf(Timeout, format, args...)
	e.Phase = phase
	return e
}

func PersistenceErrorf(cause error, format string, args ...interface{}) *ProxyError {
	e := newf(PersistenceError, format, args...)
	e.cause = cause
	return e
}

func NotFoundf(format string, args ...interface{}) *ProxyError {
	return newf(NotFound, format, args...)
}

// Is reports whether err is a *ProxyError of the given kind.
func Is(err error, kind ErrorType) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
