// Package errs defines the error taxonomy shared by every layer of the OTR
// core: protocol framing failures, cryptographic validation failures,
// policy violations, and operations invalid for the current state.
package errs

import "fmt"

// Code identifies which branch of the taxonomy an error belongs to, so
// callers (chiefly the dispatcher) can decide drop-vs-surface without
// string matching.
type Code int

const (
	// Protocol marks malformed framing, bad lengths, or fragment disorder.
	Protocol Code = iota
	// Crypto marks a signature, MAC, hash, or group-element check failure.
	Crypto
	// Policy marks a disallowed version or insufficient policy to start.
	Policy
	// State marks an operation invalid in the current message/AKE/SMP state.
	State
	// Host marks an error recovered from a host callback.
	Host
)

func (c Code) String() string {
	switch c {
	case Protocol:
		return "protocol"
	case Crypto:
		return "crypto"
	case Policy:
		return "policy"
	case State:
		return "state"
	case Host:
		return "host"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error wrapping an underlying cause.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("otr: %s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("otr: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(code Code, op string, format string, a ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, a...)}
}

// ProtocolError reports malformed framing, a bad length, or fragment disorder.
func ProtocolError(op string, format string, a ...any) *Error {
	return newf(Protocol, op, format, a...)
}

// CryptoError reports a signature, MAC, hash, or group-element check failure.
func CryptoError(op string, format string, a ...any) *Error {
	return newf(Crypto, op, format, a...)
}

// PolicyError reports a disallowed version or insufficient policy to start.
func PolicyError(op string, format string, a ...any) *Error {
	return newf(Policy, op, format, a...)
}

// StateError reports an operation invalid in the current state.
func StateError(op string, format string, a ...any) *Error {
	return newf(State, op, format, a...)
}

// HostError wraps an error recovered from a host callback so it cannot
// corrupt the calling sub-session's state.
func HostError(op string, err error) *Error {
	return &Error{Code: Host, Op: op, Err: err}
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if as(err, &e) {
		return e.Code == code
	}
	return false
}

func as(err error, target **Error) bool {
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
