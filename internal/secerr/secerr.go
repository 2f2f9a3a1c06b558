// Package secerr defines the error taxonomy of the protection layer.
// Integrity failures always fail closed; configuration and protocol
// failures may degrade gracefully at the caller's discretion.
package secerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration: encryption infrastructure absent or misconfigured.
	// Non-fatal; callers fall back to pass-through behavior.
	KindConfiguration
	// KindProtocol: a peer sent something unparseable. Suspicious but
	// recoverable when strict mode is off.
	KindProtocol
	// KindIntegrity: tamper, replay, or key-confusion evidence. Fatal;
	// no data is ever returned alongside one of these.
	KindIntegrity
	// KindResourceExhaustion: a bounded resource hit its cap.
	KindResourceExhaustion
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindIntegrity:
		return "integrity"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	default:
		return "unknown"
	}
}

var (
	ErrNoServerKey           = errors.New("no server encryption key configured")
	ErrMalformedEnvelope     = errors.New("malformed envelope")
	ErrMissingSessionKey     = errors.New("no session key for request")
	ErrMACMismatch           = errors.New("message authentication failed")
	ErrChecksumMismatch      = errors.New("storage checksum mismatch")
	ErrIntegrityHashMismatch = errors.New("integrity hash mismatch")
	ErrFingerprintMismatch   = errors.New("device fingerprint mismatch")
	ErrTokenExpired          = errors.New("auth token expired")
)

// Error tags an underlying error with its taxonomy kind and the
// operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the wrap chain and returns the first tagged kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsIntegrity reports whether err is a fail-closed integrity violation.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }

// IsProtocol reports whether err is a recoverable protocol failure.
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }
