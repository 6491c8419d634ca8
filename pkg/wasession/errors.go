package wasession

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when an operation requires the transport
	// handshake to have progressed further than it has (e.g. requesting a
	// pairing code before the remote endpoint accepts one).
	ErrNotReady = errors.New("transport session is not ready for this operation")

	// ErrNotConnected is returned for operations that require a Connected
	// session, such as sending a message.
	ErrNotConnected = errors.New("session is not connected")

	// ErrNotInitialized is returned by registry lookups for profiles that
	// have no session record.
	ErrNotInitialized = errors.New("profile session is not initialized")

	// ErrAlreadyExists is returned when creating a session for a profile
	// that already has a live one.
	ErrAlreadyExists = errors.New("profile session already exists")

	// ErrTerminated is returned for operations on a supervisor whose
	// lifecycle has ended.
	ErrTerminated = errors.New("session is terminated")

	// ErrLoggedOut signals an authoritative remote logout. It is terminal:
	// credentials are purged and the profile must be re-linked from scratch.
	ErrLoggedOut = errors.New("remote endpoint revoked the session")

	// ErrBundleNotFound is returned by the credential store when no bundle
	// exists for a profile.
	ErrBundleNotFound = errors.New("credential bundle not found")
)

// TransportError wraps a recoverable network or protocol failure. The
// supervisor reacts to it with the reconnect policy rather than terminating.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error during " + e.Op
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// PersistenceError wraps a durable-store failure. These are retried in the
// background and never abort an otherwise-successful connection.
type PersistenceError struct {
	Profile string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure for profile %s: %v", e.Profile, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError marks invalid caller input, rejected synchronously with
// no retry.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
