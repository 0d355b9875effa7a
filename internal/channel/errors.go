package channel

import (
	"errors"
	"strings"
)

// Error taxonomy shared by the core. Expected operational conditions are
// reported through these sentinels (wrapped with %w where context helps);
// the core's public surface converts them to booleans and reports.
var (
	// ErrInit marks a channel that failed to start.
	ErrInit = errors.New("channel: initialization failed")

	// ErrAuthFailure is terminal for the current channel instance. The
	// owning session must destroy the channel before any retry.
	ErrAuthFailure = errors.New("channel: authentication failed")

	// ErrSessionClosed means the remote side already tore the session down.
	// Treated as equivalent to logout, not as a crash.
	ErrSessionClosed = errors.New("channel: session externally closed")

	// ErrNotReady means a readiness wait exceeded its ceiling. Advisory:
	// callers proceed with a warning rather than hard-failing.
	ErrNotReady = errors.New("channel: not ready")

	// ErrNotInitialized marks a sub-component that exists but is not yet
	// callable. Readiness probing retries on it.
	ErrNotInitialized = errors.New("channel: subsystem not initialized")

	// ErrNotFound is a domain result, not a failure: the subsystem answered
	// and the entity does not exist.
	ErrNotFound = errors.New("channel: not found")
)

// notInitializedSignatures match the error text of external libraries that
// do not wrap our sentinels. Kept deliberately narrow.
var notInitializedSignatures = []string{
	"not initialized",
	"undefined",
	"no websocket",
	"websocket not connected",
	"store is nil",
}

var sessionClosedSignatures = []string{
	"session closed",
	"logged out",
	"client outdated",
	"connection closed by server",
}

// IsNotInitialized classifies err as "subsystem not callable yet".
// This is the probe's tie-break: a domain error (e.g. ErrNotFound) means
// the subsystem IS initialized and simply returned a negative result.
func IsNotInitialized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrNotInitialized) {
		return true
	}
	return matchesAny(err, notInitializedSignatures)
}

// IsSessionClosed reports whether err indicates the remote side already
// invalidated the session.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	return matchesAny(err, sessionClosedSignatures)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func matchesAny(err error, sigs []string) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range sigs {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
