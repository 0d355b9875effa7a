// Package channel defines the contract between the session core and the
// external chat-network connection it drives.
//
// A Channel is one authenticated connection owned by exactly one tenant
// session. The core consumes it purely through this event/operation
// surface; the concrete implementation (see wameow) owns credentials,
// transport and persistence.
package channel

import "context"

type EventKind string

const (
	EventChallenge     EventKind = "challenge-issued"
	EventReady         EventKind = "ready"
	EventAuthenticated EventKind = "authenticated"
	EventAuthFailure   EventKind = "auth-failure"
	EventDisconnected  EventKind = "disconnected"
	EventPageError     EventKind = "page-error"
	EventLoading       EventKind = "loading"
)

// Event is one lifecycle signal emitted by a Channel.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Token   string // EventChallenge: opaque challenge token to present out-of-band
	Reason  string // EventAuthFailure / EventDisconnected
	Err     error  // EventPageError
	Percent int    // EventLoading
	Message string // EventLoading
}

// ReasonNavigation marks a benign disconnect caused by an expected
// navigation/stream replacement. It must not trigger session recovery.
const ReasonNavigation = "NAVIGATION"

type Contact struct {
	Address  string
	Name     string
	PushName string
	Business bool
}

type Identity struct {
	DisplayName string
	Address     string
}

// Channel is one stateful connection to the chat network.
//
// All operations honor ctx cancellation. Implementations must be safe
// for concurrent use, but callers are expected to serialize logical
// operations per tenant (the core enforces this).
type Channel interface {
	// Initialize starts the connection. For an unauthenticated channel it
	// eventually emits EventChallenge; for a restored one, EventAuthenticated
	// and/or EventReady.
	Initialize(ctx context.Context) error

	// Destroy tears the connection down and releases resources. It does not
	// invalidate stored credentials.
	Destroy(ctx context.Context) error

	// Reload restarts the underlying transport in place, keeping credentials.
	// Used as the single readiness-probe escalation.
	Reload(ctx context.Context) error

	// Logout invalidates the stored credentials remotely and locally.
	Logout(ctx context.Context) error

	SendText(ctx context.Context, address, text string) error
	SendFile(ctx context.Context, address, path, caption string) error

	// ContactByID returns ErrNotFound for an unknown address. Returning
	// ErrNotInitialized means the contact subsystem is not ready yet.
	ContactByID(ctx context.Context, address string) (*Contact, error)
	Contacts(ctx context.Context) ([]Contact, error)

	ConnectionState(ctx context.Context) (string, error)
	SelfIdentity(ctx context.Context) (*Identity, error)

	// Subscribe registers a lifecycle listener and returns its remover.
	// Listeners must not block; events may be delivered from internal
	// goroutines.
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Factory builds one Channel per tenant. The tenant id is already
// sanitized by the registry.
type Factory func(tenantID string) (Channel, error)
