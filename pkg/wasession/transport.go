package wasession

import (
	"context"
	"time"
)

// Dialer produces transport sessions. Implementations own the wire protocol
// and its cryptography; this package only drives their lifecycle.
type Dialer interface {
	// Dial opens a fresh transport session for a profile using its current
	// credential bundle. A nil bundle means a fresh identity: the remote
	// endpoint will issue login artifacts before accepting the link.
	Dial(ctx context.Context, profile string, bundle *CredentialBundle) (Conn, error)
}

// Conn is one live encrypted connection instance. Its event stream is
// ordered and finite: it ends when End is called or the connection closes
// fatally. A reconnect always means a fresh Conn with a fresh stream.
type Conn interface {
	// Events returns the connection's event stream. The channel is closed
	// after the terminal Closed event has been delivered.
	Events() <-chan Event

	// SendMessage sends a text message. Fails with ErrNotConnected until the
	// remote endpoint has accepted the login.
	SendMessage(ctx context.Context, recipient string, body string) (string, error)

	// RequestPairingCode asks the remote endpoint for a phone-link code.
	// Fails with ErrNotReady until the handshake has reached the point where
	// the remote party accepts pairing requests; it never hangs waiting for
	// that point.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// End tears the connection down. Idempotent; always releases the
	// underlying socket.
	End()
}

// CloseReason classifies why a transport session ended.
type CloseReason int

const (
	// CloseTransportFailure covers recoverable network/protocol failures;
	// the supervisor schedules a reconnect.
	CloseTransportFailure CloseReason = iota
	// CloseLoggedOut is the authoritative remote logout signal; terminal.
	CloseLoggedOut
	// CloseEnded means the local side called End.
	CloseEnded
)

func (r CloseReason) String() string {
	switch r {
	case CloseTransportFailure:
		return "transport_failure"
	case CloseLoggedOut:
		return "logged_out"
	case CloseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is the union of everything a transport session reports upward. The
// supervisor switches on the concrete type.
type Event interface {
	isTransportEvent()
}

// QRCodeEvent carries a fresh QR login artifact. Each new code supersedes
// the previous one.
type QRCodeEvent struct {
	Code      string
	ExpiresAt time.Time
}

// PairingCodeEvent carries a phone-link code issued after RequestPairingCode.
type PairingCodeEvent struct {
	Code      string
	ExpiresAt time.Time
}

// LoginAcceptedEvent signals the remote party accepted the device link. The
// session is Connected from this point.
type LoginAcceptedEvent struct {
	Phone string
}

// CredentialsUpdatedEvent carries a ratchet-state delta to be applied to the
// profile's credential bundle.
type CredentialsUpdatedEvent struct {
	Delta BundleDelta
}

// MessageEvent is one inbound message. MessageID is stable for dedupe on the
// consumer side; this subsystem does not persist messages.
type MessageEvent struct {
	MessageID string
	Sender    string
	Body      string
	Timestamp time.Time
}

// ClosedEvent is the terminal event of every stream.
type ClosedEvent struct {
	Reason CloseReason
	Err    error
}

func (QRCodeEvent) isTransportEvent()             {}
func (PairingCodeEvent) isTransportEvent()        {}
func (LoginAcceptedEvent) isTransportEvent()      {}
func (CredentialsUpdatedEvent) isTransportEvent() {}
func (MessageEvent) isTransportEvent()            {}
func (ClosedEvent) isTransportEvent()             {}
