package wasession

import (
	"sync"
	"time"
)

// State is the lifecycle state of a supervised session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingLogin
	StateConnected
	StateReconnecting
	// StateParked means the reconnect budget is exhausted. The session keeps
	// its credentials and record; the periodic health sweep or an explicit
	// reconnect request revives it.
	StateParked
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateParked:
		return "parked"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// LoginArtifact is the pending QR payload or pairing code for a session.
// At most one is active at a time; a new artifact overwrites the old one.
type LoginArtifact struct {
	Kind      ArtifactKind `json:"kind"`
	Value     string       `json:"value"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type ArtifactKind string

const (
	ArtifactQR      ArtifactKind = "qr"
	ArtifactPairing ArtifactKind = "pairing"
)

// Expired reports whether the artifact's freshness window has passed.
func (a *LoginArtifact) Expired(now time.Time) bool {
	return a != nil && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// SessionRecord is the registry's per-profile view: lifecycle state, the
// last-known linked phone, the pending login artifact and the reconnect
// attempt counter. One entity, one owner; the supervisor is the only writer.
type SessionRecord struct {
	mu sync.RWMutex

	profile     string
	state       State
	phone       string
	artifact    *LoginArtifact
	attempts    int
	lastError   string
	connectedAt time.Time
}

func newSessionRecord(profile string) *SessionRecord {
	return &SessionRecord{profile: profile, state: StateIdle}
}

func (r *SessionRecord) Profile() string {
	return r.profile
}

func (r *SessionRecord) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *SessionRecord) Phone() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phone
}

func (r *SessionRecord) Attempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts
}

// Artifact returns the pending login artifact, or nil if none is active or
// the active one has expired.
func (r *SessionRecord) Artifact() *LoginArtifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.artifact == nil || r.artifact.Expired(time.Now()) {
		return nil
	}
	copied := *r.artifact
	return &copied
}

// Snapshot is the wire-friendly status view served by the control surface.
type Snapshot struct {
	Profile     string         `json:"profile"`
	State       string         `json:"state"`
	Phone       string         `json:"phone,omitempty"`
	Artifact    *LoginArtifact `json:"login_artifact,omitempty"`
	Attempts    int            `json:"reconnect_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ConnectedAt *time.Time     `json:"connected_at,omitempty"`
}

func (r *SessionRecord) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Profile:   r.profile,
		State:     r.state.String(),
		Phone:     r.phone,
		Attempts:  r.attempts,
		LastError: r.lastError,
	}
	if r.artifact != nil && !r.artifact.Expired(time.Now()) {
		copied := *r.artifact
		snap.Artifact = &copied
	}
	if !r.connectedAt.IsZero() {
		t := r.connectedAt
		snap.ConnectedAt = &t
	}
	return snap
}

func (r *SessionRecord) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *SessionRecord) setArtifact(a *LoginArtifact) {
	r.mu.Lock()
	r.artifact = a
	r.mu.Unlock()
}

func (r *SessionRecord) setConnected(phone string) {
	r.mu.Lock()
	r.state = StateConnected
	r.phone = phone
	r.artifact = nil
	r.attempts = 0
	r.lastError = ""
	r.connectedAt = time.Now().UTC()
	r.mu.Unlock()
}

func (r *SessionRecord) bumpAttempts(lastError string) int {
	r.mu.Lock()
	r.attempts++
	r.lastError = lastError
	n := r.attempts
	r.mu.Unlock()
	return n
}

func (r *SessionRecord) resetAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}
