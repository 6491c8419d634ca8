package wasession

import (
	"encoding/json"
	"time"
)

// CredentialBundle is the durable cryptographic identity for a profile: the
// long-term identity keypair, registration metadata and the evolving set of
// session/ratchet keys accumulated during the handshake and later message
// exchange. The byte-level content of the keys is opaque to this package.
type CredentialBundle struct {
	Profile      string            `json:"profile"`
	IdentityKey  []byte            `json:"identity_key,omitempty"`
	Registration map[string]string `json:"registration,omitempty"`
	SessionKeys  map[string][]byte `json:"session_keys,omitempty"`
	LinkedPhone  string            `json:"linked_phone,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// BundleDelta is an incremental update produced by the transport session,
// typically once per ratchet step. Nil fields leave the bundle untouched.
type BundleDelta struct {
	IdentityKey  []byte            `json:"identity_key,omitempty"`
	Registration map[string]string `json:"registration,omitempty"`
	SessionKeys  map[string][]byte `json:"session_keys,omitempty"`
	RemovedKeys  []string          `json:"removed_keys,omitempty"`
	LinkedPhone  string            `json:"linked_phone,omitempty"`
}

// NewCredentialBundle returns an empty bundle for a fresh identity.
func NewCredentialBundle(profile string) *CredentialBundle {
	return &CredentialBundle{
		Profile:      profile,
		Registration: make(map[string]string),
		SessionKeys:  make(map[string][]byte),
		UpdatedAt:    time.Now().UTC(),
	}
}

// Apply merges a delta into the bundle. Removals run after additions so a
// delta can atomically rotate a key under the same name.
func (b *CredentialBundle) Apply(delta BundleDelta) {
	if len(delta.IdentityKey) > 0 {
		b.IdentityKey = append([]byte(nil), delta.IdentityKey...)
	}
	if len(delta.Registration) > 0 {
		if b.Registration == nil {
			b.Registration = make(map[string]string, len(delta.Registration))
		}
		for k, v := range delta.Registration {
			b.Registration[k] = v
		}
	}
	if len(delta.SessionKeys) > 0 {
		if b.SessionKeys == nil {
			b.SessionKeys = make(map[string][]byte, len(delta.SessionKeys))
		}
		for k, v := range delta.SessionKeys {
			b.SessionKeys[k] = append([]byte(nil), v...)
		}
	}
	for _, k := range delta.RemovedKeys {
		delete(b.SessionKeys, k)
	}
	if delta.LinkedPhone != "" {
		b.LinkedPhone = delta.LinkedPhone
	}
	b.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to other goroutines.
func (b *CredentialBundle) Clone() *CredentialBundle {
	if b == nil {
		return nil
	}
	out := &CredentialBundle{
		Profile:     b.Profile,
		LinkedPhone: b.LinkedPhone,
		UpdatedAt:   b.UpdatedAt,
	}
	if b.IdentityKey != nil {
		out.IdentityKey = append([]byte(nil), b.IdentityKey...)
	}
	if b.Registration != nil {
		out.Registration = make(map[string]string, len(b.Registration))
		for k, v := range b.Registration {
			out.Registration[k] = v
		}
	}
	if b.SessionKeys != nil {
		out.SessionKeys = make(map[string][]byte, len(b.SessionKeys))
		for k, v := range b.SessionKeys {
			out.SessionKeys[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// HasIdentity reports whether the bundle carries a usable prior identity, in
// which case the transport can resume instead of issuing login artifacts.
func (b *CredentialBundle) HasIdentity() bool {
	return b != nil && len(b.IdentityKey) > 0
}

func (b *CredentialBundle) encode() ([]byte, error) {
	return json.Marshal(b)
}

func decodeBundle(raw []byte) (*CredentialBundle, error) {
	var b CredentialBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
