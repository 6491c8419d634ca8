package wasession

import "testing"

func TestBundleApplyRotatesKeys(t *testing.T) {
	b := NewCredentialBundle("tenant-a")
	b.Apply(BundleDelta{SessionKeys: map[string][]byte{
		"ratchet-1": []byte("old"),
		"ratchet-2": []byte("keep"),
	}})

	// A delta naming the same key in both SessionKeys and RemovedKeys drops
	// it: removals run after additions.
	b.Apply(BundleDelta{
		SessionKeys: map[string][]byte{"ratchet-1": []byte("new")},
		RemovedKeys: []string{"ratchet-1"},
	})

	if _, ok := b.SessionKeys["ratchet-1"]; ok {
		t.Fatalf("ratchet-1 should have been removed")
	}
	if string(b.SessionKeys["ratchet-2"]) != "keep" {
		t.Fatalf("ratchet-2: got %q", b.SessionKeys["ratchet-2"])
	}
}

func TestBundleApplyPartialDelta(t *testing.T) {
	b := NewCredentialBundle("tenant-a")
	b.Apply(BundleDelta{
		IdentityKey: []byte("identity"),
		LinkedPhone: "15551234567",
	})

	// An empty-field delta leaves existing state alone.
	b.Apply(BundleDelta{SessionKeys: map[string][]byte{"s1": []byte("k1")}})

	if string(b.IdentityKey) != "identity" {
		t.Fatalf("IdentityKey lost: got %q", b.IdentityKey)
	}
	if b.LinkedPhone != "15551234567" {
		t.Fatalf("LinkedPhone lost: got %q", b.LinkedPhone)
	}
	if !b.HasIdentity() {
		t.Fatalf("HasIdentity should be true")
	}
}

func TestBundleCloneIsDeep(t *testing.T) {
	b := NewCredentialBundle("tenant-a")
	b.Apply(BundleDelta{SessionKeys: map[string][]byte{"s1": []byte("k1")}})

	clone := b.Clone()
	clone.SessionKeys["s1"][0] = 'X'
	clone.SessionKeys["s2"] = []byte("extra")

	if string(b.SessionKeys["s1"]) != "k1" {
		t.Fatalf("clone shares key storage with original")
	}
	if _, ok := b.SessionKeys["s2"]; ok {
		t.Fatalf("clone shares map with original")
	}
}
