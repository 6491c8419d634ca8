package wasession

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*CredentialStore, *FileBackend) {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	store := NewCredentialStore(backend, CredentialStoreConfig{
		// Keep the background flusher out of the way; tests flush explicitly.
		FlushInterval: time.Hour,
	})
	t.Cleanup(func() { _ = store.Close() })
	return store, backend
}

func TestCredentialStoreApplyAndLoad(t *testing.T) {
	store, _ := newTestStore(t)

	store.ApplyUpdate("tenant-a", BundleDelta{
		IdentityKey: []byte("identity"),
		SessionKeys: map[string][]byte{"s1": []byte("k1")},
	})

	bundle, err := store.Load("tenant-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(bundle.IdentityKey) != "identity" {
		t.Fatalf("IdentityKey: got %q", bundle.IdentityKey)
	}
	if string(bundle.SessionKeys["s1"]) != "k1" {
		t.Fatalf("SessionKeys[s1]: got %q", bundle.SessionKeys["s1"])
	}

	// Load returns a clone; mutating it must not touch the stored bundle.
	bundle.SessionKeys["s1"] = []byte("tampered")
	again, err := store.Load("tenant-a")
	if err != nil {
		t.Fatalf("Load again: %v", err)
	}
	if string(again.SessionKeys["s1"]) != "k1" {
		t.Fatalf("stored bundle mutated through clone: got %q", again.SessionKeys["s1"])
	}
}

func TestCredentialStoreFlushPersists(t *testing.T) {
	store, backend := newTestStore(t)

	store.ApplyUpdate("tenant-a", BundleDelta{LinkedPhone: "15551234567"})
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// A second store over the same backend sees the durable bundle.
	other := NewCredentialStore(backend, CredentialStoreConfig{FlushInterval: time.Hour})
	defer other.Close()

	bundle, err := other.Load("tenant-a")
	if err != nil {
		t.Fatalf("Load from fresh store: %v", err)
	}
	if bundle.LinkedPhone != "15551234567" {
		t.Fatalf("LinkedPhone: got %q", bundle.LinkedPhone)
	}
}

func TestCredentialStoreLoadMissing(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Load("ghost"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("Load missing: got %v, want ErrBundleNotFound", err)
	}
}

func TestCredentialStoreDelete(t *testing.T) {
	store, backend := newTestStore(t)

	store.ApplyUpdate("tenant-a", BundleDelta{IdentityKey: []byte("identity")})
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := store.Delete("tenant-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load("tenant-a"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("Load after delete: got %v, want ErrBundleNotFound", err)
	}
	if _, err := backend.Get("tenant-a"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("backend still has the bundle after delete: %v", err)
	}

	// A flush after the delete must not resurrect the bundle.
	if err := store.Flush(); err != nil {
		t.Fatalf("Flush after delete: %v", err)
	}
	if _, err := backend.Get("tenant-a"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("flush resurrected deleted bundle: %v", err)
	}
}

func TestCredentialStoreCloseFlushes(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	store := NewCredentialStore(backend, CredentialStoreConfig{FlushInterval: time.Hour})

	store.ApplyUpdate("tenant-a", BundleDelta{IdentityKey: []byte("identity")})
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := backend.Get("tenant-a"); err != nil {
		t.Fatalf("bundle not durable after Close: %v", err)
	}
}
