package wasession

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendPutGet(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	if err := backend.Put("alpha", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := backend.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get: got %q, want %q", got, "v1")
	}

	// Overwrite replaces the value entirely.
	if err := backend.Put("alpha", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = backend.Get("alpha")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Get after overwrite: got %q, want %q", got, "v2")
	}
}

func TestFileBackendGetMissing(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	if _, err := backend.Get("nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get missing: got %v, want ErrKeyNotFound", err)
	}
}

func TestFileBackendDelete(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	if err := backend.Put("alpha", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := backend.Delete("alpha"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := backend.Get("alpha"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrKeyNotFound", err)
	}

	// Deleting an absent key is not an error.
	if err := backend.Delete("alpha"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestFileBackendList(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	for _, key := range []string{"tenant-b", "tenant-a", "other"} {
		if err := backend.Put(key, []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	// Non-bundle files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	keys, err := backend.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"other", "tenant-a", "tenant-b"}
	if len(keys) != len(want) {
		t.Fatalf("List: got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("List: got %v, want %v", keys, want)
		}
	}

	keys, err = backend.List("tenant-")
	if err != nil {
		t.Fatalf("List with prefix: %v", err)
	}
	if len(keys) != 2 || keys[0] != "tenant-a" || keys[1] != "tenant-b" {
		t.Fatalf("List with prefix: got %v", keys)
	}
}
