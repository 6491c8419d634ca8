package wasession

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Backend is the durable key-value storage the credential store writes
// through. Put must atomically replace the previous value so a concurrent
// reader never observes a partial write.
type Backend interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]string, error)
}

// ErrKeyNotFound is returned by Backend.Get for absent keys.
var ErrKeyNotFound = errors.New("key not found in backend")

// FileBackend stores each key as one file under a base directory. Writes go
// to a temporary file in the same directory and are promoted with rename, so
// a crash mid-write leaves either the old value or the new one, never a torn
// mix.
type FileBackend struct {
	basePath string
}

func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{basePath: path}, nil
}

func (f *FileBackend) keyPath(key string) string {
	// Keys are opaque profile ids; flatten path separators defensively.
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(f.basePath, safe+".bundle")
}

func (f *FileBackend) Get(key string) ([]byte, error) {
	raw, err := os.ReadFile(f.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (f *FileBackend) Put(key string, value []byte) error {
	target := f.keyPath(key)
	tmp, err := os.CreateTemp(f.basePath, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (f *FileBackend) Delete(key string) error {
	err := os.Remove(f.keyPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBackend) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".bundle") {
			continue
		}
		key := strings.TrimSuffix(name, ".bundle")
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
