package wasession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

// CredentialStore owns every profile's CredentialBundle. The in-memory copy
// is authoritative between flushes: ApplyUpdate mutates it immediately and
// marks the profile dirty, and a background flusher batches the durable
// writes so high-frequency ratchet updates never block the transport's event
// path. Close flushes all dirty bundles before the process is considered
// cleanly shut down.
type CredentialStore struct {
	backend Backend

	mu      sync.Mutex
	bundles map[string]*CredentialBundle
	dirty   map[string]struct{}

	flushInterval time.Duration
	flushRetries  int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// CredentialStoreConfig tunes flush behavior. Zero values fall back to
// defaults suitable for ratchet-step update rates.
type CredentialStoreConfig struct {
	FlushInterval time.Duration
	FlushRetries  int
}

func NewCredentialStore(backend Backend, cfg CredentialStoreConfig) *CredentialStore {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FlushRetries <= 0 {
		cfg.FlushRetries = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CredentialStore{
		backend:       backend,
		bundles:       make(map[string]*CredentialBundle),
		dirty:         make(map[string]struct{}),
		flushInterval: cfg.FlushInterval,
		flushRetries:  cfg.FlushRetries,
		ctx:           ctx,
		cancel:        cancel,
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// Load returns the bundle for a profile, reading through to the backend on
// first access. Absence is reported as ErrBundleNotFound.
func (s *CredentialStore) Load(profile string) (*CredentialBundle, error) {
	s.mu.Lock()
	if b, ok := s.bundles[profile]; ok {
		clone := b.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	s.mu.Unlock()

	raw, err := s.backend.Get(profile)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Profile: profile, Err: err}
	}

	b, err := decodeBundle(raw)
	if err != nil {
		return nil, &PersistenceError{Profile: profile, Err: err}
	}

	s.mu.Lock()
	// Another goroutine may have raced the read-through; keep theirs.
	if cached, ok := s.bundles[profile]; ok {
		b = cached
	} else {
		s.bundles[profile] = b
	}
	clone := b.Clone()
	s.mu.Unlock()
	return clone, nil
}

// ApplyUpdate merges a delta into the profile's bundle and schedules a
// durable flush. Safe to call from the transport event path at high
// frequency.
func (s *CredentialStore) ApplyUpdate(profile string, delta BundleDelta) {
	s.mu.Lock()
	b, ok := s.bundles[profile]
	if !ok {
		b = NewCredentialBundle(profile)
		s.bundles[profile] = b
	}
	b.Apply(delta)
	s.dirty[profile] = struct{}{}
	s.mu.Unlock()
}

// Delete purges a profile's bundle from memory and the backend. Irreversible.
func (s *CredentialStore) Delete(profile string) error {
	s.mu.Lock()
	delete(s.bundles, profile)
	delete(s.dirty, profile)
	s.mu.Unlock()

	if err := s.backend.Delete(profile); err != nil {
		return &PersistenceError{Profile: profile, Err: err}
	}
	return nil
}

// List returns all profiles with a durable bundle, used by the startup
// restore pass.
func (s *CredentialStore) List() ([]string, error) {
	keys, err := s.backend.List("")
	if err != nil {
		return nil, &PersistenceError{Err: err}
	}
	return keys, nil
}

// Flush synchronously persists every dirty bundle. Failed profiles stay
// dirty and are retried on the next flush cycle.
func (s *CredentialStore) Flush() error {
	s.mu.Lock()
	pending := make(map[string]*CredentialBundle, len(s.dirty))
	for profile := range s.dirty {
		if b, ok := s.bundles[profile]; ok {
			pending[profile] = b.Clone()
		}
		delete(s.dirty, profile)
	}
	s.mu.Unlock()

	var lastErr error
	for profile, bundle := range pending {
		if err := s.persist(profile, bundle); err != nil {
			lastErr = err
			s.mu.Lock()
			// Only re-mark dirty if the bundle still exists; a concurrent
			// Delete wins over a stale flush.
			if _, ok := s.bundles[profile]; ok {
				s.dirty[profile] = struct{}{}
			}
			s.mu.Unlock()
			log.Print(nil).WithError(err).Warn("Failed to flush credential bundle for " + profile)
		}
	}
	return lastErr
}

// Close stops the flusher and performs a final flush.
func (s *CredentialStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.Flush()
}

func (s *CredentialStore) persist(profile string, bundle *CredentialBundle) error {
	raw, err := bundle.encode()
	if err != nil {
		return &PersistenceError{Profile: profile, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= s.flushRetries; attempt++ {
		if lastErr = s.backend.Put(profile, raw); lastErr == nil {
			return nil
		}
		if attempt < s.flushRetries {
			select {
			case <-s.ctx.Done():
				return &PersistenceError{Profile: profile, Err: lastErr}
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return &PersistenceError{Profile: profile, Err: lastErr}
}

func (s *CredentialStore) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.Flush()
		}
	}
}
