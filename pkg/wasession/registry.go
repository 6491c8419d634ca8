package wasession

import (
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry is the single source of truth for which sessions exist and what
// state they are in. Concurrent GetOrCreate calls for the same profile are
// collapsed into one supervisor creation; distinct profiles proceed fully in
// parallel.
type Registry struct {
	dialer Dialer
	creds  *CredentialStore
	router *EventRouter
	cfg    SupervisorConfig

	mu          sync.RWMutex
	supervisors map[string]*Supervisor
	create      singleflight.Group
}

func NewRegistry(dialer Dialer, creds *CredentialStore, router *EventRouter, cfg SupervisorConfig) *Registry {
	return &Registry{
		dialer:      dialer,
		creds:       creds,
		router:      router,
		cfg:         cfg,
		supervisors: make(map[string]*Supervisor),
	}
}

// GetOrCreate returns the profile's supervisor, creating and starting one if
// none exists. The boolean reports whether a new supervisor was created.
func (r *Registry) GetOrCreate(profile string) (*Supervisor, bool, error) {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return nil, false, &ConfigurationError{Field: "profile", Reason: "must not be empty"}
	}

	r.mu.RLock()
	existing := r.supervisors[profile]
	r.mu.RUnlock()
	if existing != nil {
		return existing, false, nil
	}

	created := false
	v, err, _ := r.create.Do(profile, func() (interface{}, error) {
		r.mu.Lock()
		if sup, ok := r.supervisors[profile]; ok {
			r.mu.Unlock()
			return sup, nil
		}
		sup := newSupervisor(profile, r.dialer, r.creds, r.router, r.cfg, r.remove)
		r.supervisors[profile] = sup
		r.mu.Unlock()

		if err := sup.Start(); err != nil {
			r.remove(profile)
			return nil, err
		}
		created = true
		return sup, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Supervisor), created, nil
}

// Get returns the supervisor for a profile, or ErrNotInitialized.
func (r *Registry) Get(profile string) (*Supervisor, error) {
	r.mu.RLock()
	sup := r.supervisors[strings.TrimSpace(profile)]
	r.mu.RUnlock()
	if sup == nil {
		return nil, ErrNotInitialized
	}
	return sup, nil
}

// Remove drops a profile from the registry without touching the supervisor's
// lifecycle. Normally called through the supervisor's terminate callback.
func (r *Registry) Remove(profile string) {
	r.remove(profile)
}

func (r *Registry) remove(profile string) {
	r.mu.Lock()
	delete(r.supervisors, profile)
	r.mu.Unlock()
}

// Range calls fn for every registered supervisor. The snapshot is taken up
// front so fn may call back into the registry.
func (r *Registry) Range(fn func(profile string, sup *Supervisor)) {
	r.mu.RLock()
	snapshot := make(map[string]*Supervisor, len(r.supervisors))
	for k, v := range r.supervisors {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for profile, sup := range snapshot {
		fn(profile, sup)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.supervisors)
}

// Shutdown disconnects every session and waits for their run loops. Used on
// graceful process shutdown; credentials are kept.
func (r *Registry) Shutdown() {
	r.Range(func(profile string, sup *Supervisor) {
		sup.stop()
	})
}
