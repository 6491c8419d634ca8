package wasession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn is a scriptable transport connection. Tests feed events into the
// channel directly; End closes the stream exactly once.
type fakeConn struct {
	events chan Event

	mu       sync.Mutex
	ended    bool
	pairCode string
	sentID   string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:   make(chan Event, 16),
		pairCode: "PAIR-1234",
		sentID:   "msg-1",
	}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) SendMessage(ctx context.Context, recipient string, body string) (string, error) {
	return c.sentID, nil
}

func (c *fakeConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return c.pairCode, nil
}

func (c *fakeConn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	close(c.events)
}

func (c *fakeConn) fail(err error) {
	c.events <- ClosedEvent{Reason: CloseTransportFailure, Err: err}
}

// fakeDialer counts dials and delegates to a swappable script.
type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	onDial func(n int, profile string, bundle *CredentialBundle) (Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, profile string, bundle *CredentialBundle) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	fn := d.onDial
	d.mu.Unlock()
	return fn(n, profile, bundle)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setScript(fn func(n int, profile string, bundle *CredentialBundle) (Conn, error)) {
	d.mu.Lock()
	d.onDial = fn
	d.mu.Unlock()
}

func fastConfig() SupervisorConfig {
	return SupervisorConfig{
		Backoff: BackoffConfig{
			InitialDelay: time.Millisecond,
			Multiplier:   1.0,
			MaxDelay:     time.Millisecond,
		},
		MaxAttempts: 2,
		DialTimeout: time.Second,
	}
}

func newTestRegistry(t *testing.T, dialer Dialer, sink Sink, cfg SupervisorConfig) (*Registry, *CredentialStore) {
	t.Helper()
	store, _ := newTestStore(t)
	var router *EventRouter
	if sink != nil {
		router = NewEventRouter(sink, 64)
		t.Cleanup(router.Close)
	}
	return NewRegistry(dialer, store, router, cfg), store
}

func TestSupervisorLoginFlow(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return conn, nil
	}}
	sink := &recordingSink{}
	reg, store := newTestRegistry(t, dialer, sink, fastConfig())

	sup, created, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Fatalf("GetOrCreate: expected a fresh supervisor")
	}

	conn.events <- QRCodeEvent{Code: "Q1", ExpiresAt: time.Now().Add(time.Minute)}
	waitFor(t, "awaiting_login state", func() bool {
		return sup.Record().State() == StateAwaitingLogin
	})

	artifact := sup.Record().Artifact()
	if artifact == nil || artifact.Kind != ArtifactQR || artifact.Value != "Q1" {
		t.Fatalf("artifact: got %+v", artifact)
	}

	conn.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected state", func() bool {
		return sup.Record().State() == StateConnected
	})

	if sup.Record().Artifact() != nil {
		t.Fatalf("artifact should be cleared after login")
	}
	if sup.Record().Attempts() != 0 {
		t.Fatalf("attempts should reset on login, got %d", sup.Record().Attempts())
	}
	if sup.Record().Phone() != "15551234567" {
		t.Fatalf("phone: got %q", sup.Record().Phone())
	}

	bundle, err := store.Load("tenant-a")
	if err != nil {
		t.Fatalf("Load bundle: %v", err)
	}
	if bundle.LinkedPhone != "15551234567" {
		t.Fatalf("bundle LinkedPhone: got %q", bundle.LinkedPhone)
	}

	waitFor(t, "qr and connected notifications", func() bool {
		return len(sink.snapshot()) >= 2
	})
	notes := sink.snapshot()
	if notes[0].Event != NotifyQR || notes[1].Event != NotifyConnected {
		t.Fatalf("notification order: got %v, %v", notes[0].Event, notes[1].Event)
	}
}

func TestSupervisorCredentialUpdates(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return conn, nil
	}}
	reg, store := newTestRegistry(t, dialer, nil, fastConfig())

	if _, _, err := reg.GetOrCreate("tenant-a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	conn.events <- CredentialsUpdatedEvent{Delta: BundleDelta{
		SessionKeys: map[string][]byte{"ratchet-1": []byte("k1")},
	}}

	waitFor(t, "delta applied", func() bool {
		b, err := store.Load("tenant-a")
		return err == nil && len(b.SessionKeys["ratchet-1"]) > 0
	})
}

func TestSupervisorParksAfterAttemptBudget(t *testing.T) {
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return nil, errors.New("gateway refused")
	}}
	reg, _ := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	waitFor(t, "parked state", func() bool {
		return sup.Record().State() == StateParked
	})

	// MaxAttempts is 2: the initial dial plus two retries, then park.
	if got := dialer.count(); got != 3 {
		t.Fatalf("dial count: got %d, want 3", got)
	}

	// A parked supervisor stays registered so it can be revived.
	if _, err := reg.Get("tenant-a"); err != nil {
		t.Fatalf("parked supervisor dropped from registry: %v", err)
	}
}

func TestSupervisorReconnectRevivesParked(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.setScript(func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return nil, errors.New("gateway refused")
	})
	reg, _ := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	waitFor(t, "parked state", func() bool {
		return sup.Record().State() == StateParked
	})

	conn := newFakeConn()
	dialer.setScript(func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return conn, nil
	})

	if err := sup.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	conn.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected after revival", func() bool {
		return sup.Record().State() == StateConnected
	})
	if sup.Record().Attempts() != 0 {
		t.Fatalf("attempt counter not reset on revival: %d", sup.Record().Attempts())
	}
}

func TestSupervisorReconnectWhileConnected(t *testing.T) {
	var conns []*fakeConn
	var connsMu sync.Mutex
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		conn := newFakeConn()
		connsMu.Lock()
		conns = append(conns, conn)
		connsMu.Unlock()
		return conn, nil
	}}
	reg, _ := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	waitFor(t, "first dial", func() bool { return dialer.count() == 1 })

	connsMu.Lock()
	first := conns[0]
	connsMu.Unlock()
	first.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected", func() bool { return sup.Record().State() == StateConnected })

	// A forced reconnect ends the live connection and redials immediately
	// without consuming the attempt budget.
	if err := sup.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitFor(t, "redial", func() bool { return dialer.count() == 2 })
	if sup.Record().Attempts() != 0 {
		t.Fatalf("forced reconnect consumed the attempt budget: %d", sup.Record().Attempts())
	}
}

func TestSupervisorLoggedOutPurges(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return conn, nil
	}}
	sink := &recordingSink{}
	reg, store := newTestRegistry(t, dialer, sink, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	conn.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected", func() bool { return sup.Record().State() == StateConnected })

	conn.events <- ClosedEvent{Reason: CloseLoggedOut, Err: ErrLoggedOut}
	waitFor(t, "terminated state", func() bool {
		return sup.Record().State() == StateTerminated
	})

	if _, err := store.Load("tenant-a"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("bundle survived remote logout: %v", err)
	}
	waitFor(t, "registry removal", func() bool {
		_, err := reg.Get("tenant-a")
		return errors.Is(err, ErrNotInitialized)
	})
	waitFor(t, "logged_out notification", func() bool {
		for _, n := range sink.snapshot() {
			if n.Event == NotifyLoggedOut {
				return true
			}
		}
		return false
	})

	// No reconnect after an authoritative logout.
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Fatalf("supervisor redialed after logout: %d dials", got)
	}
}

func TestSupervisorDisconnectKeepsCredentials(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return conn, nil
	}}
	reg, store := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	conn.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected", func() bool { return sup.Record().State() == StateConnected })

	sup.Disconnect()

	if sup.Record().State() != StateTerminated {
		t.Fatalf("state after Disconnect: %v", sup.Record().State())
	}
	if _, err := store.Load("tenant-a"); err != nil {
		t.Fatalf("Disconnect purged the bundle: %v", err)
	}
	if _, err := reg.Get("tenant-a"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Disconnect left the supervisor registered: %v", err)
	}

	// The run loop is gone; no reconnect timer may fire afterwards.
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Fatalf("supervisor redialed after Disconnect: %d dials", got)
	}
}

func TestSupervisorLogoutPurges(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		return conn, nil
	}}
	reg, store := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	conn.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected", func() bool { return sup.Record().State() == StateConnected })

	if err := sup.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := store.Load("tenant-a"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("bundle survived Logout: %v", err)
	}
}

func TestSupervisorOperationsBeforeConnected(t *testing.T) {
	// Hold the dial open so the supervisor stays in Connecting with no live
	// connection.
	block := make(chan struct{})
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		<-block
		return nil, errors.New("dial aborted")
	}}
	reg, _ := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := sup.SendMessage(context.Background(), "15551234567", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendMessage before connect: got %v, want ErrNotConnected", err)
	}
	if _, err := sup.RequestPairingCode(context.Background(), "15551234567"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("RequestPairingCode before connect: got %v, want ErrNotReady", err)
	}

	close(block)
	sup.Disconnect()

	if _, err := sup.RequestPairingCode(context.Background(), "15551234567"); !errors.Is(err, ErrTerminated) {
		t.Fatalf("RequestPairingCode after terminate: got %v, want ErrTerminated", err)
	}
}

func TestSupervisorDisconnectWinsOverConcurrentReconnect(t *testing.T) {
	var conns []*fakeConn
	var connsMu sync.Mutex
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		conn := newFakeConn()
		connsMu.Lock()
		conns = append(conns, conn)
		connsMu.Unlock()
		return conn, nil
	}}
	reg, _ := newTestRegistry(t, dialer, nil, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	waitFor(t, "first dial", func() bool { return dialer.count() == 1 })

	connsMu.Lock()
	first := conns[0]
	connsMu.Unlock()
	first.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected", func() bool { return sup.Record().State() == StateConnected })

	// However the two interleave, the terminate decision must win: either
	// Reconnect loses the race and reports ErrTerminated, or its forced
	// redial is torn down again before Disconnect returns. A run loop that
	// survives would keep a second live connection for the profile.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sup.Disconnect()
	}()
	go func() {
		defer wg.Done()
		_ = sup.Reconnect()
	}()
	wg.Wait()

	if got := sup.Record().State(); got != StateTerminated {
		t.Fatalf("state after Disconnect: %v", got)
	}

	settled := dialer.count()
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != settled {
		t.Fatalf("run loop survived termination: %d dials, had %d", got, settled)
	}

	if err := sup.Start(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Start after terminate: got %v, want ErrTerminated", err)
	}
	if err := sup.Reconnect(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Reconnect after terminate: got %v, want ErrTerminated", err)
	}
}

func TestSupervisorTransportFailureReconnects(t *testing.T) {
	var conns []*fakeConn
	var connsMu sync.Mutex
	dialer := &fakeDialer{onDial: func(n int, profile string, bundle *CredentialBundle) (Conn, error) {
		conn := newFakeConn()
		connsMu.Lock()
		conns = append(conns, conn)
		connsMu.Unlock()
		return conn, nil
	}}
	sink := &recordingSink{}
	reg, _ := newTestRegistry(t, dialer, sink, fastConfig())

	sup, _, err := reg.GetOrCreate("tenant-a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	waitFor(t, "first dial", func() bool { return dialer.count() == 1 })

	connsMu.Lock()
	first := conns[0]
	connsMu.Unlock()
	first.fail(errors.New("stream reset"))

	waitFor(t, "redial after failure", func() bool { return dialer.count() >= 2 })

	connsMu.Lock()
	second := conns[1]
	connsMu.Unlock()
	second.events <- LoginAcceptedEvent{Phone: "15551234567"}
	waitFor(t, "connected on second conn", func() bool {
		return sup.Record().State() == StateConnected
	})

	waitFor(t, "disconnected notification", func() bool {
		for _, n := range sink.snapshot() {
			if n.Event == NotifyDisconnected {
				return true
			}
		}
		return false
	})
}
