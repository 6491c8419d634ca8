package wasession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

// SupervisorConfig tunes one profile's lifecycle policy.
type SupervisorConfig struct {
	Backoff     BackoffConfig
	MaxAttempts int
	// PurgeOnLogout controls whether an explicit logout also deletes the
	// durable credential bundle. An authoritative remote logout always does.
	PurgeOnLogout bool
	// DialTimeout bounds a single dial, handshake included.
	DialTimeout time.Duration
}

func (cfg SupervisorConfig) withDefaults() SupervisorConfig {
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Minute
	}
	return cfg
}

// Supervisor owns the lifecycle of one profile's transport sessions:
// creation, login artifact tracking, reconnection with capped exponential
// backoff, and termination. Exactly one run loop goroutine is active at a
// time, so at most one live Conn ever exists per profile and credential
// updates from a superseded connection can never interleave with a newer
// one's.
type Supervisor struct {
	profile string
	dialer  Dialer
	creds   *CredentialStore
	router  *EventRouter
	record  *SessionRecord
	cfg     SupervisorConfig

	// onTerminate tells the owning registry to drop this supervisor.
	onTerminate func(profile string)

	mu      sync.Mutex
	conn    Conn
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	// terminated latches once a terminate path has committed. Start and
	// Reconnect check it under mu, so neither can spin up a new run loop in
	// the window between stop and the final state transition.
	terminated bool
}

func newSupervisor(profile string, dialer Dialer, creds *CredentialStore, router *EventRouter, cfg SupervisorConfig, onTerminate func(string)) *Supervisor {
	return &Supervisor{
		profile:     profile,
		dialer:      dialer,
		creds:       creds,
		router:      router,
		record:      newSessionRecord(profile),
		cfg:         cfg.withDefaults(),
		onTerminate: onTerminate,
	}
}

// Record exposes the session record for status queries.
func (s *Supervisor) Record() *SessionRecord {
	return s.record
}

// Start launches the run loop. No-op while a loop is already active or after
// termination.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrTerminated
	}
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)
	return nil
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		s.record.setState(StateConnecting)

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.scheduleReconnect(ctx, err.Error()) {
				return
			}
			continue
		}

		s.setConn(conn)
		closed := s.consume(ctx, conn)
		s.setConn(nil)

		switch {
		case ctx.Err() != nil:
			// Explicit disconnect already owns the state transition.
			return
		case closed.Reason == CloseLoggedOut:
			s.handleLoggedOut()
			return
		case closed.Reason == CloseEnded:
			// Local End without a cancel comes from a forced reconnect;
			// redial immediately without touching the attempt budget.
			continue
		default:
			reason := "transport closed"
			if closed.Err != nil {
				reason = closed.Err.Error()
			}
			s.publish(NotifyDisconnected, map[string]interface{}{
				"reason": closed.Reason.String(),
				"error":  reason,
			})
			if !s.scheduleReconnect(ctx, reason) {
				return
			}
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) (Conn, error) {
	bundle, err := s.creds.Load(s.profile)
	if err != nil && !errors.Is(err, ErrBundleNotFound) {
		// Persistence trouble must not keep the session offline; dial with a
		// fresh identity and let the store recover in the background.
		log.Print(nil).WithError(err).Warn("Dialing " + s.profile + " without credential bundle")
		bundle = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, s.profile, bundle)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// consume drains one connection's event stream until it ends and returns the
// terminal event. Events are forwarded to the router in stream order.
func (s *Supervisor) consume(ctx context.Context, conn Conn) ClosedEvent {
	for {
		select {
		case <-ctx.Done():
			conn.End()
			// Keep draining so the stream's goroutine can finish.
			for range conn.Events() {
			}
			return ClosedEvent{Reason: CloseEnded}
		case evt, ok := <-conn.Events():
			if !ok {
				return ClosedEvent{Reason: CloseTransportFailure, Err: errors.New("event stream ended unexpectedly")}
			}
			if closed, isClosed := evt.(ClosedEvent); isClosed {
				return closed
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Supervisor) handleEvent(evt Event) {
	switch e := evt.(type) {
	case QRCodeEvent:
		s.record.setState(StateAwaitingLogin)
		s.record.setArtifact(&LoginArtifact{Kind: ArtifactQR, Value: e.Code, ExpiresAt: e.ExpiresAt})
		s.publish(NotifyQR, map[string]interface{}{
			"qr":         e.Code,
			"expires_at": e.ExpiresAt,
		})
	case PairingCodeEvent:
		s.record.setState(StateAwaitingLogin)
		s.record.setArtifact(&LoginArtifact{Kind: ArtifactPairing, Value: e.Code, ExpiresAt: e.ExpiresAt})
		s.publish(NotifyPairing, map[string]interface{}{
			"code":       e.Code,
			"expires_at": e.ExpiresAt,
		})
	case LoginAcceptedEvent:
		s.record.setConnected(e.Phone)
		if e.Phone != "" {
			s.creds.ApplyUpdate(s.profile, BundleDelta{LinkedPhone: e.Phone})
		}
		// The connected notification goes out before durable confirmation:
		// availability of the live session wins over the persistence
		// side-channel.
		s.publish(NotifyConnected, map[string]interface{}{
			"phone": e.Phone,
		})
	case CredentialsUpdatedEvent:
		s.creds.ApplyUpdate(s.profile, e.Delta)
	case MessageEvent:
		s.publish(NotifyMessage, map[string]interface{}{
			"message_id": e.MessageID,
			"from":       e.Sender,
			"body":       e.Body,
			"timestamp":  e.Timestamp.Unix(),
		})
	}
}

// scheduleReconnect applies the backoff policy. It returns false when the
// run loop should stop, either because the attempt budget is exhausted (the
// session parks) or the context was cancelled during the delay.
func (s *Supervisor) scheduleReconnect(ctx context.Context, reason string) bool {
	attempts := s.record.bumpAttempts(reason)
	if attempts > s.cfg.MaxAttempts {
		log.Print(nil).Warn("Reconnect budget exhausted for " + s.profile + ", parking session")
		s.record.setState(StateParked)
		return false
	}

	s.record.setState(StateReconnecting)
	delay := s.cfg.Backoff.NextDelay(attempts)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) handleLoggedOut() {
	s.markTerminated()
	if err := s.creds.Delete(s.profile); err != nil {
		log.Print(nil).WithError(err).Error("Failed to purge credentials for " + s.profile)
	}
	s.record.setState(StateTerminated)
	s.publish(NotifyLoggedOut, map[string]interface{}{
		"reason": CloseLoggedOut.String(),
	})
	if s.onTerminate != nil {
		s.onTerminate(s.profile)
	}
}

// SendMessage forwards a text message over the live connection. Fails
// synchronously with ErrNotConnected while the session is in any other
// state.
func (s *Supervisor) SendMessage(ctx context.Context, recipient string, body string) (string, error) {
	if s.record.State() != StateConnected {
		return "", ErrNotConnected
	}
	conn := s.currentConn()
	if conn == nil {
		return "", ErrNotConnected
	}
	return conn.SendMessage(ctx, recipient, body)
}

// RequestPairingCode asks the transport for a phone-link code. The transport
// rejects premature requests with ErrNotReady instead of hanging; no
// connection at all is reported the same way.
func (s *Supervisor) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	switch s.record.State() {
	case StateConnected:
		return "", ErrAlreadyExists
	case StateTerminated:
		return "", ErrTerminated
	}
	conn := s.currentConn()
	if conn == nil {
		return "", ErrNotReady
	}
	return conn.RequestPairingCode(ctx, phone)
}

// Reconnect forces a fresh transport session. A parked or idle supervisor is
// restarted with a reset attempt counter; a running one has its current
// connection ended, which makes the run loop redial.
func (s *Supervisor) Reconnect() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if s.running {
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.End()
		}
		return nil
	}
	s.mu.Unlock()

	s.record.resetAttempts()
	return s.Start()
}

// Disconnect terminates the session and its run loop, cancelling any
// in-flight handshake or pending reconnect timer. Credentials are kept
// unless the supervisor is configured to purge on logout; use Logout for an
// explicit purge.
func (s *Supervisor) Disconnect() {
	if !s.markTerminated() {
		return
	}
	s.record.setState(StateClosing)
	s.stop()
	s.record.setState(StateTerminated)
	s.publish(NotifyDisconnected, map[string]interface{}{
		"reason": CloseEnded.String(),
	})
	if s.cfg.PurgeOnLogout {
		if err := s.creds.Delete(s.profile); err != nil {
			log.Print(nil).WithError(err).Error("Failed to purge credentials for " + s.profile)
		}
	}
	if s.onTerminate != nil {
		s.onTerminate(s.profile)
	}
}

// Logout terminates the session and always purges the durable credential
// bundle. The profile must re-link from scratch afterwards.
func (s *Supervisor) Logout() error {
	if s.markTerminated() {
		s.record.setState(StateClosing)
		s.stop()
	}
	err := s.creds.Delete(s.profile)
	s.record.setState(StateTerminated)
	s.publish(NotifyLoggedOut, map[string]interface{}{
		"reason": "local_logout",
	})
	if s.onTerminate != nil {
		s.onTerminate(s.profile)
	}
	return err
}

// markTerminated latches the terminate decision, returning false when another
// caller already committed it.
func (s *Supervisor) markTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// stop cancels the run loop and waits until it has fully finished, including
// the old connection's event handlers. Bundle updates from a superseded
// session cannot arrive after stop returns.
func (s *Supervisor) stop() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.done
	running := s.running
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.End()
	}
	if running && done != nil {
		<-done
	}
}

func (s *Supervisor) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Supervisor) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Supervisor) publish(event NotificationType, data map[string]interface{}) {
	if s.router == nil {
		return
	}
	s.router.Publish(s.profile, event, data)
}
