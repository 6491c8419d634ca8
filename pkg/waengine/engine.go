// Package waengine implements the transport session against the protocol
// gateway: the upstream endpoint that terminates the encrypted WhatsApp
// multi-device protocol and exposes it as JSON frames over a websocket.
// This package owns the per-connection handshake state machine; session
// lifecycle policy lives in pkg/wasession.
package waengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

const (
	frameHello       = "hello"
	frameHelloAck    = "hello_ack"
	framePairRequest = "pair_request"
	framePairCode    = "pairing_code"
	frameQR          = "qr"
	frameLoginOK     = "login_ok"
	frameCreds       = "creds"
	frameSend        = "send"
	frameSendAck     = "send_ack"
	frameMessage     = "message"
	frameClose       = "close"
)

const (
	defaultRPCTimeout   = 90 * time.Second
	defaultWriteTimeout = 10 * time.Second
	eventBufferSize     = 64
)

// frame is the gateway wire envelope. Fields are populated per frame type.
type frame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Profile string `json:"profile,omitempty"`

	// hello
	Bundle *wasession.CredentialBundle `json:"bundle,omitempty"`

	// qr / pairing_code
	Code       string `json:"code,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`

	// login_ok
	Phone string `json:"phone,omitempty"`

	// creds
	Delta *wasession.BundleDelta `json:"delta,omitempty"`

	// send / send_ack / message
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// close / send_ack
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// GatewayDialer dials transport sessions against a single gateway URL.
type GatewayDialer struct {
	url        string
	wsDialer   *websocket.Dialer
	rpcTimeout time.Duration
}

// NewGatewayDialer reads the gateway endpoint from the environment.
// WHATSAPP_GATEWAY_URL is required.
func NewGatewayDialer() (*GatewayDialer, error) {
	gatewayURL, err := env.GetEnvString("WHATSAPP_GATEWAY_URL")
	if err != nil {
		return nil, err
	}
	return &GatewayDialer{
		url: gatewayURL,
		wsDialer: &websocket.Dialer{
			HandshakeTimeout: env.GetEnvDurationOrDefault("WHATSAPP_GATEWAY_HANDSHAKE_TIMEOUT", 30*time.Second),
		},
		rpcTimeout: env.GetEnvDurationOrDefault("WHATSAPP_GATEWAY_RPC_TIMEOUT", defaultRPCTimeout),
	}, nil
}

// Dial opens the websocket, sends the hello frame with the profile's bundle
// and returns a live Conn. The protocol-level handshake continues
// asynchronously; readiness is reported through the hello_ack frame and
// tracked by the Conn.
func (d *GatewayDialer) Dial(ctx context.Context, profile string, bundle *wasession.CredentialBundle) (wasession.Conn, error) {
	ws, resp, err := d.wsDialer.DialContext(ctx, d.url, http.Header{
		"X-Profile-ID": []string{profile},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway dial failed with HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("gateway dial failed: %w", err)
	}

	conn := &gatewayConn{
		profile:    profile,
		ws:         ws,
		events:     make(chan wasession.Event, eventBufferSize),
		pending:    make(map[string]chan frame),
		rpcTimeout: d.rpcTimeout,
	}

	hello := frame{Type: frameHello, Profile: profile, Bundle: bundle}
	if err := conn.writeFrame(hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("gateway hello failed: %w", err)
	}

	go conn.readLoop()
	return conn, nil
}

// gatewayConn is one live connection. Handshake states: dialed (socket up,
// hello sent) → ready (hello_ack received, pairing allowed) → authenticated
// (login_ok received, sends allowed). The gateway enforces the same order,
// but readiness is tracked locally so premature operations fail fast instead
// of waiting on the remote.
type gatewayConn struct {
	profile    string
	ws         *websocket.Conn
	events     chan wasession.Event
	rpcTimeout time.Duration

	ready         atomic.Bool
	authenticated atomic.Bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	endOnce  sync.Once
	endedLoc atomic.Bool
}

func (c *gatewayConn) Events() <-chan wasession.Event {
	return c.events
}

func (c *gatewayConn) SendMessage(ctx context.Context, recipient string, body string) (string, error) {
	if !c.authenticated.Load() {
		return "", wasession.ErrNotConnected
	}

	ack, err := c.rpc(ctx, frame{
		Type: frameSend,
		To:   recipient,
		Body: body,
	})
	if err != nil {
		return "", err
	}
	if ack.Error != "" {
		return "", &wasession.TransportError{Op: "send", Err: errors.New(ack.Error)}
	}
	return ack.MessageID, nil
}

func (c *gatewayConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	// Reject deterministically until the gateway acknowledged the hello.
	// Requesting a pairing code earlier would either hang or be answered
	// against a half-established session.
	if !c.ready.Load() {
		return "", wasession.ErrNotReady
	}
	if c.authenticated.Load() {
		return "", wasession.ErrAlreadyExists
	}

	ack, err := c.rpc(ctx, frame{
		Type:  framePairRequest,
		Phone: phone,
	})
	if err != nil {
		return "", err
	}
	if ack.Error != "" {
		return "", &wasession.TransportError{Op: "pair", Err: errors.New(ack.Error)}
	}
	return ack.Code, nil
}

// End tears the connection down. Idempotent; the read loop emits the
// terminal ClosedEvent and closes the event stream.
func (c *gatewayConn) End() {
	c.endOnce.Do(func() {
		c.endedLoc.Store(true)
		deadline := time.Now().Add(defaultWriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end"), deadline)
		_ = c.ws.Close()
	})
}

// rpc sends a frame with a fresh ref and waits for the matching ack.
func (c *gatewayConn) rpc(ctx context.Context, req frame) (frame, error) {
	req.Ref = uuid.NewString()

	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[req.Ref] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.Ref)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(req); err != nil {
		return frame{}, &wasession.TransportError{Op: req.Type, Err: err}
	}

	timeout := c.rpcTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, &wasession.TransportError{Op: req.Type, Err: errors.New("gateway ack timed out")}
	case ack, ok := <-ch:
		if !ok {
			return frame{}, &wasession.TransportError{Op: req.Type, Err: errors.New("connection closed")}
		}
		return ack, nil
	}
}

func (c *gatewayConn) writeFrame(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *gatewayConn) readLoop() {
	var closed wasession.ClosedEvent
	sawClose := false

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !sawClose {
				if c.endedLoc.Load() {
					closed = wasession.ClosedEvent{Reason: wasession.CloseEnded}
				} else {
					closed = wasession.ClosedEvent{
						Reason: wasession.CloseTransportFailure,
						Err:    &wasession.TransportError{Op: "read", Err: err},
					}
				}
			}
			break
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Print(nil).WithError(err).Warn("Dropping malformed gateway frame for " + c.profile)
			continue
		}

		switch f.Type {
		case frameHelloAck:
			c.ready.Store(true)
		case frameQR:
			c.emit(wasession.QRCodeEvent{
				Code:      f.Code,
				ExpiresAt: expiry(f.TTLSeconds),
			})
		case framePairCode:
			c.settle(f)
			c.emit(wasession.PairingCodeEvent{
				Code:      f.Code,
				ExpiresAt: expiry(f.TTLSeconds),
			})
		case frameLoginOK:
			c.authenticated.Store(true)
			c.emit(wasession.LoginAcceptedEvent{Phone: f.Phone})
		case frameCreds:
			if f.Delta != nil {
				c.emit(wasession.CredentialsUpdatedEvent{Delta: *f.Delta})
			}
		case frameSendAck:
			c.settle(f)
		case frameMessage:
			c.emit(wasession.MessageEvent{
				MessageID: f.MessageID,
				Sender:    f.From,
				Body:      f.Body,
				Timestamp: time.Unix(f.Timestamp, 0),
			})
		case frameClose:
			sawClose = true
			closed = closeEvent(f)
		default:
			log.Print(nil).Warn("Unknown gateway frame type " + f.Type + " for " + c.profile)
		}

		if sawClose {
			break
		}
	}

	_ = c.ws.Close()
	c.failPending()
	// The terminal event carries the close reason and must not be lost to
	// backpressure. The consumer always drains the stream until it closes, so
	// a blocking send here cannot wedge.
	c.events <- closed
	close(c.events)
}

func closeEvent(f frame) wasession.ClosedEvent {
	switch f.Reason {
	case "logged_out":
		return wasession.ClosedEvent{Reason: wasession.CloseLoggedOut, Err: wasession.ErrLoggedOut}
	default:
		var err error
		if f.Error != "" {
			err = &wasession.TransportError{Op: "close", Err: errors.New(f.Error)}
		}
		return wasession.ClosedEvent{Reason: wasession.CloseTransportFailure, Err: err}
	}
}

// emit forwards an event to the supervisor. The event channel is generously
// buffered; if the consumer has gone away the event is dropped rather than
// wedging the read loop.
func (c *gatewayConn) emit(evt wasession.Event) {
	select {
	case c.events <- evt:
	default:
		log.Print(nil).Warn("Event buffer full for " + c.profile + ", dropping transport event")
	}
}

func (c *gatewayConn) settle(f frame) {
	c.pendingMu.Lock()
	ch := c.pending[f.Ref]
	c.pendingMu.Unlock()
	if ch != nil {
		select {
		case ch <- f:
		default:
		}
	}
}

func (c *gatewayConn) failPending() {
	c.pendingMu.Lock()
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	c.pendingMu.Unlock()
}

func expiry(ttlSeconds int) time.Time {
	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}
	return time.Now().Add(time.Duration(ttlSeconds) * time.Second)
}
