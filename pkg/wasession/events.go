package wasession

import (
	"context"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

// NotificationType names the externally visible session events.
type NotificationType string

const (
	NotifyQR           NotificationType = "qr"
	NotifyPairing      NotificationType = "pairing"
	NotifyConnected    NotificationType = "connected"
	NotifyDisconnected NotificationType = "disconnected"
	NotifyLoggedOut    NotificationType = "logged_out"
	NotifyMessage      NotificationType = "message"
)

// Notification is the payload handed to the external sink.
type Notification struct {
	Profile   string                 `json:"profile_id"`
	Event     NotificationType       `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sink receives notifications with at-least-once semantics. Implementations
// must tolerate duplicates and should not take longer than a short timeout
// per delivery; the router never lets a slow sink stall a supervisor.
type Sink interface {
	Deliver(ctx context.Context, n Notification)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n Notification)

func (f SinkFunc) Deliver(ctx context.Context, n Notification) { f(ctx, n) }

// EventRouter decouples supervisors from sink delivery. Publish enqueues
// without blocking; a single dispatcher goroutine drains the queue so
// notifications for one profile keep the order their supervisor produced
// them in. On overflow the notification is dropped with a warning rather
// than backpressuring the session.
type EventRouter struct {
	sink  Sink
	queue chan Notification

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventRouter(sink Sink, queueSize int) *EventRouter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &EventRouter{
		sink:   sink,
		queue:  make(chan Notification, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.dispatchLoop()
	return r
}

// Publish enqueues a notification for asynchronous delivery. Never blocks.
func (r *EventRouter) Publish(profile string, event NotificationType, data map[string]interface{}) {
	n := Notification{
		Profile:   profile,
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case r.queue <- n:
	default:
		log.Print(nil).Warn("Event queue full, dropping " + string(event) + " notification for " + profile)
	}
}

// Close drains the queue and stops the dispatcher.
func (r *EventRouter) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *EventRouter) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			// Drain whatever is already queued before giving up.
			for {
				select {
				case n := <-r.queue:
					r.deliver(n)
				default:
					return
				}
			}
		case n := <-r.queue:
			r.deliver(n)
		}
	}
}

func (r *EventRouter) deliver(n Notification) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	r.sink.Deliver(ctx, n)
	cancel()
}
