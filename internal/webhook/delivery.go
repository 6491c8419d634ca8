package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

// Engine delivers session notifications to the configured webhook targets.
// It implements wasession.Sink: Deliver enqueues and returns immediately,
// worker goroutines do the HTTP calls with retries, HMAC signatures and a
// per-target rate limit. Delivery is at-least-once; targets must tolerate
// duplicates.
type Engine struct {
	store      *Store
	httpClient *http.Client
	queue      chan *deliveryTask
	workers    int
	retryLimit int
	enabled    bool

	// defaultURL receives every event in addition to per-profile targets;
	// optional, configured via WEBHOOK_DEFAULT_URL.
	defaultURL    string
	defaultSecret string

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type deliveryTask struct {
	webhook WebhookConfig
	event   wasession.Notification
}

func NewEngine(store *Store) *Engine {
	workers := env.GetEnvIntOrDefault("WEBHOOK_WORKERS", 4)
	if workers <= 0 {
		workers = 4
	}
	retryLimit := env.GetEnvIntOrDefault("WEBHOOK_RETRY_LIMIT", 3)
	if retryLimit <= 0 {
		retryLimit = 3
	}
	enabled := env.GetEnvBoolOrDefault("WEBHOOKS_ENABLED", true)
	perTargetRate := env.GetEnvIntOrDefault("WEBHOOK_RATE_PER_SECOND", 10)
	if perTargetRate <= 0 {
		perTargetRate = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		store:         store,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		queue:         make(chan *deliveryTask, 1000),
		workers:       workers,
		retryLimit:    retryLimit,
		enabled:       enabled,
		defaultURL:    env.GetEnvStringOrDefault("WEBHOOK_DEFAULT_URL", ""),
		defaultSecret: env.GetEnvStringOrDefault("WEBHOOK_DEFAULT_SECRET", ""),
		limiters:      make(map[string]*rate.Limiter),
		rateLimit:     rate.Limit(perTargetRate),
		rateBurst:     perTargetRate * 2,
		ctx:           ctx,
		cancel:        cancel,
	}

	if enabled {
		for i := 0; i < workers; i++ {
			engine.wg.Add(1)
			go engine.worker()
		}
	}

	return engine
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// Deliver fans one notification out to every matching target. Satisfies
// wasession.Sink; never blocks beyond a full-queue check.
func (e *Engine) Deliver(ctx context.Context, event wasession.Notification) {
	if !e.enabled {
		return
	}

	targets := e.targetsFor(ctx, event)
	for _, target := range targets {
		select {
		case e.queue <- &deliveryTask{webhook: target, event: event}:
		default:
			log.Print(nil).Warn("Webhook queue full, dropping " + string(event.Event) + " for " + event.Profile)
		}
	}
}

// DeliverTo enqueues one notification for a single target, bypassing the
// event-type filter. Used by the webhook test endpoint.
func (e *Engine) DeliverTo(target WebhookConfig, event wasession.Notification) {
	if !e.enabled {
		return
	}
	select {
	case e.queue <- &deliveryTask{webhook: target, event: event}:
	default:
		log.Print(nil).Warn("Webhook queue full, dropping test delivery for " + event.Profile)
	}
}

func (e *Engine) targetsFor(ctx context.Context, event wasession.Notification) []WebhookConfig {
	var targets []WebhookConfig

	if e.defaultURL != "" {
		targets = append(targets, WebhookConfig{
			ProfileID: event.Profile,
			URL:       e.defaultURL,
			Secret:    e.defaultSecret,
			Active:    true,
		})
	}

	if e.store != nil {
		webhooks, err := e.store.GetActiveWebhooks(ctx, event.Profile)
		if err != nil {
			log.Print(nil).WithError(err).Error("Failed to fetch webhooks for " + event.Profile)
		} else {
			for _, webhook := range webhooks {
				if e.shouldDispatch(webhook, event.Event) {
					targets = append(targets, webhook)
				}
			}
		}
	}

	return targets
}

func (e *Engine) shouldDispatch(webhook WebhookConfig, eventType EventType) bool {
	if len(webhook.Events) == 0 {
		return true
	}
	for _, evt := range webhook.Events {
		if evt == eventType {
			return true
		}
	}
	return false
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case task, ok := <-e.queue:
			if !ok {
				return
			}
			e.deliver(task)
		}
	}
}

func (e *Engine) deliver(task *deliveryTask) {
	if err := e.validateURL(task.webhook.URL); err != nil {
		e.logDelivery(task, DeliveryFailed, 0, err.Error())
		return
	}

	if err := e.limiterFor(task.webhook.URL).Wait(e.ctx); err != nil {
		return
	}

	payload, err := json.Marshal(task.event)
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to marshal webhook payload")
		return
	}

	signature := e.generateSignature(payload, task.webhook.Secret)

	var lastErr error
	for attempt := 1; attempt <= e.retryLimit; attempt++ {
		req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, task.webhook.URL, bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			continue
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Webhook-Signature", signature)
		req.Header.Set("X-Hub-Signature-256", signature)
		req.Header.Set("X-Webhook-Event", string(task.event.Event))
		req.Header.Set("User-Agent", "WhatsApp-Session-Manager/1.0")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if !e.sleepBetweenAttempts(attempt) {
				return
			}
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			e.logDelivery(task, DeliverySuccess, attempt, "")
			return
		}

		lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
		if !e.sleepBetweenAttempts(attempt) {
			return
		}
	}

	errorMsg := ""
	if lastErr != nil {
		errorMsg = lastErr.Error()
	}
	e.logDelivery(task, DeliveryFailed, e.retryLimit, errorMsg)
	log.Print(nil).Warn("Webhook delivery failed for " + task.event.Profile + ": " + errorMsg)
}

func (e *Engine) sleepBetweenAttempts(attempt int) bool {
	if attempt >= e.retryLimit {
		return true
	}
	select {
	case <-e.ctx.Done():
		return false
	case <-time.After(time.Duration(attempt*2) * time.Second):
		return true
	}
}

func (e *Engine) logDelivery(task *deliveryTask, status DeliveryStatus, attempts int, errMsg string) {
	// Env-configured default targets have no row to log against.
	if e.store == nil || task.webhook.ID == 0 {
		return
	}
	_ = e.store.LogDelivery(context.Background(), task.webhook.ID, task.event.Event, status, attempts, errMsg)
}

func (e *Engine) limiterFor(target string) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	limiter, ok := e.limiters[target]
	if !ok {
		limiter = rate.NewLimiter(e.rateLimit, e.rateBurst)
		e.limiters[target] = limiter
	}
	return limiter
}

func (e *Engine) generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (e *Engine) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	if u.Scheme != "https" && !allowInsecureTargets() {
		return fmt.Errorf("only HTTPS URLs are allowed")
	}

	host := strings.ToLower(u.Hostname())
	if !allowInsecureTargets() {
		if host == "localhost" || host == "127.0.0.1" || host == "0.0.0.0" || strings.HasPrefix(host, "192.168.") || strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "172.") {
			return fmt.Errorf("private/local network URLs are not allowed")
		}
	}

	return nil
}

func allowInsecureTargets() bool {
	return env.GetEnvBoolOrDefault("WEBHOOK_ALLOW_INSECURE_TARGETS", false)
}
