package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
)

// Store persists webhook configurations and delivery logs in Postgres. A
// short-lived per-profile cache keeps the dispatch path off the database for
// the common case.
type Store struct {
	db             *sql.DB
	cacheMu        sync.RWMutex
	activeCache    map[string]activeCacheEntry
	activeCacheTTL time.Duration
}

type activeCacheEntry struct {
	webhooks  []WebhookConfig
	expiresAt time.Time
}

func NewStore(db *sql.DB) *Store {
	ttlSeconds := env.GetEnvIntOrDefault("WEBHOOK_CACHE_TTL_SECONDS", 15)
	if ttlSeconds < 0 {
		ttlSeconds = 0
	}
	return &Store{
		db:             db,
		activeCache:    make(map[string]activeCacheEntry),
		activeCacheTTL: time.Duration(ttlSeconds) * time.Second,
	}
}

// EnsureSchema creates the webhook tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wa_webhooks (
			id BIGSERIAL PRIMARY KEY,
			profile_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			events JSONB NOT NULL DEFAULT '[]'::jsonb,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_wa_webhooks_profile ON wa_webhooks (profile_id) WHERE active;
		CREATE TABLE IF NOT EXISTS wa_webhook_deliveries (
			id BIGSERIAL PRIMARY KEY,
			webhook_id BIGINT NOT NULL REFERENCES wa_webhooks (id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func (s *Store) getActiveCache(profileID string) ([]WebhookConfig, bool) {
	if s.activeCacheTTL <= 0 {
		return nil, false
	}
	s.cacheMu.RLock()
	entry, ok := s.activeCache[profileID]
	s.cacheMu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.Lock()
		delete(s.activeCache, profileID)
		s.cacheMu.Unlock()
		return nil, false
	}
	return entry.webhooks, true
}

func (s *Store) setActiveCache(profileID string, webhooks []WebhookConfig) {
	if s.activeCacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	s.activeCache[profileID] = activeCacheEntry{
		webhooks:  webhooks,
		expiresAt: time.Now().Add(s.activeCacheTTL),
	}
	s.cacheMu.Unlock()
}

func (s *Store) invalidateActiveCache(profileID string) {
	if s.activeCacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	delete(s.activeCache, profileID)
	s.cacheMu.Unlock()
}

func (s *Store) scanWebhooks(rows *sql.Rows) ([]WebhookConfig, error) {
	var webhooks []WebhookConfig
	for rows.Next() {
		var w WebhookConfig
		var eventsJSON []byte
		err := rows.Scan(&w.ID, &w.ProfileID, &w.URL, &w.Secret, &eventsJSON, &w.Active, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventsJSON, &w.Events); err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (s *Store) GetAllWebhooks(ctx context.Context, profileID string) ([]WebhookConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, url, secret, events, active, created_at, updated_at
		FROM wa_webhooks
		WHERE profile_id = $1
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanWebhooks(rows)
}

func (s *Store) GetActiveWebhooks(ctx context.Context, profileID string) ([]WebhookConfig, error) {
	if cached, ok := s.getActiveCache(profileID); ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, url, secret, events, active, created_at, updated_at
		FROM wa_webhooks
		WHERE profile_id = $1 AND active = TRUE
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks, err := s.scanWebhooks(rows)
	if err != nil {
		return nil, err
	}
	s.setActiveCache(profileID, webhooks)
	return webhooks, nil
}

func (s *Store) GetWebhook(ctx context.Context, webhookID int64, profileID string) (*WebhookConfig, error) {
	var w WebhookConfig
	var eventsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, url, secret, events, active, created_at, updated_at
		FROM wa_webhooks
		WHERE id = $1 AND profile_id = $2
	`, webhookID, profileID).Scan(&w.ID, &w.ProfileID, &w.URL, &w.Secret, &eventsJSON, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventsJSON, &w.Events); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) CreateWebhook(ctx context.Context, profileID, url, secret string, events []EventType) (int64, error) {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO wa_webhooks (profile_id, url, secret, events, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, TRUE, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id
	`, profileID, url, secret, string(eventsJSON)).Scan(&id)
	if err == nil {
		s.invalidateActiveCache(profileID)
	}
	return id, err
}

func (s *Store) UpdateWebhook(ctx context.Context, webhookID int64, profileID, url, secret string, events []EventType, active bool) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE wa_webhooks
		SET url = $1, secret = $2, events = $3::jsonb, active = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5 AND profile_id = $6
	`, url, secret, string(eventsJSON), active, webhookID, profileID)
	if err == nil {
		s.invalidateActiveCache(profileID)
	}
	return err
}

func (s *Store) DeleteWebhook(ctx context.Context, webhookID int64, profileID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wa_webhooks WHERE id = $1 AND profile_id = $2
	`, webhookID, profileID)
	if err == nil {
		s.invalidateActiveCache(profileID)
	}
	return err
}

func (s *Store) LogDelivery(ctx context.Context, webhookID int64, eventType EventType, status DeliveryStatus, attemptCount int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wa_webhook_deliveries (webhook_id, event_type, status, attempt_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, webhookID, eventType, status, attemptCount, lastError)
	return err
}

func (s *Store) GetDeliveryLogs(ctx context.Context, webhookID int64, limit int) ([]DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, status, attempt_count, last_error, created_at, updated_at
		FROM wa_webhook_deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []DeliveryLog
	for rows.Next() {
		var entry DeliveryLog
		var lastError sql.NullString
		err := rows.Scan(&entry.ID, &entry.WebhookID, &entry.EventType, &entry.Status, &entry.AttemptCount, &lastError, &entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if lastError.Valid {
			entry.LastError = lastError.String
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
