// Package state wires the session manager's long-lived components together:
// credential store, transport dialer, registry, event router and webhook
// engine. Handlers reach them through the package variables after Init.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/waengine"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

var (
	DB            *sql.DB
	Credentials   *wasession.CredentialStore
	Events        *wasession.EventRouter
	Registry      *wasession.Registry
	WebhookEngine *webhook.Engine
)

// Init builds the component graph. Call once from main before serving.
func Init() error {
	if auth.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}

	sessionDir := env.GetEnvStringOrDefault("WHATSAPP_SESSION_DIR", "./sessions")
	backend, err := wasession.NewFileBackend(sessionDir)
	if err != nil {
		return fmt.Errorf("failed to open session directory %s: %w", sessionDir, err)
	}

	Credentials = wasession.NewCredentialStore(backend, wasession.CredentialStoreConfig{
		FlushInterval: env.GetEnvDurationOrDefault("WHATSAPP_CREDENTIAL_FLUSH_INTERVAL", 2*time.Second),
		FlushRetries:  env.GetEnvIntOrDefault("WHATSAPP_CREDENTIAL_FLUSH_RETRIES", 3),
	})

	dsn, err := env.GetEnvString("WEBHOOK_DATASTORE_URI")
	if err != nil {
		return fmt.Errorf("WEBHOOK_DATASTORE_URI is required: %w", err)
	}
	DB, err = sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open webhook datastore: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := DB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("webhook datastore is unreachable: %w", err)
	}

	store := webhook.NewStore(DB)
	if err := store.EnsureSchema(pingCtx); err != nil {
		return fmt.Errorf("failed to ensure webhook schema: %w", err)
	}
	WebhookEngine = webhook.NewEngine(store)

	Events = wasession.NewEventRouter(WebhookEngine, env.GetEnvIntOrDefault("EVENT_QUEUE_SIZE", 1024))

	dialer, err := waengine.NewGatewayDialer()
	if err != nil {
		return fmt.Errorf("failed to configure gateway dialer: %w", err)
	}

	Registry = wasession.NewRegistry(dialer, Credentials, Events, wasession.SupervisorConfig{
		Backoff: wasession.BackoffConfig{
			InitialDelay: env.GetEnvDurationOrDefault("WHATSAPP_RECONNECT_BACKOFF_BASE", 2*time.Second),
			Multiplier:   2.0,
			MaxDelay:     env.GetEnvDurationOrDefault("WHATSAPP_RECONNECT_BACKOFF_MAX", 30*time.Second),
			Jitter:       true,
		},
		MaxAttempts:   env.GetEnvIntOrDefault("WHATSAPP_RECONNECT_MAX_ATTEMPTS", 5),
		PurgeOnLogout: env.GetEnvBoolOrDefault("WHATSAPP_PURGE_ON_DISCONNECT", false),
		DialTimeout:   env.GetEnvDurationOrDefault("WHATSAPP_DIAL_TIMEOUT", 2*time.Minute),
	})

	log.Print(nil).Info("Session manager components initialized")
	return nil
}

// Shutdown tears the graph down in dependency order: sessions first so no
// new events are produced, then the routing/delivery pipeline, then storage.
func Shutdown() {
	if Registry != nil {
		Registry.Shutdown()
	}
	if Events != nil {
		Events.Close()
	}
	if WebhookEngine != nil {
		WebhookEngine.Shutdown()
	}
	if Credentials != nil {
		if err := Credentials.Close(); err != nil {
			log.Print(nil).WithError(err).Error("Failed to flush credential store on shutdown")
		}
	}
	if DB != nil {
		_ = DB.Close()
	}
}
