package webhook

import (
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

type EventType = wasession.NotificationType

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// WebhookConfig is one registered notification target for a profile.
type WebhookConfig struct {
	ID        int64
	ProfileID string
	URL       string
	Secret    string
	Events    []EventType
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DeliveryLog struct {
	ID           int64
	WebhookID    int64
	EventType    EventType
	Status       DeliveryStatus
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
