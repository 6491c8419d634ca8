package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/state"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/webhook"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/validation"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

func profileFromContext(c *fiber.Ctx) string {
	if v := c.Locals("profile_id"); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type createWebhookRequest struct {
	URL    string              `json:"url"`
	Events []webhook.EventType `json:"events"`
}

type updateWebhookRequest struct {
	URL    string              `json:"url"`
	Events []webhook.EventType `json:"events"`
	Active bool                `json:"active"`
}

func ListWebhooks(c *fiber.Ctx) error {
	profileID := profileFromContext(c)

	webhooks, err := state.WebhookEngine.Store().GetAllWebhooks(c.UserContext(), profileID)
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccessWithData(c, "success", map[string]interface{}{"webhooks": webhooks})
}

func GetWebhook(c *fiber.Ctx) error {
	profileID := profileFromContext(c)
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	wh, err := state.WebhookEngine.Store().GetWebhook(c.UserContext(), int64(webhookID), profileID)
	if err != nil {
		return router.ResponseNotFound(c, "webhook not found")
	}

	return router.ResponseSuccessWithData(c, "success", map[string]interface{}{"webhook": wh})
}

func CreateWebhook(c *fiber.Ctx) error {
	profileID := profileFromContext(c)

	var req createWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	if req.URL == "" {
		return router.ResponseBadRequest(c, "url is required")
	}
	if err := validation.ValidateURL(req.URL); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	// Secret is generated server-side and returned once at creation time.
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	secretStr := hex.EncodeToString(secret)

	webhookID, err := state.WebhookEngine.Store().CreateWebhook(c.UserContext(), profileID, req.URL, secretStr, req.Events)
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseCreatedWithData(c, "webhook created", map[string]interface{}{
		"webhook_id": webhookID,
		"secret":     secretStr,
	})
}

func UpdateWebhook(c *fiber.Ctx) error {
	profileID := profileFromContext(c)
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	var req updateWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return router.ResponseBadRequest(c, "invalid request body")
	}
	if req.URL == "" {
		return router.ResponseBadRequest(c, "url is required")
	}
	if err := validation.ValidateURL(req.URL); err != nil {
		return router.ResponseBadRequest(c, err.Error())
	}

	wh, err := state.WebhookEngine.Store().GetWebhook(c.UserContext(), int64(webhookID), profileID)
	if err != nil {
		return router.ResponseNotFound(c, "webhook not found")
	}

	if err := state.WebhookEngine.Store().UpdateWebhook(c.UserContext(), int64(webhookID), profileID, req.URL, wh.Secret, req.Events, req.Active); err != nil {
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccess(c, "webhook updated")
}

func DeleteWebhook(c *fiber.Ctx) error {
	profileID := profileFromContext(c)
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	if _, err := state.WebhookEngine.Store().GetWebhook(c.UserContext(), int64(webhookID), profileID); err != nil {
		return router.ResponseNotFound(c, "webhook not found")
	}

	if err := state.WebhookEngine.Store().DeleteWebhook(c.UserContext(), int64(webhookID), profileID); err != nil {
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccess(c, "webhook deleted")
}

func GetWebhookLogs(c *fiber.Ctx) error {
	profileID := profileFromContext(c)
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	if _, err := state.WebhookEngine.Store().GetWebhook(c.UserContext(), int64(webhookID), profileID); err != nil {
		return router.ResponseNotFound(c, "webhook not found")
	}

	logs, err := state.WebhookEngine.Store().GetDeliveryLogs(c.UserContext(), int64(webhookID), 100)
	if err != nil {
		return router.ResponseInternalError(c, err.Error())
	}

	return router.ResponseSuccessWithData(c, "success", map[string]interface{}{"logs": logs})
}

// TestWebhook dispatches a synthetic ping to one webhook regardless of its
// event filter, so a freshly created target can be verified end to end.
func TestWebhook(c *fiber.Ctx) error {
	profileID := profileFromContext(c)
	webhookID, err := c.ParamsInt("webhook_id")
	if err != nil {
		return router.ResponseBadRequest(c, "invalid webhook_id")
	}

	wh, err := state.WebhookEngine.Store().GetWebhook(c.UserContext(), int64(webhookID), profileID)
	if err != nil {
		return router.ResponseNotFound(c, "webhook not found")
	}

	state.WebhookEngine.DeliverTo(*wh, wasession.Notification{
		Profile:   profileID,
		Event:     "test.ping",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"message": "test webhook delivery",
		},
	})

	return router.ResponseSuccess(c, "test webhook dispatched")
}
