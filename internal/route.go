package internal

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/auth"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"

	ctlAdmin "github.com/gdbrns/go-whatsapp-session-manager/internal/admin"
	ctlIndex "github.com/gdbrns/go-whatsapp-session-manager/internal/index"
	ctlSession "github.com/gdbrns/go-whatsapp-session-manager/internal/session"
	ctlWebhooks "github.com/gdbrns/go-whatsapp-session-manager/internal/webhooks"
)

func Routes(app *fiber.App) {
	// Route for Index
	// ---------------------------------------------
	if router.BaseURL == "" {
		app.Get("/", ctlIndex.Index)
	} else {
		app.Get(router.BaseURL, ctlIndex.Index)
		app.Get(router.BaseURL+"/", ctlIndex.Index)
	}

	// ============================================================
	// ADMIN ROUTES (X-Admin-Secret authentication)
	// ============================================================
	adminMiddleware := auth.AdminAuth()

	app.Get(router.BaseURL+"/admin/stats", adminMiddleware, ctlAdmin.GetStats)
	app.Get(router.BaseURL+"/admin/health", adminMiddleware, ctlAdmin.GetHealth)
	app.Get(router.BaseURL+"/admin/sessions", adminMiddleware, ctlAdmin.ListSessions)
	app.Post(router.BaseURL+"/admin/sessions/reconnect", adminMiddleware, ctlAdmin.ReconnectAll)

	// ============================================================
	// PROFILE CREATION (admin-authenticated; returns the profile token)
	// ============================================================
	app.Post(router.BaseURL+"/profiles", adminMiddleware, ctlSession.CreateProfile)

	// ============================================================
	// PROFILE OPERATIONS (JWT Bearer token authentication)
	// ============================================================
	profileMiddleware := auth.ProfileAuth()

	app.Get(router.BaseURL+"/profiles/me/status", profileMiddleware, ctlSession.GetStatus)
	app.Post(router.BaseURL+"/profiles/me/login", profileMiddleware, ctlSession.Login)
	app.Post(router.BaseURL+"/profiles/me/login-code", profileMiddleware, ctlSession.LoginWithCode)
	app.Post(router.BaseURL+"/profiles/me/reconnect", profileMiddleware, ctlSession.Reconnect)
	app.Post(router.BaseURL+"/profiles/me/messages", profileMiddleware, ctlSession.SendMessage)
	app.Post(router.BaseURL+"/profiles/me/disconnect", profileMiddleware, ctlSession.Disconnect)
	app.Delete(router.BaseURL+"/profiles/me/session", profileMiddleware, ctlSession.Logout)

	// Webhook routes
	app.Get(router.BaseURL+"/webhooks", profileMiddleware, ctlWebhooks.ListWebhooks)
	app.Post(router.BaseURL+"/webhooks", profileMiddleware, ctlWebhooks.CreateWebhook)
	app.Get(router.BaseURL+"/webhooks/:webhook_id", profileMiddleware, ctlWebhooks.GetWebhook)
	app.Patch(router.BaseURL+"/webhooks/:webhook_id", profileMiddleware, ctlWebhooks.UpdateWebhook)
	app.Delete(router.BaseURL+"/webhooks/:webhook_id", profileMiddleware, ctlWebhooks.DeleteWebhook)
	app.Get(router.BaseURL+"/webhooks/:webhook_id/logs", profileMiddleware, ctlWebhooks.GetWebhookLogs)
	app.Post(router.BaseURL+"/webhooks/:webhook_id/test", profileMiddleware, ctlWebhooks.TestWebhook)
}
