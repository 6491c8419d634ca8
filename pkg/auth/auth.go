package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

// AdminSecretKey for admin API endpoints (/admin/*)
var AdminSecretKey string

func init() {
	AdminSecretKey, _ = env.GetEnvString("ADMIN_SECRET_KEY")
}

// AdminAuth guards the admin surface with the X-Admin-Secret header.
func AdminAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if AdminSecretKey == "" {
			return router.ResponseUnauthorized(c, "Admin API is disabled: ADMIN_SECRET_KEY not configured")
		}
		secret := strings.TrimSpace(c.Get("X-Admin-Secret"))
		if subtle.ConstantTimeCompare([]byte(secret), []byte(AdminSecretKey)) != 1 {
			return router.ResponseUnauthorized(c, "Invalid admin secret")
		}
		return c.Next()
	}
}
