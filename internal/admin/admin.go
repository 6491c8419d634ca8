package admin

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/state"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

// GetStats returns session counts broken down by lifecycle state.
func GetStats(c *fiber.Ctx) error {
	byState := make(map[string]int)
	total := 0
	state.Registry.Range(func(profile string, sup *wasession.Supervisor) {
		byState[sup.Record().State().String()]++
		total++
	})

	return router.ResponseSuccessWithData(c, "success", map[string]interface{}{
		"total_sessions": total,
		"by_state":       byState,
	})
}

// GetHealth reports the health of the service's dependencies.
func GetHealth(c *fiber.Ctx) error {
	health := map[string]interface{}{
		"sessions": state.Registry.Len(),
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()
	if err := state.DB.PingContext(ctx); err != nil {
		health["datastore"] = "unreachable: " + err.Error()
		return router.ResponseInternalError(c, "datastore unreachable")
	}
	health["datastore"] = "ok"

	return router.ResponseSuccessWithData(c, "success", health)
}

// ListSessions returns a status snapshot for every registered session.
func ListSessions(c *fiber.Ctx) error {
	var sessions []wasession.Snapshot
	state.Registry.Range(func(profile string, sup *wasession.Supervisor) {
		sessions = append(sessions, sup.Record().Snapshot())
	})

	return router.ResponseSuccessWithData(c, "success", map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// ReconnectAll forces a fresh transport session for every non-terminated
// profile. Parked sessions are revived with a reset attempt budget.
func ReconnectAll(c *fiber.Ctx) error {
	requested := 0
	failed := 0
	state.Registry.Range(func(profile string, sup *wasession.Supervisor) {
		if err := sup.Reconnect(); err != nil {
			log.Print(nil).WithError(err).Warn("Failed to reconnect " + profile)
			failed++
			return
		}
		requested++
	})

	return router.ResponseSuccessWithData(c, "reconnect requested", map[string]interface{}{
		"requested": requested,
		"failed":    failed,
	})
}
