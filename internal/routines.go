package internal

import (
	"os"
	"strconv"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/state"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/wasession"
)

// Routines registers the periodic health sweep. Every five minutes it walks
// the registry, logs unhealthy sessions and revives parked ones, so a session
// that exhausted its reconnect budget during a gateway outage comes back
// without operator intervention.
func Routines(cron *cron.Cron) {
	log.Print(nil).Info("Running Routine Tasks")

	if isHealthCheckEnabled() {
		_, err := cron.AddFunc("0 */5 * * * *", func() {
			if state.Registry.Len() == 0 {
				return
			}
			state.Registry.Range(func(profile string, sup *wasession.Supervisor) {
				switch sup.Record().State() {
				case wasession.StateParked:
					log.Print(nil).Warn("Session parked: " + profile + ", requesting revival")
					if err := sup.Reconnect(); err != nil {
						log.Print(nil).WithError(err).Warn("Failed to revive parked session " + profile)
					}
				case wasession.StateConnected:
					log.Print(nil).Info("Session healthy: " + profile)
				default:
					log.Print(nil).Warn("Session unhealthy: " + profile + " (" + sup.Record().State().String() + ")")
				}
			})
		})
		if err != nil {
			log.Print(nil).WithField("error", err.Error()).Error("Failed to add health check cron job")
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; parked sessions need an explicit reconnect")
	}

	cron.Start()
}

func isHealthCheckEnabled() bool {
	envValue, ok := os.LookupEnv("WHATSAPP_ENABLE_HEALTH_CHECK_CRON")
	if !ok {
		return true
	}
	enabled, err := strconv.ParseBool(envValue)
	if err != nil {
		log.Print(nil).Warn("Invalid WHATSAPP_ENABLE_HEALTH_CHECK_CRON value; defaulting to enabled")
		return true
	}
	return enabled
}
