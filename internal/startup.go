package internal

import (
	mathrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/state"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

func jitterSleep(max time.Duration) {
	if max <= 0 {
		return
	}
	ms := mathrand.Int64N(max.Milliseconds() + 1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Startup restores every profile with a durable credential bundle. Each
// restored supervisor runs its own reconnect policy, so this pass only has
// to fan out the creations; it does not wait for the sessions to connect.
func Startup() {
	log.Print(nil).Info("Running Startup Tasks")

	profiles, err := state.Credentials.List()
	if err != nil {
		log.Print(nil).WithError(err).Error("Failed to list credential bundles from session store")
		return
	}
	if len(profiles) == 0 {
		log.Print(nil).Info("No stored sessions to restore")
		return
	}

	maxConcurrent := env.GetEnvIntOrDefault("WHATSAPP_STARTUP_RESTORE_CONCURRENCY", 10)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	jitterMax := env.GetEnvDurationOrDefault("WHATSAPP_STARTUP_RESTORE_JITTER_MAX", 5*time.Second)

	var restored, failed int64
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, profile := range profiles {
		profileID := profile

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			// Spread the dials out so a restart with many profiles does not
			// slam the gateway all at once.
			jitterSleep(jitterMax)
			log.Print(nil).Info("Restoring session for " + profileID)

			if _, _, err := state.Registry.GetOrCreate(profileID); err != nil {
				log.Print(nil).WithError(err).Warn("Failed to restore session for " + profileID)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&restored, 1)
		}()
	}

	wg.Wait()
	log.Print(nil).
		WithField("restored", restored).
		WithField("failed", failed).
		WithField("concurrency", maxConcurrent).
		Info("Startup restore pass complete")
}
