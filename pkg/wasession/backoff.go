package wasession

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the reconnect delay schedule. Delays grow
// exponentially with the attempt count and are capped at MaxDelay; the
// counter resets whenever a session reaches Connected.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff mirrors the reconnect schedule used by the startup restore
// pass: 2s base doubling up to 30s.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

// NextDelay returns the reconnect delay for attempt N (1-based). Without
// jitter it is deterministic and non-decreasing in the attempt count.
func (cfg BackoffConfig) NextDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return cfg.withJitter(cfg.InitialDelay)
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return cfg.withJitter(time.Duration(delay))
}

// withJitter adds up to 500ms (bounded by InitialDelay for sub-second
// schedules) and clamps the result at MaxDelay. With a doubling schedule the
// growth step always covers the jitter span, so consecutive jittered delays
// never shrink; once the schedule hits the cap every delay is exactly
// MaxDelay.
func (cfg BackoffConfig) withJitter(d time.Duration) time.Duration {
	if !cfg.Jitter || d <= 0 {
		return d
	}
	span := 500 * time.Millisecond
	if cfg.InitialDelay > 0 && cfg.InitialDelay < span {
		span = cfg.InitialDelay
	}
	jittered := d + time.Duration(rand.Int64N(int64(span)+1))
	if cfg.MaxDelay > 0 && jittered > cfg.MaxDelay {
		jittered = cfg.MaxDelay
	}
	return jittered
}
