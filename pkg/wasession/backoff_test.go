package wasession

import (
	"testing"
	"time"
)

func TestNextDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       false,
	}

	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		got := cfg.NextDelay(i + 1)
		if got != want {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, want)
		}
	}
}

func TestNextDelayNonDecreasingWithJitter(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}

	// Whatever jitter each draw picks, a later attempt may never come out
	// shorter than an earlier one. Compare the worst case of attempt N
	// against the best case of attempt N+1 over many samples, well past the
	// point where the schedule saturates at MaxDelay.
	for attempt := 1; attempt <= 8; attempt++ {
		var maxCurrent time.Duration
		minNext := time.Duration(1<<63 - 1)
		for i := 0; i < 100; i++ {
			if d := cfg.NextDelay(attempt); d > maxCurrent {
				maxCurrent = d
			}
			if d := cfg.NextDelay(attempt + 1); d < minNext {
				minNext = d
			}
		}
		if maxCurrent > minNext {
			t.Fatalf("attempt %d can reach %v but attempt %d can be %v", attempt, maxCurrent, attempt+1, minNext)
		}
	}

	for i := 0; i < 100; i++ {
		if d := cfg.NextDelay(10); d != cfg.MaxDelay {
			t.Fatalf("saturated attempt: got %v, want exactly %v", d, cfg.MaxDelay)
		}
	}

	base := BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: cfg.Multiplier, MaxDelay: cfg.MaxDelay}
	for attempt := 1; attempt <= 10; attempt++ {
		got := cfg.NextDelay(attempt)
		if want := base.NextDelay(attempt); got < want {
			t.Fatalf("attempt %d: jittered delay %v below base %v", attempt, got, want)
		}
		if got > cfg.MaxDelay {
			t.Fatalf("attempt %d: jittered delay %v exceeds cap %v", attempt, got, cfg.MaxDelay)
		}
	}
}

func TestNextDelayZeroConfig(t *testing.T) {
	var cfg BackoffConfig
	if got := cfg.NextDelay(3); got != 0 {
		t.Fatalf("zero config attempt 3: got %v, want 0", got)
	}
}
