package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelay_ZeroAttemptWithoutJitter(t *testing.T) {
	cfg := Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2}

	if got := Delay(0, cfg, nil); got != 500*time.Millisecond {
		t.Errorf("Delay(0) = %v, want 500ms", got)
	}
}

func TestDelay_MonotonicUntilCap(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Factor: 2}

	prev := time.Duration(0)
	for attempt := range 20 {
		got := Delay(attempt, cfg, nil)
		if got < prev {
			t.Fatalf("Delay(%d) = %v is less than Delay(%d) = %v", attempt, got, attempt-1, prev)
		}
		if got > cfg.MaxDelay {
			t.Fatalf("Delay(%d) = %v exceeds max %v", attempt, got, cfg.MaxDelay)
		}
		prev = got
	}

	// 1s * 2^5 = 32s > 30s, so every attempt from 5 on is capped.
	for attempt := 5; attempt < 64; attempt++ {
		if got := Delay(attempt, cfg, nil); got != cfg.MaxDelay {
			t.Errorf("Delay(%d) = %v, want cap %v", attempt, got, cfg.MaxDelay)
		}
	}
}

func TestDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: time.Minute, Factor: 10}

	if got := Delay(10_000, cfg, nil); got != time.Minute {
		t.Errorf("Delay(10000) = %v, want %v", got, time.Minute)
	}
}

func TestDelay_JitterWithinBand(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Factor: 1, JitterRatio: 0.25}
	rng := rand.New(rand.NewSource(42))

	for range 1000 {
		got := Delay(0, cfg, rng)
		if got < 7500*time.Millisecond || got > 12500*time.Millisecond {
			t.Fatalf("Delay = %v outside [7.5s, 12.5s]", got)
		}
	}
}

func TestDelay_DeterministicWithSeededSource(t *testing.T) {
	cfg := DefaultConfig()

	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))
	for attempt := range 10 {
		da := Delay(attempt, cfg, a)
		db := Delay(attempt, cfg, b)
		if da != db {
			t.Fatalf("attempt %d: %v != %v with identical seeds", attempt, da, db)
		}
	}
}

func TestDelay_NeverNegative(t *testing.T) {
	// A jitter ratio above 1 can push the raw value below zero.
	cfg := Config{InitialDelay: time.Second, MaxDelay: time.Second, Factor: 1, JitterRatio: 3}
	rng := rand.New(rand.NewSource(1))

	for range 1000 {
		if got := Delay(0, cfg, rng); got < 0 {
			t.Fatalf("Delay returned negative duration %v", got)
		}
	}
}

func TestBase_InvalidInputs(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		cfg     Config
		want    time.Duration
	}{
		{"zero initial", 3, Config{MaxDelay: time.Second, Factor: 2}, 0},
		{"negative attempt", -4, Config{InitialDelay: time.Second, MaxDelay: time.Minute, Factor: 2}, time.Second},
		{"factor below one", 5, Config{InitialDelay: time.Second, MaxDelay: time.Minute, Factor: 0.5}, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Base(tt.attempt, tt.cfg); got != tt.want {
				t.Errorf("Base() = %v, want %v", got, tt.want)
			}
		})
	}
}
