// Package backoff computes retry delays for loops that talk to flaky upstreams.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config controls the shape of the delay curve.
type Config struct {
	InitialDelay time.Duration // Delay for attempt 0 (before jitter)
	MaxDelay     time.Duration // Upper bound for the un-jittered delay
	Factor       float64       // Growth factor per attempt
	JitterRatio  float64       // Fraction of the base delay used as +/- jitter band
}

// DefaultConfig returns the delay curve used by the inbox poller.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       2,
		JitterRatio:  0.2,
	}
}

var (
	globalMu  sync.Mutex
	globalRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Base returns the un-jittered delay for the given attempt:
// min(InitialDelay * Factor^attempt, MaxDelay).
func Base(attempt int, cfg Config) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor < 1 {
		factor = 1
	}

	base := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt))
	if cfg.MaxDelay > 0 && (base > float64(cfg.MaxDelay) || math.IsInf(base, 1) || math.IsNaN(base)) {
		return cfg.MaxDelay
	}
	if base > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(base)
}

// Delay returns the jittered delay for the given attempt. The result is
// Base(attempt) shifted by a uniform value in [-JitterRatio*base, +JitterRatio*base]
// and never negative. A nil rng uses a shared, mutex-protected source; pass a
// seeded *rand.Rand for deterministic results.
func Delay(attempt int, cfg Config, rng *rand.Rand) time.Duration {
	base := Base(attempt, cfg)
	if cfg.JitterRatio <= 0 || base == 0 {
		return base
	}

	band := cfg.JitterRatio * float64(base)
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		globalMu.Lock()
		u = globalRng.Float64()
		globalMu.Unlock()
	}

	d := float64(base) + (u*2-1)*band
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
