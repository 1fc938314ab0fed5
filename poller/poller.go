// Package poller runs a polling loop that survives transient upstream errors.
//
// Failures are retried with jittered exponential backoff until either the
// consecutive-failure ceiling or the wall-clock ceiling is hit, at which point
// Run returns a fatal error. Any successful poll resets both counters.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/zhubert/plural-remote/backoff"
)

var (
	// ErrTooManyFailures is returned when MaxConsecutiveFailures polls fail in a row.
	ErrTooManyFailures = errors.New("too many consecutive poll failures")

	// ErrRetryWindowExceeded is returned when a failure streak lasts longer than MaxRetryWindow.
	ErrRetryWindowExceeded = errors.New("poll retry window exceeded")
)

// Default ceilings.
const (
	DefaultMaxConsecutiveFailures = 10
	DefaultMaxRetryWindow         = 5 * time.Minute
	DefaultInterval               = time.Second
)

// Source is polled once per loop iteration.
type Source[T any] interface {
	Poll(ctx context.Context) ([]T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) ([]T, error)

// Poll calls f(ctx).
func (f SourceFunc[T]) Poll(ctx context.Context) ([]T, error) {
	return f(ctx)
}

// Options configure a Loop.
type Options struct {
	Interval               time.Duration  // Pause between successful polls
	Backoff                backoff.Config // Delay curve after failures
	MaxConsecutiveFailures int            // Give up after this many failures in a row
	MaxRetryWindow         time.Duration  // Give up when a failure streak lasts this long
	Rand                   *rand.Rand     // Jitter source (nil = shared source)

	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Backoff == (backoff.Config{}) {
		o.Backoff = backoff.DefaultConfig()
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.MaxRetryWindow <= 0 {
		o.MaxRetryWindow = DefaultMaxRetryWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Loop repeatedly polls a Source and hands results to a handler.
type Loop[T any] struct {
	source  Source[T]
	handle  func(ctx context.Context, item T)
	opts    Options
	log     *slog.Logger
	onRetry func(failures int, delay time.Duration, err error)
}

// New creates a polling loop. handle is called synchronously for every item
// returned by a successful poll.
func New[T any](source Source[T], handle func(ctx context.Context, item T), opts Options, log *slog.Logger) *Loop[T] {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Loop[T]{
		source: source,
		handle: handle,
		opts:   opts,
		log:    log,
	}
}

// OnRetry registers a hook invoked before each backoff sleep.
func (l *Loop[T]) OnRetry(fn func(failures int, delay time.Duration, err error)) {
	l.onRetry = fn
}

// Run polls until ctx is cancelled (returns nil) or a ceiling is hit
// (returns an error wrapping ErrTooManyFailures or ErrRetryWindowExceeded).
func (l *Loop[T]) Run(ctx context.Context) error {
	failures := 0
	var streakStart time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		items, err := l.source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			now := l.opts.Now()
			if failures == 0 {
				streakStart = now
			}
			failures++

			if failures >= l.opts.MaxConsecutiveFailures {
				l.log.Error("poller giving up", "failures", failures, "error", err)
				return fmt.Errorf("%w (%d): %v", ErrTooManyFailures, failures, err)
			}
			if elapsed := now.Sub(streakStart); elapsed > l.opts.MaxRetryWindow {
				l.log.Error("poller giving up", "elapsed", elapsed, "error", err)
				return fmt.Errorf("%w (%s): %v", ErrRetryWindowExceeded, elapsed.Round(time.Second), err)
			}

			delay := backoff.Delay(failures-1, l.opts.Backoff, l.opts.Rand)
			l.log.Warn("poll failed, backing off", "failures", failures, "delay", delay, "error", err)
			if l.onRetry != nil {
				l.onRetry(failures, delay, err)
			}
			if err := l.opts.Sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		if failures > 0 {
			l.log.Info("poller recovered", "afterFailures", failures)
		}
		failures = 0
		streakStart = time.Time{}

		for _, item := range items {
			l.handle(ctx, item)
		}

		if err := l.opts.Sleep(ctx, l.opts.Interval); err != nil {
			return nil
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
