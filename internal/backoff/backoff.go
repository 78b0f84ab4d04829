// Package backoff retries operations against external services with
// exponential backoff. It covers multi-second provider hiccups (5xx,
// rate limiting, dropped connections); httpkit's transport-level retry
// covers sub-second dial failures underneath it.
//
// Callers decide what is retryable: [Do] only retries errors for which
// the supplied predicate returns true, so permanent failures surface on
// the first attempt.
package backoff

import (
	"context"
	"log/slog"
	"time"
)

// Config controls the exponential backoff schedule.
type Config struct {
	// InitialDelay is the delay before the first retry (default: 500ms).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 10s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of retries after the first attempt
	// (default: 4). Zero disables retrying.
	MaxRetries int
}

// DefaultConfig returns 500ms, 1s, 2s, 4s with a 10s ceiling.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   4,
	}
}

// Delays returns the sleep schedule Do would follow if every attempt
// failed.
func (c Config) Delays() []time.Duration {
	delays := make([]time.Duration, 0, c.MaxRetries)
	delay := c.InitialDelay
	for i := 0; i < c.MaxRetries; i++ {
		delays = append(delays, delay)
		delay = time.Duration(float64(delay) * c.Multiplier)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delays
}

// Do runs op until it succeeds, returns an error that retryable
// rejects, retries are exhausted, or ctx is cancelled. The last error
// is returned unchanged so callers can still inspect it with
// errors.Is / errors.As.
func Do(ctx context.Context, cfg Config, logger *slog.Logger, name string, retryable func(error) bool, op func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	err := op(ctx)
	if err == nil || !retryable(err) {
		return err
	}

	for attempt, delay := range cfg.Delays() {
		logger.Debug("retrying after transient error",
			"op", name,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}

		err = op(ctx)
		if err == nil {
			logger.Info("operation succeeded after retry",
				"op", name,
				"attempts", attempt+2,
			)
			return nil
		}
		if !retryable(err) {
			return err
		}
	}

	return err
}

// sleepCtx sleeps for d or until ctx is done. Returns false if the
// context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
