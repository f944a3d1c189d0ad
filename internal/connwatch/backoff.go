// Package connwatch provides connection retry and health monitoring
// for the transport that carries device telemetry.
//
// [Retry] is the open policy: a transport's Open dials through it, so a
// broker that is restarting or briefly unreachable at startup costs a
// few seconds instead of a failed run. A [Watcher] then probes the open
// connection in the background and reports state transitions, feeding
// the monitor server's /health endpoint.
//
// Backoff grows geometrically from InitialDelay (2s, 4s, 8s, ...) and
// is capped at MaxDelay.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior. It doubles
// as the transport open retry policy.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval once a watcher has
	// finished its startup phase (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual attempt may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule: 2s, 4s, 8s, 16s,
// 32s, 60s (capped), with 10 attempts and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WithDefaults returns a copy of c with zero-value fields replaced by
// [DefaultBackoffConfig] values.
func (c BackoffConfig) WithDefaults() BackoffConfig {
	defaults := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaults.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	return c
}

// nextDelay grows d by the multiplier, capped at MaxDelay.
func (c BackoffConfig) nextDelay(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * c.Multiplier)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, the attempt budget is spent, or ctx
// is cancelled. Each call gets its own ProbeTimeout deadline. It
// returns the number of attempts made. On exhaustion the last error is
// wrapped; on cancellation ctx.Err() is returned.
func Retry(ctx context.Context, cfg BackoffConfig, name string, logger *slog.Logger, fn ProbeFunc) (int, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		lastErr = fn(attemptCtx)
		cancel()

		if lastErr == nil {
			if attempt > 1 {
				logger.Info("connected after retry",
					"service", name,
					"attempts", attempt,
				)
			}
			return attempt, nil
		}

		if attempt == cfg.MaxRetries {
			break
		}

		logger.Debug("connect attempt failed, retrying",
			"service", name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", lastErr,
		)

		if !sleepCtx(ctx, delay) {
			return attempt, ctx.Err()
		}
		delay = cfg.nextDelay(delay)
	}

	return cfg.MaxRetries, fmt.Errorf("%s: gave up after %d attempts: %w", name, cfg.MaxRetries, lastErr)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
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

// Sleep pauses for d or until ctx is cancelled, whichever comes first.
// It reports whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	return sleepCtx(ctx, d)
}
