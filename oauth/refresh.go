// Package oauth schedules background refresh of persisted OAuth tokens. It performs jittered
// checks and refreshes when the stored expiry falls within a configured window, so a token
// minted by the operator flow stays usable across long quiet periods.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source is a persisted token that can report its expiry and refresh itself in place.
// ok is false when there is no token or it carries no refresh token.
type Source interface {
	Expiry(ctx context.Context) (exp time.Time, ok bool, err error)
	Refresh(ctx context.Context) error
}

// Refresher periodically checks one Source.
type Refresher struct {
	provider string
	src      Source
	interval time.Duration
	window   time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
}

// NewRefresher returns a refresher for provider.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func NewRefresher(provider string, src Source, interval, window time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Refresher{
		provider: provider,
		src:      src,
		interval: interval,
		window:   window,
		timeout:  15 * time.Second,
		clock:    clockwork.NewRealClock(),
	}
}

// WithClock swaps the clock used for expiry comparisons and sleeps.
func (r *Refresher) WithClock(c clockwork.Clock) *Refresher {
	r.clock = c
	return r
}

// Run blocks until ctx is done. It always returns nil; refresh failures are logged and
// retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initial := time.Duration(rand.Int64N(int64(r.interval/2) + 1))
	if !r.sleep(ctx, initial) {
		return nil
	}
	for {
		if _, err := r.Check(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("token refresh failed", slog.String("provider", r.provider), slog.String("component", "oauth"), slog.Any("err", err))
		}
		if !r.sleep(ctx, r.nextSleep()) {
			return nil
		}
	}
}

// Check refreshes the token when it expires within the window and reports whether it did.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	exp, ok, err := r.src.Expiry(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	// If still outside window skip quickly
	if exp.Sub(r.clock.Now()) > r.window {
		return false, nil
	}
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.src.Refresh(rctx); err != nil {
		return false, err
	}
	slog.Info("token refreshed", slog.String("provider", r.provider), slog.String("component", "oauth"))
	return true, nil
}

// nextSleep is the interval with +/-20% jitter, never below half the interval.
func (r *Refresher) nextSleep() time.Duration {
	jitterRange := int64(r.interval / 5)
	if jitterRange <= 0 {
		return r.interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int64N(jitterRange*2) - jitterRange)
	return max(r.interval+jitter, r.interval/2)
}

func (r *Refresher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}
