package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/chat-magnifier/telemetry"
)

// RefreshFunc performs provider-specific refresh and returns the new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (Token, error)

// StartRefresher launches a goroutine that periodically checks the provider's
// stored token and refreshes it when its remaining lifetime is <= window.
func StartRefresher(ctx context.Context, store Store, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval).
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			RefreshOnce(ctx, store, provider, window, fn)
		}
	}()
}

// RefreshOnce refreshes the stored token if it expires within window. It
// reports whether a new token was stored.
func RefreshOnce(ctx context.Context, store Store, provider string, window time.Duration, fn RefreshFunc) bool {
	logger := slog.With(slog.String("component", "oauth_refresher"), slog.String("provider", provider))
	cur, err := store.Get(ctx, provider)
	if err != nil {
		logger.Warn("token load failed", slog.Any("err", err))
		return false
	}
	if cur.RefreshToken == "" || time.Until(cur.Expiry) > window {
		return false
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := fn(ctx2, cur.RefreshToken)
	cancel()
	if err != nil {
		telemetry.IncTokenRefresh(false)
		logger.Warn("token refresh failed", slog.Any("err", err))
		return false
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	next.Scope = strings.TrimSpace(next.Scope)
	if err := store.Put(ctx, provider, next); err != nil {
		telemetry.IncTokenRefresh(false)
		logger.Warn("token persist failed", slog.Any("err", err))
		return false
	}
	telemetry.IncTokenRefresh(true)
	logger.Info("token refreshed")
	return true
}
