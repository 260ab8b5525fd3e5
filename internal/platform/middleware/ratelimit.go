package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/ratelimit"
)

// RateLimitConfig configures the rate-limit middleware for one route group.
type RateLimitConfig struct {
	Limiter  *ratelimit.Limiter
	Category string
	// Enforce blocks denied requests with a 429. When false the middleware
	// only annotates and logs the would-be denial; it never fails silently.
	Enforce bool
	Logger  zerolog.Logger
}

// RateLimit returns middleware enforcing the sliding-window budget for the
// configured operation category. Caller identity is resolved in priority
// order: "api_key_id" context value, "client_id" context value, X-Client-ID
// header, client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := extractClientID(c)
			decision := cfg.Limiter.Check(c.Request().Context(), identity, cfg.Category)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Backend", string(decision.Backend))

			if !decision.Allowed {
				if cfg.Enforce {
					h.Set("Retry-After", strconv.Itoa(decision.RetryAfter))
					return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
						"error":      "rate limit exceeded",
						"code":       "RATE_LIMIT_EXCEEDED",
						"retryAfter": decision.RetryAfter,
					})
				}
				// Observe mode: let the request through, but never silently.
				cfg.Logger.Warn().
					Str("identity", identity).
					Str("category", cfg.Category).
					Int("retry_after", decision.RetryAfter).
					Str("backend", string(decision.Backend)).
					Msg("rate limit exceeded (observe mode, not enforced)")
			}

			return next(c)
		}
	}
}

// extractClientID determines the client identifier from the echo context.
func extractClientID(c echo.Context) string {
	if v := c.Get("api_key_id"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if v := c.Get("client_id"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if h := c.Request().Header.Get("X-Client-ID"); h != "" {
		return h
	}
	return c.RealIP()
}
