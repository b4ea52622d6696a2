package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-autograder/internal/utils"
)

// RateLimit caps requests per caller within window. Authenticated callers are
// keyed by user id, anonymous ones by client IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return fmt.Sprintf("%s:%s", identifier, rateLimitKey(c))
		},
		LimitReached: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%.0f", window.Seconds()))
			return utils.SendErrorCode(c, fiber.StatusTooManyRequests, "rate_limited", "too many code runs, slow down")
		},
	})
}

func rateLimitKey(c *fiber.Ctx) string {
	switch id := c.Locals(LocalUserID).(type) {
	case uint:
		if id > 0 {
			return fmt.Sprintf("user:%d", id)
		}
	}
	return "ip:" + c.IP()
}
