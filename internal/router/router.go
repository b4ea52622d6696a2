package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/handler"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/observability"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	GradingHandler *handler.GradingHandler
	JWTMiddleware  fiber.Handler
	// Backends and Pools are reported by the health endpoint.
	Backends []string
	Pools    []*workerpool.Pool
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Backends, deps.Pools...))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.GradingHandler != nil {
		grading := app.Group("/api/v2/grading", jwtMiddleware)
		if cfg.CodeRunsPerMinute > 0 {
			grading.Use("/questions", middleware.RateLimit("grading-code-runs", cfg.CodeRunsPerMinute, time.Minute))
		}
		deps.GradingHandler.Register(grading)
	}
}
