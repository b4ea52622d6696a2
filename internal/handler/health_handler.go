package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/utils"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string             `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
	Service     string             `json:"service"`
	Environment string             `json:"environment"`
	Strategy    string             `json:"execution_strategy"`
	Backends    []string           `json:"backends"`
	Pools       []workerpool.Stats `json:"pools"`
}

// HealthCheck returns a handler that reports application health and the
// load of the grading pools.
func HealthCheck(cfg config.Config, backends []string, pools ...*workerpool.Pool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Strategy:    cfg.Execution.Strategy,
			Backends:    backends,
			Pools:       make([]workerpool.Stats, 0, len(pools)),
		}
		if payload.Backends == nil {
			payload.Backends = []string{}
		}
		for _, pool := range pools {
			if pool != nil {
				payload.Pools = append(payload.Pools, pool.Stats())
			}
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
