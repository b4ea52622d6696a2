package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/database"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/handler"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/internal/router"
	"github.com/noah-isme/gema-autograder/internal/service"
	"github.com/noah-isme/gema-autograder/pkg/sandbox"
	"github.com/noah-isme/gema-autograder/pkg/workerpool"
)

const lockPrefix = "grading:lock:"

type pools struct {
	grading   *workerpool.Pool
	compile   *workerpool.Pool
	execution *workerpool.Pool
}

func (p pools) all() []*workerpool.Pool {
	return []*workerpool.Pool{p.grading, p.compile, p.execution}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	assignmentRepo := repository.NewAssignmentRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)

	// Submissions left in GRADING by a crashed process can never finish.
	if reset, err := submissionRepo.ResetInterrupted(context.Background()); err != nil {
		logger.Error().Err(err).Msg("failed to reset interrupted submissions")
	} else if reset > 0 {
		logger.Warn().Int64("count", reset).Msg("reset submissions interrupted mid-grading")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to in-process locking without stats cache")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, grading events stay local to this node")
			natsConn = nil
		} else {
			defer natsConn.Drain()
		}
	}

	workers, err := newPools(cfg)
	if err != nil {
		log.Fatalf("failed to create worker pools: %v", err)
	}

	backends, closers, err := newBackends(cfg, workers, logger)
	if err != nil {
		log.Fatalf("failed to configure execution backends: %v", err)
	}
	selector := sandbox.NewSelector(logger, backends...)

	locker := grading.ChainLocker{grading.NewLocalLocker()}
	if redisClient != nil {
		locker = append(locker, grading.NewRedisLocker(redisClient, lockPrefix, cfg.Grading.LockTTL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := grading.NewHub()
	relay := service.NewNATSPublisher(natsConn, cfg.NATSSubject, hub, logger)
	relay.Start(ctx)

	orchestrator, err := grading.NewOrchestrator(grading.Dependencies{
		Assignments: assignmentRepo,
		Submissions: submissionRepo,
		Backend:     selector,
		Pool:        workers.grading,
		Locker:      locker,
		Publisher:   grading.Publishers{hub, relay, service.NewStatsCacheInvalidator(redisClient, logger)},
		Logger:      logger,
	}, grading.Config{
		Policy: grading.Policy{
			PassThreshold:    cfg.Grading.PassThreshold,
			PartialThreshold: cfg.Grading.PartialThreshold,
		},
		QuestionParallelism: cfg.Grading.QuestionParallelism,
		TestCaseParallelism: cfg.Grading.TestCaseParallelism,
		DefaultTimeLimit:    cfg.Execution.DefaultTimeLimit,
		DefaultMemoryMB:     cfg.Execution.DefaultMemoryMB,
	})
	if err != nil {
		log.Fatalf("failed to create grading orchestrator: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	gradingService := service.NewGradingService(orchestrator, assignmentRepo, submissionRepo, validate, service.GradingServiceConfig{
		Cache:    redisClient,
		CacheTTL: cfg.Grading.StatsCacheTTL,
		Backend:  selector,
		Hub:      hub,
	}, logger)
	gradingHandler := handler.NewGradingHandler(gradingService, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    1 << 20,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		GradingHandler: gradingHandler,
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
		Backends:       selector.Backends(),
		Pools:          workers.all(),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Strs("backends", selector.Backends()).
		Msg("autograder listening")

	waitForShutdown(app, workers, closers, logger)
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger()
}

func newPools(cfg config.Config) (pools, error) {
	build := func(name string, pc config.PoolConfig) (*workerpool.Pool, error) {
		policy, err := workerpool.ParsePolicy(pc.Policy)
		if err != nil {
			return nil, err
		}
		return workerpool.New(workerpool.Config{
			Name:      name,
			Core:      pc.Core,
			Max:       pc.Max,
			QueueSize: pc.Queue,
			KeepAlive: pc.KeepAlive,
			Policy:    policy,
		})
	}

	var (
		out pools
		err error
	)
	if out.grading, err = build("grading", cfg.GradingPool); err != nil {
		return pools{}, err
	}
	if out.compile, err = build("compile", cfg.CompilePool); err != nil {
		return pools{}, err
	}
	if out.execution, err = build("execution", cfg.ExecutionPool); err != nil {
		return pools{}, err
	}
	return out, nil
}

type closer interface {
	Close() error
}

func newBackends(cfg config.Config, workers pools, logger zerolog.Logger) ([]sandbox.Backend, []closer, error) {
	names, err := sandbox.ParseStrategy(cfg.Execution.Strategy)
	if err != nil {
		return nil, nil, err
	}

	stages := sandbox.Stages{Compile: workers.compile, Run: workers.execution}
	exec := cfg.Execution

	var (
		backends []sandbox.Backend
		closers  []closer
	)
	for _, name := range names {
		switch name {
		case sandbox.StrategyLocal:
			backend, err := sandbox.NewLocalBackend(sandbox.LocalConfig{
				WorkspaceRoot:  exec.WorkspaceRoot,
				CompileTimeout: exec.CompileTimeout,
				MaxOutputBytes: exec.MaxOutputBytes,
				Stages:         stages,
				Logger:         logger,
			})
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, backend)
		case sandbox.StrategyDocker:
			backend, err := sandbox.NewDockerBackend(sandbox.DockerConfig{
				Host:           exec.DockerHost,
				User:           exec.DockerUser,
				WorkspaceRoot:  exec.WorkspaceRoot,
				CompileTimeout: exec.CompileTimeout,
				MaxOutputBytes: exec.MaxOutputBytes,
				Stages:         stages,
				Logger:         logger,
			})
			if err != nil {
				// Hybrid mode keeps serving from the remaining backends.
				if len(names) > 1 {
					logger.Warn().Err(err).Msg("docker backend disabled")
					continue
				}
				return nil, nil, err
			}
			backends = append(backends, backend)
			closers = append(closers, backend)
		case sandbox.StrategyJobe:
			if !exec.JobeEnabled {
				if len(names) == 1 {
					return nil, nil, errors.New("jobe strategy selected but jobe is disabled")
				}
				continue
			}
			backend, err := sandbox.NewJobeBackend(sandbox.JobeConfig{
				URL:    exec.JobeURL,
				APIKey: exec.JobeAPIKey,
				Stages: stages,
				Logger: logger,
			})
			if err != nil {
				return nil, nil, err
			}
			backends = append(backends, backend)
		}
	}

	if len(backends) == 0 {
		return nil, nil, errors.New("no execution backend could be configured")
	}
	return backends, closers, nil
}

func waitForShutdown(app *fiber.App, workers pools, closers []closer, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	// Grading tasks feed the compile and execution pools, so they drain first.
	for _, pool := range workers.all() {
		if err := pool.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Str("pool", pool.Name()).Msg("pool did not drain before deadline")
		}
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close execution backend")
		}
	}

	logger.Info().Msg("server stopped")
}
