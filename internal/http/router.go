package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"scrapehub/internal/config"
	"scrapehub/internal/jobs"
	"scrapehub/internal/metrics"
)

// Pinger reports database reachability for deep health checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer serves. Redis and NATS are
// optional.
type Deps struct {
	Controller    *jobs.Controller
	DB            Pinger
	Redis         *redis.Client
	NATSConnected func() bool
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:   "scrapehub",
		BodyLimit: 32 << 20,
	})

	// Inject config and controller into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("controller", deps.Controller)
		return c.Next()
	})

	app.Use(requestLogMiddleware(logger))

	app.Get("/healthz", healthHandler(cfg, deps))

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	var rateMw fiber.Handler
	if deps.Redis != nil {
		rateMw = rateLimitMiddleware(cfg, deps.Redis)
	} else {
		rateMw = func(c *fiber.Ctx) error { return c.Next() }
	}

	v1 := app.Group("/v1", authMiddleware(cfg), rateMw)
	registerV1Routes(v1)

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

// App exposes the underlying fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerV1Routes(group fiber.Router) {
	group.Post("/jobs", submitJobHandler)
	group.Get("/jobs", jobsListHandler)
	group.Get("/jobs/:id", jobDetailHandler)
	group.Post("/jobs/:id/pause", pauseJobHandler)
	group.Post("/jobs/:id/resume", resumeJobHandler)
	group.Post("/jobs/:id/stop", stopJobHandler)
	group.Post("/jobs/:id/retry-failed", retryFailedHandler)
	group.Get("/jobs/:id/results", jobResultsHandler)
	group.Get("/jobs/:id/events", jobEventsHandler)
	group.Get("/jobs/:id/export", jobExportHandler)
	group.Post("/preview", previewHandler)
}

func healthHandler(cfg *config.Config, deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB, Redis and NATS connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if deps.DB != nil {
			dbStatus = "ok"
			if err := deps.DB.PingContext(ctx); err != nil {
				dbStatus = "error"
			}
		}

		redisStatus := "disabled"
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		natsStatus := "disabled"
		if deps.NATSConnected != nil {
			natsStatus = "ok"
			if !deps.NATSConnected() {
				natsStatus = "error"
			}
		}

		rodStatus := "disabled"
		if cfg.Rod.Enabled {
			rodStatus = "enabled"
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" || natsStatus == "error" {
			status = "error"
		}

		code := fiber.StatusOK
		if status != "ok" {
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
			"nats":   natsStatus,
			"rod":    rodStatus,
		})
	}
}
