package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"scrapehub/internal/bus"
	"scrapehub/internal/config"
	server "scrapehub/internal/http"
	"scrapehub/internal/jobs"
	"scrapehub/internal/lease"
	"scrapehub/internal/migrate"
	"scrapehub/internal/processor"
	"scrapehub/internal/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	runAPI, runWorker := false, false
	switch *role {
	case "api":
		runAPI = true
	case "worker":
		runWorker = true
	case "all":
		runAPI, runWorker = true, true
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	cfg := config.Load(*configPath)
	if err := checkLeaseBackend(*role, cfg.Redis.URL); err != nil {
		log.Fatal(err)
	}

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	defer db.Close()
	st := store.New(db)

	// Redis is optional: it backs cross-process leases and rate limiting.
	var rdb *redis.Client
	var locker lease.Locker = lease.NewLocal()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		locker = lease.NewRedis(rdb, cfg.Redis.LeasePrefix, config.Duration(cfg.Redis.LeaseTTLMs), logger)
	}

	// NATS is optional: it fans job events out to observers.
	var publisher jobs.Publisher
	var natsConnected func() bool
	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatalf("connect to NATS failed: %v", err)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
		publisher = bus.NewEventPublisher(nc, cfg.NATS.Subject, func(ctx context.Context, ev jobs.Event) string {
			j, err := st.GetJob(ctx, ev.JobID)
			if err != nil {
				return ""
			}
			return j.Kind
		})
		natsConnected = nc.Conn().IsConnected
	}

	registry := processor.NewDefaultRegistry(cfg)
	events := jobs.NewEventLog(st, publisher, logger)
	stats := jobs.NewStatsCache(st, config.Duration(cfg.Engine.StatsStaleAfterMs))
	runner := jobs.NewRunner(st, events, registry, locker, jobs.PolicyFromConfig(cfg.Engine), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An api-only process has no dispatcher; a worker's recovery poll
	// picks its submissions up.
	var dispatcher jobs.Dispatcher
	workerDone := make(chan struct{})
	if runWorker {
		worker := jobs.NewWorker(cfg, st, runner, registry.Kinds(), logger)
		dispatcher = worker
		go func() {
			defer close(workerDone)
			worker.Start(ctx)
		}()
		logger.Info("worker started", "max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs, "kinds", registry.Kinds())
	} else {
		close(workerDone)
	}

	ctrl := jobs.NewController(st, events, stats, registry, dispatcher, logger)

	var srv *server.Server
	if runAPI {
		srv = server.NewServer(cfg, server.Deps{
			Controller:    ctrl,
			DB:            db,
			Redis:         rdb,
			NATSConnected: natsConnected,
		}, logger)
		go func() {
			if err := srv.Listen(); err != nil {
				logger.Error("server failed", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", "role", *role)

	shutdownTimeout := config.Duration(cfg.Worker.ShutdownTimeoutMs)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}

	select {
	case <-workerDone:
	case <-time.After(shutdownTimeout):
		logger.Warn("worker did not stop in time; running jobs resume on next start")
	}
}

// checkLeaseBackend rejects a standalone worker without Redis. Process-local
// leases cannot keep two worker processes off the same job, and both would
// run it under the same generation.
func checkLeaseBackend(role, redisURL string) error {
	if role == "worker" && redisURL == "" {
		return errors.New("role worker requires redis.url for job leases; use -role all for a single process")
	}
	return nil
}
