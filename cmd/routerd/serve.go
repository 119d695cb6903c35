package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-routing/internal/api/http"
	"github.com/spec-kit/ticket-routing/internal/api/http/handlers"
	"github.com/spec-kit/ticket-routing/internal/backlog"
	"github.com/spec-kit/ticket-routing/internal/config"
	"github.com/spec-kit/ticket-routing/internal/events"
	"github.com/spec-kit/ticket-routing/internal/observability"
	"github.com/spec-kit/ticket-routing/internal/persistence"
	"github.com/spec-kit/ticket-routing/internal/repository"
	"github.com/spec-kit/ticket-routing/internal/service"
	"github.com/spec-kit/ticket-routing/internal/sla"
	"github.com/spec-kit/ticket-routing/internal/worker"
)

const (
	notificationBuffer = 256
	shutdownTimeout    = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the routing engine and its HTTP API",
	Long: `Starts the escalation engine and serves the HTTP API.

Tickets and agents live in Postgres when POSTGRES_DSN is set and in memory
otherwise. With REDIS_ENABLED the backlog can live in Redis
(ENGINE_BACKLOG_DRIVER=redis) and lifecycle events are published to
REDIS_EVENT_CHANNEL.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations && pg.Enabled() {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	tickets, agents := buildStores(cfg, pg, metrics)

	policies := sla.DefaultTable()
	if cfg.SLA.PolicyFile != "" {
		if policies, err = sla.Load(cfg.SLA.PolicyFile); err != nil {
			return fmt.Errorf("load sla policies: %w", err)
		}
	}

	queue, err := buildBacklog(cfg, redis)
	if err != nil {
		return err
	}

	dispatcher := events.NewInMemoryDispatcher(logger)
	if redis.Enabled() {
		dispatcher.SubscribeAll(events.NewRedisPublisher(redis.Client, cfg.Redis.EventChannel).Handle)
	}

	engine := service.NewEngine(service.EngineDependencies{
		Tickets:    tickets,
		Agents:     agents,
		Backlog:    queue,
		Policies:   policies,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
		Config:     cfg.Engine,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	notifier := service.NewNotificationService(logger, cfg.Notification)
	notified := worker.StartNotificationWorker(workerCtx, dispatcher, notifier, notificationBuffer, logger)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	eventsHandler := handlers.NewEventsHandler(dispatcher, logger)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}),
		Tickets: handlers.NewTicketsHandler(engine),
		Agents:  handlers.NewAgentsHandler(service.NewAgentService(agents, engine)),
		Events:  eventsHandler,
		Metrics: metrics.Handler(),
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.App.Addr()))
		listenErr <- app.Listen(cfg.App.Addr())
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	case serveErr = <-listenErr:
		logger.Error("fiber listen", zap.Error(serveErr))
	}

	eventsHandler.Close()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := engine.Stop(); err != nil {
		logger.Warn("engine stop", zap.Error(err))
	}
	cancelWorker()
	<-notified
	return serveErr
}

// buildStores picks Postgres when a pool is open and wraps it with the
// timeout and circuit breaker guard; otherwise it returns in-memory stores.
func buildStores(cfg *config.Config, pg *persistence.Postgres, metrics *observability.Metrics) (repository.TicketRepository, repository.AgentRegistry) {
	if !pg.Enabled() {
		return repository.NewMemoryTicketRepository(), repository.NewMemoryAgentRegistry()
	}
	ticketGuard := repository.NewGuard(cfg.Engine.CallTimeout,
		repository.NewBreaker("tickets", cfg.Breaker, metrics.BreakerStateChanged))
	agentGuard := repository.NewGuard(cfg.Engine.CallTimeout,
		repository.NewBreaker("agents", cfg.Breaker, metrics.BreakerStateChanged))
	return repository.GuardTickets(repository.NewTicketRepository(pg.PoolHandle()), ticketGuard),
		repository.GuardAgents(repository.NewAgentRegistry(pg.PoolHandle()), agentGuard)
}

func buildBacklog(cfg *config.Config, redis *persistence.Redis) (backlog.Queue, error) {
	if cfg.Engine.BacklogDriver != config.BacklogDriverRedis {
		return backlog.NewMemoryQueue(), nil
	}
	if !redis.Enabled() {
		return nil, errors.New("ENGINE_BACKLOG_DRIVER=redis requires REDIS_ENABLED=true")
	}
	return backlog.NewRedisQueue(redis.Client, cfg.Redis.KeyPrefix), nil
}
