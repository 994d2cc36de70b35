package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mifumohq/dispatch/internal/config"
	"github.com/mifumohq/dispatch/internal/db"
	"github.com/mifumohq/dispatch/internal/models"
	"github.com/mifumohq/dispatch/internal/provider"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/ratelimit"
	"github.com/mifumohq/dispatch/internal/repository"
	"github.com/mifumohq/dispatch/internal/service"
	"github.com/mifumohq/dispatch/internal/worker"
)

func main() {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting dispatch send worker")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Connect to database
	database, err := db.New(db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer database.Close()

	logger.Info("connected to database")

	clock := clockwork.NewRealClock()

	// Connect to Redis queue
	queueClient, err := queue.NewRedisClient(queue.RedisConfig{
		URL:       cfg.Queue.RedisURL,
		QueueName: cfg.Queue.QueueName,
	}, clock, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer queueClient.Close()

	// Tenant pacing windows are shared across all worker processes.
	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		logger.Error("failed to parse Redis URL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	limiterClient := redis.NewClient(redisOpts)
	defer limiterClient.Close()
	tenantLimiter := ratelimit.NewRedisLimiter(limiterClient, "ratelimit:tenant", cfg.RateLimit.TenantMax, cfg.RateLimit.TenantWindow)

	// Initialize repositories
	messageRepo := repository.NewOutboundMessageRepository(database.DB)
	campaignRepo := repository.NewCampaignRepository(database.DB)
	contactRepo := repository.NewContactRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)

	statsSvc := service.NewStatsService(campaignRepo, clock, logger)
	sender := provider.NewMockProvider(cfg.Provider.SenderID, cfg.Provider.SuccessRate)
	retryPolicy := worker.NewRetryPolicy(cfg.Worker.BaseRetryDelay, time.Hour, time.Now().UnixNano())

	processor := worker.NewProcessor(
		messageRepo,
		campaignRepo,
		contactRepo,
		conversationRepo,
		queueClient,
		tenantLimiter,
		statsSvc,
		sender,
		retryPolicy,
		cfg.Policy,
		cfg.Provider.SenderID,
		cfg.Worker.MaxRetries,
		clock,
		logger,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Promote delayed tasks in the background. The scheduler does this too;
	// running it here as well keeps a single-process deployment (api +
	// worker, no scheduler) fully functional.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := queueClient.PromoteDue(ctx); err != nil && ctx.Err() == nil {
					logger.Error("failed to promote delayed tasks", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// Start consuming tasks
	consumerErrors := make(chan error, 1)
	go func() {
		logger.Info("starting task consumer",
			slog.Int("concurrency", cfg.Worker.Concurrency),
			slog.Int("max_retries", cfg.Worker.MaxRetries),
		)

		handler := func(ctx context.Context, task *models.SendTask) error {
			return processor.Process(ctx, task)
		}

		consumerErrors <- queueClient.Consume(ctx, handler, cfg.Worker.Concurrency)
	}()

	// Wait for interrupt signal or consumer error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-consumerErrors:
		if err != nil && err != context.Canceled {
			logger.Error("consumer error", slog.String("error", err.Error()))
			os.Exit(1)
		}

	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))

		// Cancel context to stop consumer
		cancel()

		// Give consumer time to finish current tasks
		time.Sleep(5 * time.Second)

		logger.Info("worker stopped gracefully")
	}
}
