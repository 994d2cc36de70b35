package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/mifumohq/dispatch/internal/config"
	"github.com/mifumohq/dispatch/internal/db"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/repository"
	"github.com/mifumohq/dispatch/internal/scheduler"
	"github.com/mifumohq/dispatch/internal/service"
)

func main() {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting dispatch scheduler")

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

	// Initialize repositories and services
	contactRepo := repository.NewContactRepository(database.DB)
	segmentRepo := repository.NewSegmentRepository(database.DB)
	campaignRepo := repository.NewCampaignRepository(database.DB)
	messageRepo := repository.NewOutboundMessageRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)

	targetingSvc := service.NewTargetingService(contactRepo, segmentRepo, cfg.Policy, logger)
	dispatchSvc := service.NewDispatchService(campaignRepo, messageRepo, conversationRepo, queueClient, logger)
	campaignSvc := service.NewCampaignService(campaignRepo, targetingSvc, dispatchSvc, clock, logger)

	sched, err := scheduler.New(
		campaignSvc,
		messageRepo,
		queueClient,
		cfg.Worker.StuckRequeueAfter,
		clock,
		logger,
	)
	if err != nil {
		logger.Error("failed to create scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sched.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down scheduler", slog.String("signal", sig.String()))
	sched.Stop()
	logger.Info("scheduler stopped gracefully")
}
