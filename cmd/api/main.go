package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/mifumohq/dispatch/internal/config"
	"github.com/mifumohq/dispatch/internal/db"
	"github.com/mifumohq/dispatch/internal/handler"
	"github.com/mifumohq/dispatch/internal/queue"
	"github.com/mifumohq/dispatch/internal/ratelimit"
	"github.com/mifumohq/dispatch/internal/repository"
	"github.com/mifumohq/dispatch/internal/service"
)

func main() {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting dispatch API server")

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

	// Rate limit windows live in Redis so every API instance sees the same
	// per-user admission window.
	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		logger.Error("failed to parse Redis URL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	limiterClient := redis.NewClient(redisOpts)
	defer limiterClient.Close()
	userLimiter := ratelimit.NewRedisLimiter(limiterClient, "ratelimit:user", cfg.RateLimit.UserMax, cfg.RateLimit.UserWindow)

	// Initialize repositories
	contactRepo := repository.NewContactRepository(database.DB)
	segmentRepo := repository.NewSegmentRepository(database.DB)
	campaignRepo := repository.NewCampaignRepository(database.DB)
	messageRepo := repository.NewOutboundMessageRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)

	// Initialize services
	targetingSvc := service.NewTargetingService(contactRepo, segmentRepo, cfg.Policy, logger)
	dispatchSvc := service.NewDispatchService(campaignRepo, messageRepo, conversationRepo, queueClient, logger)
	statsSvc := service.NewStatsService(campaignRepo, clock, logger)
	campaignSvc := service.NewCampaignService(campaignRepo, targetingSvc, dispatchSvc, clock, logger)
	contactSvc := service.NewContactService(contactRepo, clock, logger)
	segmentSvc := service.NewSegmentService(segmentRepo, contactRepo, logger)
	messageSvc := service.NewMessageService(
		messageRepo,
		contactRepo,
		conversationRepo,
		queueClient,
		userLimiter,
		statsSvc,
		cfg.Policy,
		clock,
		logger,
	)

	// Initialize handlers
	campaignHandler := handler.NewCampaignHandler(campaignSvc, logger)
	contactHandler := handler.NewContactHandler(contactSvc, logger)
	segmentHandler := handler.NewSegmentHandler(segmentSvc, logger)
	messageHandler := handler.NewMessageHandler(messageSvc, logger)
	healthHandler := handler.NewHealthHandler(database.DB, queueClient, logger)

	// Setup router
	r := chi.NewRouter()

	// Apply middleware
	r.Use(handler.RecoveryMiddleware(logger))
	r.Use(handler.LoggingMiddleware(logger))
	r.Use(handler.CORSMiddleware)

	// Register routes
	r.Get("/health", healthHandler.Health)

	// Provider callbacks arrive unauthenticated from outside the gateway.
	r.Post("/webhooks/delivery-status", messageHandler.DeliveryStatusWebhook)

	r.Group(func(r chi.Router) {
		r.Use(handler.TenantMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", campaignHandler.CreateCampaign)
			r.Get("/", campaignHandler.ListCampaigns)
			r.Get("/{id}", campaignHandler.GetCampaign)
			r.Put("/{id}", campaignHandler.UpdateCampaign)
			r.Delete("/{id}", campaignHandler.DeleteCampaign)
			r.Post("/{id}/start", campaignHandler.StartCampaign)
			r.Post("/{id}/pause", campaignHandler.PauseCampaign)
			r.Post("/{id}/cancel", campaignHandler.CancelCampaign)
			r.Post("/{id}/duplicate", campaignHandler.DuplicateCampaign)
			r.Get("/{id}/analytics", campaignHandler.CampaignAnalytics)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", contactHandler.CreateContact)
			r.Get("/", contactHandler.ListContacts)
			r.Get("/{id}", contactHandler.GetContact)
			r.Put("/{id}", contactHandler.UpdateContact)
			r.Delete("/{id}", contactHandler.DeleteContact)
			r.Post("/{id}/opt-in", contactHandler.OptInContact)
			r.Post("/{id}/opt-out", contactHandler.OptOutContact)
		})

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", segmentHandler.CreateSegment)
			r.Get("/", segmentHandler.ListSegments)
			r.Get("/{id}", segmentHandler.GetSegment)
			r.Put("/{id}", segmentHandler.UpdateSegment)
			r.Delete("/{id}", segmentHandler.DeleteSegment)
			r.Post("/{id}/recount", segmentHandler.RecountSegment)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", messageHandler.SendMessage)
			r.Get("/", messageHandler.ListMessages)
			r.Get("/{id}", messageHandler.GetMessage)
		})
	})

	// Create server
	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", slog.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)

	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))

		// Graceful shutdown with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("server stopped gracefully")
	}
}
