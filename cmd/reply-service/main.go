// Command reply-service runs the inbound reply pipeline: the webhook ingest
// server and the delay-queue processing workers.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin" // v1.9.1
	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4" // v4.16.2
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq" // v1.10.9
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap" // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/assistant"
	"github.com/whatsapp-web-enhancement/reply-service/internal/config"
	"github.com/whatsapp-web-enhancement/reply-service/internal/handlers"
	"github.com/whatsapp-web-enhancement/reply-service/internal/ingest"
	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
	"github.com/whatsapp-web-enhancement/reply-service/internal/processor"
	"github.com/whatsapp-web-enhancement/reply-service/internal/queue"
	"github.com/whatsapp-web-enhancement/reply-service/internal/repository"
	"github.com/whatsapp-web-enhancement/reply-service/internal/secrets"
	"github.com/whatsapp-web-enhancement/reply-service/internal/store"
	"github.com/whatsapp-web-enhancement/reply-service/pkg/channel"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service terminated", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Conversation store
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := runMigrations(cfg); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	conversations, err := repository.NewConversationRepository(db, cfg)
	if err != nil {
		return fmt.Errorf("failed to build conversation repository: %w", err)
	}

	// Transient stores and queues
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	stageStore := store.NewStageStore(redisClient, cfg.Stores.StageTable, cfg.Batching.StageTTL, logger)
	lockStore := store.NewLockStore(redisClient, cfg.Stores.LockTable, logger)

	channelQueues := map[string]*queue.DelayQueue{
		models.ChannelWhatsApp: queue.NewDelayQueue(redisClient, cfg.Queues.WhatsApp, cfg.Queues.VisibilityTime, cfg.Queues.MaxReceiveCount, logger),
		models.ChannelSMS:      queue.NewDelayQueue(redisClient, cfg.Queues.SMS, cfg.Queues.VisibilityTime, cfg.Queues.MaxReceiveCount, logger),
		models.ChannelEmail:    queue.NewDelayQueue(redisClient, cfg.Queues.Email, cfg.Queues.VisibilityTime, cfg.Queues.MaxReceiveCount, logger),
	}
	handoffQueue := queue.NewDelayQueue(redisClient, cfg.Queues.Handoff, cfg.Queues.VisibilityTime, cfg.Queues.MaxReceiveCount, logger)

	scheduler := queue.NewTriggerScheduler(channelQueues, logger)
	secretResolver := secrets.NewEnvResolver()

	// Ingest pipeline
	ingestCoordinator := ingest.NewCoordinator(
		ingest.NewPayloadAdapter(),
		ingest.NewConversationResolver(conversations),
		ingest.NewSignatureVerifier(),
		secretResolver,
		stageStore,
		lockStore,
		scheduler,
		cfg.Batching.Window,
		cfg.LockTTL(),
		cfg.Batching.StageTTL,
		logger,
	)

	// Processing pipeline
	providerClient, err := channel.NewClient(cfg.Provider.APIEndpoint, &channel.ClientOptions{
		Timeout:       cfg.Provider.Timeout,
		RetryAttempts: cfg.Provider.RetryAttempts,
		RetryDelay:    cfg.Provider.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to build provider client: %w", err)
	}

	processingCoordinator := processor.NewCoordinator(
		conversations,
		stageStore,
		lockStore,
		processor.NewBatchMerger(),
		assistant.NewDriver(cfg.Assistant, logger),
		processor.NewOutboundSender(providerClient, logger),
		handoffQueue,
		secretResolver,
		processor.NewHeartbeat(cfg.Processor.HeartbeatInterval, cfg.Processor.HeartbeatExtension, logger),
		cfg.Processor.LeaseStaleAfter,
		logger,
	)

	consumer := queue.NewConsumer(
		[]*queue.DelayQueue{
			channelQueues[models.ChannelWhatsApp],
			channelQueues[models.ChannelSMS],
			channelQueues[models.ChannelEmail],
		},
		processingCoordinator.Process,
		cfg.Queues.PollInterval,
		cfg.Processor.Concurrency,
		logger,
	)
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	// HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	webhookHandler := handlers.NewWebhookHandler(ingestCoordinator, logger)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": handlers.PingerFunc(conversations.Ping),
		"redis": handlers.PingerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	}, logger)

	router.POST("/:channel", webhookHandler.HandleWebhook)
	router.GET("/healthz", healthHandler.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer shutdown incomplete", zap.Error(err))
	}

	return nil
}

// runMigrations applies pending schema migrations at startup
func runMigrations(cfg *config.Config) error {
	m, err := migrate.New(
		"file://"+cfg.Database.MigrationsPath,
		fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.User, cfg.Database.Password,
			cfg.Database.Host, cfg.Database.Port,
			cfg.Database.Name, cfg.Database.SSLMode),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// newLogger builds the service logger for the configured level
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
