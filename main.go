package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"options-signal-engine/config"
	"options-signal-engine/internal/api"
	"options-signal-engine/internal/database"
	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/dedup"
	"options-signal-engine/internal/events"
	"options-signal-engine/internal/execution"
	"options-signal-engine/internal/kafka"
	"options-signal-engine/internal/logging"
	"options-signal-engine/internal/marketdata"
	"options-signal-engine/internal/monitor"
	"options-signal-engine/internal/notification"
	"options-signal-engine/internal/pipeline"
	"options-signal-engine/internal/position"
	sig "options-signal-engine/internal/signal"
	"options-signal-engine/internal/validator"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize event bus
	eventBus := events.NewEventBus()
	logger.Info("Event bus initialized")

	// Initialize notification manager
	if cfg.NotificationConfig.Enabled {
		notifyManager := notification.NewManager()

		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			}))
			logger.Info("Telegram notifications enabled")
		}

		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    cfg.NotificationConfig.Discord.Enabled,
			}))
			logger.Info("Discord notifications enabled")
		}

		notification.BindBus(notifyManager, eventBus, logger)
	}

	// Initialize database
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)
	positionStore := database.NewPositionStore(db)
	logger.Info("Database initialized")

	// Initialize deduplication cache. Redis when available, in-memory
	// otherwise; a Redis outage at runtime degrades to the in-memory
	// fallback instead of blocking signals.
	var dedupCache dedup.Cache
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		dedupCache = dedup.NewRedisCache(redisClient, cfg.DedupConfig.Window, logger)
		logger.Info("Redis deduplication cache initialized", "addr", cfg.RedisConfig.Address)
	} else {
		memCache := dedup.NewMemoryCache(cfg.DedupConfig.Window)
		defer memCache.Close()
		dedupCache = memCache
		logger.Info("In-memory deduplication cache initialized")
	}

	// Market data: paper provider fed by webhook context updates and
	// payload-carried prices.
	provider := marketdata.NewPaperProvider()

	// Core components
	normalizer := sig.NewNormalizer(logger)
	val := validator.New(cfg.ValidatorConfig, nil, nil, logger)
	orchestrator := decision.NewOrchestrator(cfg.DecisionConfig, provider, logger)
	adapter := execution.NewPaperAdapter(provider, cfg.ExecutionConfig.SlippageBps, logger)
	positions := position.NewManager(positionStore, adapter, eventBus, zlog)

	engine := pipeline.New(normalizer, val, dedupCache, orchestrator, positions, repo, eventBus, cfg.PipelineConfig, logger)
	engine.SetPriceSink(provider)
	logger.Info("Signal pipeline initialized", "dry_run", cfg.PipelineConfig.DryRun)

	// Recover signals persisted before a previous shutdown that never
	// reached a decision.
	if pending, err := repo.GetPendingSignals(ctx, 500); err != nil {
		logger.Error("Failed to load pending signals", "error", err.Error())
	} else if len(pending) > 0 {
		logger.Info("Resuming pending signals", "count", len(pending))
		for _, s := range pending {
			engine.ProcessStoredSignal(ctx, s)
		}
	}

	// Exit monitor. Quotes are cached for the span of one sweep so open
	// positions on the same symbol share a single price lookup.
	sweepQuotes := marketdata.NewCachedProvider(provider, 10*time.Second)
	exitMonitor := monitor.NewExitMonitor(positions, orchestrator, sweepQuotes, provider, repo, eventBus, cfg.MonitorConfig, zlog)
	exitMonitor.Start()
	defer exitMonitor.Stop()

	// Kafka intake
	if cfg.KafkaConfig.Enabled {
		consumer, err := kafka.NewConsumer(cfg.KafkaConfig, engine, provider, logger)
		if err != nil {
			log.Fatalf("Failed to create Kafka consumer: %v", err)
		}
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("Failed to start Kafka consumer: %v", err)
		}
		defer consumer.Close()
		logger.Info("Kafka intake started", "brokers", cfg.KafkaConfig.Brokers)
	}

	// HTTP API
	server := api.NewServer(cfg.ServerConfig, repo, eventBus, engine, positions, exitMonitor, provider, logger)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	eventBus.Publish(events.EventEngineStarted, map[string]interface{}{
		"dry_run": cfg.PipelineConfig.DryRun,
	})
	logger.Info("Signal engine running", "port", cfg.ServerConfig.Port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down")
	eventBus.Publish(events.EventEngineStopped, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown error", "error", err.Error())
	}
}
