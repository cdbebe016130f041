package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supportdesk/deflection-engine/internal/analytics"
	"github.com/supportdesk/deflection-engine/internal/api/handlers"
	"github.com/supportdesk/deflection-engine/internal/cache/redis"
	"github.com/supportdesk/deflection-engine/internal/delivery"
	"github.com/supportdesk/deflection-engine/internal/embedding"
	"github.com/supportdesk/deflection-engine/internal/engine"
	"github.com/supportdesk/deflection-engine/internal/feedback"
	"github.com/supportdesk/deflection-engine/internal/generation"
	"github.com/supportdesk/deflection-engine/internal/ingestion"
	"github.com/supportdesk/deflection-engine/internal/llm"
	"github.com/supportdesk/deflection-engine/internal/metrics"
	"github.com/supportdesk/deflection-engine/internal/middleware/ratelimit"
	"github.com/supportdesk/deflection-engine/internal/middleware/security"
	"github.com/supportdesk/deflection-engine/internal/middleware/validation"
	"github.com/supportdesk/deflection-engine/internal/pipeline"
	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/internal/storage/sqlite"
	"github.com/supportdesk/deflection-engine/internal/stream/kafka"
	"github.com/supportdesk/deflection-engine/internal/vector/zilliz"
	"github.com/supportdesk/deflection-engine/pkg/config"
	appLogger "github.com/supportdesk/deflection-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ticket deflection engine")
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(ctx); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var (
		redisClient   *redis.Client
		settingsCache engine.SettingsCache
	)
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		settingsCache = redisClient
	}

	llmClient := llm.NewClient(llm.Config{
		APIKey:           cfg.LLM.APIKey,
		BaseURL:          cfg.LLM.BaseURL,
		Model:            cfg.LLM.Model,
		EmbeddingModel:   cfg.Embedding.Model,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		Timeout:          time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		EmbeddingTimeout: time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	}, metrics.BreakerStateChanged)

	embedder := buildEmbedder(cfg, llmClient, redisClient)

	var index retrieval.VectorIndex = retrieval.NewStoreIndex(sqliteClient)
	if cfg.Retrieval.Backend == "milvus" {
		zillizClient, err := zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Zilliz.CollectionName, cfg.Zilliz.VectorDim)
		if err != nil {
			appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
		}
		defer zillizClient.Close()

		if err := zillizClient.CreateCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		index = zillizClient
	}

	var publisher kafka.Publisher = kafka.Nop{}
	if cfg.Kafka.Enabled {
		publisher = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer publisher.Close()

	retriever := retrieval.NewRetriever(sqliteClient, index, retrieval.Config{
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		MaxResults:          cfg.Retrieval.MaxResults,
		KeywordResults:      cfg.Retrieval.KeywordResults,
		MaxKeywords:         cfg.Retrieval.MaxKeywords,
	})
	generator := generation.NewGenerator(llmClient, time.Duration(cfg.LLM.TimeoutSec)*time.Second)
	dispatcher := delivery.NewClient(cfg.Delivery.WebhookURL, cfg.Delivery.APIToken, time.Duration(cfg.Delivery.TimeoutSec)*time.Second)
	experiments := analytics.NewExperiments(sqliteClient)
	settings := engine.NewSettings(sqliteClient, settingsCache, defaultSettings(cfg.Deflection), engine.DefaultSettingsTTL)

	deflection := engine.New(engine.Deps{
		Store:       sqliteClient,
		Settings:    settings,
		Embedder:    embedder,
		Retriever:   retriever,
		Generator:   generator,
		Dispatcher:  dispatcher,
		Publisher:   publisher,
		Experiments: experiments,
	}, engine.Config{
		Model:            cfg.LLM.Model,
		EmbedTimeout:     time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		RetrievalTimeout: 10 * time.Second,
		DeliveryTimeout:  time.Duration(cfg.Delivery.TimeoutSec) * time.Second,
	})

	pool := pipeline.NewPool(deflection, sqliteClient, pipeline.Config{
		Workers:      cfg.Pipeline.Workers,
		QueueSize:    cfg.Pipeline.QueueSize,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		InitialDelay: time.Duration(cfg.Pipeline.InitialDelayMS) * time.Millisecond,
	})

	batcher := embedding.NewBatcher(embedder, cfg.Embedding.BatchSize, time.Duration(cfg.Embedding.BatchDelayMS)*time.Millisecond)
	processor := ingestion.NewProcessor(sqliteClient, index, batcher, cfg.Retrieval.MaxKeywords, cfg.Embedding.MaxChars)
	feedbackLoop := feedback.NewLoop(sqliteClient, experiments)
	aggregator := analytics.NewAggregator(sqliteClient, analytics.Pricing{
		FlatRatePerTicket: cfg.Analytics.FlatRatePerTicket,
		MonthlyCost:       cfg.Analytics.MonthlyCost,
	})

	background, bgCtx := errgroup.WithContext(ctx)
	background.Go(func() error {
		return pool.Run(bgCtx)
	})
	background.Go(func() error {
		aggregator.Run(bgCtx, time.Duration(cfg.Analytics.RollupIntervalMin)*time.Minute, nil)
		return nil
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimit,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: security.AllowOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	ticketHandler := handlers.NewTicketHandler(deflection, pool)
	settingsHandler := handlers.NewSettingsHandler(settings)
	knowledgeHandler := handlers.NewKnowledgeHandler(processor)
	feedbackHandler := handlers.NewFeedbackHandler(feedbackLoop)
	abTestHandler := handlers.NewABTestHandler(experiments)
	metricsHandler := handlers.NewMetricsHandler(aggregator, sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(deflection)

	app.Get("/metrics", metrics.MetricsHandler())
	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws/analyze", websocket.New(wsHandler.HandleConnection))

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		checks := fiber.Map{"sqlite": "ok"}
		status := fiber.StatusOK
		if err := sqliteClient.Ping(c.UserContext()); err != nil {
			checks["sqlite"] = err.Error()
			status = fiber.StatusServiceUnavailable
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(c.UserContext()); err != nil {
				// The cache is optional; report it without failing readiness.
				checks["redis"] = err.Error()
			}
		}
		state := "ready"
		if status != fiber.StatusOK {
			state = "unavailable"
		}
		return c.Status(status).JSON(fiber.Map{
			"status": state,
			"checks": checks,
		})
	})

	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	api.Post("/tickets/analyze", ticketHandler.Analyze)
	api.Post("/webhooks/events", ticketHandler.Webhook)

	api.Get("/settings/:userID", settingsHandler.Get)
	api.Put("/settings/:userID", settingsHandler.Put)

	api.Post("/knowledge", knowledgeHandler.Ingest)
	api.Post("/knowledge/reindex", knowledgeHandler.Reindex)

	api.Post("/feedback", feedbackHandler.Submit)

	api.Post("/abtests", abTestHandler.Create)
	api.Post("/abtests/:id/impressions", abTestHandler.Impression)
	api.Post("/abtests/:id/conversions", abTestHandler.Conversion)
	api.Get("/abtests/:id/winner", abTestHandler.Winner)
	api.Post("/abtests/:id/complete", abTestHandler.Complete)

	api.Post("/metrics/rollup", metricsHandler.Rollup)
	api.Get("/metrics/daily", metricsHandler.Daily)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}

	cancel()
	if err := background.Wait(); err != nil {
		appLogger.Error("Background workers stopped with error", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// buildEmbedder layers the provider embedder: simulated fallback when
// allowed, then the Redis cache when enabled.
func buildEmbedder(cfg *config.Config, provider embedding.Provider, cache *redis.Client) embedding.Embedder {
	var embedder embedding.Embedder = embedding.NewOpenAI(provider, cfg.Embedding.Dim, cfg.Embedding.MaxChars)

	if cfg.Embedding.AllowSimulated {
		simulated := embedding.NewSimulated(cfg.Embedding.Dim, cfg.Embedding.MaxChars)
		embedder = embedding.NewFallback(embedder, simulated, func(error) {
			metrics.EmbeddingFallbacks.Inc()
		})
	}

	if cache != nil {
		embedder = embedding.NewCached(embedder, cache, cfg.Embedding.Model,
			time.Duration(cfg.Redis.EmbeddingTTLMin)*time.Minute, cfg.Embedding.MaxChars,
			func(hit bool) { metrics.RecordCacheLookup("embedding", hit) })
	}

	return embedder
}

func defaultSettings(d config.DeflectionConfig) models.DeflectionSettings {
	return models.DeflectionSettings{
		AutoResponseEnabled: d.AutoResponseEnabled,
		ConfidenceThreshold: d.ConfidenceThreshold,
		EscalationThreshold: d.EscalationThreshold,
		ResponseLanguage:    d.ResponseLanguage,
		BusinessHoursOnly:   d.BusinessHoursOnly,
		ExcludedCategories:  d.ExcludedCategories,
		EscalationKeywords:  d.EscalationKeywords,
	}
}
