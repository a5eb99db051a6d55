package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"docuquery-backend/internal/ai"
	"docuquery-backend/internal/config"
	"docuquery-backend/internal/extract"
	"docuquery-backend/internal/logger"
	"docuquery-backend/internal/telemetry"
	"docuquery-backend/middleware"
	"docuquery-backend/routes"
	"docuquery-backend/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("docuquery-backend")
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
	}
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		logger.Warn("Metrics disabled", "error", err)
	}

	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()

	redisClient, err := config.NewRedisClient(cfg)
	if err != nil {
		// Redis is an accelerator here, not a dependency: rate limiting
		// fails open and the embedding cache degrades to misses.
		logger.Warn("Redis unavailable, caching and rate limiting disabled", "error", err)
		redisClient = nil
	}

	ctx := context.Background()

	embedder, err := ai.NewEmbeddingClient(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize embedding client:", err)
	}
	logger.Info("Embedding client ready", "provider", cfg.EmbeddingsProvider, "dimension", embedder.Dimension())

	llm, err := ai.NewLLMClient(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize LLM client:", err)
	}
	defer llm.Close()

	registry, err := services.NewIndexRegistry(cfg.IndexPath)
	if err != nil {
		log.Fatal("Failed to open index store:", err)
	}
	defer registry.Close()

	chunker, err := services.NewTokenChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		log.Fatal("Invalid chunking configuration:", err)
	}

	store := services.NewMongoDocumentStore(mongoClient.Database(cfg.DBName))

	pipeline := services.NewPipeline(cfg, store, registry, embedder, extract.DefaultRegistry(), chunker, metrics)
	pipeline.Start()
	defer pipeline.Stop()

	var asynqClient *asynq.Client
	if cfg.AsyncQueueEnabled {
		asynqClient = asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer asynqClient.Close()
		logger.Info("Distributed processing queue enabled")
	}

	docSvc, err := services.NewDocumentService(cfg, store, pipeline, registry, asynqClient)
	if err != nil {
		log.Fatal("Failed to initialize document service:", err)
	}

	var cache *services.QueryCache
	if redisClient != nil {
		model := cfg.GoogleEmbeddingsModel
		if cfg.EmbeddingsProvider == "openai" {
			model = cfg.OpenAIEmbeddingsModel
		}
		cache = services.NewQueryCache(redisClient, model, cfg.CacheTTL)
	}

	retrieval := services.NewRetrievalEngine(store, registry, embedder, cache, cfg.SimilarityThreshold, cfg.MaxRetrievedChunks)
	synthesizer := services.NewAnswerSynthesizer(llm, cfg.ContextTokenBudget, cfg.AnswerMaxTokens)
	qaSvc := services.NewQAService(store, retrieval, synthesizer, metrics)

	janitor := services.NewJanitor(store, registry, cfg.StaleProcessingAge)
	janitor.Start()
	defer janitor.Stop()

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RateLimitMiddleware(redisClient, cfg))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	authMiddleware := middleware.NewAuthMiddleware(cfg)
	routes.SetupDocumentRoutes(router, authMiddleware, docSvc)
	routes.SetupQARoutes(router, authMiddleware, docSvc, qaSvc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	if shutdownTracer != nil {
		shutdownTracer()
	}

	logger.Info("Server exited")
}
