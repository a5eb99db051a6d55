package main

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"docuquery-backend/internal/ai"
	"docuquery-backend/internal/config"
	"docuquery-backend/internal/extract"
	"docuquery-backend/internal/logger"
	"docuquery-backend/internal/queue"
	"docuquery-backend/internal/telemetry"
	"docuquery-backend/services"
)

// The worker consumes document processing tasks from Redis. The API binary
// enqueues with the document id as the task id, so Redis deduplicates
// concurrent submissions across all workers.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger.InitLogger(cfg)

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

	ctx := context.Background()
	embedder, err := ai.NewEmbeddingClient(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize embedding client:", err)
	}

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

	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		asynq.Config{
			Concurrency: cfg.ProcessingCapacity,
			Queues: map[string]int{
				"documents": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(pipeline)
	mux := asynq.NewServeMux()
	processor.Register(mux)

	logger.Info("Worker starting",
		"concurrency", cfg.ProcessingCapacity,
		"redis", cfg.RedisURL)

	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}
