package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI string
	DBName   string
	Port     string
	GinMode  string

	CORSOrigins []string
	JWTSecret   string

	// Upload handling
	MaxFileSize    int64
	AllowedTypes   []string
	FileStorageDir string

	// Chunking
	ChunkSize    int // target chunk size in tokens
	ChunkOverlap int // trailing/leading overlap in tokens, must be < ChunkSize

	// Vector index persistence
	IndexPath string

	// Processing pipeline
	ProcessingCapacity int           // max concurrently-processing documents
	QueueDepth         int           // pending submissions held FIFO before Submit blocks
	MaxRetries         int           // transient provider failures before a document fails
	RetryBackoff       time.Duration // base for exponential backoff
	StaleProcessingAge time.Duration // janitor watchdog deadline for stuck documents

	// Providers
	EmbeddingsProvider    string // "google" (default), "openai"
	GoogleEmbeddingsModel string
	GeminiAPIKey          string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIEmbeddingsModel string
	LLMProvider           string // "gemini" (default), "groq"
	LLMModel              string
	GroqAPIKey            string
	GroqBaseURL           string
	ProviderTimeout       time.Duration
	EmbedBatchSize        int
	VectorDimensions      int // 0 means probe at startup

	// Retrieval and synthesis
	SimilarityThreshold float64
	MaxRetrievedChunks  int
	ContextTokenBudget  int
	AnswerMaxTokens     int

	// Redis (query-embedding cache + asynq)
	RedisURL      string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Async queue path
	AsyncQueueEnabled bool

	// HTTP rate limiting (per IP and endpoint, fixed window)
	RateLimitReqs   int
	RateLimitWindow int // seconds
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017/docuquery"),
		DBName:   getEnv("DB_NAME", "docuquery"),
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),

		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", 52428800), // 50MB
		AllowedTypes:   strings.Split(getEnv("ALLOWED_FILE_TYPES", "application/pdf,text/plain,text/markdown,application/vnd.openxmlformats-officedocument.wordprocessingml.document,application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"), ","),
		FileStorageDir: getEnv("FILE_STORAGE_DIR", "./storage"),

		ChunkSize:    getEnvInt("CHUNK_SIZE", 300),
		ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 50),

		IndexPath: getEnv("INDEX_PATH", "./storage/indexes.db"),

		ProcessingCapacity: getEnvInt("PROCESSING_CAPACITY", 4),
		QueueDepth:         getEnvInt("QUEUE_DEPTH", 256),
		MaxRetries:         getEnvInt("PROVIDER_MAX_RETRIES", 3),
		RetryBackoff:       getEnvDuration("PROVIDER_RETRY_BACKOFF", 2*time.Second),
		StaleProcessingAge: getEnvDuration("STALE_PROCESSING_AGE", 30*time.Minute),

		EmbeddingsProvider:    getEnv("EMBEDDINGS_PROVIDER", "google"),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIEmbeddingsModel: getEnv("OPENAI_EMBEDDINGS_MODEL", "text-embedding-3-small"),
		LLMProvider:           getEnv("LLM_PROVIDER", "gemini"),
		LLMModel:              getEnv("LLM_MODEL", ""),
		GroqAPIKey:            getEnv("GROQ_API_KEY", ""),
		GroqBaseURL:           getEnv("GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		EmbedBatchSize:        getEnvInt("EMBED_BATCH_SIZE", 32),
		VectorDimensions:      getEnvInt("VECTOR_DIM", 0),

		SimilarityThreshold: getEnvFloat64("SIMILARITY_THRESHOLD", 0.3),
		MaxRetrievedChunks:  getEnvInt("MAX_RETRIEVED_CHUNKS", 5),
		ContextTokenBudget:  getEnvInt("CONTEXT_TOKEN_BUDGET", 3000),
		AnswerMaxTokens:     getEnvInt("ANSWER_MAX_TOKENS", 1024),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CacheTTL:      getEnvDuration("CACHE_TTL", 1*time.Hour),

		AsyncQueueEnabled: getEnvBool("ASYNC_QUEUE_ENABLED", false),

		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces configuration invariants before anything enters the
// pipeline. Violations here are startup failures, not runtime ones.
func (cfg *Config) Validate() error {
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be non-negative and strictly less than CHUNK_SIZE (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}
	if cfg.ProcessingCapacity <= 0 {
		return fmt.Errorf("PROCESSING_CAPACITY must be positive, got %d", cfg.ProcessingCapacity)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("PROVIDER_MAX_RETRIES must be non-negative, got %d", cfg.MaxRetries)
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required - set it in .env file")
	}

	switch cfg.EmbeddingsProvider {
	case "google":
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the google embeddings provider")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai embeddings provider")
		}
	default:
		return fmt.Errorf("unknown embeddings provider: %s", cfg.EmbeddingsProvider)
	}

	switch cfg.LLMProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini LLM provider")
		}
	case "groq":
		if cfg.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY is required for the groq LLM provider")
		}
	default:
		return fmt.Errorf("unknown LLM provider: %s", cfg.LLMProvider)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
