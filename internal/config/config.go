package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"corpusd"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"corpusd"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey        string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel      string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDimensions int    `envconfig:"EMBEDDING_DIMENSIONS" default:"768"`
	EmbedBatchSize      int    `envconfig:"EMBED_BATCH_SIZE" default:"64"`
	EmbedRetryAttempts  int    `envconfig:"EMBED_RETRY_ATTEMPTS" default:"4"`
	GenerationModel     string `envconfig:"GENERATION_MODEL" default:"gemini-1.5-flash"`

	ChunkMaxTokens     int `envconfig:"CHUNK_MAX_TOKENS" default:"512"`
	ChunkOverlapTokens int `envconfig:"CHUNK_OVERLAP_TOKENS" default:"50"`

	FetchTimeoutSeconds int     `envconfig:"FETCH_TIMEOUT_SECONDS" default:"10"`
	FetchRPS            float64 `envconfig:"FETCH_RPS" default:"2"`
	FetchBurst          int     `envconfig:"FETCH_BURST" default:"4"`

	IngestionConcurrency int `envconfig:"INGESTION_CONCURRENCY" default:"4"`

	RetrievalTopK        int  `envconfig:"RETRIEVAL_TOP_K" default:"5"`
	MaxChunksPerDocument int  `envconfig:"MAX_CHUNKS_PER_DOCUMENT" default:"0"`
	StrictHydration      bool `envconfig:"STRICT_HYDRATION" default:"false"`

	EnableAPI    bool `envconfig:"ENABLE_API" default:"true"`
	EnableWorker bool `envconfig:"ENABLE_WORKER" default:"true"`

	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell; a missing .env is not an error.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) BootstrapRetryDelay() time.Duration {
	return time.Duration(c.BootstrapRetryDelaySeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: EMBEDDING_MODEL", ErrMissingRequired)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSIONS must be positive", ErrMissingRequired)
	}
	if c.ChunkOverlapTokens >= c.ChunkMaxTokens {
		return fmt.Errorf("CHUNK_OVERLAP_TOKENS (%d) must be smaller than CHUNK_MAX_TOKENS (%d)",
			c.ChunkOverlapTokens, c.ChunkMaxTokens)
	}
	return nil
}
