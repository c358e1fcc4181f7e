package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Generate  GenerateConfig  `mapstructure:"generate"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Search    SearchConfig    `mapstructure:"search"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"` // sqlite file path
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

// ParserConfig configures the external document parse service.
type ParserConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// GenerateConfig configures the structured-generation model used for page
// enrichment and document metadata derivation.
type GenerateConfig struct {
	Model             string `mapstructure:"model"`
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	TokensPerMinute   int    `mapstructure:"tokens_per_minute"`
}

type EmbeddingConfig struct {
	Model             string `mapstructure:"model"`
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	Dimensions        int    `mapstructure:"dimensions"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	TokensPerMinute   int    `mapstructure:"tokens_per_minute"`
	MaxInFlight       int    `mapstructure:"max_in_flight"`
}

type IngestConfig struct {
	BatchSize       int `mapstructure:"batch_size"`        // pages per processing batch
	UpsertBatchSize int `mapstructure:"upsert_batch_size"` // records per upsert sub-batch
	PageConcurrency int `mapstructure:"page_concurrency"`  // concurrent pages within a batch
	UpsertRetries   int `mapstructure:"upsert_retries"`
	DeadlineMinutes int `mapstructure:"deadline_minutes"` // overall ingestion deadline, 0 = none
}

type UploadConfig struct {
	MaxTotalSizeMB      int `mapstructure:"max_total_size_mb"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	MaxPolls            int `mapstructure:"max_polls"`
	ResetDelaySeconds   int `mapstructure:"reset_delay_seconds"`
}

type SearchConfig struct {
	ScoreThreshold float32 `mapstructure:"score_threshold"`
	DefaultTopK    int     `mapstructure:"default_top_k"`
}

// IngestDeadline returns the configured overall ingestion deadline, or zero
// when unbounded.
func (c *IngestConfig) IngestDeadline() time.Duration {
	if c.DeadlineMinutes <= 0 {
		return 0
	}
	return time.Duration(c.DeadlineMinutes) * time.Minute
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/docpipe.db")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "page_records")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "userfiles")
	v.SetDefault("parser.base_url", "https://api.cloud.llamaindex.ai/api/v1/parsing")
	v.SetDefault("generate.model", "gpt-4o-mini")
	v.SetDefault("generate.base_url", "https://api.openai.com/v1")
	v.SetDefault("generate.timeout_seconds", 15)
	v.SetDefault("generate.requests_per_minute", 500)
	v.SetDefault("generate.tokens_per_minute", 200000)
	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.requests_per_minute", 2000)
	v.SetDefault("embedding.tokens_per_minute", 1000000)
	v.SetDefault("embedding.max_in_flight", 1)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.upsert_batch_size", 100)
	v.SetDefault("ingest.page_concurrency", 10)
	v.SetDefault("ingest.upsert_retries", 3)
	v.SetDefault("ingest.deadline_minutes", 30)
	v.SetDefault("upload.max_total_size_mb", 150)
	v.SetDefault("upload.poll_interval_seconds", 5)
	v.SetDefault("upload.max_polls", 60)
	v.SetDefault("upload.reset_delay_seconds", 3)
	v.SetDefault("search.score_threshold", 0.0)
	v.SetDefault("search.default_top_k", 10)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")
	v.BindEnv("parser.api_key", "LLAMA_CLOUD_API_KEY")
	v.BindEnv("generate.api_key", "OPENAI_API_KEY")
	v.BindEnv("generate.base_url", "OPENAI_BASE_URL")
	v.BindEnv("generate.model", "GENERATE_MODEL")
	v.BindEnv("embedding.api_key", "JINA_API_KEY")
	v.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
