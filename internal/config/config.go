package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	BackendLocal    = "local"
	BackendWeaviate = "weaviate"
	BackendPgvector = "pgvector"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"opdsrag"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"opdsrag"`
	// DatabaseURL overrides the DB_* fields when set.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd   string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost     string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP     string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`
	EnableNSQ    bool   `envconfig:"ENABLE_NSQ" default:"true"`
	NSQChannel   string `envconfig:"NSQ_CHANNEL" default:"runner"`
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`

	// Vector index backend: local, weaviate or pgvector.
	VectorBackend string `envconfig:"VECTOR_BACKEND" default:"local"`

	// Runner
	JobTimeout         time.Duration `envconfig:"JOB_TIMEOUT" default:"15m"`
	DownloadTimeout    time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"45s"`
	EmbedTimeout       time.Duration `envconfig:"EMBED_TIMEOUT" default:"60s"`
	RunnerPollInterval time.Duration `envconfig:"RUNNER_POLL_INTERVAL" default:"500ms"`

	// Server
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	OTelEnabled     bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelExporter    string  `envconfig:"OTEL_EXPORTER" default:"stdout"`
	OTelServiceName string  `envconfig:"OTEL_SERVICE_NAME" default:"opdsrag"`
	OTelSampleRatio float64 `envconfig:"OTEL_SAMPLER_RATIO" default:"1"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win; .env is optional.
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

func (c *Config) Validate() error {
	if c.DBHost == "" && c.DatabaseURL == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	switch c.VectorBackend {
	case BackendLocal, BackendPgvector:
	case BackendWeaviate:
		if c.WeaviateHost == "" {
			return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("%w: JOB_TIMEOUT must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
