package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/reconcile"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"60"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Time allowed for in-flight requests and jobs on shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"20s"`

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"clover"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"migrations"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	// Run migrations on serve
	DatabaseMigrateOnStart bool `env:"DB_MIGRATE_ON_START" env-default:"false"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated). Empty disables sync events.
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for sync events
	KafkaSyncEventsTopic string `env:"KAFKA_SYNC_EVENTS_TOPIC" env-default:"clover.sync-events"`

	// Provider OAuth apps. A provider without a client id is disabled.
	GoogleClientID        string `env:"GOOGLE_CLIENT_ID" env-default:""`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET" env-default:""`
	GoogleRedirectURL     string `env:"GOOGLE_REDIRECT_URL" env-default:""`
	GoogleAPIBaseURL      string `env:"GOOGLE_API_BASE_URL" env-default:""`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID" env-default:""`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET" env-default:""`
	MicrosoftRedirectURL  string `env:"MICROSOFT_REDIRECT_URL" env-default:""`
	MicrosoftTenant       string `env:"MICROSOFT_TENANT" env-default:"common"`
	MicrosoftAPIBaseURL   string `env:"MICROSOFT_API_BASE_URL" env-default:""`
	ZoomClientID          string `env:"ZOOM_CLIENT_ID" env-default:""`
	ZoomClientSecret      string `env:"ZOOM_CLIENT_SECRET" env-default:""`
	ZoomRedirectURL       string `env:"ZOOM_REDIRECT_URL" env-default:""`
	ZoomAPIBaseURL        string `env:"ZOOM_API_BASE_URL" env-default:""`
	// Timeout for a single provider API call
	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" env-default:"30s"`
	// Lifetime of an issued OAuth state
	OAuthStateTTL time.Duration `env:"OAUTH_STATE_TTL" env-default:"10m"`
	// Where the browser is sent after a successful connect; empty answers with JSON
	OAuthConnectedRedirect string `env:"OAUTH_CONNECTED_REDIRECT" env-default:""`

	// Sync settings
	// How far ahead a pull lists remote events
	SyncPullWindow time.Duration `env:"SYNC_PULL_WINDOW" env-default:"720h"`
	// How long a push/pull lock lives
	SyncLockTTL time.Duration `env:"SYNC_LOCK_TTL" env-default:"1m"`
	// How long a sync waits for a competing sync of the same appointment
	SyncLockWait time.Duration `env:"SYNC_LOCK_WAIT" env-default:"15s"`
	// Refresh tokens expiring within this window
	TokenRefreshSkew time.Duration `env:"TOKEN_REFRESH_SKEW" env-default:"1m"`

	// Scheduler settings
	// Enable/disable the scheduler
	SchedulerEnabled bool `env:"SCHEDULER_ENABLED" env-default:"true"`
	// Scheduler poll interval
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"1m"`
	// Minimum time between two pulls of one integration
	SchedulerPullInterval time.Duration `env:"SCHEDULER_PULL_INTERVAL" env-default:"15m"`
	// Integrations scheduled per poll
	SchedulerBatchSize int `env:"SCHEDULER_BATCH_SIZE" env-default:"100"`

	// Redis Streams settings
	// Enable/disable the job processor
	WorkerEnabled bool `env:"WORKER_ENABLED" env-default:"true"`
	// Job queue stream name
	RedisStreamsJobQueue string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"clover:jobs"`
	// Consumer group name
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"clover-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	// Worker goroutines
	WorkerCount int `env:"WORKER_COUNT" env-default:"2"`
	// Deliveries before a job is dropped
	WorkerMaxRetries int `env:"WORKER_MAX_RETRIES" env-default:"3"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`

	// Auth Enabled - when false, the X-User-ID header is trusted. Local testing only.
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"true"`
}

// Load reads envFile when it exists, then the process environment. Variables already set in the
// environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if cfg.AuthEnabled && (cfg.AuthIssuerURL == "" || cfg.AuthClientID == "") {
		return nil, errors.New("AUTH_ISSUER_URL and AUTH_CLIENT_ID are required when AUTH_ENABLED is true")
	}
	return &cfg, nil
}

func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             uint(max(c.DatabaseMigrationVersion, 0)),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{Host: c.RedisHost, Port: c.RedisPort, Password: c.RedisPassword, DB: c.RedisDB}
}

func (c *Config) Kafka() kafka.Config {
	return kafka.ParseConfig(c.KafkaBrokers, c.KafkaSyncEventsTopic)
}

func (c *Config) Providers() providers.Config {
	return providers.Config{
		HTTPTimeout: c.ProviderHTTPTimeout,
		Google: providers.OAuthConfig{
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
			RedirectURL:  c.GoogleRedirectURL,
		},
		GoogleAPIBaseURL: c.GoogleAPIBaseURL,
		Microsoft: providers.OAuthConfig{
			ClientID:     c.MicrosoftClientID,
			ClientSecret: c.MicrosoftClientSecret,
			RedirectURL:  c.MicrosoftRedirectURL,
		},
		MicrosoftTenant:     c.MicrosoftTenant,
		MicrosoftAPIBaseURL: c.MicrosoftAPIBaseURL,
		Zoom: providers.OAuthConfig{
			ClientID:     c.ZoomClientID,
			ClientSecret: c.ZoomClientSecret,
			RedirectURL:  c.ZoomRedirectURL,
		},
		ZoomAPIBaseURL: c.ZoomAPIBaseURL,
	}
}

func (c *Config) Credentials() credentials.Config {
	return credentials.Config{RefreshSkew: c.TokenRefreshSkew, LockTTL: c.SyncLockTTL, LockWait: c.SyncLockWait}
}

func (c *Config) Reconcile() reconcile.Config {
	return reconcile.Config{PullWindow: c.SyncPullWindow, LockTTL: c.SyncLockTTL, LockWait: c.SyncLockWait}
}

func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		PollInterval: c.SchedulerPollInterval,
		PullInterval: c.SchedulerPullInterval,
		BatchSize:    c.SchedulerBatchSize,
		JobQueue:     c.RedisStreamsJobQueue,
	}
}

func (c *Config) Processor() queue.ProcessorConfig {
	cfg := queue.DefaultProcessorConfig()
	cfg.Stream = c.RedisStreamsJobQueue
	cfg.ConsumerGroup = c.RedisStreamsConsumerGroup
	if c.RedisStreamsConsumerName != "" {
		cfg.ConsumerName = c.RedisStreamsConsumerName
	}
	cfg.WorkerCount = c.WorkerCount
	cfg.MaxRetries = c.WorkerMaxRetries
	return cfg
}

func (c *Config) OTLP() exporters.OTLPConfig {
	if !c.OTLPEnabled {
		return exporters.OTLPConfig{}
	}
	return exporters.OTLPConfig{Endpoint: c.OTLPEndpoint, Protocol: c.OTLPProtocol, Insecure: c.OTLPInsecure}
}
