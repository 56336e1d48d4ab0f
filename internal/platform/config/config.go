// Package config loads process configuration from defaults, an optional YAML
// file, a .env file and BACKCHECK_* environment variables, in increasing
// order of precedence.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the full process configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
	Verifier      VerifierConfig      `mapstructure:"verifier"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Ingress       IngressConfig       `mapstructure:"ingress"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AdminToken guards /admin routes. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`
}

// PostgresConfig is only consulted when a store or the outbox uses postgres.
type PostgresConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	SSLMode        string        `mapstructure:"sslmode"`
	MaxConnections int           `mapstructure:"max_connections"`
	MaxIdle        int           `mapstructure:"max_idle"`
	ConnMaxIdle    time.Duration `mapstructure:"conn_max_idle"`
	ApplySchema    bool          `mapstructure:"apply_schema"`
}

// DSN returns the key/value connection string understood by pgx.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig is only consulted when the cache or dedupe store uses redis.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig is shared by the ingress consumer and the event sink.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	ClientID          string   `mapstructure:"client_id"`
	ProvisionTopics   bool     `mapstructure:"provision_topics"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

type PipelineConfig struct {
	Store string `mapstructure:"store"`
	Cache string `mapstructure:"cache"`
	// Queue defaults to the store's backend when empty.
	Queue          string        `mapstructure:"queue"`
	Workers        int           `mapstructure:"workers"`
	MaxJobAttempts int           `mapstructure:"max_job_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	IdleWait       time.Duration `mapstructure:"idle_wait"`
	WriteAttempts  int           `mapstructure:"write_attempts"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	DeadLetterCap  int           `mapstructure:"dead_letter_capacity"`
	StaleClaim     time.Duration `mapstructure:"stale_claim_after"`
}

// QueueBackend resolves the job queue backend. Jobs follow the checks into
// PostgreSQL unless configured otherwise, so a restart does not strand
// uploaded components.
func (p PipelineConfig) QueueBackend() string {
	if p.Queue == "" {
		return p.Store
	}
	return p.Queue
}

type BreakerConfig struct {
	ErrorThreshold  float64       `mapstructure:"error_threshold"`
	WindowSize      int           `mapstructure:"window_size"`
	MinimumRequests int           `mapstructure:"minimum_requests"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
}

type VerifierConfig struct {
	Mode    string        `mapstructure:"mode"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotificationsConfig struct {
	Outbox            string              `mapstructure:"outbox"`
	Dedupe            string              `mapstructure:"dedupe"`
	MaxRetries        int                 `mapstructure:"max_retries"`
	BackoffBase       time.Duration       `mapstructure:"backoff_base"`
	BackoffMax        time.Duration       `mapstructure:"backoff_max"`
	MinInterval       time.Duration       `mapstructure:"min_interval"`
	Burst             int                 `mapstructure:"burst"`
	IdempotencyWindow time.Duration       `mapstructure:"idempotency_window"`
	BatchSize         int                 `mapstructure:"batch_size"`
	Concurrency       int                 `mapstructure:"concurrency"`
	PollInterval      time.Duration       `mapstructure:"poll_interval"`
	DeliveryTimeout   time.Duration       `mapstructure:"delivery_timeout"`
	CandidateChannel  string              `mapstructure:"candidate_channel"`
	AWS               AWSConfig           `mapstructure:"aws"`
	Email             EmailConfig         `mapstructure:"email"`
	SMS               SMSConfig           `mapstructure:"sms"`
	Event             EventConfig         `mapstructure:"event"`
	DeadLetterIndex   ElasticsearchConfig `mapstructure:"dead_letter_index"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
}

type EmailConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	From    string `mapstructure:"from"`
}

type SMSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type EventConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type IngressConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Group                string `mapstructure:"group"`
	CheckRequestsTopic   string `mapstructure:"check_requests_topic"`
	DocumentBatchesTopic string `mapstructure:"document_batches_topic"`
	// OrphanGrace is how long a document batch for an unknown check is
	// retried before it is skipped as poison.
	OrphanGrace time.Duration `mapstructure:"orphan_grace"`
}

const redacted = "****"

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	if out.Postgres.Password != "" {
		out.Postgres.Password = redacted
	}
	if out.HTTP.AdminToken != "" {
		out.HTTP.AdminToken = redacted
	}
	if out.Verifier.APIKey != "" {
		out.Verifier.APIKey = redacted
	}
	if out.Notifications.DeadLetterIndex.Password != "" {
		out.Notifications.DeadLetterIndex.Password = redacted
	}
	if u, err := url.Parse(out.Redis.URL); err == nil && u.User != nil {
		out.Redis.URL = u.Redacted()
	}
	out.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	out.Notifications.DeadLetterIndex.Addresses = append([]string(nil), c.Notifications.DeadLetterIndex.Addresses...)
	return out
}

// UsesPostgres reports whether any component is backed by PostgreSQL.
func (c Config) UsesPostgres() bool {
	return c.Pipeline.Store == BackendPostgres ||
		c.Pipeline.QueueBackend() == BackendPostgres ||
		c.Notifications.Outbox == BackendPostgres
}

// UsesRedis reports whether any component is backed by Redis.
func (c Config) UsesRedis() bool {
	return c.Pipeline.Cache == BackendRedis || c.Notifications.Dedupe == BackendRedis
}

// UsesKafka reports whether a Kafka client is needed.
func (c Config) UsesKafka() bool {
	return c.Ingress.Enabled || c.Notifications.Event.Enabled
}
