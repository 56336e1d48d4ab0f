package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	VerifierHTTP = "http"
	VerifierStub = "stub"

	envPrefix = "BACKCHECK"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "backcheck")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.admin_token", "")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "backcheck")
	v.SetDefault("postgres.user", "backcheck")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_connections", 25)
	v.SetDefault("postgres.max_idle", 5)
	v.SetDefault("postgres.conn_max_idle", 5*time.Minute)
	v.SetDefault("postgres.apply_schema", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "backcheck:")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "backcheck")
	v.SetDefault("kafka.provision_topics", false)
	v.SetDefault("kafka.partitions", 3)
	v.SetDefault("kafka.replication_factor", 1)

	v.SetDefault("pipeline.store", BackendMemory)
	v.SetDefault("pipeline.cache", BackendMemory)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.max_job_attempts", 3)
	v.SetDefault("pipeline.backoff_base", 2*time.Second)
	v.SetDefault("pipeline.backoff_max", 5*time.Minute)
	v.SetDefault("pipeline.idle_wait", time.Second)
	v.SetDefault("pipeline.write_attempts", 3)
	v.SetDefault("pipeline.cache_ttl", 5*time.Minute)
	v.SetDefault("pipeline.expiry_interval", time.Minute)
	v.SetDefault("pipeline.dead_letter_capacity", 1000)
	v.SetDefault("pipeline.queue", "")
	v.SetDefault("pipeline.stale_claim_after", 10*time.Minute)

	v.SetDefault("breaker.error_threshold", 50.0)
	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.minimum_requests", 10)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("breaker.call_timeout", 10*time.Second)

	v.SetDefault("verifier.mode", VerifierStub)
	v.SetDefault("verifier.base_url", "")
	v.SetDefault("verifier.api_key", "")
	v.SetDefault("verifier.timeout", 15*time.Second)

	v.SetDefault("notifications.outbox", BackendMemory)
	v.SetDefault("notifications.dedupe", BackendMemory)
	v.SetDefault("notifications.max_retries", 5)
	v.SetDefault("notifications.backoff_base", 2*time.Second)
	v.SetDefault("notifications.backoff_max", 10*time.Minute)
	v.SetDefault("notifications.min_interval", 30*time.Second)
	v.SetDefault("notifications.burst", 1)
	v.SetDefault("notifications.idempotency_window", 10*time.Minute)
	v.SetDefault("notifications.batch_size", 100)
	v.SetDefault("notifications.concurrency", 4)
	v.SetDefault("notifications.poll_interval", time.Second)
	v.SetDefault("notifications.delivery_timeout", 10*time.Second)
	v.SetDefault("notifications.candidate_channel", "email")
	v.SetDefault("notifications.aws.region", "us-east-1")
	v.SetDefault("notifications.email.enabled", false)
	v.SetDefault("notifications.email.from", "")
	v.SetDefault("notifications.sms.enabled", false)
	v.SetDefault("notifications.event.enabled", false)
	v.SetDefault("notifications.event.topic", "backcheck.check-status")
	v.SetDefault("notifications.dead_letter_index.enabled", false)
	v.SetDefault("notifications.dead_letter_index.addresses", []string{"http://localhost:9200"})
	v.SetDefault("notifications.dead_letter_index.username", "")
	v.SetDefault("notifications.dead_letter_index.password", "")
	v.SetDefault("notifications.dead_letter_index.index", "backcheck-dead-letters")

	v.SetDefault("ingress.enabled", false)
	v.SetDefault("ingress.group", "backcheck-ingress")
	v.SetDefault("ingress.check_requests_topic", "backcheck.check-requests")
	v.SetDefault("ingress.document_batches_topic", "backcheck.document-batches")
	v.SetDefault("ingress.orphan_grace", "10m")
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.HTTP.Addr == "" {
		add("http.addr is required")
	}

	if !slices.Contains([]string{BackendMemory, BackendPostgres}, c.Pipeline.Store) {
		add("pipeline.store must be memory or postgres, got %q", c.Pipeline.Store)
	}
	if !slices.Contains([]string{BackendMemory, BackendPostgres}, c.Pipeline.QueueBackend()) {
		add("pipeline.queue must be memory or postgres, got %q", c.Pipeline.Queue)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, c.Pipeline.Cache) {
		add("pipeline.cache must be memory or redis, got %q", c.Pipeline.Cache)
	}
	if c.Pipeline.Workers < 1 {
		add("pipeline.workers must be positive")
	}
	if c.Pipeline.MaxJobAttempts < 1 {
		add("pipeline.max_job_attempts must be positive")
	}
	if c.Pipeline.WriteAttempts < 1 {
		add("pipeline.write_attempts must be positive")
	}

	if c.Breaker.ErrorThreshold <= 0 || c.Breaker.ErrorThreshold > 100 {
		add("breaker.error_threshold must be in (0, 100]")
	}
	if c.Breaker.WindowSize < 1 || c.Breaker.MinimumRequests < 1 {
		add("breaker.window_size and breaker.minimum_requests must be positive")
	}
	if c.Breaker.CallTimeout <= 0 || c.Breaker.CallTimeout >= c.Breaker.ResetTimeout {
		add("breaker.call_timeout must be positive and shorter than breaker.reset_timeout")
	}

	switch c.Verifier.Mode {
	case VerifierStub:
	case VerifierHTTP:
		if c.Verifier.BaseURL == "" {
			add("verifier.base_url is required in http mode")
		}
	default:
		add("verifier.mode must be http or stub, got %q", c.Verifier.Mode)
	}

	n := c.Notifications
	if !slices.Contains([]string{BackendMemory, BackendPostgres}, n.Outbox) {
		add("notifications.outbox must be memory or postgres, got %q", n.Outbox)
	}
	if !slices.Contains([]string{BackendMemory, BackendRedis}, n.Dedupe) {
		add("notifications.dedupe must be memory or redis, got %q", n.Dedupe)
	}
	if n.MaxRetries < 0 {
		add("notifications.max_retries must not be negative")
	}
	if n.Burst < 1 {
		add("notifications.burst must be positive")
	}
	if n.Email.Enabled && n.Email.From == "" {
		add("notifications.email.from is required when email is enabled")
	}
	if n.DeadLetterIndex.Enabled && len(n.DeadLetterIndex.Addresses) == 0 {
		add("notifications.dead_letter_index.addresses is required when the index is enabled")
	}
	if !slices.Contains([]string{"email", "sms"}, n.CandidateChannel) {
		add("notifications.candidate_channel must be email or sms, got %q", n.CandidateChannel)
	}

	if c.UsesKafka() && len(c.Kafka.Brokers) == 0 {
		add("kafka.brokers is required when ingress or event notifications are enabled")
	}
	if c.Ingress.Enabled && c.Ingress.Group == "" {
		add("ingress.group is required")
	}
	if c.Ingress.OrphanGrace < 0 {
		add("ingress.orphan_grace must not be negative")
	}

	return errors.Join(errs...)
}
