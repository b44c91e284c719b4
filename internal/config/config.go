// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-econ-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/scheduler"
	"github.com/JakeFAU/realtime-econ-crawler/internal/source"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Auth      AuthConfig              `mapstructure:"auth"`
	DB        DBConfig                `mapstructure:"db"`
	Queue     QueueConfig             `mapstructure:"queue"`
	Worker    WorkerConfig            `mapstructure:"worker"`
	RateLimit RateLimitConfig         `mapstructure:"rate_limit"`
	Redis     RedisConfig             `mapstructure:"redis"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Storage   StorageConfig           `mapstructure:"storage"`
	Export    ExportConfig            `mapstructure:"export"`
	Progress  ProgressConfig          `mapstructure:"progress"`
	Status    StatusConfig            `mapstructure:"status"`
	Logging   LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// MigrateOnStart applies pending migrations when the service boots.
	MigrateOnStart bool `mapstructure:"migrate_on_start"`
}

// QueueConfig selects the queue backend and its maintenance cadence.
type QueueConfig struct {
	// Backend is "postgres" or "memory".
	Backend         string        `mapstructure:"backend"`
	StaleLockAge    time.Duration `mapstructure:"stale_lock_age"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StatsWindow     time.Duration `mapstructure:"stats_window"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// WorkerConfig governs the worker pool.
type WorkerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
	MinDefer           time.Duration `mapstructure:"min_defer"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	RefetchInterval    time.Duration `mapstructure:"refetch_interval"`
	DiscoveryBatchSize int           `mapstructure:"discovery_batch_size"`
}

// RateLimitConfig selects the limiter backend.
type RateLimitConfig struct {
	// Backend is "memory" (per-process token bucket) or "redis".
	Backend string `mapstructure:"backend"`
	// Processes is how many crawler processes share each source budget under
	// the memory backend.
	Processes int    `mapstructure:"processes"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisConfig points at the shared rate-limit store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPConfig configures the outbound API client.
type HTTPConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SourceConfig overrides the built-in defaults of one source.
type SourceConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	RequiresKey       bool   `mapstructure:"requires_key"`
	APIKey            string `mapstructure:"api_key"`
	Schedule          string `mapstructure:"schedule"`
	Priority          int    `mapstructure:"priority"`
	Enabled           bool   `mapstructure:"enabled"`
	// MaxPages caps discovery pagination; zero means no cap.
	MaxPages int `mapstructure:"max_pages"`
	// SeriesIDs is the BLS catalog; other sources ignore it.
	SeriesIDs []string `mapstructure:"series_ids"`
}

// PubSubConfig holds the series update topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	Ordering  bool   `mapstructure:"ordering"`
}

// StorageConfig selects where export artifacts go.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// ExportConfig holds export defaults.
type ExportConfig struct {
	Format          string `mapstructure:"format"`
	BulkInsertLimit int    `mapstructure:"bulk_insert_limit"`
}

// ProgressConfig controls the attempt audit hub.
type ProgressConfig struct {
	Enabled           bool                `mapstructure:"enabled"`
	LogEnabled        bool                `mapstructure:"log_enabled"`
	PrometheusEnabled bool                `mapstructure:"prometheus_enabled"`
	StoreEnabled      bool                `mapstructure:"store_enabled"`
	BufferSize        int                 `mapstructure:"buffer_size"`
	Batch             ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeout       time.Duration       `mapstructure:"sink_timeout"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// StatusConfig controls the queue gauge refresher.
type StatusConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Supported backends.
const (
	QueuePostgres    = "postgres"
	QueueMemory      = "memory"
	RateLimitMemory  = "memory"
	RateLimitRedis   = "redis"
	envCredentialFmt = "%s_API_KEY"
)

// Load builds a Config from disk and the environment. Source names are
// upper-cased, and missing credentials fall back to FRED_API_KEY and
// BLS_API_KEY.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalizeSources()
	cfg.applyEnvCredentials(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("queue.backend", QueuePostgres)
	v.SetDefault("queue.stale_lock_age", "30m")
	v.SetDefault("queue.reclaim_interval", "1m")
	v.SetDefault("queue.retention", "720h")
	v.SetDefault("queue.cleanup_interval", "1h")
	v.SetDefault("queue.stats_window", "24h")
	v.SetDefault("queue.backoff_base", "1m")
	v.SetDefault("queue.backoff_max", "60m")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.acquire_timeout", "30s")
	v.SetDefault("worker.job_timeout", "10m")
	v.SetDefault("worker.min_defer", "30s")
	v.SetDefault("worker.write_timeout", "15s")
	v.SetDefault("worker.refetch_interval", "0s")
	v.SetDefault("worker.discovery_batch_size", 500)
	v.SetDefault("rate_limit.backend", RateLimitMemory)
	v.SetDefault("rate_limit.processes", 1)
	v.SetDefault("rate_limit.key_prefix", "econ-crawler:ratelimit")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("http.user_agent", "realtime-econ-crawler/1.0")
	v.SetDefault("http.timeout", "30s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.ordering", false)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "exports")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("export.format", "sql")
	v.SetDefault("export.bulk_insert_limit", 1000)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.store_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 200)
	v.SetDefault("progress.batch.max_wait", "1s")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("status.refresh_interval", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	// Every built-in source gets a full set of keys so CRAWLER_SOURCES_<NAME>_*
	// environment variables bind.
	for _, src := range source.Defaults() {
		key := "sources." + strings.ToLower(src.Name)
		v.SetDefault(key+".base_url", src.BaseURL)
		v.SetDefault(key+".requests_per_minute", src.RequestsPerMinute)
		v.SetDefault(key+".requires_key", src.RequiresKey)
		v.SetDefault(key+".api_key", "")
		v.SetDefault(key+".schedule", src.Schedule)
		v.SetDefault(key+".priority", src.Priority)
		v.SetDefault(key+".enabled", src.Enabled)
		v.SetDefault(key+".max_pages", 0)
	}
}

// normalizeSources re-keys the map by canonical source name. Viper lowercases
// map keys.
func (c *Config) normalizeSources() {
	out := make(map[string]SourceConfig, len(c.Sources))
	for name, sc := range c.Sources {
		out[source.Normalize(name)] = sc
	}
	c.Sources = out
}

func (c *Config) applyEnvCredentials(getenv func(string) string) {
	for name, sc := range c.Sources {
		if sc.APIKey != "" {
			continue
		}
		if key := strings.TrimSpace(getenv(fmt.Sprintf(envCredentialFmt, name))); key != "" {
			sc.APIKey = key
			c.Sources[name] = sc
		}
	}
}

// ApplyAPIKeys overrides source credentials, e.g. from --api-key flags.
func (c *Config) ApplyAPIKeys(keys map[string]string) {
	if c.Sources == nil {
		c.Sources = make(map[string]SourceConfig)
	}
	for name, key := range keys {
		name = source.Normalize(name)
		sc := c.Sources[name]
		sc.APIKey = key
		c.Sources[name] = sc
	}
}

// SourceList returns the configured sources sorted by name.
func (c Config) SourceList() []crawler.Source {
	names := slices.Sorted(maps.Keys(c.Sources))
	out := make([]crawler.Source, 0, len(names))
	for _, name := range names {
		sc := c.Sources[name]
		out = append(out, crawler.Source{
			Name:              name,
			BaseURL:           sc.BaseURL,
			RequestsPerMinute: sc.RequestsPerMinute,
			RequiresKey:       sc.RequiresKey,
			APIKey:            sc.APIKey,
			Schedule:          sc.Schedule,
			Priority:          sc.Priority,
			Enabled:           sc.Enabled,
		})
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case QueuePostgres, QueueMemory:
	default:
		return fmt.Errorf("queue.backend must be %q or %q", QueuePostgres, QueueMemory)
	}
	if c.Queue.StaleLockAge <= 0 {
		return fmt.Errorf("queue.stale_lock_age must be > 0")
	}
	if c.Queue.StaleLockAge <= c.Worker.JobTimeout {
		return fmt.Errorf("queue.stale_lock_age must exceed worker.job_timeout")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	switch c.RateLimit.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when rate_limit.backend is redis")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be %q or %q", RateLimitMemory, RateLimitRedis)
	}
	if c.Export.BulkInsertLimit <= 0 {
		return fmt.Errorf("export.bulk_insert_limit must be > 0")
	}
	for name, sc := range c.Sources {
		if err := sc.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (sc SourceConfig) validate(name string) error {
	if sc.BaseURL == "" {
		return fmt.Errorf("sources.%s.base_url is required", name)
	}
	if sc.RequestsPerMinute < 0 {
		return fmt.Errorf("sources.%s.requests_per_minute must be >= 0", name)
	}
	if sc.Priority < crawler.PriorityLow || sc.Priority > crawler.PriorityCritical {
		return fmt.Errorf("sources.%s.priority must be %d..%d", name, crawler.PriorityLow, crawler.PriorityCritical)
	}
	if sc.Schedule != "" {
		if _, err := scheduler.Parser.Parse(sc.Schedule); err != nil {
			return fmt.Errorf("sources.%s.schedule: %w", name, err)
		}
	}
	return nil
}
