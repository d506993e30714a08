// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cklxx/nowhow/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Logging       logging.Config      `mapstructure:"logging"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Content       ContentConfig       `mapstructure:"content"`
	WorkflowStore WorkflowStoreConfig `mapstructure:"workflow_store"`
	Export        ExportConfig        `mapstructure:"export"`
	Publisher     PublisherConfig     `mapstructure:"publisher"`
	Crawler       CrawlerConfig       `mapstructure:"crawler"`
	Sources       SourcesConfig       `mapstructure:"sources"`
	Schedules     []ScheduleConfig    `mapstructure:"schedules"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// WorkflowConfig governs the orchestrator, worker pool, and stage budgets.
type WorkflowConfig struct {
	Workers         int                    `mapstructure:"workers"`
	QueueDepth      int                    `mapstructure:"queue_depth"`
	Timeout         time.Duration          `mapstructure:"timeout"`
	MaxAttempts     int                    `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration          `mapstructure:"retry_base_delay"`
	Stages          map[string]StageConfig `mapstructure:"stages"`
	Relevance       float64                `mapstructure:"relevance_threshold"`
	MinGroupSize    int                    `mapstructure:"min_group_size"`
	WordMin         int                    `mapstructure:"word_min"`
	WordMax         int                    `mapstructure:"word_max"`
	ResearchTopics  int                    `mapstructure:"research_topics"`
	EventTopic      string                 `mapstructure:"event_topic"`
	ProgressBuffer  int                    `mapstructure:"progress_buffer"`
	ProgressBatch   int                    `mapstructure:"progress_batch"`
	ProgressMaxWait time.Duration          `mapstructure:"progress_max_wait"`
}

// StageConfig bounds one stage.
type StageConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	UnitTimeout  time.Duration `mapstructure:"unit_timeout"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// Stage returns the settings for name, falling back to the defaults.
func (w WorkflowConfig) Stage(name string) StageConfig {
	sc, ok := w.Stages[name]
	if !ok {
		return StageConfig{Concurrency: 4, UnitTimeout: time.Minute, StageTimeout: 10 * time.Minute}
	}
	return sc
}

// ContentConfig selects and tunes the content store backend.
type ContentConfig struct {
	Backend     string         `mapstructure:"backend"`
	CacheSize   int            `mapstructure:"cache_size"`
	Shards      int            `mapstructure:"shards"`
	BodyRunes   int            `mapstructure:"body_runes"`
	QueryWindow time.Duration  `mapstructure:"query_window"`
	RetryMax    int            `mapstructure:"retry_max_attempts"`
	Local       LocalConfig    `mapstructure:"local"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Redis       RedisConfig    `mapstructure:"redis"`
}

// LocalConfig points at a directory on disk.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig addresses a Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// WorkflowStoreConfig selects where workflow records persist.
type WorkflowStoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// SQLiteConfig names the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ExportConfig selects the blob store used for article exports.
type ExportConfig struct {
	Backend string      `mapstructure:"backend"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	S3      S3Config    `mapstructure:"s3"`
}

// GCSConfig sets the bucket for GCS exports.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config sets the bucket and client options for S3 exports.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Profile      string `mapstructure:"profile"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// PublisherConfig selects where workflow events go.
type PublisherConfig struct {
	Backend string       `mapstructure:"backend"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig lists brokers for the sarama producer.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CrawlerConfig governs the built-in crawl collaborators.
type CrawlerConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxItems  int           `mapstructure:"max_items"`
	MaxBodyKB int           `mapstructure:"max_body_kb"`
	// BlockedHosts lists hosts never fetched; "*.example.com" blocks subdomains.
	BlockedHosts []string       `mapstructure:"blocked_hosts"`
	Rate         RateConfig     `mapstructure:"rate"`
	Headless     HeadlessConfig `mapstructure:"headless"`
}

// RateConfig sets per-host request rates.
type RateConfig struct {
	RPS     float64            `mapstructure:"rps"`
	Burst   int                `mapstructure:"burst"`
	PerHost map[string]float64 `mapstructure:"per_host"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	ExecPath    string        `mapstructure:"exec_path"`
}

// SourcesConfig points at the YAML seed catalog. Table names the Postgres
// table managed sources live in.
type SourcesConfig struct {
	Path  string `mapstructure:"path"`
	Table string `mapstructure:"table"`
}

// ScheduleConfig starts a workflow on a cron expression.
type ScheduleConfig struct {
	Name       string   `mapstructure:"name"`
	Cron       string   `mapstructure:"cron"`
	Topic      string   `mapstructure:"topic"`
	SourceIDs  []string `mapstructure:"source_ids"`
	Categories []string `mapstructure:"categories"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOWHOW")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.service_name", "nowhow")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("workflow.workers", 2)
	v.SetDefault("workflow.queue_depth", 64)
	v.SetDefault("workflow.timeout", "30m")
	v.SetDefault("workflow.max_attempts", 3)
	v.SetDefault("workflow.retry_base_delay", "250ms")
	v.SetDefault("workflow.relevance_threshold", 0.6)
	v.SetDefault("workflow.min_group_size", 1)
	v.SetDefault("workflow.word_min", 50)
	v.SetDefault("workflow.word_max", 3000)
	v.SetDefault("workflow.research_topics", 5)
	v.SetDefault("workflow.event_topic", "workflow-events")
	v.SetDefault("workflow.progress_buffer", 1024)
	v.SetDefault("workflow.progress_batch", 256)
	v.SetDefault("workflow.progress_max_wait", "250ms")
	v.SetDefault("workflow.stages", map[string]any{
		"crawl":    map[string]any{"concurrency": 4, "unit_timeout": "2m", "stage_timeout": "10m"},
		"process":  map[string]any{"concurrency": 8, "unit_timeout": "30s", "stage_timeout": "10m"},
		"research": map[string]any{"concurrency": 4, "unit_timeout": "1m", "stage_timeout": "10m"},
		"write":    map[string]any{"concurrency": 2, "unit_timeout": "2m", "stage_timeout": "10m"},
	})

	v.SetDefault("content.backend", "memory")
	v.SetDefault("content.cache_size", 1024)
	v.SetDefault("content.shards", 64)
	v.SetDefault("content.body_runes", 2048)
	v.SetDefault("content.query_window", "720h")
	v.SetDefault("content.retry_max_attempts", 3)
	v.SetDefault("content.local.base_dir", "data/content")
	v.SetDefault("content.postgres.table_prefix", "content")
	v.SetDefault("content.redis.addr", "localhost:6379")
	v.SetDefault("content.redis.prefix", "nowhow")

	v.SetDefault("workflow_store.backend", "memory")
	v.SetDefault("workflow_store.postgres.table", "workflows")
	v.SetDefault("workflow_store.sqlite.path", "data/workflows.db")

	v.SetDefault("export.backend", "local")
	v.SetDefault("export.local.base_dir", "data/exports")

	v.SetDefault("publisher.backend", "none")
	v.SetDefault("publisher.kafka.client_id", "nowhow")
	v.SetDefault("publisher.kafka.timeout", "10s")

	v.SetDefault("crawler.user_agent", "nowhow-bot/0.1")
	v.SetDefault("crawler.timeout", "20s")
	v.SetDefault("crawler.max_items", 20)
	v.SetDefault("crawler.max_body_kb", 2048)
	v.SetDefault("crawler.rate.rps", 1.0)
	v.SetDefault("crawler.rate.burst", 2)
	v.SetDefault("crawler.headless.enabled", false)
	v.SetDefault("crawler.headless.max_parallel", 1)
	v.SetDefault("crawler.headless.nav_timeout", "25s")

	v.SetDefault("sources.path", "configs/sources.yaml")
	v.SetDefault("sources.table", "sources")
}

var (
	contentBackends  = []string{"memory", "local", "postgres", "redis"}
	workflowBackends = []string{"memory", "postgres", "sqlite"}
	exportBackends   = []string{"none", "memory", "local", "gcs", "s3"}
	publishBackends  = []string{"none", "memory", "pubsub", "kafka"}
)

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	if err := c.Workflow.validate(); err != nil {
		return err
	}
	if !slices.Contains(contentBackends, c.Content.Backend) {
		return fmt.Errorf("content.backend must be one of %v", contentBackends)
	}
	if c.Content.CacheSize < 0 {
		return fmt.Errorf("content.cache_size must be >= 0")
	}
	if c.Content.Backend == "postgres" && c.Content.Postgres.DSN == "" {
		return fmt.Errorf("content.postgres.dsn must be set when content.backend is postgres")
	}
	if c.Content.Backend == "local" && c.Content.Local.BaseDir == "" {
		return fmt.Errorf("content.local.base_dir must be set when content.backend is local")
	}
	if !slices.Contains(workflowBackends, c.WorkflowStore.Backend) {
		return fmt.Errorf("workflow_store.backend must be one of %v", workflowBackends)
	}
	if c.WorkflowStore.Backend == "postgres" && c.WorkflowStore.Postgres.DSN == "" {
		return fmt.Errorf("workflow_store.postgres.dsn must be set when workflow_store.backend is postgres")
	}
	if !slices.Contains(exportBackends, c.Export.Backend) {
		return fmt.Errorf("export.backend must be one of %v", exportBackends)
	}
	if c.Export.Backend == "gcs" && c.Export.GCS.Bucket == "" {
		return fmt.Errorf("export.gcs.bucket must be set when export.backend is gcs")
	}
	if c.Export.Backend == "s3" && c.Export.S3.Bucket == "" {
		return fmt.Errorf("export.s3.bucket must be set when export.backend is s3")
	}
	if !slices.Contains(publishBackends, c.Publisher.Backend) {
		return fmt.Errorf("publisher.backend must be one of %v", publishBackends)
	}
	if c.Publisher.Backend == "pubsub" && (c.Publisher.PubSub.ProjectID == "" || c.Publisher.PubSub.TopicName == "") {
		return fmt.Errorf("publisher.pubsub.project_id and topic_name must be set when publisher.backend is pubsub")
	}
	if c.Publisher.Backend == "kafka" && len(c.Publisher.Kafka.Brokers) == 0 {
		return fmt.Errorf("publisher.kafka.brokers must be set when publisher.backend is kafka")
	}
	if c.Crawler.Timeout <= 0 {
		return fmt.Errorf("crawler.timeout must be > 0")
	}
	if c.Crawler.Headless.Enabled && c.Crawler.Headless.MaxParallel <= 0 {
		return fmt.Errorf("crawler.headless.max_parallel must be > 0 when headless is enabled")
	}
	for i, s := range c.Schedules {
		if s.Cron == "" {
			return fmt.Errorf("schedules[%d].cron must be set", i)
		}
		if s.Topic == "" && len(s.SourceIDs) == 0 && len(s.Categories) == 0 {
			return fmt.Errorf("schedules[%d] must set topic, source_ids, or categories", i)
		}
	}
	return nil
}

func (w WorkflowConfig) validate() error {
	switch {
	case w.Workers <= 0:
		return fmt.Errorf("workflow.workers must be > 0")
	case w.QueueDepth <= 0:
		return fmt.Errorf("workflow.queue_depth must be > 0")
	case w.MaxAttempts <= 0:
		return fmt.Errorf("workflow.max_attempts must be > 0")
	case w.Relevance < 0 || w.Relevance > 1:
		return fmt.Errorf("workflow.relevance_threshold must be within [0,1]")
	case w.MinGroupSize < 1:
		return fmt.Errorf("workflow.min_group_size must be >= 1")
	case w.WordMin < 0 || w.WordMax < w.WordMin:
		return fmt.Errorf("workflow.word_max must be >= workflow.word_min >= 0")
	case w.ResearchTopics <= 0:
		return fmt.Errorf("workflow.research_topics must be > 0")
	}
	for name, sc := range w.Stages {
		if sc.Concurrency <= 0 {
			return fmt.Errorf("workflow.stages.%s.concurrency must be > 0", name)
		}
	}
	return nil
}
