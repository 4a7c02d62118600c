// Package config loads and validates the index worker configuration from YAML
// files with environment-variable overrides. It provides typed structs for the
// storage engine, the blob store, every background worker, and the ambient
// services (Postgres, Kafka, Redis, logging, tracing, metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	BlobStore   BlobStoreConfig   `yaml:"blobStore"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Backfill    BackfillConfig    `yaml:"backfill"`
	Flusher     FlusherConfig     `yaml:"flusher"`
	FastForward FastForwardConfig `yaml:"fastForward"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Resources   ResourcesConfig   `yaml:"resources"`
	Retry       RetryConfig       `yaml:"retry"`
	Status      StatusConfig      `yaml:"status"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// StorageConfig controls the pebble-backed transactional engine.
type StorageConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"inMemory"`
	// CommitLogSize bounds how many recent commits are retained for OCC
	// validation. Transactions older than the retained window conflict.
	CommitLogSize int `yaml:"commitLogSize"`
}

// BlobStoreConfig selects and configures the segment blob store.
type BlobStoreConfig struct {
	// Kind is one of "memory", "local", "minio", "s3".
	Kind      string `yaml:"kind"`
	LocalDir  string `yaml:"localDir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	// BreakerFailures is the consecutive failure count that opens the
	// circuit breaker around remote stores.
	BreakerFailures int           `yaml:"breakerFailures"`
	BreakerReset    time.Duration `yaml:"breakerReset"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
	// BatchSize and FlushInterval control the lifecycle event buffer.
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexLifecycle string `yaml:"indexLifecycle"`
}

// RedisConfig holds Redis connection and worker lease parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LeaseTTL time.Duration `yaml:"leaseTTL"`
}

// BackfillConfig controls the database index backfill worker.
type BackfillConfig struct {
	PageSize      int           `yaml:"pageSize"`
	DocsPerSecond int           `yaml:"docsPerSecond"`
	PollInterval  time.Duration `yaml:"pollInterval"`
}

// FlusherConfig controls search and vector segment building, both for
// backfill and for incremental catch-up.
type FlusherConfig struct {
	MaxSegmentDocs       int           `yaml:"maxSegmentDocs"`
	IncrementalThreshold int           `yaml:"incrementalThreshold"`
	MaxAge               time.Duration `yaml:"maxAge"`
	DocsPerSecond        int           `yaml:"docsPerSecond"`
	PollInterval         time.Duration `yaml:"pollInterval"`
}

// FastForwardConfig controls the debounce gate of the fast-forward worker.
type FastForwardConfig struct {
	MinCommits       uint64        `yaml:"minCommits"`
	MaxCheckpointAge time.Duration `yaml:"maxCheckpointAge"`
	PollInterval     time.Duration `yaml:"pollInterval"`
}

// CompactionConfig controls segment selection and merge parallelism.
type CompactionConfig struct {
	SmallSegmentThresholdBytes uint64        `yaml:"smallSegmentThresholdBytes"`
	MinCompactionSegments      int           `yaml:"minCompactionSegments"`
	MaxSegmentSizeBytes        uint64        `yaml:"maxSegmentSizeBytes"`
	MaxDeletedPercentage       float64       `yaml:"maxDeletedPercentage"`
	MaxCompactionSegments      int           `yaml:"maxCompactionSegments"`
	MaxConcurrentBuilds        int64         `yaml:"maxConcurrentBuilds"`
	PollInterval               time.Duration `yaml:"pollInterval"`
}

// ResourcesConfig controls the overload guard consulted before heavy builds.
type ResourcesConfig struct {
	MaxMemoryPercent float64 `yaml:"maxMemoryPercent"`
}

// RetryConfig controls the backoff between failed worker steps.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	// StepTimeout bounds a single worker step. Zero disables it.
	StepTimeout time.Duration `yaml:"stepTimeout"`
}

// StatusConfig controls the Postgres index status projection.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Protocol is "grpc" or "http".
	Protocol   string  `yaml:"protocol"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics and health server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects configurations the workers cannot run with.
func (c *Config) Validate() error {
	switch c.BlobStore.Kind {
	case "memory", "local", "minio", "s3":
	default:
		return fmt.Errorf("unknown blob store kind %q", c.BlobStore.Kind)
	}
	if c.Backfill.PageSize <= 0 {
		return fmt.Errorf("backfill.pageSize must be positive, got %d", c.Backfill.PageSize)
	}
	if c.Flusher.MaxSegmentDocs <= 0 {
		return fmt.Errorf("flusher.maxSegmentDocs must be positive, got %d", c.Flusher.MaxSegmentDocs)
	}
	if c.Compaction.MinCompactionSegments < 1 {
		return fmt.Errorf("compaction.minCompactionSegments must be at least 1, got %d", c.Compaction.MinCompactionSegments)
	}
	if c.Compaction.SmallSegmentThresholdBytes > c.Compaction.MaxSegmentSizeBytes {
		return fmt.Errorf("compaction.smallSegmentThresholdBytes (%d) exceeds maxSegmentSizeBytes (%d)",
			c.Compaction.SmallSegmentThresholdBytes, c.Compaction.MaxSegmentSizeBytes)
	}
	if !c.Storage.InMemory && c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required unless storage.inMemory is set")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Dir:           "data/storage",
			CommitLogSize: 10000,
		},
		BlobStore: BlobStoreConfig{
			Kind:            "local",
			LocalDir:        "data/segments",
			Bucket:          "search-segments",
			Region:          "us-east-1",
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "searchplatform",
			User:            "searchplatform",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				IndexLifecycle: "index.lifecycle",
			},
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			LeaseTTL: 30 * time.Second,
		},
		Backfill: BackfillConfig{
			PageSize:      500,
			DocsPerSecond: 5000,
			PollInterval:  2 * time.Second,
		},
		Flusher: FlusherConfig{
			MaxSegmentDocs:       10000,
			IncrementalThreshold: 1000,
			MaxAge:               10 * time.Minute,
			DocsPerSecond:        5000,
			PollInterval:         5 * time.Second,
		},
		FastForward: FastForwardConfig{
			MinCommits:       100,
			MaxCheckpointAge: time.Hour,
			PollInterval:     30 * time.Second,
		},
		Compaction: CompactionConfig{
			SmallSegmentThresholdBytes: 1 << 20,
			MinCompactionSegments:      3,
			MaxSegmentSizeBytes:        1 << 30,
			MaxDeletedPercentage:       0.2,
			MaxCompactionSegments:      10,
			MaxConcurrentBuilds:        2,
			PollInterval:               30 * time.Second,
		},
		Resources: ResourcesConfig{
			MaxMemoryPercent: 90,
		},
		Retry: RetryConfig{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			StepTimeout:  10 * time.Minute,
		},
		Status: StatusConfig{
			Interval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Protocol:   "grpc",
			Endpoint:   "localhost:4317",
			SampleRate: 0.1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SP_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := os.Getenv("SP_STORAGE_IN_MEMORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.InMemory = b
		}
	}
	if v := os.Getenv("SP_BLOBSTORE_KIND"); v != "" {
		cfg.BlobStore.Kind = v
	}
	if v := os.Getenv("SP_BLOBSTORE_BUCKET"); v != "" {
		cfg.BlobStore.Bucket = v
	}
	if v := os.Getenv("SP_BLOBSTORE_ENDPOINT"); v != "" {
		cfg.BlobStore.Endpoint = v
	}
	if v := os.Getenv("SP_BLOBSTORE_ACCESS_KEY"); v != "" {
		cfg.BlobStore.AccessKey = v
	}
	if v := os.Getenv("SP_BLOBSTORE_SECRET_KEY"); v != "" {
		cfg.BlobStore.SecretKey = v
	}
	if v := os.Getenv("SP_POSTGRES_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Postgres.Enabled = b
		}
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_FASTFORWARD_MIN_COMMITS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.FastForward.MinCommits = n
		}
	}
	if v := os.Getenv("SP_FASTFORWARD_MAX_CHECKPOINT_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FastForward.MaxCheckpointAge = d
		}
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("SP_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	if v := os.Getenv("SP_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
