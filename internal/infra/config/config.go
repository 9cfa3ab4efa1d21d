package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config aggregates runtime configuration used across the indexing worker
// and query engine binaries.
type Config struct {
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Model       ModelConfig       `yaml:"model"`
	Queue       QueueConfig       `yaml:"queue"`
	Lock        LockConfig        `yaml:"lock"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Query       QueryConfig       `yaml:"query"`
}

// ObjectStoreConfig contains connection information for the S3-compatible
// blob gateway backing source documents, chunk blobs, and vector indexes.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"useSsl"`
}

// PostgresConfig contains DSN and pooling settings for the metadata store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

// ModelConfig contains the OpenAI-compatible model gateway settings shared
// by embedding and generation calls; the specific model ids are not set
// here: the embedding model id travels with each knowledge base and the
// generation model id with each query request.
type ModelConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
}

// RedisConfig contains connection information for a Valkey-backed
// component (the job queue or the advisory lock).
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// QueueConfig controls the indexing job queue (spec.md §6).
type QueueConfig struct {
	Redis    RedisConfig `yaml:"redis"`
	QueueKey string      `yaml:"queueKey"`
}

// LockConfig controls the coordinator's optional advisory lock (spec.md
// §4.7's open question: advisory, never required for correctness).
type LockConfig struct {
	Redis     RedisConfig `yaml:"redis"`
	KeyPrefix string      `yaml:"keyPrefix"`
}

// ChunkingConfig drives the token-aware recursive chunker (spec.md §4.5).
type ChunkingConfig struct {
	TargetTokens  int `yaml:"targetTokens"`
	OverlapTokens int `yaml:"overlapTokens"`
}

// QueryConfig drives default retrieval and generation behavior when a
// caller leaves them unset (spec.md §4.9, §6).
type QueryConfig struct {
	DefaultK                 int     `yaml:"defaultK"`
	DefaultDistanceThreshold float64 `yaml:"defaultDistanceThreshold"`
	DefaultTemperature       float32 `yaml:"defaultTemperature"`
	DefaultMaxTokens         int     `yaml:"defaultMaxTokens"`
	DefaultTopP              float32 `yaml:"defaultTopP"`
}

// Load reads configuration from a YAML file and environment variables.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := hydrateFromFile(cfg, path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat("configs/config.yaml"); err == nil {
		if err := hydrateFromFile(cfg, "configs/config.yaml"); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func hydrateFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OBJECTSTORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("OBJECTSTORE_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("OBJECTSTORE_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("OBJECTSTORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("OBJECTSTORE_REGION"); v != "" {
		cfg.ObjectStore.Region = v
	}
	if v := os.Getenv("OBJECTSTORE_USE_SSL"); v != "" {
		cfg.ObjectStore.UseSSL = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("POSTGRES_MAX_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.MaxConns = int32(parsed)
		}
	}
	if v := os.Getenv("POSTGRES_MIN_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.MinConns = int32(parsed)
		}
	}
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("QUEUE_REDIS_ENABLED"); v != "" {
		cfg.Queue.Redis.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("QUEUE_REDIS_ADDR"); v != "" {
		cfg.Queue.Redis.Addr = v
	}
	if v := os.Getenv("QUEUE_KEY"); v != "" {
		cfg.Queue.QueueKey = v
	}
	if v := os.Getenv("LOCK_REDIS_ENABLED"); v != "" {
		cfg.Lock.Redis.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LOCK_REDIS_ADDR"); v != "" {
		cfg.Lock.Redis.Addr = v
	}
	if v := os.Getenv("LOCK_KEY_PREFIX"); v != "" {
		cfg.Lock.KeyPrefix = v
	}
	if v := os.Getenv("CHUNKING_TARGET_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.TargetTokens = parsed
		}
	}
	if v := os.Getenv("CHUNKING_OVERLAP_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Chunking.OverlapTokens = parsed
		}
	}
	if v := os.Getenv("QUERY_DEFAULT_K"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Query.DefaultK = parsed
		}
	}
	if v := os.Getenv("QUERY_DEFAULT_DISTANCE_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Query.DefaultDistanceThreshold = parsed
		}
	}
	if v := os.Getenv("QUERY_DEFAULT_TEMPERATURE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Query.DefaultTemperature = float32(parsed)
		}
	}
	if v := os.Getenv("QUERY_DEFAULT_MAX_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Query.DefaultMaxTokens = parsed
		}
	}
	if v := os.Getenv("QUERY_DEFAULT_TOP_P"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Query.DefaultTopP = float32(parsed)
		}
	}
}

func defaultConfig() *Config {
	return &Config{
		ObjectStore: ObjectStoreConfig{
			Bucket: "kbrag",
			Region: "us-east-1",
			UseSSL: true,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 2,
		},
		Model: ModelConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Queue: QueueConfig{
			Redis: RedisConfig{
				Enabled: false,
				Addr:    "",
			},
			QueueKey: "kbrag:index-jobs",
		},
		Lock: LockConfig{
			Redis: RedisConfig{
				Enabled: false,
				Addr:    "",
			},
			KeyPrefix: "kbrag:lock",
		},
		Chunking: ChunkingConfig{
			TargetTokens:  1000,
			OverlapTokens: 200,
		},
		Query: QueryConfig{
			DefaultK:                 3,
			DefaultDistanceThreshold: 0,
			DefaultTemperature:       0.2,
			DefaultMaxTokens:         800,
			DefaultTopP:              1,
		},
	}
}

// Validate ensures the configuration is safe to use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ObjectStore.Bucket) == "" {
		return errors.New("objectStore.bucket cannot be empty")
	}
	if c.Postgres.MaxConns < 0 {
		return errors.New("postgres.maxConns cannot be negative")
	}
	if c.Postgres.MinConns < 0 {
		return errors.New("postgres.minConns cannot be negative")
	}
	if c.Queue.Redis.Enabled && strings.TrimSpace(c.Queue.Redis.Addr) == "" {
		return errors.New("queue.redis.addr cannot be empty when queue.redis is enabled")
	}
	if strings.TrimSpace(c.Queue.QueueKey) == "" {
		return errors.New("queue.queueKey cannot be empty")
	}
	if c.Lock.Redis.Enabled && strings.TrimSpace(c.Lock.Redis.Addr) == "" {
		return errors.New("lock.redis.addr cannot be empty when lock.redis is enabled")
	}
	if c.Chunking.TargetTokens <= 0 {
		return errors.New("chunking.targetTokens must be positive")
	}
	if c.Chunking.OverlapTokens < 0 {
		return errors.New("chunking.overlapTokens cannot be negative")
	}
	if c.Chunking.OverlapTokens >= c.Chunking.TargetTokens {
		return errors.New("chunking.overlapTokens must be smaller than chunking.targetTokens")
	}
	if c.Query.DefaultK <= 0 {
		return errors.New("query.defaultK must be positive")
	}
	if c.Query.DefaultDistanceThreshold < 0 {
		return errors.New("query.defaultDistanceThreshold cannot be negative")
	}
	return nil
}

