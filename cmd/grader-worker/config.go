package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"corrector/internal/common/lock"
	"corrector/internal/common/mq"
	"corrector/internal/common/storage"
	refcache "corrector/internal/grader/cache"
	"corrector/internal/grader/sandbox"
	"corrector/internal/grader/service"
	"corrector/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultJobsTopic      = "grader.jobs"
	defaultResultsTopic   = "grader.results"
	defaultConsumerGroup  = "grader-worker"
	defaultWorkRoot       = "/tmp/corrector"
	defaultCacheRoot      = "/var/cache/corrector"
	defaultJobTimeout     = 10 * time.Minute
	defaultStorageTimeout = 30 * time.Second
)

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Compression   string        `yaml:"compression"`
	JobsTopic     string        `yaml:"jobsTopic"`
	ResultsTopic  string        `yaml:"resultsTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryBackoff  time.Duration `yaml:"retryBackoff"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize   int           `yaml:"poolSize"`
	JobTimeout time.Duration `yaml:"jobTimeout"`
}

// SourceConfig holds file collection settings.
type SourceConfig struct {
	MaxFileBytes int64         `yaml:"maxFileBytes"`
	Exclude      []string      `yaml:"exclude"`
	Timeout      time.Duration `yaml:"timeout"`
	Compress     bool          `yaml:"compress"`
}

// ResultsConfig holds result archiving settings.
type ResultsConfig struct {
	LogBucket string `yaml:"logBucket"`
}

// AppConfig holds grader-worker config.
type AppConfig struct {
	Logger  logger.Config                  `yaml:"logger"`
	Kafka   KafkaConfig                    `yaml:"kafka"`
	Redis   lock.RedisConfig               `yaml:"redis"`
	MinIO   storage.MinIOConfig            `yaml:"minio"`
	Cache   refcache.Config                `yaml:"cache"`
	Worker  WorkerConfig                   `yaml:"worker"`
	Source  SourceConfig                   `yaml:"source"`
	Results ResultsConfig                  `yaml:"results"`
	Sandbox sandbox.Config                 `yaml:"sandbox"`
	Checks  map[string]service.CheckConfig `yaml:"checks"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if len(cfg.Checks) == 0 {
		return nil, fmt.Errorf("at least one check is required")
	}
	if cfg.Kafka.JobsTopic == "" {
		cfg.Kafka.JobsTopic = defaultJobsTopic
	}
	if cfg.Kafka.ResultsTopic == "" {
		cfg.Kafka.ResultsTopic = defaultResultsTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Worker.JobTimeout == 0 {
		cfg.Worker.JobTimeout = defaultJobTimeout
	}
	if cfg.Source.Timeout == 0 {
		cfg.Source.Timeout = defaultStorageTimeout
	}
	if cfg.Sandbox.WorkRoot == "" {
		cfg.Sandbox.WorkRoot = defaultWorkRoot
	}
	if cfg.Cache.RootDir == "" {
		cfg.Cache.RootDir = defaultCacheRoot
	}
	if cfg.Cache.Bucket == "" {
		cfg.Cache.Bucket = cfg.MinIO.Bucket
	}
	return &cfg, nil
}

// needsPacks reports whether any check downloads a reference pack.
func (c *AppConfig) needsPacks() bool {
	for _, check := range c.Checks {
		if check.Pack != nil {
			return true
		}
	}
	return false
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	cfg := mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
	cfg.Compression = parseCompression(k.Compression)
	return cfg
}

func (k KafkaConfig) consumeOptions(workers int) mq.ConsumeOptions {
	return mq.ConsumeOptions{
		Group:           k.ConsumerGroup,
		Workers:         workers,
		MaxAttempts:     k.MaxAttempts,
		Backoff:         k.RetryBackoff,
		DeadLetterTopic: k.DeadLetter,
		MaxAge:          k.MessageTTL,
		Limiter:         mq.NewTokenLimiter(workers),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
