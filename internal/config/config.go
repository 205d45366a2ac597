package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all run settings, populated from environment variables.
type Config struct {
	OutputDir     string
	ProgressEvery int

	// CKAN feed.
	CKANBaseURL    string
	CKANPackage    string
	HTTPTimeout    time.Duration
	HTTPMaxRetries int

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	PushgatewayURL  string

	// Change publishing; disabled when KafkaBrokers is empty.
	KafkaBrokers []string
	KafkaTopic   string
	BatchSize    int

	// Partition mirror; disabled when S3Bucket is empty.
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// KafkaEnabled reports whether changes should be published.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// S3Enabled reports whether changed partitions should be mirrored.
func (c *Config) S3Enabled() bool { return c.S3Bucket != "" }

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	httpTimeout, err := parseDuration("HTTP_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}
	mapboxTimeout, err := parseDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	progressEvery, err := parseInt("PROGRESS_EVERY", 500, 1)
	if err != nil {
		return nil, err
	}
	maxRetries, err := parseInt("HTTP_MAX_RETRIES", 3, 0)
	if err != nil {
		return nil, err
	}
	mapboxCacheSize, err := parseInt("MAPBOX_CACHE_SIZE", 1000, 1)
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		OutputDir:     sharedcfg.EnvOrDefault("OUTPUT_DIR", "docs/daily_jsonl"),
		ProgressEvery: progressEvery,

		CKANBaseURL:    sharedcfg.EnvOrDefault("CKAN_BASE_URL", "https://ckan0.cf.opendata.inter.prod-toronto.ca"),
		CKANPackage:    sharedcfg.EnvOrDefault("CKAN_PACKAGE", "festivals-events"),
		HTTPTimeout:    httpTimeout,
		HTTPMaxRetries: maxRetries,

		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		PushgatewayURL:  os.Getenv("PUSHGATEWAY_URL"),

		KafkaBrokers: parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "festival-event-changes"),
		BatchSize:    batchSize,

		S3Bucket:   os.Getenv("S3_BUCKET"),
		S3Prefix:   sharedcfg.EnvOrDefault("S3_PREFIX", "daily_jsonl/"),
		S3Region:   os.Getenv("S3_REGION"),
		S3Endpoint: os.Getenv("S3_ENDPOINT"),

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: mapboxCacheSize,
	}

	if cfg.OutputDir == "" {
		return nil, errors.New("OUTPUT_DIR is required")
	}
	if u, err := url.Parse(cfg.CKANBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid CKAN_BASE_URL %q", cfg.CKANBaseURL)
	}
	if cfg.CKANPackage == "" {
		return nil, errors.New("CKAN_PACKAGE is required")
	}
	if cfg.KafkaEnabled() && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

// parseBrokers returns nil for an unset list so Kafka stays disabled.
func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	return sharedcfg.ParseBrokers(s)
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s: must be an integer >= %d", key, minimum)
	}
	return n, nil
}
