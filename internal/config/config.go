package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds runtime settings for the API and the notification worker.
type Config struct {
	Port      int
	RunLocal  bool
	LogLevel  string
	LogFormat string

	AWS    AWSConfig
	Tables TablesConfig

	NotificationsQueueURL string
	MetricsNamespace      string

	OrderNumberPrefix string
	Location          *time.Location

	DBTimeout      time.Duration
	NotifyTimeout  time.Duration
	IdempotencyTTL time.Duration

	CatalogCacheSize int
	CatalogCacheTTL  time.Duration
}

// AWSConfig holds region and endpoint overrides.
type AWSConfig struct {
	Region           string
	EndpointOverride string
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Orders      string
	Counters    string
	Idempotency string
	Products    string
}

// getEnv retrieves the value of an environment variable or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cacheSize, err := strconv.Atoi(getEnv("CATALOG_CACHE_SIZE", "512"))
	if err != nil {
		return nil, fmt.Errorf("invalid CATALOG_CACHE_SIZE: %w", err)
	}

	loc, err := time.LoadLocation(getEnv("BAKERY_TIMEZONE", "America/Toronto"))
	if err != nil {
		return nil, fmt.Errorf("invalid BAKERY_TIMEZONE: %w", err)
	}

	dbTimeout, err := getDuration("DB_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}
	notifyTimeout, err := getDuration("NOTIFY_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	idemTTL, err := getDuration("IDEMPOTENCY_TTL", "48h")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getDuration("CATALOG_CACHE_TTL", "5m")
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:      port,
		RunLocal:  getEnv("RUN_LOCAL", "false") == "true",
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "us-east-1"),
			EndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		},
		Tables: TablesConfig{
			Orders:      getEnv("ORDERS_TABLE", "orders"),
			Counters:    getEnv("COUNTERS_TABLE", "counters"),
			Idempotency: getEnv("IDEMPOTENCY_TABLE", "idempotency"),
			Products:    getEnv("PRODUCTS_TABLE", "products"),
		},
		NotificationsQueueURL: getEnv("NOTIFICATIONS_QUEUE_URL", ""),
		MetricsNamespace:      getEnv("METRICS_NAMESPACE", ""),
		OrderNumberPrefix:     getEnv("ORDER_NUMBER_PREFIX", "LUM"),
		Location:              loc,
		DBTimeout:             dbTimeout,
		NotifyTimeout:         notifyTimeout,
		IdempotencyTTL:        idemTTL,
		CatalogCacheSize:      cacheSize,
		CatalogCacheTTL:       cacheTTL,
	}, nil
}
