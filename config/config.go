package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	AuthorityRedis  = "redis"
	AuthorityMemory = "memory"

	RuleEarliestWins = "earliest_wins"
	RuleFirstArrival = "first_arrival"
)

type Config struct {
	// Server configuration
	Environment string
	GateID      string

	// Default device used when a scanner does not send its own id
	DefaultDeviceID string

	// Events this gate serves: followed on the change feed and primed at startup
	EventIDs []string

	// Local storage
	DataDir          string
	HistoryRetention time.Duration
	HistoryLimit     int

	// Remote authority
	AuthorityMode   string
	ArbitrationRule string
	RedisURL        string
	ScanResultTTL   time.Duration
	SeedFile        string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Scan configuration
	ScanTimeout        time.Duration
	BreakerMaxRequests uint32
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerFailRatio   float64

	// Sync configuration
	SyncBatchSize             int
	SyncInterval              time.Duration
	SyncMaxAttempts           int
	SyncInitialBackoff        time.Duration
	SyncMaxBackoff            time.Duration
	ConnectivityCheckInterval time.Duration

	// Override configuration
	OverrideTTL            time.Duration
	OverridePINHash        string
	OverrideMaxPINAttempts int
	OverrideLockout        time.Duration

	// Monitoring
	EnableMetrics bool
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Environment:     getEnv("ENVIRONMENT", "development"),
		GateID:          getEnv("GATE_ID", "gate-1"),
		DefaultDeviceID: getEnv("DEFAULT_DEVICE_ID", "scanner-1"),
		EventIDs:        getEnvAsList("GATE_EVENTS"),

		// Local storage
		DataDir:          getEnv("GATE_DATA_DIR", "./gate_data/local"),
		HistoryRetention: getEnvAsDuration("HISTORY_RETENTION", "72h"),
		HistoryLimit:     getEnvAsInt("HISTORY_LIMIT", 100),

		// Authority
		AuthorityMode:   getEnv("AUTHORITY_MODE", AuthorityRedis),
		ArbitrationRule: getEnv("ARBITRATION_RULE", RuleEarliestWins),
		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),
		ScanResultTTL:   getEnvAsDuration("SCAN_RESULT_TTL", "168h"),
		SeedFile:        getEnv("AUTHORITY_SEED_FILE", ""),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Scan
		ScanTimeout:        getEnvAsDuration("SCAN_TIMEOUT", "3s"),
		BreakerMaxRequests: uint32(getEnvAsInt("BREAKER_MAX_REQUESTS", 20)),
		BreakerInterval:    getEnvAsDuration("BREAKER_INTERVAL", "60s"),
		BreakerTimeout:     getEnvAsDuration("BREAKER_TIMEOUT", "15s"),
		BreakerFailRatio:   getEnvAsFloat("BREAKER_FAIL_RATIO", 0.6),

		// Sync
		SyncBatchSize:             getEnvAsInt("SYNC_BATCH_SIZE", 50),
		SyncInterval:              getEnvAsDuration("SYNC_INTERVAL", "30s"),
		SyncMaxAttempts:           getEnvAsInt("SYNC_MAX_ATTEMPTS", 8),
		SyncInitialBackoff:        getEnvAsDuration("SYNC_INITIAL_BACKOFF", "2s"),
		SyncMaxBackoff:            getEnvAsDuration("SYNC_MAX_BACKOFF", "5m"),
		ConnectivityCheckInterval: getEnvAsDuration("CONNECTIVITY_CHECK_INTERVAL", "5s"),

		// Override
		OverrideTTL:            getEnvAsDuration("OVERRIDE_TTL", "10m"),
		OverridePINHash:        getEnv("OVERRIDE_PIN_HASH", ""),
		OverrideMaxPINAttempts: getEnvAsInt("OVERRIDE_MAX_PIN_ATTEMPTS", 5),
		OverrideLockout:        getEnvAsDuration("OVERRIDE_LOCKOUT", "15m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

// Validate rejects settings the gate agent cannot run with.
func (c *Config) Validate() error {
	switch c.AuthorityMode {
	case AuthorityRedis, AuthorityMemory:
	default:
		return fmt.Errorf("config: unknown AUTHORITY_MODE %q", c.AuthorityMode)
	}

	switch c.ArbitrationRule {
	case RuleEarliestWins, RuleFirstArrival:
	default:
		return fmt.Errorf("config: unknown ARBITRATION_RULE %q", c.ArbitrationRule)
	}

	if c.ScanTimeout <= 0 {
		return fmt.Errorf("config: SCAN_TIMEOUT must be positive")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("config: SYNC_BATCH_SIZE must be positive")
	}
	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("config: SYNC_MAX_ATTEMPTS must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var items []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
