// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
//
// Values are read from environment variables (optionally via a .env file).
// The settings database can override tunable limits at runtime; env values
// act as the bootstrap defaults.
type Config struct {
	DataDir string // Base directory for all databases (always absolute)
	Port    int
	DevMode bool

	// OwnerID identifies the single principal allowed to mutate state.
	// When empty, dry-run is forced true regardless of any request flag.
	OwnerID string

	ExchangeAPIKey    string
	ExchangeAPISecret string

	DryRunDefault bool
	LightMode     bool // Disables background schedulers (API-only process)

	SnapshotIntervalMinutes int
	MFAThresholdUSD         float64
	MinTradeUSD             float64
	DailyLossLimitUSD       float64
	OptimizerWindowDays     int
	AutoExecuteProfitTaking bool

	// CORSOrigins lists allowed origins, exact ("https://app.example.com")
	// or wildcard-subdomain ("*.example.com") forms.
	CORSOrigins []string

	LogLevel string

	Backup *BackupConfig
}

// BackupConfig holds optional offsite backup configuration (S3-compatible).
// When Bucket is empty the backup integration is disabled.
type BackupConfig struct {
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables.
// A missing owner id is not fatal (the system degrades to dry-run only);
// an unusable data directory is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("VIGIL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:                 absDataDir,
		Port:                    getEnvAsInt("VIGIL_PORT", 8090),
		DevMode:                 getEnvAsBool("DEV_MODE", false),
		OwnerID:                 getEnv("VIGIL_OWNER_ID", ""),
		ExchangeAPIKey:          getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret:       getEnv("EXCHANGE_API_SECRET", ""),
		DryRunDefault:           getEnvAsBool("DRY_RUN_DEFAULT", true),
		LightMode:               getEnvAsBool("LIGHT_MODE", false),
		SnapshotIntervalMinutes: getEnvAsInt("SNAPSHOT_INTERVAL_MINUTES", 5),
		MFAThresholdUSD:         getEnvAsFloat("MFA_THRESHOLD_USD", 10000),
		MinTradeUSD:             getEnvAsFloat("MIN_TRADE_USD", 10),
		DailyLossLimitUSD:       getEnvAsFloat("DAILY_LOSS_LIMIT_USD", 500),
		OptimizerWindowDays:     getEnvAsInt("OPTIMIZER_WINDOW_DAYS", 90),
		AutoExecuteProfitTaking: getEnvAsBool("AUTO_EXECUTE_PROFIT_TAKING", false),
		CORSOrigins:             splitList(getEnv("CORS_ORIGINS", "")),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		Backup:                  loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SnapshotIntervalMinutes <= 0 {
		return fmt.Errorf("snapshot interval must be positive, got %d", c.SnapshotIntervalMinutes)
	}
	if c.MinTradeUSD < 0 {
		return fmt.Errorf("minimum trade size must not be negative")
	}
	if c.DailyLossLimitUSD < 0 {
		return fmt.Errorf("daily loss limit must not be negative")
	}
	if c.OptimizerWindowDays <= 0 {
		return fmt.Errorf("optimizer window must be positive, got %d", c.OptimizerWindowDays)
	}

	// Exchange credentials are optional: without them the system runs against
	// the paper client and dry-run stays forced.
	return nil
}

// LiveTradingConfigured reports whether the process has everything it needs
// to submit real orders: owner identity plus exchange credentials.
func (c *Config) LiveTradingConfigured() bool {
	return c.OwnerID != "" && c.ExchangeAPIKey != "" && c.ExchangeAPISecret != ""
}

// BackupEnabled reports whether the offsite backup integration is configured.
func (c *Config) BackupEnabled() bool {
	return c.Backup != nil && c.Backup.Bucket != ""
}

// loadBackupConfig loads optional S3-compatible backup configuration.
func loadBackupConfig() *BackupConfig {
	bucket := getEnv("BACKUP_S3_BUCKET", "")
	if bucket == "" {
		return nil
	}
	return &BackupConfig{
		Bucket:    bucket,
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
