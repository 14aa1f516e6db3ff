package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"dispersal/pkg/conflict"
	"dispersal/pkg/migration"
)

// Config is the full runtime configuration. Fragment counts and severity
// thresholds are deliberately configuration rather than constants: how many
// jurisdictions are "enough" is an operator policy call.
type Config struct {
	CatalogPath string `json:"catalog_path" validate:"required"`

	// Placement policy. FragmentCount is the minimum number of fragments a
	// dataset must be split into for registration to be accepted.
	FragmentCount int  `json:"fragment_count" validate:"gte=1"`
	NoCoLocation  bool `json:"no_co_location"`

	// Threat response
	SeverityThreshold int `json:"severity_threshold" validate:"gte=0,lte=10"`
	HistoryWindow     int `json:"history_window" validate:"gte=0"`

	// Migration
	Retry           migration.RetryConfig `json:"retry"`
	MaxOutstanding  int64                 `json:"max_outstanding_moves" validate:"gte=1"`
	MigrateTimeout  time.Duration         `json:"-"`
	MigrateTimeoutS int                   `json:"migrate_timeout_seconds" validate:"gte=0"`

	// Scoring
	Weights conflict.Weights `json:"weights"`

	// Observability
	MetricsAddress string `json:"metrics_address"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		FragmentCount:     3,
		NoCoLocation:      true,
		SeverityThreshold: 5,
		HistoryWindow:     3,
		Retry:             migration.DefaultRetryConfig(),
		MaxOutstanding:    8,
		MigrateTimeoutS:   300,
		Weights:           conflict.DefaultWeights(),
		MetricsAddress:    ":9090",
	}
}

// Load reads a JSON config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.finish()
}

// LoadFromEnv builds a config from environment variables over the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.CatalogPath = getEnv("DISPERSAL_CATALOG_PATH", cfg.CatalogPath)
	cfg.MetricsAddress = getEnv("DISPERSAL_METRICS_ADDRESS", cfg.MetricsAddress)

	if v := os.Getenv("DISPERSAL_FRAGMENT_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPERSAL_FRAGMENT_COUNT: %w", err)
		}
		cfg.FragmentCount = n
	}
	if v := os.Getenv("DISPERSAL_SEVERITY_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPERSAL_SEVERITY_THRESHOLD: %w", err)
		}
		cfg.SeverityThreshold = n
	}

	return cfg, cfg.finish()
}

// finish derives computed fields and validates.
func (c *Config) finish() error {
	c.MigrateTimeout = time.Duration(c.MigrateTimeoutS) * time.Second

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
