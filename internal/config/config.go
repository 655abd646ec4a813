package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Import    ImportConfig    `yaml:"import" mapstructure:"import"`
	Geocode   GeocodeConfig   `yaml:"geocode" mapstructure:"geocode"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ImportConfig configures the batch import.
type ImportConfig struct {
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size"`
	CleanupEvery  int    `yaml:"cleanup_every" mapstructure:"cleanup_every"`
	ProgressEvery int    `yaml:"progress_every" mapstructure:"progress_every"`
	MemoryLimit   string `yaml:"memory_limit" mapstructure:"memory_limit"`
	ErrorLog      string `yaml:"error_log" mapstructure:"error_log"`
	ArrayField    string `yaml:"array_field" mapstructure:"array_field"`
}

// GeocodeConfig configures the address geocoding client.
type GeocodeConfig struct {
	BaseURL            string  `yaml:"base_url" mapstructure:"base_url"`
	BatchSize          int     `yaml:"batch_size" mapstructure:"batch_size"`
	RequestTimeoutSecs int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	WaitBudgetSecs     int     `yaml:"wait_budget_secs" mapstructure:"wait_budget_secs"`
	CacheTTLHours      int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	RateLimit          float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Cache              string  `yaml:"cache" mapstructure:"cache"`
	RedisAddr          string  `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB            int     `yaml:"redis_db" mapstructure:"redis_db"`
}

// ReconcileConfig configures coordinate reconciliation.
type ReconcileConfig struct {
	FetchBatchSize      int     `yaml:"fetch_batch_size" mapstructure:"fetch_batch_size"`
	Concurrency         int     `yaml:"concurrency" mapstructure:"concurrency"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	AlertDistanceKM     float64 `yaml:"alert_distance_km" mapstructure:"alert_distance_km"`
	SamePointKM         float64 `yaml:"same_point_km" mapstructure:"same_point_km"`
	LogPath             string  `yaml:"log_path" mapstructure:"log_path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ANNUAIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("import.batch_size", 100)
	v.SetDefault("import.cleanup_every", 10)
	v.SetDefault("import.progress_every", 1000)
	v.SetDefault("import.memory_limit", "")
	v.SetDefault("import.error_log", "import_errors.log")
	v.SetDefault("import.array_field", "service")
	v.SetDefault("geocode.base_url", "https://api-adresse.data.gouv.fr")
	v.SetDefault("geocode.batch_size", 10)
	v.SetDefault("geocode.request_timeout_secs", 10)
	v.SetDefault("geocode.wait_budget_secs", 60)
	v.SetDefault("geocode.cache_ttl_hours", 24)
	v.SetDefault("geocode.rate_limit", 40)
	v.SetDefault("geocode.cache", "memory")
	v.SetDefault("geocode.redis_addr", "")
	v.SetDefault("geocode.redis_db", 0)
	v.SetDefault("reconcile.fetch_batch_size", 500)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.confidence_threshold", 0.8)
	v.SetDefault("reconcile.alert_distance_km", 0.5)
	v.SetDefault("reconcile.same_point_km", 0.05)
	v.SetDefault("reconcile.log_path", "geocode_reconcile.log")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "import", "reconcile" and "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required for postgres")
	}

	switch mode {
	case "migrate":
	case "import":
		if c.Import.BatchSize < 1 {
			problems = append(problems, "import.batch_size must be >= 1")
		}
		if c.Import.CleanupEvery < 1 {
			problems = append(problems, "import.cleanup_every must be >= 1")
		}
		if c.Import.ArrayField == "" {
			problems = append(problems, "import.array_field is required")
		}
	case "reconcile":
		if c.Reconcile.Concurrency < 1 || c.Reconcile.Concurrency > 64 {
			problems = append(problems, "reconcile.concurrency must be between 1 and 64")
		}
		if c.Reconcile.ConfidenceThreshold < 0 || c.Reconcile.ConfidenceThreshold > 1 {
			problems = append(problems, "reconcile.confidence_threshold must be between 0 and 1")
		}
		if c.Reconcile.AlertDistanceKM <= c.Reconcile.SamePointKM {
			problems = append(problems, "reconcile.alert_distance_km must exceed reconcile.same_point_km")
		}
		switch c.Geocode.Cache {
		case "memory":
		case "redis":
			if c.Geocode.RedisAddr == "" {
				problems = append(problems, "geocode.redis_addr is required when geocode.cache is redis")
			}
		default:
			problems = append(problems, fmt.Sprintf("geocode.cache must be memory or redis, got %q", c.Geocode.Cache))
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
