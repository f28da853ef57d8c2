// Package config loads the application configuration from an optional
// enrich.yaml plus ENRICH_-prefixed environment variables, and sets up
// the global logger.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lanterna-data/enrich-cli/internal/classify"
	"github.com/lanterna-data/enrich-cli/internal/govern"
	"github.com/lanterna-data/enrich-cli/internal/queue"
	"github.com/lanterna-data/enrich-cli/internal/store"
)

// Config holds the full application configuration. Engine sections embed
// the owning package's config type so the knobs and their defaults live
// next to the code they tune.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Queue     queue.Config    `yaml:"queue" mapstructure:"queue"`
	Govern    govern.Config   `yaml:"govern" mapstructure:"govern"`
	Classify  classify.Config `yaml:"classify" mapstructure:"classify"`
	Waterfall WaterfallConfig `yaml:"waterfall" mapstructure:"waterfall"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	VIES      VIESConfig      `yaml:"vies" mapstructure:"vies"`
	INIPEC    INIPECConfig    `yaml:"inipec" mapstructure:"inipec"`
	Oracle    OracleConfig    `yaml:"oracle" mapstructure:"oracle"`
	Browse    BrowseConfig    `yaml:"browse" mapstructure:"browse"`
	Load      LoadConfig      `yaml:"load" mapstructure:"load"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// WaterfallConfig points at an optional resolution plan file. When empty
// the built-in plan applies.
type WaterfallConfig struct {
	PlanFile string `yaml:"plan_file" mapstructure:"plan_file"`
}

// SearchConfig configures the web search provider. With a key the JSON
// search API is used; without one the HTML engine fallback.
type SearchConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RegistryConfig holds business-registry API settings.
type RegistryConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// VIESConfig configures the EU VAT validation client.
type VIESConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// INIPECConfig holds INI-PEC lookup settings.
type INIPECConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OracleConfig holds model-inference settings.
type OracleConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BrowseConfig configures the page fetcher strategies use to verify
// candidate websites.
type BrowseConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// LoadConfig configures input file loading.
type LoadConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("enrich")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets usually arrive through the environment. Unmarshal only sees
	// keys viper knows about, so bind the ones with no default explicitly.
	for _, key := range []string{
		"store.database_url",
		"search.key",
		"registry.key",
		"inipec.key",
		"oracle.key",
	} {
		v.BindEnv(key) //nolint:errcheck
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("browse.timeout_secs", 15)
	v.SetDefault("load.timeout_secs", 60)
	v.SetDefault("load.user_agent", "enrich-cli/1.0")
	v.SetDefault("oracle.model", "claude-haiku-4-5-20251001")
	v.SetDefault("oracle.max_tokens", 1024)

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

// Validate checks the configuration for one command mode and reports
// every problem found, not only the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	switch mode {
	case "schedule", "work", "status", "dlq", "result":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "run":
		// One-shot resolution keeps everything in memory.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Queue.Workers < 0 || c.Queue.Workers > 64 {
		problems = append(problems, "queue.workers must be between 1 and 64")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
