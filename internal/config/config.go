// Package config loads and validates the pipeline configuration. The config
// is read once at startup, validated, and passed by value into component
// constructors; nothing mutates it mid-run.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/deepscout/deepscout/internal/research"
)

// ExecutorConfig bounds concurrent work within one stage.
type ExecutorConfig struct {
	Workers     int           `mapstructure:"workers"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	UnitTimeout time.Duration `mapstructure:"unit_timeout"`
}

// GatewayConfig tunes the tool gateway's protective layers.
type GatewayConfig struct {
	DefaultRPS       float64       `mapstructure:"default_rps"`
	DefaultBurst     int           `mapstructure:"default_burst"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	LimitsFile       string        `mapstructure:"limits_file"`
}

// StoreConfig tunes claim deduplication and confidence scoring.
type StoreConfig struct {
	// FuzzyThreshold is the minimum Levenshtein similarity ratio (0-1) on
	// normalized text for two claims to merge. 1.0 disables fuzzy matching.
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
	// ContradictionMargin is how many times supporting evidence must
	// outnumber contradicting evidence to escape the contradicted class.
	ContradictionMargin float64 `mapstructure:"contradiction_margin"`
}

// KnowledgeConfig configures the optional cross-run knowledge cache.
type KnowledgeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	MaxNeighbors  int           `mapstructure:"max_neighbors"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// ServerConfig configures the HTTP boundary and metrics endpoint.
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	DBPath      string `mapstructure:"db_path"`
}

// Config is the root configuration object.
type Config struct {
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Store     StoreConfig     `mapstructure:"store"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Server    ServerConfig    `mapstructure:"server"`
	// StageViability maps each stage to the minimum fraction of work units
	// that must succeed for the stage to continue as degraded.
	StageViability map[string]float64 `mapstructure:"stage_viability"`
	LogLevel       string             `mapstructure:"log_level"`
	EventBuffer    int                `mapstructure:"event_buffer"`
}

// Default returns the baseline configuration before file/env overrides.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			Workers:     4,
			MaxRetries:  3,
			BaseBackoff: 250 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			UnitTimeout: 45 * time.Second,
		},
		Gateway: GatewayConfig{
			DefaultRPS:       2,
			DefaultBurst:     4,
			CallTimeout:      30 * time.Second,
			CacheTTL:         10 * time.Minute,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Store: StoreConfig{
			FuzzyThreshold:      0.90,
			ContradictionMargin: 2.0,
		},
		Knowledge: KnowledgeConfig{
			RedisAddr:     "localhost:6379",
			LookupTimeout: 500 * time.Millisecond,
			MaxNeighbors:  3,
			TTL:           7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
			DBPath:      "deepscout.db",
		},
		StageViability: map[string]float64{
			string(research.StageDiscovery):    0.5,
			string(research.StageMining):       0.5,
			string(research.StageVerification): 0.6,
			string(research.StageComposition):  1.0,
		},
		LogLevel:    "info",
		EventBuffer: 256,
	}
}

// Load reads config from path (or DEEPSCOUT_CONFIG, or defaults when absent)
// merged over Default, with DEEPSCOUT_* env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("DEEPSCOUT")
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("DEEPSCOUT_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run under.
func (c Config) Validate() error {
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be positive, got %d", c.Executor.Workers)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must be non-negative, got %d", c.Executor.MaxRetries)
	}
	if c.Store.FuzzyThreshold < 0 || c.Store.FuzzyThreshold > 1 {
		return fmt.Errorf("store.fuzzy_threshold must be in [0,1], got %f", c.Store.FuzzyThreshold)
	}
	if c.Store.ContradictionMargin < 1 {
		return fmt.Errorf("store.contradiction_margin must be >= 1, got %f", c.Store.ContradictionMargin)
	}
	for stage, frac := range c.StageViability {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("stage_viability[%s] must be in [0,1], got %f", stage, frac)
		}
	}
	return nil
}

// Viability returns the minimum viable success fraction for a stage,
// defaulting to 0.5 when unset.
func (c Config) Viability(stage research.Stage) float64 {
	if frac, ok := c.StageViability[string(stage)]; ok {
		return frac
	}
	return 0.5
}
