package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/mapgen/internal/cost"
	"github.com/sells-group/mapgen/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Provider   ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Promotion  PromotionConfig  `yaml:"promotion" mapstructure:"promotion"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig selects and configures the LLM provider backing the
// generator and validator.
type ProviderConfig struct {
	Name              string  `yaml:"name" mapstructure:"name"`
	AnthropicKey      string  `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	OpenAIKey         string  `yaml:"openai_key" mapstructure:"openai_key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	GeneratorModel    string  `yaml:"generator_model" mapstructure:"generator_model"`
	ValidatorModel    string  `yaml:"validator_model" mapstructure:"validator_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	MinConfidence     float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// APIKey returns the key of the selected provider.
func (p ProviderConfig) APIKey() string {
	if p.Name == "openai" {
		return p.OpenAIKey
	}
	return p.AnthropicKey
}

// GenerationConfig configures the retry controller and scheduler.
type GenerationConfig struct {
	MaxAttempts       int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MaxAttemptsLimit  int     `yaml:"max_attempts_limit" mapstructure:"max_attempts_limit"`
	DefaultK          int     `yaml:"default_k" mapstructure:"default_k"`
	MaxK              int     `yaml:"max_k" mapstructure:"max_k"`
	DefaultStrategy   string  `yaml:"default_strategy" mapstructure:"default_strategy"`
	CallTimeoutSecs   int     `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	JitterFraction    float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	ValidateAll       bool    `yaml:"validate_all" mapstructure:"validate_all"`
	Workers           int     `yaml:"workers" mapstructure:"workers"`
}

// CallTimeout returns the per-call collaborator timeout.
func (g GenerationConfig) CallTimeout() time.Duration {
	return time.Duration(g.CallTimeoutSecs) * time.Second
}

// Backoff returns the inter-attempt backoff policy.
func (g GenerationConfig) Backoff() resilience.BackoffConfig {
	return resilience.FromBackoffConfig(g.InitialBackoffMs, g.MaxBackoffMs, g.BackoffMultiplier, g.JitterFraction)
}

// CircuitConfig configures the per-collaborator circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PromotionConfig configures the promotion gate.
type PromotionConfig struct {
	MinSuccessFraction float64 `yaml:"min_success_fraction" mapstructure:"min_success_fraction"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port             int      `yaml:"port" mapstructure:"port"`
	CORSOrigins      []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	PollIntervalSecs int      `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	ShutdownSecs     int      `yaml:"shutdown_secs" mapstructure:"shutdown_secs"`
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
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MAPGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mapgen.db")
	v.SetDefault("provider.name", "anthropic")
	v.SetDefault("provider.anthropic_key", "")
	v.SetDefault("provider.openai_key", "")
	v.SetDefault("provider.max_tokens", 1024)
	v.SetDefault("provider.temperature", 0.7)
	v.SetDefault("provider.requests_per_second", 5)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.min_confidence", 0.5)
	v.SetDefault("generation.max_attempts", 3)
	v.SetDefault("generation.max_attempts_limit", 10)
	v.SetDefault("generation.default_k", 2)
	v.SetDefault("generation.max_k", 10)
	v.SetDefault("generation.default_strategy", "replacement")
	v.SetDefault("generation.call_timeout_secs", 60)
	v.SetDefault("generation.initial_backoff_ms", 500)
	v.SetDefault("generation.max_backoff_ms", 10000)
	v.SetDefault("generation.backoff_multiplier", 2.0)
	v.SetDefault("generation.jitter_fraction", 0.25)
	v.SetDefault("generation.validate_all", false)
	v.SetDefault("generation.workers", 8)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("promotion.min_success_fraction", 1.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.poll_interval_secs", 2)
	v.SetDefault("server.shutdown_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
	cfg.Pricing = mergeRates(cfg.Pricing, cost.DefaultRates())

	return &cfg, nil
}

// mergeRates fills models missing from the configured rates with defaults.
func mergeRates(configured, defaults cost.Rates) cost.Rates {
	fill := func(dst, src map[string]cost.ModelRate) map[string]cost.ModelRate {
		if dst == nil {
			dst = make(map[string]cost.ModelRate, len(src))
		}
		for model, rate := range src {
			if _, ok := dst[model]; !ok {
				dst[model] = rate
			}
		}
		return dst
	}
	configured.Anthropic = fill(configured.Anthropic, defaults.Anthropic)
	configured.OpenAI = fill(configured.OpenAI, defaults.OpenAI)
	return configured
}

// Validate checks that the fields a command needs are present. mode is one
// of "serve", "generate", "status", "migrate" or "watch".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "generate":
		if c.Provider.Name != "anthropic" && c.Provider.Name != "openai" {
			errs = append(errs, fmt.Sprintf("provider.name must be anthropic or openai, got %q", c.Provider.Name))
		} else if c.Provider.APIKey() == "" {
			errs = append(errs, fmt.Sprintf("provider.%s_key is required", c.Provider.Name))
		}
		errs = append(errs, c.validateGeneration()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateStore()...)
	case "status", "migrate":
		errs = append(errs, c.validateStore()...)
		if mode == "migrate" && c.Store.Driver == "memory" {
			errs = append(errs, "store.driver memory has nothing to migrate")
		}
	case "watch":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "memory":
		return nil
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
		return nil
	default:
		return []string{fmt.Sprintf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)}
	}
}

func (c *Config) validateGeneration() []string {
	var errs []string
	g := c.Generation
	if g.Workers < 1 || g.Workers > 256 {
		errs = append(errs, "generation.workers must be between 1 and 256")
	}
	if g.MaxAttempts < 1 {
		errs = append(errs, "generation.max_attempts must be >= 1")
	}
	if g.MaxAttemptsLimit > 0 && g.MaxAttempts > g.MaxAttemptsLimit {
		errs = append(errs, "generation.max_attempts must not exceed max_attempts_limit")
	}
	if g.DefaultK < 1 {
		errs = append(errs, "generation.default_k must be >= 1")
	}
	if g.MaxK > 0 && g.DefaultK > g.MaxK {
		errs = append(errs, "generation.default_k must not exceed max_k")
	}
	if g.CallTimeoutSecs <= 0 {
		errs = append(errs, "generation.call_timeout_secs must be > 0")
	}
	if c.Promotion.MinSuccessFraction < 0 || c.Promotion.MinSuccessFraction > 1 {
		errs = append(errs, "promotion.min_success_fraction must be between 0 and 1")
	}
	if c.Provider.MinConfidence < 0 || c.Provider.MinConfidence > 1 {
		errs = append(errs, "provider.min_confidence must be between 0 and 1")
	}
	return errs
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
