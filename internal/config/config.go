package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-pipeline/internal/cost"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig            `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig            `yaml:"redis" mapstructure:"redis"`
	Perplexity PerplexityConfig       `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig        `yaml:"anthropic" mapstructure:"anthropic"`
	Scheduler  SchedulerConfig        `yaml:"scheduler" mapstructure:"scheduler"`
	Search     SearchConfig           `yaml:"search" mapstructure:"search"`
	Stages     map[string]StageConfig `yaml:"stages" mapstructure:"stages"`
	Pipeline   PipelineConfig         `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    cost.Rates             `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig           `yaml:"server" mapstructure:"server"`
	Log        LogConfig              `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the optional Redis response cache.
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// PerplexityConfig holds Perplexity API settings. Perplexity serves the
// basic search model.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings. Claude serves the pro
// reasoning model used by retries, enrichment and tagging.
type AnthropicConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	Model          string `yaml:"model" mapstructure:"model"`
	MaxTokens      int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	PromptCacheTTL string `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
}

// SchedulerConfig configures the process-wide call queue.
type SchedulerConfig struct {
	MinSpacingMS int `yaml:"min_spacing_ms" mapstructure:"min_spacing_ms"`
}

// SearchConfig configures retry, timeout and rate limits for model calls.
type SearchConfig struct {
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMS int     `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	MaxBackoffMS int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPM int     `yaml:"rate_limit_rpm" mapstructure:"rate_limit_rpm"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
	TopP         float64 `yaml:"top_p" mapstructure:"top_p"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	CacheBackend string  `yaml:"cache_backend" mapstructure:"cache_backend"`
}

// StageConfig holds per-stage batching and caching settings.
type StageConfig struct {
	BatchSize     int  `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMS  int  `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	CacheTTLHours int  `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	UseCache      bool `yaml:"use_cache" mapstructure:"use_cache"`
	MinCompanies  int  `yaml:"min_companies" mapstructure:"min_companies"`
	MaxCompanies  int  `yaml:"max_companies" mapstructure:"max_companies"`
	MaxTags       int  `yaml:"max_tags" mapstructure:"max_tags"`
}

// BatchDelay returns the pause between batches.
func (s StageConfig) BatchDelay() time.Duration {
	return time.Duration(s.BatchDelayMS) * time.Millisecond
}

// CacheTTL returns how long responses for the stage may be cached.
func (s StageConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLHours) * time.Hour
}

// PipelineConfig configures stage orchestration.
type PipelineConfig struct {
	MaxRetryPasses int  `yaml:"max_retry_passes" mapstructure:"max_retry_passes"`
	ExpandQueries  bool `yaml:"expand_queries" mapstructure:"expand_queries"`
	MaxQueries     int  `yaml:"max_queries" mapstructure:"max_queries"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// stageDefaults are applied under stages.<name>.
var stageDefaults = map[model.Stage]StageConfig{
	model.StageQueryExpansion: {BatchSize: 1, CacheTTLHours: 24, UseCache: true},
	model.StageDiscovery:      {BatchSize: 1, BatchDelayMS: 1000, CacheTTLHours: 24, UseCache: true, MinCompanies: 5, MaxCompanies: 15},
	model.StageWebsite:        {BatchSize: 3, BatchDelayMS: 2000, CacheTTLHours: 24 * 7, UseCache: true},
	model.StageWebsiteRetry:   {BatchSize: 2, BatchDelayMS: 2000},
	model.StageContact:        {BatchSize: 2, BatchDelayMS: 3000, CacheTTLHours: 24 * 7, UseCache: true},
	model.StageContactRetry:   {BatchSize: 2, BatchDelayMS: 3000},
	model.StageEnrichment:     {BatchSize: 3, BatchDelayMS: 1000, CacheTTLHours: 24 * 30, UseCache: true},
	model.StageTags:           {BatchSize: 3, BatchDelayMS: 1000, CacheTTLHours: 24 * 30, UseCache: true, MaxTags: model.MaxTags},
	model.StageFinalize:       {BatchSize: 10},
}

// Stage returns the settings for one stage, falling back to built-in
// defaults for unset values.
func (c *Config) Stage(stage model.Stage) StageConfig {
	def := stageDefaults[stage]
	sc, ok := c.Stages[string(stage)]
	if !ok {
		return def
	}
	if sc.BatchSize <= 0 {
		sc.BatchSize = max(def.BatchSize, 1)
	}
	if sc.MaxTags <= 0 || sc.MaxTags > model.MaxTags {
		sc.MaxTags = model.MaxTags
	}
	if sc.MinCompanies <= 0 {
		sc.MinCompanies = def.MinCompanies
	}
	if sc.MaxCompanies < sc.MinCompanies {
		sc.MaxCompanies = max(def.MaxCompanies, sc.MinCompanies)
	}
	return sc
}

var storeDrivers = []string{"sqlite", "postgres", "memory"}

// Validate checks the settings a command mode depends on. Modes are
// "store" (database only), "run" (store plus model credentials) and
// "serve" (run plus the HTTP listener). All problems are reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store", "run", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if !slices.Contains(storeDrivers, c.Store.Driver) {
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of %s", c.Store.Driver, strings.Join(storeDrivers, ", ")))
	}
	if c.Store.Driver != "memory" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if mode == "run" || mode == "serve" {
		if c.Perplexity.Key == "" {
			errs = append(errs, "perplexity.key is required")
		}
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if ttl := c.Anthropic.PromptCacheTTL; ttl != "" && ttl != "5m" && ttl != "1h" {
			errs = append(errs, fmt.Sprintf("anthropic.prompt_cache_ttl %q must be 5m or 1h", ttl))
		}
		if c.Search.CacheBackend != "store" && c.Search.CacheBackend != "redis" {
			errs = append(errs, fmt.Sprintf("search.cache_backend %q must be store or redis", c.Search.CacheBackend))
		}
		if c.Search.CacheBackend == "redis" && c.Redis.URL == "" {
			errs = append(errs, "redis.url is required for the redis cache backend")
		}
		if c.Search.MaxRetries < 0 {
			errs = append(errs, "search.max_retries must be >= 0")
		}
		if c.Pipeline.MaxRetryPasses < 0 {
			errs = append(errs, "pipeline.max_retry_passes must be >= 0")
		}
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "leads.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("redis.key_prefix", "leads:cache:")
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.prompt_cache_ttl", "5m")
	v.SetDefault("scheduler.min_spacing_ms", 500)
	v.SetDefault("search.max_retries", 3)
	v.SetDefault("search.retry_delay_ms", 2000)
	v.SetDefault("search.max_backoff_ms", 32000)
	v.SetDefault("search.timeout_secs", 60)
	v.SetDefault("search.rate_limit_rpm", 60)
	v.SetDefault("search.temperature", 0.2)
	v.SetDefault("search.top_p", 0.9)
	v.SetDefault("search.max_tokens", 2000)
	v.SetDefault("search.cache_backend", "store")
	for stage, sc := range stageDefaults {
		prefix := "stages." + string(stage) + "."
		v.SetDefault(prefix+"batch_size", sc.BatchSize)
		v.SetDefault(prefix+"batch_delay_ms", sc.BatchDelayMS)
		v.SetDefault(prefix+"cache_ttl_hours", sc.CacheTTLHours)
		v.SetDefault(prefix+"use_cache", sc.UseCache)
		v.SetDefault(prefix+"min_companies", sc.MinCompanies)
		v.SetDefault(prefix+"max_companies", sc.MaxCompanies)
		v.SetDefault(prefix+"max_tags", sc.MaxTags)
	}
	v.SetDefault("pipeline.max_retry_passes", 2)
	v.SetDefault("pipeline.expand_queries", true)
	v.SetDefault("pipeline.max_queries", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
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
	if len(cfg.Pricing.Anthropic) == 0 && len(cfg.Pricing.Perplexity) == 0 {
		cfg.Pricing = cost.DefaultRates()
	}

	return &cfg, nil
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
