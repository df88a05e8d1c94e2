package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "leads.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sonar", cfg.Perplexity.Model)
	assert.Equal(t, "https://api.perplexity.ai", cfg.Perplexity.BaseURL)
	assert.Equal(t, "5m", cfg.Anthropic.PromptCacheTTL)
	assert.Equal(t, 500, cfg.Scheduler.MinSpacingMS)
	assert.Equal(t, 3, cfg.Search.MaxRetries)
	assert.Equal(t, 2000, cfg.Search.RetryDelayMS)
	assert.Equal(t, 32000, cfg.Search.MaxBackoffMS)
	assert.Equal(t, 60, cfg.Search.TimeoutSecs)
	assert.Equal(t, "store", cfg.Search.CacheBackend)
	assert.Equal(t, 2, cfg.Pipeline.MaxRetryPasses)
	assert.True(t, cfg.Pipeline.ExpandQueries)
	assert.Contains(t, cfg.Pricing.Perplexity, "sonar")

	website := cfg.Stage(model.StageWebsite)
	assert.Equal(t, 3, website.BatchSize)
	assert.Equal(t, 2*time.Second, website.BatchDelay())
	assert.Equal(t, 168*time.Hour, website.CacheTTL())
	assert.True(t, website.UseCache)

	contact := cfg.Stage(model.StageContact)
	assert.Equal(t, 2, contact.BatchSize)
	assert.Equal(t, 3*time.Second, contact.BatchDelay())

	discovery := cfg.Stage(model.StageDiscovery)
	assert.Equal(t, 5, discovery.MinCompanies)
	assert.Equal(t, 15, discovery.MaxCompanies)

	assert.False(t, cfg.Stage(model.StageContactRetry).UseCache)
	assert.Equal(t, model.MaxTags, cfg.Stage(model.StageTags).MaxTags)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/leads
log:
  level: debug
  format: console
server:
  port: 9090
stages:
  website:
    batch_size: 5
pipeline:
  max_retry_passes: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Pipeline.MaxRetryPasses)
	assert.Equal(t, 5, cfg.Stage(model.StageWebsite).BatchSize)
	// Defaults still apply for unset values
	assert.Equal(t, 2000, cfg.Stage(model.StageWebsite).BatchDelayMS)
	assert.Equal(t, 2, cfg.Stage(model.StageContact).BatchSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LEADS_STORE_DRIVER", "memory")
	t.Setenv("LEADS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEADS_PERPLEXITY_KEY=pplx-from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("LEADS_PERPLEXITY_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pplx-from-dotenv", cfg.Perplexity.Key)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("LEADS_SERVER_PORT", "3000")
	t.Setenv("LEADS_SEARCH_CACHE_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Search.CacheBackend)
}

func TestStage_FallsBackToDefaults(t *testing.T) {
	cfg := &Config{}
	sc := cfg.Stage(model.StageEnrichment)
	assert.Equal(t, 3, sc.BatchSize)
	assert.Equal(t, 720*time.Hour, sc.CacheTTL())

	cfg.Stages = map[string]StageConfig{
		"tags": {BatchSize: 0, MaxTags: 50},
	}
	sc = cfg.Stage(model.StageTags)
	assert.Equal(t, 3, sc.BatchSize)
	assert.Equal(t, model.MaxTags, sc.MaxTags)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "leads.db"
	cfg.Perplexity.Key = "pplx-key"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Search.CacheBackend = "store"
	cfg.Pipeline.MaxRetryPasses = 2
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("run"))
}

func TestValidateRun_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Perplexity.Key = ""
	cfg.Anthropic.Key = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "perplexity.key is required")
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateStore_IgnoresModelKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Perplexity.Key = ""
	cfg.Anthropic.Key = ""

	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateStore_MemoryNeedsNoURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "memory"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateStore_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mongo"

	err := cfg.Validate("store")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateRun_RedisRequiresURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Search.CacheBackend = "redis"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis.url is required")

	cfg.Redis.URL = "redis://localhost:6379/0"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_PromptCacheTTL(t *testing.T) {
	cfg := validDefaults()
	for _, ttl := range []string{"", "5m", "1h"} {
		cfg.Anthropic.PromptCacheTTL = ttl
		assert.NoError(t, cfg.Validate("run"), ttl)
	}

	cfg.Anthropic.PromptCacheTTL = "10m"
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.prompt_cache_ttl")
}

func TestValidateRun_NegativeRetryPasses(t *testing.T) {
	cfg := validDefaults()
	cfg.Pipeline.MaxRetryPasses = -1

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_retry_passes")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// run mode does not care about the port
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
