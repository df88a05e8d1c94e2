package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate      `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity map[string]PerplexityRate `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PerplexityRate holds Perplexity pricing: tokens per million plus a flat
// request fee.
type PerplexityRate struct {
	Input      float64 `yaml:"input" mapstructure:"input"`
	Output     float64 `yaml:"output" mapstructure:"output"`
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// Usage is the token count of one call.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheWriteTokens int
	CacheReadTokens  int
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, u Usage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Perplexity computes the cost for a Perplexity chat completion.
func (c *Calculator) Perplexity(model string, u Usage) float64 {
	rate, ok := c.rates.Perplexity[model]
	if !ok {
		return 0
	}
	return rate.PerRequest +
		(float64(u.InputTokens)/1e6)*rate.Input +
		(float64(u.OutputTokens)/1e6)*rate.Output
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Perplexity: map[string]PerplexityRate{
			"sonar":     {Input: 1.00, Output: 1.00, PerRequest: 0.005},
			"sonar-pro": {Input: 3.00, Output: 15.00, PerRequest: 0.006},
		},
	}
}
