// Package search sends prompts to the configured models through the shared
// request scheduler, with response caching, rate limiting and retries.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/internal/scheduler"
)

// ExhaustedError is returned when every attempt of a call failed, or when a
// failure was not worth retrying.
type ExhaustedError struct {
	Stage    model.Stage
	Attempts int
	Kind     resilience.FailureKind
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("search: %s failed after %d attempt(s) (%s): %v", e.Stage, e.Attempts, e.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Options describes one logical call.
type Options struct {
	Stage       model.Stage
	SessionID   string
	Tier        Tier
	UseCache    bool
	CacheTTL    time.Duration
	Temperature *float64
	MaxTokens   int
	System      string
}

// AuditLog receives one row per logical call.
type AuditLog interface {
	LogAPICall(ctx context.Context, c model.APICall) error
}

// Config tunes retries, timeouts and rate limits.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	RateLimitRPM   int
	JitterFraction float64
}

// Totals is the running usage of a Client.
type Totals struct {
	Calls        int     `json:"calls"`
	CachedCalls  int     `json:"cached_calls"`
	FailedCalls  int     `json:"failed_calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Client runs prompts against the basic and pro models.
type Client struct {
	sched   *scheduler.Scheduler
	models  map[Tier]Model
	cache   Cache
	audit   AuditLog
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	totals Totals
}

// New returns a Client. cache and audit may be nil.
func New(sched *scheduler.Scheduler, basic, pro Model, cache Cache, audit AuditLog, cfg Config) *Client {
	jitter := cfg.JitterFraction
	if jitter == 0 {
		jitter = 0.5
	}
	retry := resilience.FromRetryConfig(
		cfg.MaxRetries,
		int(cfg.RetryDelay/time.Millisecond),
		int(cfg.MaxBackoff/time.Millisecond),
		2.0,
		jitter,
	)
	retry.ShouldRetry = func(err error) bool { return resilience.Classify(err).Retryable() }

	limit := rate.Inf
	if cfg.RateLimitRPM > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimitRPM))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	models := map[Tier]Model{TierBasic: basic, TierPro: pro}
	if pro == nil {
		models[TierPro] = basic
	}
	return &Client{
		sched:   sched,
		models:  models,
		cache:   cache,
		audit:   audit,
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry,
		timeout: timeout,
		now:     time.Now,
	}
}

// Query sends prompt and returns the response text.
func (c *Client) Query(ctx context.Context, prompt string, opts Options) (string, error) {
	tier := opts.Tier
	if tier == "" {
		tier = TierBasic
	}
	m := c.models[tier]
	if m == nil {
		return "", eris.Errorf("search: no model for tier %q", tier)
	}
	log := zap.L().With(
		zap.String("stage", string(opts.Stage)),
		zap.String("model", m.Name()),
		zap.String("session_id", opts.SessionID),
	)

	key := CacheKey(opts.Stage, prompt)
	if opts.UseCache && c.cache != nil {
		entry, err := c.cache.Get(ctx, key)
		if err != nil {
			log.Warn("search: cache lookup failed", zap.Error(err))
		} else if entry != nil {
			log.Debug("search: cache hit")
			c.record(ctx, model.APICall{
				SessionID:    opts.SessionID,
				Stage:        opts.Stage,
				Model:        m.Name(),
				Status:       model.CallCached,
				InputTokens:  entry.InputTokens,
				OutputTokens: entry.OutputTokens,
			})
			return entry.Response, nil
		}
	}

	req := Request{System: opts.System, Prompt: prompt, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens}
	meta := scheduler.Metadata{Stage: string(opts.Stage), Model: m.Name(), SessionID: opts.SessionID}

	retry := c.retry
	retry.OnRetry = func(attempt int, err error) {
		log.Warn("search: retrying call",
			zap.Int("attempt", attempt),
			zap.String("kind", string(resilience.Classify(err))),
			zap.Error(err),
		)
	}

	attempts := 0
	start := c.now()
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "search: rate limiter")
		}
		return scheduler.Do(ctx, c.sched, meta, func(sctx context.Context) (*Response, error) {
			cctx, cancel := context.WithTimeout(sctx, c.timeout)
			defer cancel()
			return m.Complete(cctx, req)
		})
	})
	latency := c.now().Sub(start).Milliseconds()

	if err != nil {
		kind := resilience.Classify(err)
		log.Error("search: call failed", zap.Int("attempts", attempts), zap.String("kind", string(kind)), zap.Error(err))
		c.record(ctx, model.APICall{
			SessionID:  opts.SessionID,
			Stage:      opts.Stage,
			Model:      m.Name(),
			Status:     model.CallFailed,
			Attempts:   attempts,
			LatencyMS:  latency,
			HTTPStatus: statusOf(err),
			Error:      err.Error(),
		})
		return "", &ExhaustedError{Stage: opts.Stage, Attempts: attempts, Kind: kind, Err: err}
	}

	costUSD := m.Cost(resp)
	c.record(ctx, model.APICall{
		SessionID:    opts.SessionID,
		Stage:        opts.Stage,
		Model:        m.Name(),
		Status:       model.CallSucceeded,
		Attempts:     attempts,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      costUSD,
		LatencyMS:    latency,
		HTTPStatus:   200,
	})

	if opts.UseCache && opts.CacheTTL > 0 && c.cache != nil && resp.Text != "" {
		now := c.now()
		if err := c.cache.Set(ctx, model.CacheEntry{
			Key:          key,
			Stage:        opts.Stage,
			Response:     resp.Text,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CreatedAt:    now,
			ExpiresAt:    now.Add(opts.CacheTTL),
		}); err != nil {
			log.Warn("search: cache write failed", zap.Error(err))
		}
	}
	return resp.Text, nil
}

// Usage returns the totals since the client was created.
func (c *Client) Usage() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// QueueStatus reports the shared scheduler's queue.
func (c *Client) QueueStatus() scheduler.Status {
	return c.sched.Status()
}

func (c *Client) record(ctx context.Context, call model.APICall) {
	c.mu.Lock()
	c.totals.Calls++
	switch call.Status {
	case model.CallCached:
		c.totals.CachedCalls++
	case model.CallFailed:
		c.totals.FailedCalls++
	default:
		c.totals.InputTokens += call.InputTokens
		c.totals.OutputTokens += call.OutputTokens
		c.totals.CostUSD += call.CostUSD
	}
	c.mu.Unlock()

	if c.audit == nil {
		return
	}
	if err := c.audit.LogAPICall(ctx, call); err != nil {
		zap.L().Warn("search: audit write failed", zap.String("stage", string(call.Stage)), zap.Error(err))
	}
}

func statusOf(err error) int {
	var te *resilience.TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
