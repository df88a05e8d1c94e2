package search

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/cost"
	"github.com/sells-group/lead-pipeline/internal/resilience"
	"github.com/sells-group/lead-pipeline/pkg/anthropic"
	"github.com/sells-group/lead-pipeline/pkg/perplexity"
)

// DefaultSystem is the system message sent when a call does not set one.
const DefaultSystem = "You are a helpful assistant that provides accurate, structured data."

// Tier selects which backing model serves a call.
type Tier string

const (
	// TierBasic is the web-grounded search model.
	TierBasic Tier = "basic"
	// TierPro is the reasoning model used for retries and enrichment.
	TierPro Tier = "pro"
)

// Request is one completion request sent to a Model.
type Request struct {
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
}

// Response is the text and token usage of one completion.
type Response struct {
	Text             string
	InputTokens      int
	OutputTokens     int
	CacheWriteTokens int
	CacheReadTokens  int
}

// Model is a single completion backend.
type Model interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	// Cost prices a response in USD.
	Cost(resp *Response) float64
}

// PerplexityModel adapts the Perplexity chat-completions client.
type PerplexityModel struct {
	client    perplexity.Client
	model     string
	topP      float64
	maxTokens int
	calc      *cost.Calculator
}

// NewPerplexityModel wraps client. topP and maxTokens are request defaults.
func NewPerplexityModel(client perplexity.Client, model string, topP float64, maxTokens int, calc *cost.Calculator) *PerplexityModel {
	return &PerplexityModel{client: client, model: model, topP: topP, maxTokens: maxTokens, calc: calc}
}

// Name implements Model.
func (m *PerplexityModel) Name() string { return m.model }

// Complete implements Model.
func (m *PerplexityModel) Complete(ctx context.Context, req Request) (*Response, error) {
	system := req.System
	if system == "" {
		system = DefaultSystem
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	creq := perplexity.ChatCompletionRequest{
		Model: m.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Temperature,
	}
	if m.topP > 0 {
		creq.TopP = &m.topP
	}
	if maxTokens > 0 {
		creq.MaxTokens = &maxTokens
	}

	resp, err := m.client.ChatCompletion(ctx, creq)
	if err != nil {
		var se *perplexity.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			return nil, resilience.NewTransientError(err, se.StatusCode)
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("perplexity: empty response")
	}
	return &Response{
		Text:         resp.Text(),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Cost implements Model.
func (m *PerplexityModel) Cost(resp *Response) float64 {
	if m.calc == nil || resp == nil {
		return 0
	}
	return m.calc.Perplexity(m.model, cost.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
}

// AnthropicModel adapts the Anthropic messages client. The system prompt is
// marked for prompt caching: retry passes, enrichment and tagging resend the
// same system prompt for every record.
type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int
	cacheTTL  string
	calc      *cost.Calculator
}

// NewAnthropicModel wraps client. cacheTTL is the prompt cache lifetime
// ("5m" or "1h"); empty uses the API default.
func NewAnthropicModel(client anthropic.Client, model string, maxTokens int, cacheTTL string, calc *cost.Calculator) *AnthropicModel {
	return &AnthropicModel{client: client, model: model, maxTokens: maxTokens, cacheTTL: cacheTTL, calc: calc}
}

// Name implements Model.
func (m *AnthropicModel) Name() string { return m.model }

// Complete implements Model.
func (m *AnthropicModel) Complete(ctx context.Context, req Request) (*Response, error) {
	system := req.System
	if system == "" {
		system = DefaultSystem
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	resp, err := m.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       m.model,
		MaxTokens:   int64(maxTokens),
		System:      []anthropic.SystemBlock{{Text: system, CacheControl: &anthropic.CacheControl{TTL: m.cacheTTL}}},
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) || code == 529 {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, err
	}
	return &Response{
		Text:             resp.Text(),
		InputTokens:      int(resp.Usage.InputTokens),
		OutputTokens:     int(resp.Usage.OutputTokens),
		CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
	}, nil
}

// Cost implements Model.
func (m *AnthropicModel) Cost(resp *Response) float64 {
	if m.calc == nil || resp == nil {
		return 0
	}
	return m.calc.Claude(m.model, cost.Usage{
		InputTokens:      resp.InputTokens,
		OutputTokens:     resp.OutputTokens,
		CacheWriteTokens: resp.CacheWriteTokens,
		CacheReadTokens:  resp.CacheReadTokens,
	})
}
