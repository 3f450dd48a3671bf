package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
	gollmllm "github.com/teilomillet/gollm/llm"
)

// Client is the completion surface the loop and dispatcher depend on.
// A single blocking call; cancellation flows through ctx.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// generator is the slice of gollm.LLM the client uses.
type generator interface {
	Generate(ctx context.Context, prompt *gollm.Prompt, opts ...gollmllm.GenerateOption) (string, error)
	SetOption(key string, value interface{})
}

// GollmClient backs Client with a gollm.LLM instance.
type GollmClient struct {
	provider string
	model    string

	// gollm holds the model as shared mutable state, so switching models
	// (root loop vs sub-queries) must not interleave with a concurrent
	// Generate. Same-model calls share the read lock and run in parallel;
	// a swap takes the write lock for the SetOption and its Generate.
	mu     sync.RWMutex
	active string
	llm    generator
}

// Option configures a GollmClient.
type Option func(*clientConfig)

type clientConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key. When empty, gollm reads the provider's
// conventional environment variable.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(c *clientConfig) { c.model = model }
}

// WithMaxTokens sets the completion token ceiling.
func WithMaxTokens(n int) Option {
	return func(c *clientConfig) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *clientConfig) { c.temperature = t }
}

// WithGollmOptions appends raw gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) Option {
	return func(c *clientConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmClient creates a completion client for the given provider
// ("openai", "anthropic", ...).
func NewGollmClient(provider string, opts ...Option) (*GollmClient, error) {
	cfg := &clientConfig{
		maxTokens:   8192,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries are handled by Retry
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	inner, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{APIError{
			Message: fmt.Sprintf("create %s client", provider), Cause: err,
		}}
	}

	return &GollmClient{provider: provider, model: model, active: model, llm: inner}, nil
}

// Provider returns the provider identifier.
func (c *GollmClient) Provider() string { return c.provider }

// Model returns the configured model identifier.
func (c *GollmClient) Model() string { return c.model }

// Complete sends the request and blocks until a completion or error.
func (c *GollmClient) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := c.translateRequest(req)
	model := req.Model
	if model == "" {
		model = c.model
	}

	text, err := c.generate(ctx, prompt, model)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{APIError{Message: "completion aborted", Cause: ctx.Err()}}
		}
		return nil, classifyError(err)
	}

	return &Response{Segments: []string{text}, Model: model}, nil
}

// generate runs one completion on the requested model. The active model
// is rechecked under each lock so every Generate runs on exactly the
// model its request named, even under concurrent mixed-model calls.
func (c *GollmClient) generate(ctx context.Context, prompt *gollm.Prompt, model string) (string, error) {
	c.mu.RLock()
	if model == c.active {
		defer c.mu.RUnlock()
		return c.llm.Generate(ctx, prompt)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if model != c.active {
		c.llm.SetOption("model", model)
		c.active = model
	}
	return c.llm.Generate(ctx, prompt)
}

// translateRequest folds the message history into a gollm prompt. gollm
// takes a single prompt string, so prior turns are inlined with role
// markers the way multi-turn context is usually flattened for it.
func (c *GollmClient) translateRequest(req Request) *gollm.Prompt {
	var parts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
		case RoleSystem:
			parts = append(parts, "[System]: "+msg.Content)
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Begin."
	}

	var promptOpts []gollm.PromptOption
	if req.SystemPrompt != "" {
		promptOpts = append(promptOpts,
			gollm.WithSystemPrompt(strings.TrimSpace(req.SystemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// RetryingClient wraps a Client with the retry policy; retryable error
// classes are retried with backoff, everything else returns immediately.
type RetryingClient struct {
	inner  Client
	policy RetryPolicy
}

// NewRetryingClient wraps inner with policy.
func NewRetryingClient(inner Client, policy RetryPolicy) *RetryingClient {
	return &RetryingClient{inner: inner, policy: policy}
}

func (c *RetryingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	return Retry(ctx, c.policy, func(ctx context.Context) (*Response, error) {
		return c.inner.Complete(ctx, req)
	})
}
