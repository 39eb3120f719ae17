// Package llm wraps chat-completion calls used for scoring with bounded
// retries and per-attempt timeouts.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
)

var ErrCallFailed = errors.New("llm call failed")
var ErrEmptyResponse = errors.New("llm returned no content")

const (
	DefaultMaxTokens      = 200
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 2
	DefaultInitialBackoff = time.Second
)

// Request is one scoring completion. Temperature zero is sent as the
// smallest positive value so the API does not substitute its default.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
}

// Completer returns the text of one chat completion.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CallResult describes one finished Complete call for metrics hooks.
type CallResult struct {
	Model    string
	Attempts int
	Duration time.Duration
	Err      error
}

type Config struct {
	BaseURL        string
	APIKey         string
	APIVersion     string
	Azure          bool
	DefaultModel   string
	MaxTokens      int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	// Transport overrides the HTTP transport, e.g. to add tracing.
	Transport http.RoundTripper
}

type Gateway struct {
	client         *openai.Client
	defaultModel   string
	maxTokens      int
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	logger         *slog.Logger
	observe        func(CallResult)
}

func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm api key is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var clientCfg openai.ClientConfig
	if cfg.Azure {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("llm endpoint is required for azure")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		// Deployment names are used verbatim.
		clientCfg.AzureModelMapperFunc = func(model string) string { return model }
	} else {
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
	}
	if cfg.Transport != nil {
		clientCfg.HTTPClient = &http.Client{Transport: cfg.Transport}
	}

	g := &Gateway{
		client:         openai.NewClientWithConfig(clientCfg),
		defaultModel:   cfg.DefaultModel,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		logger:         logger,
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	}
	if g.initialBackoff <= 0 {
		g.initialBackoff = DefaultInitialBackoff
	}
	return g, nil
}

// SetObserver installs a callback invoked once per Complete call.
func (g *Gateway) SetObserver(fn func(CallResult)) {
	if g == nil {
		return
	}
	g.observe = fn
}

// DefaultModel returns the deployment used when a request names none.
func (g *Gateway) DefaultModel() string {
	if g == nil {
		return ""
	}
	return g.defaultModel
}

// Complete sends req, retrying transient failures with doubling backoff.
// Exhausted retries return an error wrapping ErrCallFailed.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = g.defaultModel
	}
	if model == "" {
		return "", fmt.Errorf("%w: model is required", ErrCallFailed)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
		},
	}

	start := time.Now()
	attempts := 0
	var text string
	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := g.client.CreateChatCompletion(attemptCtx, chatReq)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return ErrEmptyResponse
		}
		text = resp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.initialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = g.initialBackoff << g.maxRetries
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		g.logger.Warn("llm call attempt failed",
			"model", model,
			"attempt", attempts,
			"retry_in", wait.String(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.maxRetries)), ctx), notify)
	result := CallResult{Model: model, Attempts: attempts, Duration: time.Since(start), Err: err}
	if g.observe != nil {
		g.observe(result)
	}
	if err != nil {
		return "", fmt.Errorf("%w: model %s after %d attempts: %w", ErrCallFailed, model, attempts, err)
	}
	return text, nil
}

// isRetryable treats client-side request errors as permanent and
// everything else, including rate limits, as transient.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return false
	}
	return true
}
