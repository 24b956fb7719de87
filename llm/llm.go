// Package llm wraps the Anthropic API behind a single completion surface
// with token-usage capture, a fixed per-model price table, and transient
// retry. The review pipeline never touches the SDK directly, so tests can
// substitute a fake completer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/pullsentry/pullsentry/faults"
)

const (
	// CallTimeout is the maximum time to wait for one model response.
	CallTimeout = 3 * time.Minute

	maxRetries = 3

	defaultMaxTokens = 4096
)

// Usage is the token accounting of one model call.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
}

// Result is the outcome of one completion: response text, usage, and the
// computed cost in currency units.
type Result struct {
	Text  string
	Usage Usage
	Cost  float64
}

// Completer is the model-call surface the pipeline depends on.
type Completer interface {
	Complete(ctx context.Context, model, system, prompt string) (*Result, error)
}

// pricing is currency units per million tokens, by model prefix. The table
// is deliberately coarse: the cost ceiling is a budget guard, not a bill.
var pricing = []struct {
	prefix         string
	inPerM, outPerM float64
}{
	{"claude-opus", 15.0, 75.0},
	{"claude-sonnet", 3.0, 15.0},
	{"claude-haiku", 0.80, 4.0},
}

// CostOf converts token usage into currency units for a model. Unknown
// models price at the most expensive tier, keeping the ceiling conservative.
func CostOf(model string, u Usage) float64 {
	inPerM, outPerM := pricing[0].inPerM, pricing[0].outPerM
	for _, p := range pricing {
		if strings.HasPrefix(model, p.prefix) {
			inPerM, outPerM = p.inPerM, p.outPerM
			break
		}
	}
	in := float64(u.InputTokens+u.CacheReadInputTokens+u.CacheCreationInputTokens) / 1e6 * inPerM
	out := float64(u.OutputTokens) / 1e6 * outPerM
	return in + out
}

// Client is the Anthropic-backed Completer.
type Client struct {
	api    *anthropic.Client
	logger *slog.Logger
}

// NewClient creates a completer using the given API key.
func NewClient(apiKey string, logger *slog.Logger) *Client {
	return &Client{
		api:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// retryable reports whether a model-call error is worth another attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		errors.Is(err, context.DeadlineExceeded)
}

// Complete sends one prompt to the model and returns the text, usage, and
// cost. Transient failures retry with jittered exponential backoff.
func (c *Client) Complete(ctx context.Context, model, system, prompt string) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(model)),
		MaxTokens: anthropic.F(int64(defaultMaxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(system)})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), callCtx)
	var message *anthropic.Message
	err := backoff.Retry(func() error {
		var callErr error
		message, callErr = c.api.Messages.New(callCtx, params)
		if callErr == nil {
			return nil
		}
		if retryable(callErr) {
			c.logger.Warn("retrying model call after transient error", "model", model, "error", callErr)
			return callErr
		}
		return backoff.Permanent(callErr)
	}, policy)
	if err != nil {
		if retryable(err) {
			return nil, faults.Wrap(faults.KindTransient, "model call failed", err)
		}
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	usage := Usage{
		InputTokens:              message.Usage.InputTokens,
		OutputTokens:             message.Usage.OutputTokens,
		CacheReadInputTokens:     message.Usage.CacheReadInputTokens,
		CacheCreationInputTokens: message.Usage.CacheCreationInputTokens,
	}

	for _, block := range message.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			return &Result{Text: block.Text, Usage: usage, Cost: CostOf(model, usage)}, nil
		}
	}
	return nil, fmt.Errorf("no text content in model response")
}

// ValidateAPIKey verifies the provider credential with a minimal call before
// the worker starts consuming tasks.
func ValidateAPIKey(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("API key is empty")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.ModelClaude3_5HaikuLatest),
		MaxTokens: anthropic.F(int64(1)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("hi")),
		}),
	})
	if err != nil {
		return fmt.Errorf("API key validation failed: %w", err)
	}
	return nil
}
