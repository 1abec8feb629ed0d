// Package providers implements agent.Provider adapters for LLM services.
// Each adapter converts the session history and the context-filtered tool
// definitions into the vendor's API shape, performs one model turn with
// retries, and converts the reply back into ordered provider events.
package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/toolbridge/toolbridge/internal/agent"
)

// Config is the common provider configuration.
type Config struct {
	// APIKey authenticates against the vendor API (required).
	APIKey string

	// BaseURL overrides the vendor's default endpoint, for proxies and
	// compatible servers.
	BaseURL string

	// Model is the model id sent with every request.
	Model string

	// MaxTokens caps generation length. Defaults to 4096.
	MaxTokens int

	// MaxRetries bounds retry attempts for transient failures. Defaults to 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Actual delay doubles per
	// attempt. Defaults to 1s.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// New builds a provider by name. Supported names: "openai", "anthropic".
func New(name string, cfg Config) (agent.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// isRetryableError reports whether an API failure is worth another attempt:
// rate limits, 5xx responses, timeouts, and connection resets.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

// backoff returns the delay before the given retry attempt, doubling from
// the base each time: base, 2*base, 4*base, ...
func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
