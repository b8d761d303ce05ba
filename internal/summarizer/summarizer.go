// Package summarizer adapts LLM providers to the single capability the digest
// coordinator needs: turn a prompt into summary text.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// Summarizer produces summary text for a prompt. Failures should be
// *ProviderError when the provider answered with a status.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Func adapts an ordinary function to Summarizer.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Summarize(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// ProviderError carries the provider's HTTP status and message. Status is
// zero when no response was received.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("summarizer: %s returned %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("summarizer: %s: %s", e.Provider, e.Message)
}

// httpDoer represents the minimal client contract used by provider adapters.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
	// Client overrides the HTTP client, primarily for tests.
	Client httpDoer
}

// New builds the provider named by cfg.Provider.
func New(cfg Config) (Summarizer, error) {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("summarizer: model required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		return newOpenAI(cfg, client), nil
	case "gemini":
		return newGemini(cfg, client), nil
	default:
		return nil, fmt.Errorf("summarizer: unsupported provider %q", cfg.Provider)
	}
}

// providerMessage extracts a human-readable message from a provider error body,
// falling back to the raw text.
func providerMessage(body []byte, status int) string {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}
	const maxLen = 512
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
