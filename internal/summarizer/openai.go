package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAI talks to any OpenAI-compatible chat completions endpoint.
type openAI struct {
	baseURL string
	apiKey  string
	model   string
	client  httpDoer
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newOpenAI(cfg Config, client httpDoer) *openAI {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &openAI{baseURL: base, apiKey: cfg.APIKey, model: cfg.Model, client: client}
}

func (p *openAI) Summarize(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    p.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("summarizer: openai marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("summarizer: openai request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: "openai", Message: err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: fmt.Sprintf("read body: %v", err)}
	}

	var decoded chatResponse
	decodeErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode != http.StatusOK {
		msg := providerMessage(raw, resp.StatusCode)
		if decodeErr == nil && decoded.Error != nil && decoded.Error.Message != "" {
			msg = decoded.Error.Message
		}
		return "", &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", decodeErr)}
	}
	if len(decoded.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: "response contained no choices"}
	}
	text := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: "openai", Status: resp.StatusCode, Message: "response contained empty text"}
	}
	return text, nil
}
