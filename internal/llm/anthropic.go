package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	anthropicAPIURL       = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel = "claude-sonnet-4-6"
	anthropicAPIVersion   = "2023-06-01"
	anthropicTimeout      = 5 * time.Minute
	anthropicMaxTokens    = 8192

	// drafts and reviews are always decoded as one JSON object
	jsonOnlySystem = "You draft and review grant proposal sections. Respond with a single JSON object and nothing else."
)

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey string
	apiURL string
	client *http.Client
}

// NewAnthropic reads ANTHROPIC_API_KEY and, optionally, ANTHROPIC_BASE_URL.
func NewAnthropic() (*AnthropicProvider, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
	}
	url := os.Getenv("ANTHROPIC_BASE_URL")
	if url == "" {
		url = anthropicAPIURL
	}
	return &AnthropicProvider{apiKey: key, apiURL: url, client: &http.Client{Timeout: anthropicTimeout}}, nil
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) Generate(ctx context.Context, prompt string, s Settings) (string, error) {
	msg := anthropicRequest{
		Model:       s.Model,
		MaxTokens:   s.MaxTokens,
		Temperature: &s.Temperature,
		System:      jsonOnlySystem,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	if msg.Model == "" {
		msg.Model = anthropicDefaultModel
	}
	if msg.MaxTokens <= 0 {
		msg.MaxTokens = anthropicMaxTokens
	}

	req, err := a.newRequest(ctx, msg)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Provider: a.Name(), Status: resp.StatusCode, Body: string(data)}
	}
	return decodeAnthropic(data, msg.MaxTokens)
}

func (a *AnthropicProvider) newRequest(ctx context.Context, msg anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.apiKey)
	req.Header.Set("Anthropic-Version", anthropicAPIVersion)
	return req, nil
}

// decodeAnthropic returns the first text block. A max_tokens stop is an
// error: a cut-off JSON object never decodes.
func decodeAnthropic(data []byte, maxTokens int) (string, error) {
	var out anthropicResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("anthropic: parse response: %w", err)
	}
	if out.StopReason == "max_tokens" {
		return "", fmt.Errorf("anthropic: response truncated at %d tokens", maxTokens)
	}
	for _, b := range out.Content {
		if b.Type == "text" {
			return b.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic: no text content in response")
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
