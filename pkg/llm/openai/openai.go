// Package openai provides an OpenAI-compatible completion client.
//
// Example usage:
//
//	client, err := openai.NewClient(
//	    os.Getenv("OPENAI_API_KEY"),
//	    openai.WithModel("gpt-4o"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//
//	resp, err := client.Complete(ctx, &llm.Request{
//	    Messages: []llm.Message{llm.NewUserMessage("Hello!")},
//	})
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/openai/openai-go"
	"golang.org/x/time/rate"

	"github.com/entrhq/waypoint/pkg/llm"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured or requested.
	DefaultModel = "gpt-4o"

	// DefaultRequestsPerSecond paces outgoing completions so that bursty
	// extraction loops do not trip provider-side rate limits.
	DefaultRequestsPerSecond = 4
)

// Client implements llm.Client against OpenAI-compatible chat APIs.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	baseURL    string
	model      string
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithModel sets the default model for completions.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs
// (Azure OpenAI, local models, gateways).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRequestsPerSecond adjusts client-side request pacing. Values <= 0
// disable pacing.
func WithRequestsPerSecond(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// NewClient creates an OpenAI-compatible client.
//
// If apiKey is empty, it is read from the OPENAI_API_KEY environment
// variable. If no base URL is configured, OPENAI_BASE_URL is consulted
// before falling back to the public API.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	c := &Client{
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			c.baseURL = envBaseURL
		}
	}

	return c, nil
}

// Complete sends the request and returns the full response. Requests are
// paced by the client-side limiter before hitting the wire.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = c.model
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": convertMessages(req.Messages),
	}
	if req.JSONOnly {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBytes))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("API returned no choices")
	}

	return &llm.Response{
		Content: parsed.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// GetModel returns the default model name.
func (c *Client) GetModel() string { return c.model }

// GetBaseURL returns the base URL being used.
func (c *Client) GetBaseURL() string { return c.baseURL }

// convertMessages converts our Message format into chat API payloads.
// Text-only messages go through the openai-go param helpers; messages with
// inline images are encoded as multi-part content with data URLs, which the
// helpers do not cover for arbitrary OpenAI-compatible backends.
func convertMessages(messages []llm.Message) []interface{} {
	out := make([]interface{}, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Images) > 0 {
			out = append(out, imageMessage(msg))
			continue
		}

		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}

	return out
}

func imageMessage(msg llm.Message) map[string]interface{} {
	parts := make([]map[string]interface{}, 0, len(msg.Images)+1)
	if msg.Content != "" {
		parts = append(parts, map[string]interface{}{
			"type": "text",
			"text": msg.Content,
		})
	}
	for _, img := range msg.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, map[string]interface{}{
			"type": "image_url",
			"image_url": map[string]string{
				"url": fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(img.Data)),
			},
		})
	}
	return map[string]interface{}{
		"role":    "user",
		"content": parts,
	}
}
