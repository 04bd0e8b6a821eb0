package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultOpenAIBaseURL is the hosted chat-completions endpoint.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	defaultTimeout = 120 * time.Second
)

// OpenAIConfig configures the chat-completions backend.
type OpenAIConfig struct {
	// BaseURL of an OpenAI-compatible API. Defaults to the hosted endpoint.
	BaseURL string
	// APIKey is the fallback credential when a request carries none.
	APIKey string
	// StructuredOutputs requests json_schema response formats instead of
	// plain JSON mode when the caller supplies a schema.
	StructuredOutputs bool
	Timeout           time.Duration
}

// OpenAIClient is a Completer backed by an OpenAI-style chat-completions
// API. JSON output is enforced through the response_format field.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	structured bool
	httpClient *http.Client
}

// NewOpenAIClient creates the chat-completions backend.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		structured: cfg.StructuredOutputs,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []chatMessage         `json:"messages"`
	Temperature    float64               `json:"temperature"`
	Stream         bool                  `json:"stream"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete issues one chat-completions call. Deterministic settings: the
// temperature is pinned to zero and streaming is off.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	key := req.APIKey
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return nil, &TransportError{Backend: "openai", Message: "no API key configured or supplied"}
	}

	payload := openAIRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature:    0,
		Stream:         false,
		ResponseFormat: c.responseFormat(req.Format),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Backend: "openai", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Backend: "openai", Message: "failed to read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Backend: "openai", Status: resp.StatusCode, Message: parseOpenAIError(data)}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &TransportError{Backend: "openai", Message: "failed to decode response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &TransportError{Backend: "openai", Message: "response contained no choices"}
	}

	return &Completion{
		Text: parsed.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (c *OpenAIClient) responseFormat(f Format) *openAIResponseFormat {
	if c.structured && f.Schema != nil {
		return &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   f.Name,
				Strict: true,
				Schema: f.Schema,
			},
		}
	}
	return &openAIResponseFormat{Type: "json_object"}
}

func parseOpenAIError(data []byte) string {
	var parsed openAIErrorResponse
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fmt.Sprintf("%.200s", string(data))
}
