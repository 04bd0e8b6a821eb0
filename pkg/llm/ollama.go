package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultOllamaBaseURL is the local Ollama server address.
	DefaultOllamaBaseURL = "http://localhost:11434"
	// DefaultOllamaModel is used when no mapping matches the requested model.
	DefaultOllamaModel = "llama3.2:latest"
)

// DefaultModelMapping coerces cloud model names to local equivalents so
// clients written against the hosted API keep working unchanged.
func DefaultModelMapping() map[string]string {
	return map[string]string{
		"gpt-4o-mini":         "llama3.2:latest",
		"gpt-4-turbo-preview": "llama3.2:latest",
		"gpt-4o":              "llama3.2:latest",
		"gpt-3.5-turbo":       "llama3.2:latest",
	}
}

// OllamaConfig configures the local backend.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	// ModelMapping coerces requested model names to local ones. Names
	// absent from the mapping resolve to DefaultModel.
	ModelMapping map[string]string
	Timeout      time.Duration
}

// OllamaClient is a Completer backed by a local Ollama server. Ollama has
// no JSON response mode, so the per-stage Format prompts are applied:
// the system prompt is swapped for a JSON-generator instruction and the
// literal-JSON block is appended to the user prompt. Thinking is disabled
// on every call.
type OllamaClient struct {
	baseURL      string
	defaultModel string
	mapping      map[string]string
	httpClient   *http.Client
	estimator    *TokenEstimator
	logger       *slog.Logger
}

// NewOllamaClient creates the local backend.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultOllamaModel
	}
	if cfg.ModelMapping == nil {
		cfg.ModelMapping = DefaultModelMapping()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OllamaClient{
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		mapping:      cfg.ModelMapping,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		estimator:    NewTokenEstimator(),
		logger:       slog.With("component", "ollama"),
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Think    bool          `json:"think"`
	Options  ollamaOptions `json:"options"`
}

type ollamaResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

// Complete issues one /api/chat call against the local server.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	model := c.resolveModel(req.Model)

	system := req.SystemPrompt
	if req.Format.SystemPrompt != "" {
		system = req.Format.SystemPrompt
	}
	user := req.UserPrompt
	if req.Format.Instructions != "" {
		user += "\n\n" + req.Format.Instructions
	}

	payload := ollamaRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  false,
		Think:   false,
		Options: ollamaOptions{Temperature: 0},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Backend: "ollama", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Backend: "ollama", Message: "failed to read response", Err: err}
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &TransportError{Backend: "ollama", Status: resp.StatusCode, Message: fmt.Sprintf("%.200s", string(data))}
	}
	if parsed.Error != "" {
		return nil, &TransportError{Backend: "ollama", Status: resp.StatusCode, Message: parsed.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Backend: "ollama", Status: resp.StatusCode, Message: "request rejected"}
	}

	usage := Usage{
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
		TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
	}
	// Some models omit eval counts on cached prompts; estimate so stage
	// accounting stays nonzero.
	if usage.TotalTokens == 0 {
		usage = c.estimator.Estimate(model, system+"\n"+user, parsed.Message.Content)
		c.logger.Debug("Token counts missing from response, using estimate",
			"model", model,
			"total_tokens", usage.TotalTokens)
	}

	return &Completion{Text: parsed.Message.Content, Usage: usage}, nil
}

func (c *OllamaClient) resolveModel(name string) string {
	if mapped, ok := c.mapping[name]; ok {
		return mapped
	}
	return c.defaultModel
}
