// Package config loads the server configuration from environment variables
// and optional YAML overlay files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds everything the server needs to run. Load it with FromEnv and
// check it with Validate before use.
type Config struct {
	// Host is the listen address; empty binds all interfaces.
	Host string
	Port int

	// UseOllama routes every completion to the local backend instead of
	// the hosted one.
	UseOllama          bool
	OllamaBaseURL      string
	OllamaDefaultModel string

	OpenAIAPIKey            string
	OpenAIBaseURL           string
	OpenAIStructuredOutputs bool

	// Workers bounds concurrent LLM calls within one stage invocation.
	Workers    int
	LLMTimeout time.Duration

	// Comments shorter than these thresholds are dropped before claim
	// extraction.
	MinCommentChars int
	MinCommentWords int

	// Optional YAML overlays merged over builtin tables.
	PricingFile      string
	ModelMappingFile string
}

// FromEnv loads configuration from environment variables, applying defaults
// for anything unset.
func FromEnv() (Config, error) {
	port, err := intEnv("PORT", 8000)
	if err != nil {
		return Config{}, err
	}
	useOllama, err := boolEnv("USE_OLLAMA", false)
	if err != nil {
		return Config{}, err
	}
	structured, err := boolEnv("OPENAI_STRUCTURED_OUTPUTS", false)
	if err != nil {
		return Config{}, err
	}
	workers, err := intEnv("PIPELINE_WORKERS", 4)
	if err != nil {
		return Config{}, err
	}
	timeoutSecs, err := intEnv("LLM_TIMEOUT_SECONDS", 120)
	if err != nil {
		return Config{}, err
	}
	minChars, err := intEnv("MIN_COMMENT_CHARS", 10)
	if err != nil {
		return Config{}, err
	}
	minWords, err := intEnv("MIN_COMMENT_WORDS", 3)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Host:                    os.Getenv("HOST"),
		Port:                    port,
		UseOllama:               useOllama,
		OllamaBaseURL:           getEnvOrDefault("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaDefaultModel:      getEnvOrDefault("OLLAMA_DEFAULT_MODEL", "llama3.2:latest"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:           getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIStructuredOutputs: structured,
		Workers:                 workers,
		LLMTimeout:              time.Duration(timeoutSecs) * time.Second,
		MinCommentChars:         minChars,
		MinCommentWords:         minWords,
		PricingFile:             os.Getenv("PRICING_FILE"),
		ModelMappingFile:        os.Getenv("MODEL_MAPPING_FILE"),
	}, nil
}

// Validate checks field ranges and URL syntax.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return NewValidationError("PORT", fmt.Errorf("%w: %d not in 1-65535", ErrInvalidValue, c.Port))
	}
	if c.Workers < 1 {
		return NewValidationError("PIPELINE_WORKERS", fmt.Errorf("%w: %d must be at least 1", ErrInvalidValue, c.Workers))
	}
	if c.LLMTimeout <= 0 {
		return NewValidationError("LLM_TIMEOUT_SECONDS", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if c.MinCommentChars < 0 {
		return NewValidationError("MIN_COMMENT_CHARS", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if c.MinCommentWords < 0 {
		return NewValidationError("MIN_COMMENT_WORDS", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if err := validBaseURL(c.OllamaBaseURL); err != nil {
		return NewValidationError("OLLAMA_BASE_URL", err)
	}
	if err := validBaseURL(c.OpenAIBaseURL); err != nil {
		return NewValidationError("OPENAI_BASE_URL", err)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func validBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidValue, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidValue, raw)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, NewValidationError(key, fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	return n, nil
}

func boolEnv(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, NewValidationError(key, fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	return b, nil
}
