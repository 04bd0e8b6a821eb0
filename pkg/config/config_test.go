package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.False(t, cfg.UseOllama)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaBaseURL)
	assert.Equal(t, "llama3.2:latest", cfg.OllamaDefaultModel)
	assert.Empty(t, cfg.OpenAIAPIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.OpenAIBaseURL)
	assert.False(t, cfg.OpenAIStructuredOutputs)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 10, cfg.MinCommentChars)
	assert.Equal(t, 3, cfg.MinCommentWords)
	assert.Empty(t, cfg.PricingFile)
	assert.Empty(t, cfg.ModelMappingFile)

	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9090")
	t.Setenv("USE_OLLAMA", "true")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama.internal:11434")
	t.Setenv("OLLAMA_DEFAULT_MODEL", "qwen2.5:7b")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_STRUCTURED_OUTPUTS", "1")
	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("LLM_TIMEOUT_SECONDS", "30")
	t.Setenv("MIN_COMMENT_CHARS", "1")
	t.Setenv("MIN_COMMENT_WORDS", "0")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.UseOllama)
	assert.Equal(t, "http://ollama.internal:11434", cfg.OllamaBaseURL)
	assert.Equal(t, "qwen2.5:7b", cfg.OllamaDefaultModel)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.True(t, cfg.OpenAIStructuredOutputs)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 1, cfg.MinCommentChars)
	assert.Equal(t, 0, cfg.MinCommentWords)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port not a number", "PORT", "eighty"},
		{"use_ollama not a bool", "USE_OLLAMA", "maybe"},
		{"workers not a number", "PIPELINE_WORKERS", "many"},
		{"timeout not a number", "LLM_TIMEOUT_SECONDS", "2m"},
		{"structured outputs not a bool", "OPENAI_STRUCTURED_OUTPUTS", "si"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidValue)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.key, verr.Field)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg, err := FromEnv()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Port = 0 }, "PORT"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "PORT"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "PIPELINE_WORKERS"},
		{"zero timeout", func(c *Config) { c.LLMTimeout = 0 }, "LLM_TIMEOUT_SECONDS"},
		{"negative min chars", func(c *Config) { c.MinCommentChars = -1 }, "MIN_COMMENT_CHARS"},
		{"negative min words", func(c *Config) { c.MinCommentWords = -1 }, "MIN_COMMENT_WORDS"},
		{"ollama url without scheme", func(c *Config) { c.OllamaBaseURL = "localhost:11434" }, "OLLAMA_BASE_URL"},
		{"openai url without host", func(c *Config) { c.OpenAIBaseURL = "https://" }, "OPENAI_BASE_URL"},
		{"openai url odd scheme", func(c *Config) { c.OpenAIBaseURL = "ftp://api.example.com" }, "OPENAI_BASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidValue)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

// clearEnv blanks every variable FromEnv reads so ambient shell state cannot
// leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST", "PORT",
		"USE_OLLAMA", "OLLAMA_BASE_URL", "OLLAMA_DEFAULT_MODEL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_STRUCTURED_OUTPUTS",
		"PIPELINE_WORKERS", "LLM_TIMEOUT_SECONDS",
		"MIN_COMMENT_CHARS", "MIN_COMMENT_WORDS",
		"PRICING_FILE", "MODEL_MAPPING_FILE",
	} {
		t.Setenv(key, "")
	}
}
