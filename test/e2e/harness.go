// Package e2e boots the full HTTP server against a scripted
// chat-completions backend and drives the report stages over the wire.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/plenumlabs/plenum/pkg/api"
	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/pipeline"
	"github.com/plenumlabs/plenum/pkg/pricing"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// configuredAPIKey is the server-side credential unless WithRequireAPIKey
// removes it.
const configuredAPIKey = "sk-e2e-configured"

// TestApp boots a complete plenum instance for e2e testing: real HTTP
// server, real OpenAI-style client, scripted backend.
type TestApp struct {
	Backend  *MockLLMBackend
	Registry *prometheus.Registry
	Server   *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	backend           *MockLLMBackend
	workers           int
	minChars          int
	minWords          int
	requireAPIKey     bool
	structuredOutputs bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithBackend sets a pre-scripted chat-completions backend.
func WithBackend(b *MockLLMBackend) TestAppOption {
	return func(c *testAppConfig) { c.backend = b }
}

// WithWorkers sets the per-stage LLM fan-out limit.
func WithWorkers(n int) TestAppOption {
	return func(c *testAppConfig) { c.workers = n }
}

// WithCommentFilter overrides the meaningful-comment thresholds.
func WithCommentFilter(minChars, minWords int) TestAppOption {
	return func(c *testAppConfig) {
		c.minChars = minChars
		c.minWords = minWords
	}
}

// WithRequireAPIKey drops the configured backend credential, so every stage
// request must carry its own key header.
func WithRequireAPIKey() TestAppOption {
	return func(c *testAppConfig) { c.requireAPIKey = true }
}

// WithStructuredOutputs turns on json_schema response formats.
func WithStructuredOutputs() TestAppOption {
	return func(c *testAppConfig) { c.structuredOutputs = true }
}

// NewTestApp creates and starts a full plenum test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tc := &testAppConfig{
		workers:  2,
		minChars: 10,
		minWords: 3,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.backend == nil {
		tc.backend = NewMockLLMBackend()
	}
	key := configuredAPIKey
	if tc.requireAPIKey {
		key = ""
	}

	// 1. Real chat-completions client pointed at the scripted backend.
	completer := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:           tc.backend.URL(),
		APIKey:            key,
		StructuredOutputs: tc.structuredOutputs,
		Timeout:           30 * time.Second,
	})

	// 2. Telemetry into a test-local registry.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	recorder := telemetry.Multi(
		telemetry.NewLogRecorder(logger),
		telemetry.NewPromRecorder(registry),
	)

	// 3. Pipeline.
	pipe := pipeline.New(pipeline.Options{
		Completer: completer,
		Pricing:   pricing.Builtin(),
		Recorder:  recorder,
		Filter:    pipeline.CommentFilter{MinChars: tc.minChars, MinWords: tc.minWords},
		Workers:   tc.workers,
		Logger:    logger,
	})

	// 4. HTTP server on a random port.
	server := api.NewServer(api.Options{
		Pipeline:      pipe,
		RequireAPIKey: tc.requireAPIKey,
		Metrics:       registry,
		Logger:        logger,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Backend:  tc.backend,
		Registry: registry,
		Server:   server,
		BaseURL:  fmt.Sprintf("http://%s", ln.Addr().String()),
		t:        t,
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		tc.backend.Close()
	})

	return app
}

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// call marshals body as JSON, sends it, and requires the expected status.
// Returns the raw response body.
func (app *TestApp) call(t *testing.T, method, path string, body any, want int) []byte {
	t.Helper()
	return app.callWithHeaders(t, method, path, body, nil, want)
}

func (app *TestApp) callWithHeaders(t *testing.T, method, path string, body any, headers map[string]string, want int) []byte {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return app.callRaw(t, method, path, string(data), headers, want)
}

// callRaw sends a pre-encoded payload, for malformed-body tests.
func (app *TestApp) callRaw(t *testing.T, method, path, body string, headers map[string]string, want int) []byte {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, want, resp.StatusCode, "%s %s: unexpected status, body: %s", method, path, raw)
	return raw
}

// scrapeMetrics fetches the Prometheus exposition text.
func (app *TestApp) scrapeMetrics(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(app.BaseURL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(raw)
}

// decodeJSON unmarshals a response body, failing the test on bad JSON.
func decodeJSON(t *testing.T, raw []byte, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, into), "response was not valid JSON: %s", raw)
}

// errorBody reads the {"error": ...} payload every failure response carries.
func errorBody(t *testing.T, raw []byte) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeJSON(t, raw, &payload)
	return payload.Error
}

// readBody drains a response for inline assertions.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return raw
}
