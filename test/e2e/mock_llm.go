package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/plenumlabs/plenum/pkg/llm"
)

// BackendScriptEntry defines a single scripted chat-completions response.
type BackendScriptEntry struct {
	// Response content
	Text  string    // assistant message content
	Usage llm.Usage // zero value auto-fills 10/5/15

	// Error responses
	Status       int // non-zero → HTTP error instead of a completion
	ErrorMessage string

	// Test control
	Delay               time.Duration   // sleep before responding, to scramble fan-out completion order
	HoldUntilDisconnect bool            // park the request until the client goes away
	OnHold              chan<- struct{} // notified when the handler starts holding
}

// CapturedCall is one chat-completions request the backend served.
type CapturedCall struct {
	Model          string
	SystemPrompt   string
	UserPrompt     string
	Authorization  string
	ResponseFormat string // "json_object" or "json_schema"
	SchemaName     string
}

// MockLLMBackend is a real HTTP server speaking the chat-completions wire
// format with a dual-dispatch script: substring routing over the user prompt
// for fan-out stages where call order is non-deterministic, plus a
// sequential fallback consumed in arrival order.
type MockLLMBackend struct {
	mu          sync.Mutex
	sequential  []BackendScriptEntry
	seqIndex    int
	routes      []*backendRoute
	captured    []CapturedCall
	inFlight    int
	maxInFlight int
	srv         *httptest.Server
}

type backendRoute struct {
	substr  string
	entries []BackendScriptEntry
	index   int
}

// NewMockLLMBackend starts the server. Callers own Close.
func NewMockLLMBackend() *MockLLMBackend {
	b := &MockLLMBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// URL returns the backend's base URL, suitable for OPENAI_BASE_URL.
func (b *MockLLMBackend) URL() string { return b.srv.URL }

// Close shuts the server down.
func (b *MockLLMBackend) Close() { b.srv.Close() }

// AddSequential adds an entry consumed in order for non-routed calls.
func (b *MockLLMBackend) AddSequential(entry BackendScriptEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequential = append(b.sequential, entry)
}

// AddRouted adds an entry served to requests whose user prompt contains
// substr. Entries for the same substring are consumed in order.
func (b *MockLLMBackend) AddRouted(substr string, entry BackendScriptEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, route := range b.routes {
		if route.substr == substr {
			route.entries = append(route.entries, entry)
			return
		}
	}
	b.routes = append(b.routes, &backendRoute{substr: substr, entries: []BackendScriptEntry{entry}})
}

// CallCount returns the number of completion requests served so far.
func (b *MockLLMBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.captured)
}

// Calls returns a copy of every captured request, in arrival order.
func (b *MockLLMBackend) Calls() []CapturedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CapturedCall, len(b.captured))
	copy(out, b.captured)
	return out
}

// MaxInFlight returns the highest number of requests served concurrently.
func (b *MockLLMBackend) MaxInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight
}

// chatRequest mirrors the fields of the chat-completions request the backend
// needs to capture and route on.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat *struct {
		Type       string `json:"type"`
		JSONSchema *struct {
			Name string `json:"name"`
		} `json:"json_schema"`
	} `json:"response_format"`
}

func (b *MockLLMBackend) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBackendError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	call := CapturedCall{
		Model:         req.Model,
		Authorization: r.Header.Get("Authorization"),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			call.SystemPrompt = m.Content
		case "user":
			call.UserPrompt = m.Content
		}
	}
	if req.ResponseFormat != nil {
		call.ResponseFormat = req.ResponseFormat.Type
		if req.ResponseFormat.JSONSchema != nil {
			call.SchemaName = req.ResponseFormat.JSONSchema.Name
		}
	}

	b.mu.Lock()
	b.captured = append(b.captured, call)
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	entry, ok := b.nextEntry(call.UserPrompt)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()
	if !ok {
		writeBackendError(w, http.StatusInternalServerError, "mock backend: no scripted response left")
		return
	}

	if entry.HoldUntilDisconnect {
		if entry.OnHold != nil {
			entry.OnHold <- struct{}{}
		}
		<-r.Context().Done()
		return
	}

	if entry.Delay > 0 {
		select {
		case <-time.After(entry.Delay):
		case <-r.Context().Done():
			return
		}
	}

	if entry.Status != 0 {
		writeBackendError(w, entry.Status, entry.ErrorMessage)
		return
	}

	usage := entry.Usage
	if usage == (llm.Usage{}) {
		usage = llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": entry.Text}},
		},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})
}

// nextEntry selects the next script entry using dual dispatch: routed first,
// sequential fallback. Must be called with b.mu held.
func (b *MockLLMBackend) nextEntry(userPrompt string) (BackendScriptEntry, bool) {
	for _, route := range b.routes {
		if route.index < len(route.entries) && strings.Contains(userPrompt, route.substr) {
			entry := route.entries[route.index]
			route.index++
			return entry, true
		}
	}
	if b.seqIndex < len(b.sequential) {
		entry := b.sequential[b.seqIndex]
		b.seqIndex++
		return entry, true
	}
	return BackendScriptEntry{}, false
}

func writeBackendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "mock_error"},
	})
}
