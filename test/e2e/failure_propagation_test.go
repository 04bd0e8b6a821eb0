package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/pipeline"
)

func TestE2E_BackendFailuresMapToBadGateway(t *testing.T) {
	tests := []struct {
		name          string
		backendStatus int
		message       string
	}{
		{name: "overloaded", backendStatus: http.StatusInternalServerError, message: "model overloaded"},
		{name: "rate limited", backendStatus: http.StatusTooManyRequests, message: "rate limit exceeded"},
		{name: "bad credentials", backendStatus: http.StatusUnauthorized, message: "invalid api key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMockLLMBackend()
			backend.AddSequential(BackendScriptEntry{Status: tt.backendStatus, ErrorMessage: tt.message})
			app := NewTestApp(t, WithBackend(backend))

			raw := app.call(t, http.MethodPost, "/topic_tree", map[string]any{
				"comments": flowComments,
				"llm":      flowLLM("Identify the main topics."),
			}, http.StatusBadGateway)

			msg := errorBody(t, raw)
			assert.Contains(t, msg, tt.message)
			assert.Contains(t, msg, fmt.Sprintf("HTTP %d", tt.backendStatus))
		})
	}
}

func TestE2E_FanOutFailureAbortsClaims(t *testing.T) {
	backend := NewMockLLMBackend()
	backend.AddRouted("here is the comment:\nCats are wonderful companions", BackendScriptEntry{
		Text: `{"claims": [{"claim": "Cats make calm home companions", "quote": "q", "topicName": "Pets", "subtopicName": "Cats"}]}`,
	})
	backend.AddRouted("here is the comment:\nDogs are loyal friends", BackendScriptEntry{
		Status: http.StatusServiceUnavailable, ErrorMessage: "backend drained",
	})
	app := NewTestApp(t, WithBackend(backend))

	raw := app.call(t, http.MethodPost, "/claims", map[string]any{
		"comments": flowComments[:2],
		"llm":      flowLLM("Extract the claims the commenter makes."),
		"tree":     petsTaxonomy(),
	}, http.StatusBadGateway)

	msg := errorBody(t, raw)
	assert.Contains(t, msg, "backend drained")
	assert.Contains(t, msg, "HTTP 503")
}

func TestE2E_MissingKeyRejectedBeforeBackend(t *testing.T) {
	backend := NewMockLLMBackend()
	backend.AddSequential(BackendScriptEntry{Text: flowTaxonomy})
	app := NewTestApp(t, WithBackend(backend), WithRequireAPIKey())

	body := map[string]any{
		"comments": flowComments,
		"llm":      flowLLM("Identify the main topics."),
	}

	raw := app.call(t, http.MethodPost, "/topic_tree", body, http.StatusBadRequest)
	assert.Contains(t, errorBody(t, raw), "X-OpenAI-API-Key")
	assert.Equal(t, 0, backend.CallCount(), "rejected before any backend traffic")

	app.callWithHeaders(t, http.MethodPost, "/topic_tree", body,
		map[string]string{"X-OpenAI-API-Key": "sk-brought-my-own"}, http.StatusOK)
	calls := backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer sk-brought-my-own", calls[0].Authorization)
}

func TestE2E_UnusableModelPayloadDropsComment(t *testing.T) {
	backend := NewMockLLMBackend()
	backend.AddRouted("here is the comment:\nCats are wonderful companions", BackendScriptEntry{
		Text: `{"claims": [{"claim": "Cats make calm home companions", "quote": "q", "topicName": "Pets", "subtopicName": "Cats"}]}`,
	})
	backend.AddRouted("here is the comment:\nDogs are loyal friends", BackendScriptEntry{
		Text: "sorry, I cannot help with that",
	})
	app := NewTestApp(t, WithBackend(backend))

	raw := app.call(t, http.MethodPost, "/claims", map[string]any{
		"comments": flowComments[:2],
		"llm":      flowLLM("Extract the claims the commenter makes."),
		"tree":     petsTaxonomy(),
	}, http.StatusOK)

	var res pipeline.ClaimsResult
	decodeJSON(t, raw, &res)
	pets, ok := res.Data.Get("Pets")
	require.True(t, ok)
	assert.Equal(t, 1, pets.Total, "the unusable response contributes no claims")
	cats, ok := pets.Subtopics.Get("Cats")
	require.True(t, ok)
	require.Len(t, cats.Claims, 1)
	assert.Equal(t, "Cats make calm home companions", cats.Claims[0].Text)

	// Both calls still bill.
	assert.Equal(t, llm.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30}, res.Usage)
}

func TestE2E_ValidationErrors(t *testing.T) {
	app := NewTestApp(t)

	t.Run("empty comments", func(t *testing.T) {
		raw := app.call(t, http.MethodPost, "/topic_tree", map[string]any{
			"comments": []pipeline.Comment{},
			"llm":      flowLLM("Identify topics."),
		}, http.StatusBadRequest)
		assert.Contains(t, errorBody(t, raw), "comments")
	})

	t.Run("unknown sort", func(t *testing.T) {
		raw := app.call(t, http.MethodPut, "/sort_claims_tree/", map[string]any{
			"tree": map[string]any{},
			"llm":  flowLLM("Group duplicates."),
			"sort": "alphabetical",
		}, http.StatusBadRequest)
		assert.Contains(t, errorBody(t, raw), "unknown sort")
	})

	t.Run("malformed body", func(t *testing.T) {
		raw := app.callRaw(t, http.MethodPost, "/claims", `{"comments": [`, nil, http.StatusBadRequest)
		assert.NotEmpty(t, errorBody(t, raw))
	})

	assert.Equal(t, 0, app.Backend.CallCount(), "validation failures never reach the backend")
}

// petsTaxonomy is the stage-1 output fixture used by tests that start at the
// claims stage.
func petsTaxonomy() pipeline.Taxonomy {
	return pipeline.Taxonomy{Topics: []pipeline.Topic{{
		Name:        "Pets",
		Description: "Views on household pets.",
		Subtopics: []pipeline.Subtopic{
			{Name: "Cats", Description: "Cat ownership."},
			{Name: "Dogs", Description: "Dog ownership."},
		},
	}}}
}
