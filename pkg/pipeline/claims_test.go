package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumlabs/plenum/pkg/llm"
)

func petsTaxonomy() Taxonomy {
	return Taxonomy{Topics: []Topic{
		{
			Name:        "Pets",
			Description: "All about pets",
			Subtopics: []Subtopic{
				{Name: "Cats", Description: "Cat talk"},
				{Name: "Dogs", Description: "Dog talk"},
			},
		},
	}}
}

func TestClaimsValidation(t *testing.T) {
	p := setupPipeline(t, newScriptedCompleter())

	tests := []struct {
		name string
		req  ClaimsRequest
	}{
		{"no comments", ClaimsRequest{LLM: testLLM(), Tree: petsTaxonomy()}},
		{"no model", ClaimsRequest{Comments: []Comment{{ID: "1", Text: "something meaningful"}}, Tree: petsTaxonomy()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Claims(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestClaimsExtractsAndPlaces(t *testing.T) {
	completer := newScriptedCompleter()
	completer.addRouted("I love cats so much", scriptEntry{Text: `{"claims":[
		{"claim":"Cats are wonderful","quote":"I love cats so much","topicName":"Pets","subtopicName":"Cats","speaker":"model-guess","commentId":"model-guess"}
	]}`})
	// A bare array is accepted too.
	completer.addRouted("Dogs are the best companions", scriptEntry{Text: `[
		{"claim":"Dogs are great","quote":"Dogs are the best companions","topicName":"Pets","subtopicName":"Dogs"}
	]`})
	p := setupPipeline(t, completer)

	res, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: []Comment{
			{ID: "c1", Text: "I love cats so much", Speaker: "Alice"},
			{ID: "c2", Text: "Dogs are the best companions", Speaker: "Bob"},
		},
		LLM:  testLLM(),
		Tree: petsTaxonomy(),
	})
	require.NoError(t, err)

	pets, ok := res.Data.Get("Pets")
	require.True(t, ok)
	assert.Equal(t, 2, pets.Total)
	assert.Equal(t, []string{"Alice", "Bob"}, pets.Speakers.Values())

	cats, ok := pets.Subtopics.Get("Cats")
	require.True(t, ok)
	require.Len(t, cats.Claims, 1)
	assert.Equal(t, "Cats are wonderful", cats.Claims[0].Text)
	assert.Equal(t, "c1", cats.Claims[0].CommentID, "source comment id wins over the model's")
	assert.Equal(t, "Alice", cats.Claims[0].Speaker, "source speaker wins over the model's")

	dogs, ok := pets.Subtopics.Get("Dogs")
	require.True(t, ok)
	require.Len(t, dogs.Claims, 1)
	assert.Equal(t, "Bob", dogs.Claims[0].Speaker)

	require.Equal(t, 2, completer.callCount())
	prompt := completer.requests()[0].UserPrompt
	assert.Contains(t, prompt, `"taxonomy":[{"topicName":"Pets"`)
	assert.Contains(t, prompt, "And then here is the comment:\n")
	assert.Equal(t, "claims", completer.requests()[0].Format.Name)
}

func TestClaimsKeepCommentOrderUnderFanOut(t *testing.T) {
	const n = 8
	completer := newScriptedCompleter()
	comments := make([]Comment, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("Comment number %d with enough words to pass", i)
		comments[i] = Comment{ID: fmt.Sprintf("c%d", i), Text: text, Speaker: fmt.Sprintf("s%d", i)}
		completer.addRouted(text, scriptEntry{Text: fmt.Sprintf(
			`{"claims":[{"claim":"claim %d","topicName":"Pets","subtopicName":"Cats"}]}`, i)})
	}
	p := setupPipeline(t, completer)

	res, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: comments,
		LLM:      testLLM(),
		Tree:     petsTaxonomy(),
	})
	require.NoError(t, err)

	pets, _ := res.Data.Get("Pets")
	cats, ok := pets.Subtopics.Get("Cats")
	require.True(t, ok)
	require.Len(t, cats.Claims, n)
	for i, claim := range cats.Claims {
		assert.Equal(t, fmt.Sprintf("claim %d", i), claim.Text, "claims merge in comment order")
	}
}

func TestClaimsPlacementFallbacks(t *testing.T) {
	t.Run("missing topic falls back to first taxonomy topic", func(t *testing.T) {
		completer := newScriptedCompleter()
		completer.addSequential(scriptEntry{Text: `{"claims":[{"claim":"unplaced"}]}`})
		p := setupPipeline(t, completer)

		res, err := p.Claims(context.Background(), ClaimsRequest{
			Comments: []Comment{{ID: "c1", Text: "something long enough here", Speaker: "Alice"}},
			LLM:      testLLM(),
			Tree:     petsTaxonomy(),
		})
		require.NoError(t, err)

		pets, ok := res.Data.Get("Pets")
		require.True(t, ok)
		cats, ok := pets.Subtopics.Get("Cats")
		require.True(t, ok)
		require.Len(t, cats.Claims, 1)
		assert.Equal(t, "unplaced", cats.Claims[0].Text)
	})

	t.Run("missing subtopic goes under General", func(t *testing.T) {
		completer := newScriptedCompleter()
		completer.addSequential(scriptEntry{Text: `{"claims":[{"claim":"loose","topicName":"Pets"}]}`})
		p := setupPipeline(t, completer)

		res, err := p.Claims(context.Background(), ClaimsRequest{
			Comments: []Comment{{ID: "c1", Text: "something long enough here", Speaker: "Alice"}},
			LLM:      testLLM(),
			Tree:     petsTaxonomy(),
		})
		require.NoError(t, err)

		pets, _ := res.Data.Get("Pets")
		general, ok := pets.Subtopics.Get("General")
		require.True(t, ok)
		require.Len(t, general.Claims, 1)
	})

	t.Run("missing topic with empty taxonomy drops the claim", func(t *testing.T) {
		completer := newScriptedCompleter()
		completer.addSequential(scriptEntry{Text: `{"claims":[{"claim":"nowhere to go"}]}`})
		p := setupPipeline(t, completer)

		res, err := p.Claims(context.Background(), ClaimsRequest{
			Comments: []Comment{{ID: "c1", Text: "something long enough here", Speaker: "Alice"}},
			LLM:      testLLM(),
			Tree:     Taxonomy{},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Data.Len())
	})
}

func TestClaimsFillsQuietTaxonomyNodes(t *testing.T) {
	completer := newScriptedCompleter()
	completer.addSequential(scriptEntry{Text: `{"claims":[{"claim":"about cats","topicName":"Pets","subtopicName":"Cats"}]}`})
	p := setupPipeline(t, completer)

	tree := petsTaxonomy()
	tree.Topics = append(tree.Topics, Topic{Name: "Work", Subtopics: []Subtopic{{Name: "Jobs"}}})

	res, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: []Comment{{ID: "c1", Text: "something long enough here", Speaker: "Alice"}},
		LLM:      testLLM(),
		Tree:     tree,
	})
	require.NoError(t, err)

	pets, ok := res.Data.Get("Pets")
	require.True(t, ok)
	assert.Equal(t, []string{"Cats", "Dogs"}, pets.Subtopics.Keys(), "unfilled subtopic appended empty")
	dogs, _ := pets.Subtopics.Get("Dogs")
	assert.Equal(t, 0, dogs.Total)
	assert.Empty(t, dogs.Claims)

	work, ok := res.Data.Get("Work")
	require.True(t, ok, "topic with no claims still present")
	assert.Equal(t, 0, work.Total)
	assert.Equal(t, []string{"None"}, work.Subtopics.Keys())
}

func TestClaimsSkipsMeaninglessComments(t *testing.T) {
	completer := newScriptedCompleter()
	completer.addSequential(scriptEntry{Text: `{"claims":[{"claim":"real one","topicName":"Pets","subtopicName":"Cats"}]}`})
	recorder := &captureRecorder{}
	p := setupPipeline(t, completer, func(o *Options) { o.Recorder = recorder })

	res, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: []Comment{
			{ID: "c1", Text: "ok"},
			{ID: "c2", Text: "this one is meaningful enough", Speaker: "Alice"},
		},
		LLM:  testLLM(),
		Tree: petsTaxonomy(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, completer.callCount(), "short comment never reaches the model")
	pets, _ := res.Data.Get("Pets")
	assert.Equal(t, 1, pets.Total)

	rec := recorder.last(t)
	assert.Equal(t, "claims", rec.Stage)
	assert.Equal(t, float64(2), rec.Metrics["comments"])
	assert.Equal(t, float64(1), rec.Metrics["claims"])
	assert.Len(t, rec.Tables["comments_to_claims"], 1)
}

func TestClaimsAccumulatesUsage(t *testing.T) {
	completer := newScriptedCompleter()
	completer.addRouted("first comment with plenty of words", scriptEntry{
		Text:  `{"claims":[]}`,
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
	})
	completer.addRouted("second comment with plenty of words", scriptEntry{
		Text:  `{"claims":[]}`,
		Usage: llm.Usage{PromptTokens: 200, CompletionTokens: 20, TotalTokens: 220},
	})
	p := setupPipeline(t, completer)

	res, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: []Comment{
			{ID: "c1", Text: "first comment with plenty of words", Speaker: "Alice"},
			{ID: "c2", Text: "second comment with plenty of words", Speaker: "Bob"},
		},
		LLM:  testLLM(),
		Tree: petsTaxonomy(),
	})
	require.NoError(t, err)

	assert.Equal(t, llm.Usage{PromptTokens: 300, CompletionTokens: 30, TotalTokens: 330}, res.Usage)
	assert.InDelta(t, 0.001*(300*0.00015+30*0.0006), res.Cost, 1e-12)
}

func TestClaimsUnusableResponseYieldsNoClaims(t *testing.T) {
	completer := newScriptedCompleter()
	completer.addSequential(scriptEntry{Text: "the model rambled with no JSON"})
	p := setupPipeline(t, completer)

	res, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: []Comment{{ID: "c1", Text: "something long enough here", Speaker: "Alice"}},
		LLM:      testLLM(),
		Tree:     petsTaxonomy(),
	})
	require.NoError(t, err)

	pets, ok := res.Data.Get("Pets")
	require.True(t, ok, "taxonomy nodes still present")
	assert.Equal(t, 0, pets.Total)
}

func TestClaimsTransportErrorPropagates(t *testing.T) {
	completer := newScriptedCompleter()
	completer.addSequential(scriptEntry{Err: &llm.TransportError{Backend: "ollama", Message: "connection refused"}})
	p := setupPipeline(t, completer)

	_, err := p.Claims(context.Background(), ClaimsRequest{
		Comments: []Comment{{ID: "c1", Text: "something long enough here", Speaker: "Alice"}},
		LLM:      testLLM(),
		Tree:     petsTaxonomy(),
	})

	var terr *llm.TransportError
	assert.ErrorAs(t, err, &terr)
}
