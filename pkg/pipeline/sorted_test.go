package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSortedTopicMarshalsAsPair(t *testing.T) {
	topic := SortedTopic{
		Name: "Pets",
		Details: TopicDetails{
			Subtopics: []SortedSubtopic{},
			Speakers:  []string{"Alice"},
			Counts:    TreeCounts{Claims: 3, Speakers: 1},
		},
	}

	out, err := json.Marshal(topic)
	require.NoError(t, err)
	assert.JSONEq(t, `["Pets", {"topics": [], "speakers": ["Alice"], "counts": {"claims": 3, "speakers": 1}}]`, string(out))
}

func TestSortedTreeRoundTrip(t *testing.T) {
	tree := SortedTree{
		{
			Name: "Pets",
			Details: TopicDetails{
				Subtopics: []SortedSubtopic{
					{
						Name: "Dogs",
						Details: SubtopicDetails{
							Claims:   []Claim{{Text: "dogs are great"}},
							Speakers: []string{"Alice", "Bob"},
							Counts:   TreeCounts{Claims: 2, Speakers: 2},
						},
					},
				},
				Speakers: []string{"Alice", "Bob"},
				Counts:   TreeCounts{Claims: 2, Speakers: 2},
			},
		},
	}

	out, err := json.Marshal(tree)
	require.NoError(t, err)

	var back SortedTree
	require.NoError(t, json.Unmarshal(out, &back))
	require.Len(t, back, 1)
	assert.Equal(t, "Pets", back[0].Name)
	require.Len(t, back[0].Details.Subtopics, 1)
	assert.Equal(t, "Dogs", back[0].Details.Subtopics[0].Name)
	assert.Equal(t, "dogs are great", back[0].Details.Subtopics[0].Details.Claims[0].Text)
	assert.Equal(t, TreeCounts{Claims: 2, Speakers: 2}, back[0].Details.Counts)
}

func TestSortedTopicUnmarshalRejectsWrongArity(t *testing.T) {
	var topic SortedTopic
	err := json.Unmarshal([]byte(`["name"]`), &topic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair")
}
