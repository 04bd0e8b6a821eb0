package pipeline

import (
	"encoding/json"
	"fmt"
)

// TreeCounts summarizes one node of the sorted tree. Claims counts the
// pre-dedup total; Speakers counts distinct speakers.
type TreeCounts struct {
	Claims   int `json:"claims"`
	Speakers int `json:"speakers"`
}

// SortedTree is the dedup/sort-stage output: topics ordered most popular
// first, each serialized as a [name, details] pair so rank stays explicit
// in JSON.
type SortedTree []SortedTopic

// SortedTopic pairs a topic name with its sorted contents.
type SortedTopic struct {
	Name    string
	Details TopicDetails
}

// TopicDetails carries a topic's sorted subtopics. The field is named
// "topics" on the wire for compatibility with report clients.
type TopicDetails struct {
	Subtopics []SortedSubtopic `json:"topics"`
	Speakers  []string         `json:"speakers"`
	Counts    TreeCounts       `json:"counts"`
}

// SortedSubtopic pairs a subtopic name with its deduplicated claims.
type SortedSubtopic struct {
	Name    string
	Details SubtopicDetails
}

// SubtopicDetails carries a subtopic's claims, most duplicated first.
type SubtopicDetails struct {
	Claims   []Claim    `json:"claims"`
	Speakers []string   `json:"speakers"`
	Counts   TreeCounts `json:"counts"`
}

func (t SortedTopic) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{t.Name, t.Details})
}

func (t *SortedTopic) UnmarshalJSON(data []byte) error {
	name, raw, err := unmarshalPair(data)
	if err != nil {
		return err
	}
	t.Name = name
	return json.Unmarshal(raw, &t.Details)
}

func (s SortedSubtopic) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Name, s.Details})
}

func (s *SortedSubtopic) UnmarshalJSON(data []byte) error {
	name, raw, err := unmarshalPair(data)
	if err != nil {
		return err
	}
	s.Name = name
	return json.Unmarshal(raw, &s.Details)
}

// unmarshalPair splits a two-element [name, details] JSON array.
func unmarshalPair(data []byte) (string, json.RawMessage, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return "", nil, err
	}
	if len(pair) != 2 {
		return "", nil, fmt.Errorf("expected [name, details] pair, got %d elements", len(pair))
	}
	var name string
	if err := json.Unmarshal(pair[0], &name); err != nil {
		return "", nil, err
	}
	return name, pair[1], nil
}
