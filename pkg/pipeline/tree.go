package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// StringSet is a set of strings that marshals as a sorted JSON array, so
// speaker lists are deterministic run to run.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(vals ...string) StringSet {
	s := make(StringSet, len(vals))
	for _, v := range vals {
		s.Add(v)
	}
	return s
}

func (s StringSet) Add(v string) { s[v] = struct{}{} }

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s StringSet) Len() int { return len(s) }

// Merge adds every member of other.
func (s StringSet) Merge(other StringSet) {
	for v := range other {
		s.Add(v)
	}
}

// Values returns the members in sorted order.
func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var vals []string
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}
	*s = NewStringSet(vals...)
	return nil
}

// orderedMap is a string-keyed map that remembers first-insertion order and
// round-trips that order through JSON. Downstream sorting is stable, so key
// order decides ties.
type orderedMap[V any] struct {
	keys []string
	vals map[string]V
}

// Get looks up a key.
func (m *orderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Set inserts or replaces a key, appending new keys to the order.
func (m *orderedMap[V]) Set(key string, v V) {
	if m.vals == nil {
		m.vals = make(map[string]V)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

func (m *orderedMap[V]) Len() int { return len(m.keys) }

// Keys returns a copy of the key order.
func (m *orderedMap[V]) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m orderedMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *orderedMap[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected string key, got %v", keyTok)
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return err
		}
		m.Set(key, v)
	}
	_, err = dec.Token()
	return err
}

// SubtopicBucket aggregates the claims placed under one subtopic.
type SubtopicBucket struct {
	Total    int       `json:"total"`
	Claims   []Claim   `json:"claims"`
	Speakers StringSet `json:"speakers"`
}

func newSubtopicBucket() *SubtopicBucket {
	return &SubtopicBucket{Claims: []Claim{}, Speakers: NewStringSet()}
}

// SubtopicMap holds per-subtopic buckets in first-placement order.
type SubtopicMap struct {
	orderedMap[*SubtopicBucket]
}

// NewSubtopicMap returns an empty map.
func NewSubtopicMap() *SubtopicMap { return &SubtopicMap{} }

// TopicBucket aggregates one topic's claims across its subtopics. Total
// counts every claim placed under the topic, including ones later folded as
// duplicates.
type TopicBucket struct {
	Total     int          `json:"total"`
	Speakers  StringSet    `json:"speakers"`
	Subtopics *SubtopicMap `json:"subtopics"`
}

func newTopicBucket() *TopicBucket {
	return &TopicBucket{Speakers: NewStringSet(), Subtopics: NewSubtopicMap()}
}

// ClaimTree is the claims-stage output: per-topic buckets in first-placement
// order.
type ClaimTree struct {
	orderedMap[*TopicBucket]
}

// NewClaimTree returns an empty tree.
func NewClaimTree() *ClaimTree { return &ClaimTree{} }
