package pipeline

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Claim is one extracted viewpoint with its supporting quote and placement.
// Model responses may carry fields beyond the known set; those are kept in
// Extra and round-tripped verbatim.
type Claim struct {
	Text         string
	Quote        string
	TopicName    string
	SubtopicName string
	CommentID    string
	Speaker      string
	// Duplicates holds near-duplicates folded under this claim. nil means
	// the claim has not been through dedup; an empty slice marks a
	// canonical claim with no duplicates.
	Duplicates []Claim
	Duplicated bool
	Extra      map[string]any
}

// claimFields is the shadow used to decode the known keys; everything else
// lands in mapstructure's unused-key metadata.
type claimFields struct {
	Text         string `mapstructure:"claim"`
	Quote        string `mapstructure:"quote"`
	TopicName    string `mapstructure:"topicName"`
	SubtopicName string `mapstructure:"subtopicName"`
	CommentID    string `mapstructure:"commentId"`
	Speaker      string `mapstructure:"speaker"`
	Duplicated   bool   `mapstructure:"duplicated"`
}

func (c *Claim) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return c.fromMap(raw)
}

// fromMap fills the claim from a decoded JSON object. Weak typing tolerates
// models that emit numbers where strings belong; malformed duplicate entries
// are dropped rather than failing the claim.
func (c *Claim) fromMap(raw map[string]any) error {
	dupVal, hasDups := raw["duplicates"]

	var fields claimFields
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &fields,
		Metadata:         &md,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return err
	}

	c.Text = fields.Text
	c.Quote = fields.Quote
	c.TopicName = fields.TopicName
	c.SubtopicName = fields.SubtopicName
	c.CommentID = fields.CommentID
	c.Speaker = fields.Speaker
	c.Duplicated = fields.Duplicated

	for _, key := range md.Unused {
		if key == "duplicates" {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[key] = raw[key]
	}

	if hasDups {
		c.Duplicates = []Claim{}
		if arr, ok := dupVal.([]any); ok {
			for _, item := range arr {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				var dup Claim
				if err := dup.fromMap(m); err != nil {
					continue
				}
				c.Duplicates = append(c.Duplicates, dup)
			}
		}
	}
	return nil
}

// MarshalJSON writes the claim with a fixed key order: known fields first,
// then extras sorted by key, then dedup results. Empty optional fields are
// omitted so untouched claims look exactly as they arrived.
func (c Claim) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, v any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(vb)
		return nil
	}

	if err := write("claim", c.Text); err != nil {
		return nil, err
	}
	if c.Quote != "" {
		if err := write("quote", c.Quote); err != nil {
			return nil, err
		}
	}
	if c.TopicName != "" {
		if err := write("topicName", c.TopicName); err != nil {
			return nil, err
		}
	}
	if c.SubtopicName != "" {
		if err := write("subtopicName", c.SubtopicName); err != nil {
			return nil, err
		}
	}
	if c.CommentID != "" {
		if err := write("commentId", c.CommentID); err != nil {
			return nil, err
		}
	}
	if c.Speaker != "" {
		if err := write("speaker", c.Speaker); err != nil {
			return nil, err
		}
	}
	if len(c.Extra) > 0 {
		keys := make([]string, 0, len(c.Extra))
		for k := range c.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := write(k, c.Extra[k]); err != nil {
				return nil, err
			}
		}
	}
	if c.Duplicates != nil {
		if err := write("duplicates", c.Duplicates); err != nil {
			return nil, err
		}
	}
	if c.Duplicated {
		if err := write("duplicated", true); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// clone copies the claim minus any duplicate nesting, so folded duplicates
// never nest further. Extra values are shared; stages treat them as
// read-only.
func (c Claim) clone() Claim {
	out := c
	out.Duplicates = nil
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
