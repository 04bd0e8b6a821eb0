package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plenumlabs/plenum/pkg/extract"
	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// TopicTree builds the report taxonomy from all meaningful comments in a
// single LLM call. The model response is normalized so every topic carries
// at least one subtopic; an unusable response yields an empty taxonomy
// rather than an error.
func (p *Pipeline) TopicTree(ctx context.Context, req TopicTreeRequest) (*TopicTreeResult, error) {
	if len(req.Comments) == 0 {
		return nil, fmt.Errorf("%w: comments must not be empty", ErrInvalidInput)
	}
	if req.LLM.ModelName == "" {
		return nil, fmt.Errorf("%w: llm.model_name is required", ErrInvalidInput)
	}

	start := time.Now()
	var prompt strings.Builder
	prompt.WriteString(req.LLM.UserPrompt)
	meaningful := 0
	for _, c := range req.Comments {
		if !p.filter.Meaningful(c.Text) {
			continue
		}
		meaningful++
		prompt.WriteString("\n")
		prompt.WriteString(c.Text)
	}

	comp, err := p.completer.Complete(ctx, llm.Request{
		Model:        req.LLM.ModelName,
		SystemPrompt: req.LLM.SystemPrompt,
		UserPrompt:   prompt.String(),
		APIKey:       req.APIKey,
		Format:       topicTreeFormat(),
	})
	if err != nil {
		return nil, err
	}

	topics := normalizeTaxonomy(comp.Text, p.logger)
	cost := p.pricing.Cost(req.LLM.ModelName, comp.Usage.PromptTokens, comp.Usage.CompletionTokens)

	subtopics := 0
	for _, t := range topics {
		subtopics += len(t.Subtopics)
	}
	p.recorder.Record(ctx, telemetry.StageRecord{
		Run:      telemetry.RunFrom(ctx),
		Stage:    stageTopicTree,
		Model:    req.LLM.ModelName,
		Usage:    comp.Usage,
		Cost:     cost,
		Duration: time.Since(start),
		Metrics: map[string]float64{
			"comments":   float64(len(req.Comments)),
			"meaningful": float64(meaningful),
			"topics":     float64(len(topics)),
			"subtopics":  float64(subtopics),
		},
	})

	return &TopicTreeResult{Data: topics, Usage: comp.Usage, Cost: cost}, nil
}

// normalizeTaxonomy parses a model response into a topic list. Unusable
// responses collapse to an empty list; topics without subtopics get a
// synthesized general one so downstream placement always has a target.
func normalizeTaxonomy(text string, logger *slog.Logger) []Topic {
	val, err := extract.JSON(text)
	if err != nil {
		logger.Warn("taxonomy extraction failed", "error", err)
		return []Topic{}
	}
	if val.IsArray() {
		logger.Warn("taxonomy response is not an object")
		return []Topic{}
	}
	raw, ok := val.Object["taxonomy"].([]any)
	if !ok {
		logger.Warn("taxonomy field missing or not a list")
		return []Topic{}
	}

	topics := make([]Topic, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			logger.Warn("dropping non-object taxonomy entry")
			continue
		}
		topic := Topic{
			Name:        stringField(m, "topicName"),
			Description: stringField(m, "topicShortDescription"),
		}
		if subs, ok := m["subtopics"].([]any); ok {
			for _, s := range subs {
				sm, ok := s.(map[string]any)
				if !ok {
					continue
				}
				topic.Subtopics = append(topic.Subtopics, Subtopic{
					Name:        stringField(sm, "subtopicName"),
					Description: stringField(sm, "subtopicShortDescription"),
				})
			}
		}
		if len(topic.Subtopics) == 0 {
			name := topic.Name
			if name == "" {
				name = "Unknown Topic"
			}
			topic.Subtopics = []Subtopic{{
				Name:        "General " + name,
				Description: "General aspects of " + strings.ToLower(name),
			}}
			logger.Warn("added default subtopic", "topic", name)
		}
		topics = append(topics, topic)
	}
	return topics
}
