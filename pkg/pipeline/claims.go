package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/plenumlabs/plenum/pkg/extract"
	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// generalSubtopic receives claims whose placement names a topic without any
// subtopic to put them under.
const generalSubtopic = "General"

// noneSubtopic is the placeholder bucket for taxonomy topics that received
// no claims at all.
const noneSubtopic = "None"

// Claims extracts claims from every meaningful comment, one LLM call per
// comment, and places them into a tree keyed by the taxonomy's topics and
// subtopics. Calls fan out on the worker pool; results merge in comment
// order so claim order inside each subtopic is stable.
func (p *Pipeline) Claims(ctx context.Context, req ClaimsRequest) (*ClaimsResult, error) {
	if len(req.Comments) == 0 {
		return nil, fmt.Errorf("%w: comments must not be empty", ErrInvalidInput)
	}
	if req.LLM.ModelName == "" {
		return nil, fmt.Errorf("%w: llm.model_name is required", ErrInvalidInput)
	}

	start := time.Now()
	treeJSON, err := json.Marshal(req.Tree)
	if err != nil {
		return nil, fmt.Errorf("%w: tree does not serialize: %v", ErrInvalidInput, err)
	}

	perComment := make([][]Claim, len(req.Comments))
	usages := make([]llm.Usage, len(req.Comments))
	err = p.forEach(ctx, len(req.Comments), func(ctx context.Context, i int) error {
		comment := req.Comments[i]
		if !p.filter.Meaningful(comment.Text) {
			p.logger.Warn("skipping comment below meaningful threshold", "commentId", comment.ID)
			return nil
		}
		prompt := req.LLM.UserPrompt + "\n" + string(treeJSON) +
			"\nAnd then here is the comment:\n" + comment.Text
		comp, err := p.completer.Complete(ctx, llm.Request{
			Model:        req.LLM.ModelName,
			SystemPrompt: req.LLM.SystemPrompt,
			UserPrompt:   prompt,
			APIKey:       req.APIKey,
			Format:       claimsFormat(),
		})
		if err != nil {
			return err
		}
		usages[i] = comp.Usage
		claims := parseClaims(comp.Text, p.logger)
		for j := range claims {
			claims[j].CommentID = comment.ID
			claims[j].Speaker = comment.Speaker
		}
		perComment[i] = claims
		return nil
	})
	if err != nil {
		return nil, err
	}

	var all []Claim
	var usage llm.Usage
	for i := range perComment {
		all = append(all, perComment[i]...)
		usage.Add(usages[i])
	}

	tree := placeClaims(all, req.Tree.Topics, p.logger)
	cost := p.pricing.Cost(req.LLM.ModelName, usage.PromptTokens, usage.CompletionTokens)

	p.recorder.Record(ctx, telemetry.StageRecord{
		Run:      telemetry.RunFrom(ctx),
		Stage:    stageClaims,
		Model:    req.LLM.ModelName,
		Usage:    usage,
		Cost:     cost,
		Duration: time.Since(start),
		Metrics: map[string]float64{
			"comments": float64(len(req.Comments)),
			"claims":   float64(len(all)),
			"topics":   float64(tree.Len()),
		},
		Tables: claimsTable(req.Comments, perComment),
	})

	return &ClaimsResult{Data: tree, Usage: usage, Cost: cost}, nil
}

// parseClaims pulls the claim list out of a model response. Both the
// documented {"claims": [...]} wrapper and a bare array are accepted;
// anything else yields no claims.
func parseClaims(text string, logger *slog.Logger) []Claim {
	val, err := extract.JSON(text)
	if err != nil {
		logger.Warn("claim extraction failed", "error", err)
		return nil
	}
	var items []any
	switch {
	case val.IsArray():
		items = val.Array
	default:
		arr, ok := val.Object["claims"].([]any)
		if !ok {
			logger.Warn("claims field missing from response")
			return nil
		}
		items = arr
	}

	claims := make([]Claim, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var c Claim
		if err := c.fromMap(m); err != nil {
			logger.Warn("dropping malformed claim", "error", err)
			continue
		}
		claims = append(claims, c)
	}
	return claims
}

// placeClaims accumulates claims into a tree keyed by topic and subtopic
// name, then fills in every taxonomy node that received nothing. A claim
// without a topic falls back to the taxonomy's first topic, or is dropped
// when the taxonomy is empty; a claim without a subtopic goes under
// "General".
func placeClaims(claims []Claim, topics []Topic, logger *slog.Logger) *ClaimTree {
	tree := NewClaimTree()
	for _, claim := range claims {
		if claim.TopicName == "" {
			if len(topics) == 0 {
				logger.Warn("dropping claim without topic", "claim", claim.Text)
				continue
			}
			claim.TopicName = topics[0].Name
			if len(topics[0].Subtopics) > 0 {
				claim.SubtopicName = topics[0].Subtopics[0].Name
			} else {
				claim.SubtopicName = generalSubtopic
			}
		}
		if claim.SubtopicName == "" {
			claim.SubtopicName = generalSubtopic
		}

		bucket, ok := tree.Get(claim.TopicName)
		if !ok {
			bucket = newTopicBucket()
			tree.Set(claim.TopicName, bucket)
		}
		bucket.Total++
		bucket.Speakers.Add(claim.Speaker)

		sub, ok := bucket.Subtopics.Get(claim.SubtopicName)
		if !ok {
			sub = newSubtopicBucket()
			bucket.Subtopics.Set(claim.SubtopicName, sub)
		}
		sub.Total++
		sub.Claims = append(sub.Claims, claim)
		sub.Speakers.Add(claim.Speaker)
	}

	for _, topic := range topics {
		bucket, ok := tree.Get(topic.Name)
		if !ok {
			logger.Warn("taxonomy topic received no claims", "topic", topic.Name)
			bucket = newTopicBucket()
			bucket.Subtopics.Set(noneSubtopic, newSubtopicBucket())
			tree.Set(topic.Name, bucket)
			continue
		}
		for _, sub := range topic.Subtopics {
			if _, ok := bucket.Subtopics.Get(sub.Name); !ok {
				bucket.Subtopics.Set(sub.Name, newSubtopicBucket())
			}
		}
	}
	return tree
}

// claimsTable samples comment-to-claims rows for telemetry.
func claimsTable(comments []Comment, perComment [][]Claim) map[string][][]string {
	rows := make([][]string, 0, len(comments))
	for i, comment := range comments {
		if perComment[i] == nil {
			continue
		}
		encoded, err := json.Marshal(perComment[i])
		if err != nil {
			continue
		}
		rows = append(rows, []string{comment.Text, string(encoded)})
	}
	return map[string][][]string{"comments_to_claims": rows}
}
