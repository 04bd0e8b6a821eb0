package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/plenumlabs/plenum/pkg/extract"
	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// SortClaims deduplicates each subtopic's claims and sorts the whole tree
// by popularity: topics and subtopics by the requested sort key, claims by
// duplicate count. Near-duplicates nest under the first claim of their
// group. Subtopics holding a single claim skip the LLM entirely.
func (p *Pipeline) SortClaims(ctx context.Context, req SortRequest) (*SortResult, error) {
	if req.Sort != SortByPeople && req.Sort != SortByClaims {
		return nil, fmt.Errorf("%w: unknown sort %q", ErrInvalidInput, req.Sort)
	}
	if req.Tree == nil {
		return nil, fmt.Errorf("%w: tree is required", ErrInvalidInput)
	}
	if req.LLM.ModelName == "" {
		return nil, fmt.Errorf("%w: llm.model_name is required", ErrInvalidInput)
	}
	for _, topicName := range req.Tree.Keys() {
		bucket, _ := req.Tree.Get(topicName)
		if bucket == nil || bucket.Subtopics == nil {
			return nil, fmt.Errorf("%w: topic %q has no subtopics object", ErrInvalidInput, topicName)
		}
	}

	start := time.Now()

	// One dedup call per subtopic holding more than one claim.
	type dedupJob struct {
		topic, subtopic string
		claims          []Claim
		neighbors       map[int][]int
		usage           llm.Usage
	}
	var jobs []*dedupJob
	for _, topicName := range req.Tree.Keys() {
		bucket, _ := req.Tree.Get(topicName)
		for _, subName := range bucket.Subtopics.Keys() {
			sub, _ := bucket.Subtopics.Get(subName)
			if sub != nil && sub.Total > 1 {
				jobs = append(jobs, &dedupJob{topic: topicName, subtopic: subName, claims: sub.Claims})
			}
		}
	}

	err := p.forEach(ctx, len(jobs), func(ctx context.Context, i int) error {
		job := jobs[i]
		neighbors, usage, err := p.dedupClaims(ctx, req.LLM, req.APIKey, job.claims)
		if err != nil {
			return err
		}
		job.neighbors = neighbors
		job.usage = usage
		return nil
	})
	if err != nil {
		return nil, err
	}

	lookup := make(map[string]*dedupJob, len(jobs))
	for _, job := range jobs {
		lookup[job.topic+"\x00"+job.subtopic] = job
	}

	var usage llm.Usage
	var dupeRows [][]string
	tree := make(SortedTree, 0, req.Tree.Len())
	for _, topicName := range req.Tree.Keys() {
		bucket, _ := req.Tree.Get(topicName)
		if bucket.Subtopics.Len() == 0 {
			p.logger.Warn("topic has no subtopics", "topic", topicName)
		}
		topicTotal := 0
		topicSpeakers := NewStringSet()
		subs := make([]SortedSubtopic, 0, bucket.Subtopics.Len())
		for _, subName := range bucket.Subtopics.Keys() {
			sub, _ := bucket.Subtopics.Get(subName)
			if sub == nil {
				sub = newSubtopicBucket()
			}
			topicTotal += sub.Total

			speakers := NewStringSet()
			var sorted []Claim
			if job, ok := lookup[topicName+"\x00"+subName]; ok {
				for _, c := range job.claims {
					speakers.Add(speakerOrUnknown(c, p.logger))
				}
				sorted = foldDuplicates(job.claims, job.neighbors)
				usage.Add(job.usage)
				dupeRows = append(dupeRows, dedupRow(job.claims, sorted))
			} else {
				sorted = sub.Claims
				if len(sub.Claims) > 0 {
					speakers.Add(speakerOrUnknown(sub.Claims[0], p.logger))
				} else {
					p.logger.Warn("subtopic has no claims", "subtopic", subName)
				}
			}
			if sorted == nil {
				sorted = []Claim{}
			}

			subs = append(subs, SortedSubtopic{
				Name: subName,
				Details: SubtopicDetails{
					Claims:   sorted,
					Speakers: speakers.Values(),
					Counts:   TreeCounts{Claims: sub.Total, Speakers: speakers.Len()},
				},
			})
			topicSpeakers.Merge(speakers)
		}

		sort.SliceStable(subs, func(i, j int) bool {
			return lessByCounts(subs[i].Details.Counts, subs[j].Details.Counts, req.Sort)
		})

		tree = append(tree, SortedTopic{
			Name: topicName,
			Details: TopicDetails{
				Subtopics: subs,
				Speakers:  topicSpeakers.Values(),
				Counts:    TreeCounts{Claims: topicTotal, Speakers: topicSpeakers.Len()},
			},
		})
	}

	sort.SliceStable(tree, func(i, j int) bool {
		return lessByCounts(tree[i].Details.Counts, tree[j].Details.Counts, req.Sort)
	})

	cost := p.pricing.Cost(req.LLM.ModelName, usage.PromptTokens, usage.CompletionTokens)
	p.recorder.Record(ctx, telemetry.StageRecord{
		Run:      telemetry.RunFrom(ctx),
		Stage:    stageSort,
		Model:    req.LLM.ModelName,
		Usage:    usage,
		Cost:     cost,
		Duration: time.Since(start),
		Metrics: map[string]float64{
			"topics":      float64(req.Tree.Len()),
			"dedup_calls": float64(len(jobs)),
		},
		Tables: map[string][][]string{"deduped_claims": dupeRows},
	})

	return &SortResult{Data: tree, Usage: usage, Cost: cost}, nil
}

// lessByCounts orders nodes most popular first under the given sort key.
func lessByCounts(a, b TreeCounts, sortKey string) bool {
	if sortKey == SortByClaims {
		return a.Claims > b.Claims
	}
	return a.Speakers > b.Speakers
}

// dedupClaims asks the model which of the given claims are near-duplicates
// of each other. Claims are numbered claimId0..claimIdN-1 in the prompt and
// the response refers to them by those ids.
func (p *Pipeline) dedupClaims(ctx context.Context, cfg LLMConfig, apiKey string, claims []Claim) (map[int][]int, llm.Usage, error) {
	var prompt strings.Builder
	prompt.WriteString(cfg.UserPrompt)
	for i, c := range claims {
		prompt.WriteString("\nclaimId")
		prompt.WriteString(strconv.Itoa(i))
		prompt.WriteString(": ")
		prompt.WriteString(c.Text)
	}

	comp, err := p.completer.Complete(ctx, llm.Request{
		Model:        cfg.ModelName,
		SystemPrompt: cfg.SystemPrompt,
		UserPrompt:   prompt.String(),
		APIKey:       apiKey,
		Format:       dedupFormat(),
	})
	if err != nil {
		return nil, llm.Usage{}, err
	}
	return closeNesting(parseNesting(comp.Text, p.logger)), comp.Usage, nil
}

// parseNesting reads a {"nesting": {"claimId<k>": ["claimId<j>", ...]}}
// response. Unusable responses yield an empty relation, which keeps every
// claim canonical.
func parseNesting(text string, logger *slog.Logger) map[int][]int {
	val, err := extract.JSON(text)
	if err != nil {
		logger.Warn("dedup extraction failed", "error", err)
		return nil
	}
	if val.IsArray() {
		logger.Warn("dedup response is not an object")
		return nil
	}
	raw, ok := val.Object["nesting"].(map[string]any)
	if !ok {
		logger.Warn("nesting field missing from dedup response")
		return nil
	}

	nesting := make(map[int][]int, len(raw))
	for key, v := range raw {
		id, ok := claimIndex(key)
		if !ok {
			logger.Warn("skipping malformed claim id", "key", key)
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		ids := make([]int, 0, len(arr))
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if j, ok := claimIndex(s); ok {
				ids = append(ids, j)
			}
		}
		nesting[id] = ids
	}
	return nesting
}

// claimIndex parses the numeric k out of "claimId<k>", splitting on the
// literal "Id".
func claimIndex(key string) (int, bool) {
	_, num, found := strings.Cut(key, "Id")
	if !found {
		return 0, false
	}
	id, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return id, true
}

// closeNesting symmetrizes the model's duplicate relation: the relation may
// arrive one-sided (0 lists 1, but 1 lists nothing), so every member of a
// reported group becomes a neighbor of every other member. Keys process in
// ascending order to keep group assembly deterministic.
func closeNesting(nesting map[int][]int) map[int][]int {
	closed := make(map[int][]int)
	if len(nesting) == 0 {
		return closed
	}
	ids := make([]int, 0, len(nesting))
	for id := range nesting {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		vals := nesting[id]
		if len(vals) == 0 {
			continue
		}
		group := append([]int{id}, vals...)
		for i, member := range group {
			others := make([]int, 0, len(group)-1)
			for j, other := range group {
				if j != i {
					others = append(others, other)
				}
			}
			existing, ok := closed[member]
			if !ok {
				closed[member] = others
				continue
			}
			for _, other := range others {
				if !slices.Contains(existing, other) {
					existing = append(existing, other)
				}
			}
			closed[member] = existing
		}
	}
	return closed
}

// foldDuplicates rewrites the claim list so each duplicate group keeps its
// first claim as canonical with the rest nested under it. Canonicals sort
// by duplicate count, most first; the sort is stable so earlier claims win
// ties. Neighbor ids outside [0, len) are ignored.
func foldDuplicates(claims []Claim, neighbors map[int][]int) []Claim {
	visited := make(map[int]bool, len(claims))
	out := make([]Claim, 0, len(claims))
	for k := range claims {
		if visited[k] {
			continue
		}
		canonical := claims[k].clone()
		canonical.Duplicates = []Claim{}
		for _, m := range neighbors[k] {
			if m == k || m < 0 || m >= len(claims) || visited[m] {
				continue
			}
			dup := claims[m].clone()
			dup.Duplicated = true
			canonical.Duplicates = append(canonical.Duplicates, dup)
			visited[m] = true
		}
		visited[k] = true
		out = append(out, canonical)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Duplicates) > len(out[j].Duplicates)
	})
	return out
}

// speakerOrUnknown returns the claim's speaker, or "unknown" when none was
// recorded.
func speakerOrUnknown(c Claim, logger *slog.Logger) string {
	if c.Speaker == "" {
		logger.Warn("claim has no speaker", "claim", c.Text)
		return "unknown"
	}
	return c.Speaker
}

// dedupRow renders a before/after pair for the telemetry table.
func dedupRow(before, after []Claim) []string {
	b, err := json.Marshal(before)
	if err != nil {
		b = []byte("[]")
	}
	a, err := json.Marshal(after)
	if err != nil {
		a = []byte("[]")
	}
	return []string{string(b), string(a)}
}
