package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/plenumlabs/plenum/pkg/extract"
	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// noDescription stands in when the taxonomy has no entry for a subtopic.
const noDescription = "No further details"

// Cruxes synthesizes, for every subtopic holding at least two claims from
// two distinct speakers, a crux statement that best splits those speakers
// into agree and disagree camps. Claims go to the model with anonymized
// numeric speaker ids; names are restored afterwards. Every crux pair is
// then scored by how differently speakers fall across the two statements.
func (p *Pipeline) Cruxes(ctx context.Context, req CruxesRequest) (*CruxesResult, error) {
	if req.CruxTree == nil {
		return nil, fmt.Errorf("%w: crux_tree is required", ErrInvalidInput)
	}
	if req.LLM.ModelName == "" {
		return nil, fmt.Errorf("%w: llm.model_name is required", ErrInvalidInput)
	}
	for _, topicName := range req.CruxTree.Keys() {
		bucket, _ := req.CruxTree.Get(topicName)
		if bucket == nil || bucket.Subtopics == nil {
			return nil, fmt.Errorf("%w: topic %q has no subtopics object", ErrInvalidInput, topicName)
		}
	}

	start := time.Now()
	descriptions := descriptionIndex(req.Topics)
	speakerIDs := anonymousSpeakerIDs(req.CruxTree)

	type cruxJob struct {
		title, description string
		claims             []Claim
		crux               *rawCrux
		usage              llm.Usage
	}
	var jobs []*cruxJob
	for _, topicName := range req.CruxTree.Keys() {
		bucket, _ := req.CruxTree.Get(topicName)
		for _, subName := range bucket.Subtopics.Keys() {
			sub, _ := bucket.Subtopics.Get(subName)
			if sub == nil || len(sub.Claims) < 2 {
				p.logger.Warn("fewer than two claims", "subtopic", subName)
				continue
			}
			description, ok := descriptions[subName]
			if !ok {
				p.logger.Warn("no description for subtopic", "subtopic", subName)
				description = noDescription
			}
			jobs = append(jobs, &cruxJob{
				title:       topicName + ", " + subName,
				description: description,
				claims:      sub.Claims,
			})
		}
	}

	err := p.forEach(ctx, len(jobs), func(ctx context.Context, i int) error {
		job := jobs[i]
		crux, usage, err := p.cruxForTopic(ctx, req.LLM, req.APIKey, job.title, job.description, job.claims, speakerIDs)
		if err != nil {
			return err
		}
		job.crux = crux
		job.usage = usage
		return nil
	})
	if err != nil {
		return nil, err
	}

	idsToSpeakers := make(map[string]string, len(speakerIDs))
	for name, id := range speakerIDs {
		idsToSpeakers[id] = name
	}

	var usage llm.Usage
	cruxes := make([]CruxClaim, 0, len(jobs))
	var detailRows [][]string
	for _, job := range jobs {
		usage.Add(job.usage)
		if job.crux == nil {
			continue
		}
		named := CruxClaim{
			CruxClaim:   job.crux.Claim,
			Agree:       nameSpeakers(job.crux.Agree, idsToSpeakers, p.logger),
			Disagree:    nameSpeakers(job.crux.Disagree, idsToSpeakers, p.logger),
			Explanation: job.crux.Explanation,
		}
		cruxes = append(cruxes, named)
		detailRows = append(detailRows, []string{
			named.CruxClaim,
			named.Explanation,
			strings.Join(named.Agree, ", "),
			strings.Join(named.Disagree, ", "),
			spokenClaims(job.claims),
			job.title,
			job.description,
		})
	}

	// Ternary opinion rows over the sorted speaker roster: agree 1,
	// disagree 0.5, unknown 0.
	names := make([]string, 0, len(speakerIDs))
	for name := range speakerIDs {
		names = append(names, name)
	}
	sort.Strings(names)

	scores := make([][]float64, len(cruxes))
	for i, crux := range cruxes {
		agree := NewStringSet(crux.Agree...)
		disagree := NewStringSet(crux.Disagree...)
		row := make([]float64, len(names))
		for j, name := range names {
			labeled := speakerIDs[name] + ":" + name
			switch {
			case agree.Has(labeled):
				row[j] = 1
			case disagree.Has(labeled):
				row[j] = 0.5
			}
		}
		scores[i] = row
	}

	matrix := controversyMatrix(scores)
	texts := make([]string, len(cruxes))
	for i, c := range cruxes {
		texts[i] = c.CruxClaim
	}
	top := topCruxes(matrix, texts, req.TopK)

	cost := p.pricing.Cost(req.LLM.ModelName, usage.PromptTokens, usage.CompletionTokens)
	p.recorder.Record(ctx, telemetry.StageRecord{
		Run:      telemetry.RunFrom(ctx),
		Stage:    stageCruxes,
		Model:    req.LLM.ModelName,
		Usage:    usage,
		Cost:     cost,
		Duration: time.Since(start),
		Metrics: map[string]float64{
			"subtopics_analyzed": float64(len(jobs)),
			"cruxes":             float64(len(cruxes)),
			"speakers":           float64(len(names)),
		},
		Tables: map[string][][]string{"crux_details": detailRows},
	})

	return &CruxesResult{
		CruxClaims:        cruxes,
		ControversyMatrix: matrix,
		TopCruxes:         top,
		Usage:             usage,
		Cost:              cost,
	}, nil
}

// rawCrux is a model crux before speaker ids resolve to names.
type rawCrux struct {
	Claim       string
	Agree       []string
	Disagree    []string
	Explanation string
}

// cruxForTopic sends one subtopic's claims, speaker-anonymized, and asks
// for the statement that best splits the speakers. Subtopics with fewer
// than two distinct speakers are skipped without a call.
func (p *Pipeline) cruxForTopic(ctx context.Context, cfg LLMConfig, apiKey, title, description string, claims []Claim, speakerIDs map[string]string) (*rawCrux, llm.Usage, error) {
	anon := make([]string, 0, len(claims))
	seen := NewStringSet()
	for _, c := range claims {
		if c.Speaker == "" {
			continue
		}
		id := speakerIDs[c.Speaker]
		seen.Add(id)
		anon = append(anon, id+":"+c.Text)
	}
	if seen.Len() < 2 {
		p.logger.Warn("fewer than two speakers", "topic", title)
		return nil, llm.Usage{}, nil
	}

	anonJSON, err := json.Marshal(anon)
	if err != nil {
		return nil, llm.Usage{}, err
	}
	prompt := cfg.UserPrompt +
		"\nTopic: " + title + ": " + description +
		"\nParticipant claims: \n" + string(anonJSON)

	comp, err := p.completer.Complete(ctx, llm.Request{
		Model:        cfg.ModelName,
		SystemPrompt: cfg.SystemPrompt,
		UserPrompt:   prompt,
		APIKey:       apiKey,
		Format:       cruxFormat(),
	})
	if err != nil {
		return nil, llm.Usage{}, err
	}
	return parseCrux(comp.Text, p.logger), comp.Usage, nil
}

// parseCrux accepts either the documented {"crux": {...}} wrapper or a bare
// crux object. Anything else is nil and the subtopic is skipped.
func parseCrux(text string, logger *slog.Logger) *rawCrux {
	val, err := extract.JSON(text)
	if err != nil {
		logger.Warn("crux extraction failed", "error", err)
		return nil
	}
	if val.IsArray() {
		logger.Warn("crux response is not an object")
		return nil
	}
	obj := val.Object
	if inner, ok := obj["crux"].(map[string]any); ok {
		obj = inner
	}
	if _, ok := obj["cruxClaim"]; !ok {
		logger.Warn("crux response lacks cruxClaim")
		return nil
	}
	crux := &rawCrux{
		Claim:       stringField(obj, "cruxClaim"),
		Agree:       stringSlice(obj, "agree"),
		Disagree:    stringSlice(obj, "disagree"),
		Explanation: stringField(obj, "explanation"),
	}
	if crux.Explanation == "" {
		crux.Explanation = "N/A"
	}
	return crux
}

// spokenClaims renders claims with readable speaker names for the telemetry
// table. Names stay out of model prompts; the table is internal.
func spokenClaims(claims []Claim) string {
	spoken := make([]string, 0, len(claims))
	for _, c := range claims {
		spoken = append(spoken, c.Speaker+": "+c.Text)
	}
	data, err := json.Marshal(spoken)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// nameSpeakers rewrites model-emitted speaker entries as "id:name". The
// model may echo claim text after the id; everything past the first colon
// is discarded. Ids that resolve to no known speaker are dropped.
func nameSpeakers(entries []string, idsToSpeakers map[string]string, logger *slog.Logger) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		id, _, _ := strings.Cut(entry, ":")
		name, ok := idsToSpeakers[id]
		if !ok {
			logger.Warn("crux references unknown speaker id", "id", id)
			continue
		}
		out = append(out, id+":"+name)
	}
	return out
}

// controversyMatrix scores every crux pair from per-speaker opinion rows.
// For each speaker and pair: matching opinions add nothing, one unknown
// opinion adds 0.5, and opposing known opinions add 1. The result is
// symmetric with a zero diagonal.
func controversyMatrix(scores [][]float64) [][]float64 {
	n := len(scores)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for s := range scores[i] {
			for j := i + 1; j < n; j++ {
				a, b := scores[i][s], scores[j][s]
				if a == b {
					continue
				}
				if a == 0 || b == 0 {
					matrix[i][j] += 0.5
					matrix[j][i] += 0.5
				} else {
					matrix[i][j] += 1
					matrix[j][i] += 1
				}
			}
		}
	}
	return matrix
}

// topCruxes returns the K highest-scoring crux pairs from the upper
// triangle. K of zero or less defaults to min(ceil(sqrt(crux count)), 10).
// Ties keep matrix order.
func topCruxes(matrix [][]float64, texts []string, topK int) []TopCrux {
	k := topK
	if k <= 0 {
		k = int(math.Ceil(math.Sqrt(float64(len(texts)))))
		if k > 10 {
			k = 10
		}
	}

	type scored struct {
		score float64
		x, y  int
	}
	var pairs []scored
	for x := range matrix {
		for y := x + 1; y < len(matrix); y++ {
			pairs = append(pairs, scored{matrix[x][y], x, y})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})
	if k > len(pairs) {
		k = len(pairs)
	}

	out := make([]TopCrux, 0, k)
	for _, pair := range pairs[:k] {
		out = append(out, TopCrux{Score: pair.score, CruxA: texts[pair.x], CruxB: texts[pair.y]})
	}
	return out
}
