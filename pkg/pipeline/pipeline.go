// Package pipeline implements the four report-building stages: taxonomy
// induction, claim extraction, dedup/sort, and crux analysis. Each stage is
// independently callable, takes its own LLM configuration, and returns the
// structured result together with token usage and estimated cost.
package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/pricing"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// DefaultWorkers bounds per-stage LLM fan-out when no limit is configured.
const DefaultWorkers = 4

// Stage names used in telemetry records.
const (
	stageTopicTree = "topic_tree"
	stageClaims    = "claims"
	stageSort      = "sort_claims_tree"
	stageCruxes    = "cruxes"
)

// Options configures a Pipeline. Completer is required; everything else
// has a usable default.
type Options struct {
	Completer llm.Completer
	Pricing   *pricing.Table
	Recorder  telemetry.Recorder
	Filter    CommentFilter
	// Workers bounds concurrent LLM calls within one stage invocation.
	Workers int
	Logger  *slog.Logger
}

// Pipeline executes the report-building stages against one LLM backend.
// Safe for concurrent use; state is read-only after construction.
type Pipeline struct {
	completer llm.Completer
	pricing   *pricing.Table
	recorder  telemetry.Recorder
	filter    CommentFilter
	workers   int
	logger    *slog.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Completer == nil {
		panic("pipeline.New: completer must not be nil")
	}
	if opts.Pricing == nil {
		opts.Pricing = pricing.Builtin()
	}
	if opts.Recorder == nil {
		opts.Recorder = telemetry.Nop()
	}
	if opts.Filter == (CommentFilter{}) {
		opts.Filter = DefaultFilter
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		completer: opts.Completer,
		pricing:   opts.Pricing,
		recorder:  opts.Recorder,
		filter:    opts.Filter,
		workers:   opts.Workers,
		logger:    opts.Logger.With("component", "pipeline"),
	}
}

// forEach runs fn for every index in [0, n) on at most p.workers
// goroutines. The first error cancels the remaining work and is returned.
func (p *Pipeline) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i)
		})
	}
	return g.Wait()
}

// stringField reads a string value from a decoded JSON object, tolerating
// absent or non-string values.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// stringSlice reads a string array from a decoded JSON object, dropping
// non-string entries.
func stringSlice(m map[string]any, key string) []string {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
