// Package telemetry records per-stage pipeline activity: token counts,
// estimated spend, durations, and sample tables. Implementations own their
// synchronization; recording never blocks stage completion on errors.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plenumlabs/plenum/pkg/llm"
)

// StageRecord captures one pipeline stage execution.
type StageRecord struct {
	// Run correlates the stages of one report build. Empty when the caller
	// did not tag the context.
	Run      string
	Stage    string
	Model    string
	Usage    llm.Usage
	Cost     float64
	Duration time.Duration
	// Metrics carries stage-specific gauges, e.g. comment or topic counts.
	Metrics map[string]float64
	// Tables carries small row samples for offline review.
	Tables map[string][][]string
}

// Recorder receives stage records.
type Recorder interface {
	Record(ctx context.Context, rec StageRecord)
}

type ctxKey struct{}

// NewRunID returns a fresh id for correlating the stages of one run.
func NewRunID() string { return uuid.New().String() }

// WithRun tags the context with a run id.
func WithRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RunFrom returns the run id from the context, or "" when untagged.
func RunFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

type nop struct{}

func (nop) Record(context.Context, StageRecord) {}

// Nop returns a recorder that discards everything.
func Nop() Recorder { return nop{} }

type multi []Recorder

func (m multi) Record(ctx context.Context, rec StageRecord) {
	for _, r := range m {
		r.Record(ctx, rec)
	}
}

// Multi fans records out to every given recorder in order.
func Multi(recorders ...Recorder) Recorder { return multi(recorders) }

// LogRecorder writes one structured log line per stage.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a LogRecorder. A nil logger uses slog.Default.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger.With("component", "telemetry")}
}

func (r *LogRecorder) Record(ctx context.Context, rec StageRecord) {
	attrs := []any{
		"stage", rec.Stage,
		"model", rec.Model,
		"prompt_tokens", rec.Usage.PromptTokens,
		"completion_tokens", rec.Usage.CompletionTokens,
		"total_tokens", rec.Usage.TotalTokens,
		"cost", rec.Cost,
		"duration", rec.Duration,
	}
	if rec.Run != "" {
		attrs = append(attrs, "run", rec.Run)
	}
	for name, value := range rec.Metrics {
		attrs = append(attrs, name, value)
	}
	for name, rows := range rec.Tables {
		attrs = append(attrs, name+"_rows", len(rows))
	}
	r.logger.InfoContext(ctx, "stage complete", attrs...)

	if !r.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	for name, rows := range rec.Tables {
		for i, row := range rows {
			r.logger.DebugContext(ctx, "stage table row",
				"stage", rec.Stage, "table", name, "index", i, "row", row)
		}
	}
}
