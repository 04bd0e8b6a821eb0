package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plenumlabs/plenum/pkg/llm"
)

func sampleRecord() StageRecord {
	return StageRecord{
		Run:      "run-1",
		Stage:    "claims",
		Model:    "gpt-4o-mini",
		Usage:    llm.Usage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160},
		Cost:     0.0042,
		Duration: 1500 * time.Millisecond,
		Metrics:  map[string]float64{"comments": 12},
		Tables: map[string][][]string{
			"claims": {{"claim text", "quote", "Pets", "Cats"}},
		},
	}
}

func TestRunIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunFrom(ctx), "untagged context has no run id")

	id := NewRunID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	tagged := WithRun(ctx, id)
	assert.Equal(t, id, RunFrom(tagged))
	assert.Empty(t, RunFrom(ctx), "tagging never mutates the parent")

	assert.NotEqual(t, id, NewRunID())
}

type listRecorder struct {
	records []StageRecord
}

func (r *listRecorder) Record(_ context.Context, rec StageRecord) {
	r.records = append(r.records, rec)
}

func TestMultiFansOutInOrder(t *testing.T) {
	first := &listRecorder{}
	second := &listRecorder{}

	Multi(first, second).Record(context.Background(), sampleRecord())

	require.Len(t, first.records, 1)
	require.Len(t, second.records, 1)
	assert.Equal(t, first.records[0], second.records[0])
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Record(context.Background(), sampleRecord())
	})
}

func TestLogRecorderSummary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	NewLogRecorder(logger).Record(context.Background(), sampleRecord())

	out := buf.String()
	assert.Contains(t, out, "stage complete")
	assert.Contains(t, out, "stage=claims")
	assert.Contains(t, out, "model=gpt-4o-mini")
	assert.Contains(t, out, "prompt_tokens=120")
	assert.Contains(t, out, "completion_tokens=40")
	assert.Contains(t, out, "cost=0.0042")
	assert.Contains(t, out, "run=run-1")
	assert.Contains(t, out, "comments=12")
	assert.Contains(t, out, "claims_rows=1")
	assert.NotContains(t, out, "stage table row", "tables stay silent above debug")
}

func TestLogRecorderTablesAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLogRecorder(logger).Record(context.Background(), sampleRecord())

	out := buf.String()
	assert.Contains(t, out, "stage table row")
	assert.Contains(t, out, "table=claims")
	assert.Contains(t, out, "claim text")
}

func TestLogRecorderOmitsEmptyRun(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	rec := sampleRecord()
	rec.Run = ""
	NewLogRecorder(logger).Record(context.Background(), rec)

	assert.NotContains(t, buf.String(), "run=")
}
