package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/telemetry"
)

// scriptEntry defines a single scripted completion.
type scriptEntry struct {
	Text  string
	Usage llm.Usage // zero value auto-fills 10/5/15
	Err   error
}

// scriptedCompleter implements llm.Completer with dual dispatch: entries
// routed by a user-prompt substring for fan-out stages where call order is
// non-deterministic, plus a sequential fallback for single-call stages.
type scriptedCompleter struct {
	mu         sync.Mutex
	sequential []scriptEntry
	seqIndex   int
	routeOrder []string
	routes     map[string][]scriptEntry // prompt substring → script
	routeIndex map[string]int
	captured   []llm.Request
}

func newScriptedCompleter() *scriptedCompleter {
	return &scriptedCompleter{
		routes:     make(map[string][]scriptEntry),
		routeIndex: make(map[string]int),
	}
}

// addSequential adds an entry consumed in call order when no route matches.
func (c *scriptedCompleter) addSequential(entry scriptEntry) {
	c.sequential = append(c.sequential, entry)
}

// addRouted adds an entry consumed by the next call whose user prompt
// contains match.
func (c *scriptedCompleter) addRouted(match string, entry scriptEntry) {
	if _, ok := c.routes[match]; !ok {
		c.routeOrder = append(c.routeOrder, match)
	}
	c.routes[match] = append(c.routes[match], entry)
}

// Complete implements llm.Completer.
func (c *scriptedCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if entry.Err != nil {
		return nil, entry.Err
	}
	usage := entry.Usage
	if usage == (llm.Usage{}) {
		usage = llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return &llm.Completion{Text: entry.Text, Usage: usage}, nil
}

// nextEntry selects the next script entry, routed first, then sequential.
// Must be called with c.mu held.
func (c *scriptedCompleter) nextEntry(req llm.Request) (*scriptEntry, error) {
	for _, match := range c.routeOrder {
		if !strings.Contains(req.UserPrompt, match) {
			continue
		}
		entries := c.routes[match]
		idx := c.routeIndex[match]
		if idx < len(entries) {
			c.routeIndex[match] = idx + 1
			return &entries[idx], nil
		}
	}
	if c.seqIndex < len(c.sequential) {
		entry := &c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}
	return nil, fmt.Errorf("scriptedCompleter: no entry left for prompt %.60q (sequential=%d/%d)",
		req.UserPrompt, c.seqIndex, len(c.sequential))
}

// callCount returns the total number of Complete calls made.
func (c *scriptedCompleter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

// requests returns a copy of every captured request in call order.
func (c *scriptedCompleter) requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// captureRecorder collects stage records for assertions.
type captureRecorder struct {
	mu      sync.Mutex
	records []telemetry.StageRecord
}

func (r *captureRecorder) Record(_ context.Context, rec telemetry.StageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *captureRecorder) last(t *testing.T) telemetry.StageRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		t.Fatal("no stage records captured")
	}
	return r.records[len(r.records)-1]
}

// setupPipeline creates a Pipeline wired to the given completer, with
// logging discarded and everything else at defaults.
func setupPipeline(t *testing.T, completer llm.Completer, opts ...func(*Options)) *Pipeline {
	t.Helper()
	o := Options{
		Completer: completer,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return New(o)
}

// testLLM returns the stage LLM config used across tests. The model is in
// the builtin pricing table so cost assertions have real rates.
func testLLM() LLMConfig {
	return LLMConfig{
		ModelName:    "gpt-4o-mini",
		SystemPrompt: "You are a test assistant.",
		UserPrompt:   "Do the thing with this input.",
	}
}
