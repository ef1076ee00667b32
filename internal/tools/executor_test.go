package tools

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/llm"
)

func testRegistry(t *testing.T) (*Registry, *atomic.Int64) {
	t.Helper()
	var execCount atomic.Int64
	r := NewRegistry()
	r.Register(&Tool{
		Name: "echo",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			execCount.Add(1)
			return args["text"].(string), nil
		},
	})
	r.Register(&Tool{
		Name:       "fail",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("backend unavailable")
		},
	})
	r.Register(&Tool{
		Name:       "panics",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("boom")
		},
	})
	r.Register(&Tool{
		Name:       "slow",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "done", nil
		},
	})
	return r, &execCount
}

func TestExecuteDeduplicatesByCallID(t *testing.T) {
	r, execCount := testRegistry(t)
	e := NewExecutor(r, nil)

	calls := []llm.ToolCall{
		{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hello"}},
		{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hello"}},
		{ID: "call_2", Name: "echo", Arguments: map[string]any{"text": "world"}},
	}
	results := e.Execute(context.Background(), calls)

	if len(results) != 3 {
		t.Fatalf("results = %d, want one per input call", len(results))
	}
	// Exactly one execution per unique id.
	if got := execCount.Load(); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}
	if results[0].Message != "hello" || results[1].Message != "hello" {
		t.Errorf("duplicate should reuse the first result: %q vs %q", results[0].Message, results[1].Message)
	}
	if results[2].Message != "world" {
		t.Errorf("third result = %q", results[2].Message)
	}
	for i, want := range []string{"call_1", "call_1", "call_2"} {
		if results[i].ToolCallID != want {
			t.Errorf("result %d id = %s, want %s", i, results[i].ToolCallID, want)
		}
	}
}

func TestExecuteConcurrentPreservesCorrespondence(t *testing.T) {
	r, _ := testRegistry(t)
	e := NewExecutor(r, nil)

	// Mix fast and slow calls so completion order differs from input
	// order; results must still line up by id.
	calls := []llm.ToolCall{
		{ID: "call_slow", Name: "slow", Arguments: map[string]any{}},
		{ID: "call_fast", Name: "echo", Arguments: map[string]any{"text": "quick"}},
	}
	results := e.Execute(context.Background(), calls)

	if results[0].ToolCallID != "call_slow" || results[0].Message != "done" {
		t.Errorf("result 0 = %+v, want slow call result", results[0])
	}
	if results[1].ToolCallID != "call_fast" || results[1].Message != "quick" {
		t.Errorf("result 1 = %+v, want fast call result", results[1])
	}
}

func TestExecuteFailureCaptured(t *testing.T) {
	r, _ := testRegistry(t)
	e := NewExecutor(r, nil)

	results := e.Execute(context.Background(), []llm.ToolCall{
		{ID: "call_1", Name: "fail", Arguments: map[string]any{}},
	})
	if results[0].Success {
		t.Error("failed handler reported success")
	}
	if results[0].Error != "backend unavailable" {
		t.Errorf("error = %q", results[0].Error)
	}
}

func TestExecutePanicCaptured(t *testing.T) {
	r, _ := testRegistry(t)
	e := NewExecutor(r, nil)

	results := e.Execute(context.Background(), []llm.ToolCall{
		{ID: "call_1", Name: "panics", Arguments: map[string]any{}},
	})
	if results[0].Success {
		t.Error("panicking handler reported success")
	}
	if results[0].Error == "" {
		t.Error("panic should surface in the result error")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := testRegistry(t)
	e := NewExecutor(r, nil)

	results := e.Execute(context.Background(), []llm.ToolCall{
		{ID: "call_1", Name: "no_such_tool", Arguments: map[string]any{}},
	})
	if results[0].Success {
		t.Error("unknown tool reported success")
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	r, execCount := testRegistry(t)
	e := NewExecutor(r, nil)

	results := e.Execute(context.Background(), []llm.ToolCall{
		{ID: "call_1", Name: "echo", Arguments: map[string]any{}},
	})
	if results[0].Success {
		t.Error("missing required argument reported success")
	}
	if execCount.Load() != 0 {
		t.Error("handler ran despite validation failure")
	}
}

func TestExecuteRecordsDuration(t *testing.T) {
	r, _ := testRegistry(t)
	e := NewExecutor(r, nil)

	results := e.Execute(context.Background(), []llm.ToolCall{
		{ID: "call_1", Name: "slow", Arguments: map[string]any{}},
	})
	if results[0].Duration < 20*time.Millisecond {
		t.Errorf("duration = %v, want >= 20ms", results[0].Duration)
	}
}
