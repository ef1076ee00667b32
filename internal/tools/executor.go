package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/llm"
)

// Executor runs tool calls against a registry. Execution never returns a
// Go error to the caller: panics, validation failures, and handler errors
// are all captured into ToolResults with Success=false so the model can
// react on the next iteration.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		logger:   logger.With("component", "executor"),
	}
}

// Execute runs a batch of tool calls and returns one ToolResult per
// input call, in input order.
//
// Providers occasionally emit the same call id twice in one response;
// only the first occurrence of an id is executed and its result is
// reused for the duplicates. Distinct calls fan out concurrently and all
// results are collected before returning, regardless of completion order.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall) []ToolResult {
	unique := make([]llm.ToolCall, 0, len(calls))
	seen := make(map[string]int, len(calls))
	for _, call := range calls {
		if idx, dup := seen[call.ID]; dup {
			e.logger.Warn("duplicate tool call id, reusing first result",
				"id", call.ID, "tool", call.Name, "first", unique[idx].Name)
			continue
		}
		seen[call.ID] = len(unique)
		unique = append(unique, call)
	}

	results := make([]ToolResult, len(unique))
	if len(unique) == 1 {
		results[0] = e.executeOne(ctx, unique[0])
	} else {
		var wg sync.WaitGroup
		for i, call := range unique {
			wg.Add(1)
			go func(i int, call llm.ToolCall) {
				defer wg.Done()
				results[i] = e.executeOne(ctx, call)
			}(i, call)
		}
		wg.Wait()
	}

	// Expand back to input order, duplicates sharing their first result.
	out := make([]ToolResult, len(calls))
	for i, call := range calls {
		out[i] = results[seen[call.ID]]
		out[i].ToolCallID = call.ID
	}
	return out
}

func (e *Executor) executeOne(ctx context.Context, call llm.ToolCall) (result ToolResult) {
	start := time.Now()
	result = ToolResult{ToolCallID: call.ID, Name: call.Name}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("tool %s panicked: %v", call.Name, r)
			e.logger.Error("tool handler panic", "tool", call.Name, "panic", r)
		}
		result.Duration = time.Since(start)
	}()

	tool := e.registry.Get(call.Name)
	if tool == nil {
		result.Error = fmt.Sprintf("unknown tool %q", call.Name)
		e.logger.Warn("unknown tool requested", "tool", call.Name)
		return result
	}

	if msg := validateArgs(tool.Parameters, call.Arguments); msg != "" {
		result.Error = msg
		e.logger.Warn("tool argument validation failed", "tool", call.Name, "reason", msg)
		return result
	}

	e.logger.Debug("executing tool", "tool", call.Name, "id", call.ID)
	msg, err := tool.Handler(ctx, call.Arguments)
	if err != nil {
		result.Error = err.Error()
		e.logger.Warn("tool execution failed",
			"tool", call.Name,
			"error", err,
			"duration", time.Since(start))
		return result
	}

	result.Success = true
	result.Message = msg
	e.logger.Debug("tool executed",
		"tool", call.Name,
		"duration", time.Since(start))
	return result
}
