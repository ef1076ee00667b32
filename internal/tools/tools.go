// Package tools provides the tool registry and the loop-safe executor.
// Tools are capabilities over external collaborators (device controller,
// reminder store); execution never raises to the caller — every failure
// is captured into a ToolResult.
package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hearthd/hearth/internal/llm"
)

// Control tool names. These signal turn control to the orchestration
// loop and are never treated as domain actions.
const (
	// AwaitResponse keeps the turn open: the agent expects the user to
	// answer a question.
	AwaitResponse = "await_response"

	// Nevermind aborts the turn: the user cancelled their intent.
	Nevermind = "nevermind"
)

// Tool is one callable capability.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON-schema parameter object advertised to the
	// model and used to validate incoming arguments.
	Parameters map[string]any
	Handler    func(ctx context.Context, args map[string]any) (string, error)
}

// ToolResult is the outcome of one accepted ToolCall. Exactly one is
// produced per unique call id.
type ToolResult struct {
	ToolCallID string
	Name       string
	Success    bool
	Message    string
	Error      string
	Duration   time.Duration
}

// Registry maps tool names to capabilities. Tools are registered once at
// startup; the registry is read-only afterwards.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry with the control tools
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.registerControls()
	return r
}

func (r *Registry) registerControls() {
	r.Register(&Tool{
		Name:        AwaitResponse,
		Description: "Signal that you asked the user a question and are waiting for their answer. Call this instead of taking further action.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "awaiting user response", nil
		},
	})
	r.Register(&Tool{
		Name:        Nevermind,
		Description: "Signal that the user cancelled their request (said 'nevermind', 'stop', 'forget it'). Ends the conversation turn with no further action.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "cancelled", nil
		},
	})
}

// Register adds a tool. Registering a duplicate name replaces the
// earlier tool but keeps its position.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Defs returns the canonical tool schema list in registration order.
// Stable ordering matters: the schemas are part of the cacheable static
// prompt prefix.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// IsControl reports whether name is a turn-control tool.
func IsControl(name string) bool {
	return name == AwaitResponse || name == Nevermind
}

// validateArgs checks args against the tool's JSON-schema parameter
// object: required keys must be present and primitive types must match.
// Returns a description of the first violation, or "".
func validateArgs(schema map[string]any, args map[string]any) string {
	if schema == nil {
		return ""
	}
	required, _ := schema["required"].([]string)
	if required == nil {
		// json.Unmarshal produces []any; registration in Go code
		// produces []string. Accept both.
		if raw, ok := schema["required"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, key := range required {
		if _, ok := args[key]; !ok {
			return fmt.Sprintf("missing required argument %q", key)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return ""
	}
	// Deterministic violation order for tests.
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		propRaw, ok := props[key]
		if !ok {
			continue // tolerate extra arguments, models add them freely
		}
		prop, _ := propRaw.(map[string]any)
		wantType, _ := prop["type"].(string)
		if wantType == "" {
			continue
		}
		if msg := checkType(key, wantType, args[key]); msg != "" {
			return msg
		}
	}
	return ""
}

func checkType(key, wantType string, value any) string {
	ok := true
	switch wantType {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
		case float64:
			ok = v == float64(int64(v))
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	}
	if !ok {
		return fmt.Sprintf("argument %q must be of type %s", key, wantType)
	}
	return ""
}
