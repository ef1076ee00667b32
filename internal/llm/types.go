// Package llm provides a provider-agnostic client for chat-completions
// style LLM backends, with streaming, retry/backoff, and prompt-cache
// signaling handled behind one interface.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles. Tool messages carry a ToolCallID linking them to the
// assistant tool call they answer.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
	Name       string     `json:"name,omitempty"`

	// CacheAnchor marks the last message of the static prompt prefix.
	// Strategies that require explicit cache markers attach them here;
	// strategies with automatic caching ignore it. Never serialized.
	CacheAnchor bool `json:"-"`
}

// ToolCall is a model-issued request to invoke a named capability.
// Produced by the client from provider output; never mutated after.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef is the canonical tool schema handed to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage holds token accounting for one completion. CachedTokens is zero
// for providers that report no cache metrics; absence is not an error.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
}

// Response is the unified non-streaming response from any provider.
type Response struct {
	Model        string
	Message      Message
	Usage        Usage
	FinishReason string
}

// Request is one completion request. Model, temperature, and token limits
// come from client configuration; MaxTokens overrides the configured limit
// when positive (the cache warmer uses 1).
type Request struct {
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// ToolCallDelta is a fragment of a tool call arriving mid-stream.
// Fragments sharing an Index belong to the same call and must be
// coalesced before dispatch; ID and Name arrive on the first fragment.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string // partial JSON, concatenated across fragments
}

// StreamDelta is one increment of a streaming response. The terminal
// delta has Done set and may carry Usage; a failed stream delivers a
// single delta with Err set before the channel closes.
type StreamDelta struct {
	Model        string
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Usage        *Usage
	Done         bool
	Err          error
}
