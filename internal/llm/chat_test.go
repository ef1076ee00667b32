package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/config"
)

type countingRecorder struct {
	retries        atomic.Int64
	streamTimeouts atomic.Int64
}

func (r *countingRecorder) RecordRetry()         { r.retries.Add(1) }
func (r *countingRecorder) RecordStreamTimeout() { r.streamTimeouts.Add(1) }

func testProviderConfig(baseURL, provider string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:         provider,
		BaseURL:      baseURL,
		APIKey:       "test-key",
		Model:        "test-model",
		MaxRetries:   3,
		InitialDelay: config.D(time.Millisecond),
		MaxDelay:     config.D(5 * time.Millisecond),
	}
}

func completionJSON(content string) string {
	resp := map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{
			"prompt_tokens":     100,
			"completion_tokens": 5,
			"total_tokens":      105,
			"prompt_tokens_details": map[string]any{
				"cached_tokens": 80,
			},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionJSON("the lights are off")))
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "openai"), nil, nil, nil)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "are the lights off?"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "the lights are off" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Usage.PromptTokens != 100 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Usage.CachedTokens != 80 {
		t.Errorf("cached tokens = %d, want 80 (openai nested details)", resp.Usage.CachedTokens)
	}
}

func TestCompleteRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionJSON("ok")))
	}))
	defer srv.Close()

	rec := &countingRecorder{}
	c := NewChatClient(testProviderConfig(srv.URL, "openai"), nil, rec, nil)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete after retries: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if got := rec.retries.Load(); got != 2 {
		t.Errorf("recorded retries = %d, want 2", got)
	}
}

func TestCompleteExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testProviderConfig(srv.URL, "openai")
	cfg.MaxRetries = 2
	c := NewChatClient(cfg, nil, nil, nil)
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("error = %v, want ServerError", err)
	}
	// Attempts never exceed max retries + 1.
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestCompleteAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "openai"), nil, nil, nil)
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (auth failures are terminal)", got)
	}
}

func TestCompleteBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "malformed", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "openai"), nil, nil, nil)
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var badErr *BadRequestError
	if !errors.As(err, &badErr) {
		t.Fatalf("error = %v, want BadRequestError", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestAnthropicCacheSignaling(t *testing.T) {
	var captured chatRequest
	var betaHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		betaHeader = r.Header.Get("anthropic-beta")
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(completionJSON("hi")))
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "anthropic"), nil, nil, nil)
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "static instructions", CacheAnchor: true},
			{Role: RoleUser, Content: "dynamic question"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if betaHeader == "" {
		t.Error("anthropic-beta header missing")
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(captured.Messages))
	}
	if captured.Messages[0].CacheControl == nil || captured.Messages[0].CacheControl.Type != "ephemeral" {
		t.Error("static prefix message missing cache_control marker")
	}
	if captured.Messages[1].CacheControl != nil {
		t.Error("dynamic message must not carry cache_control")
	}
}

func TestAnthropicCachedTokensFromCacheRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 50, "completion_tokens": 2, "total_tokens": 52, "cache_read_input_tokens": 40}
		}`))
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "anthropic"), nil, nil, nil)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.CachedTokens != 40 {
		t.Errorf("cached tokens = %d, want 40", resp.Usage.CachedTokens)
	}
}

func TestNoneStrategyMissingCacheMetricsIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 1, "total_tokens": 11}
		}`))
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "local"), nil, nil, nil)
	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.CachedTokens != 0 {
		t.Errorf("cached tokens = %d, want 0 for provider without cache reporting", resp.Usage.CachedTokens)
	}
}

func TestBuildBodyToolCallContentNull(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		w.Write([]byte(completionJSON("ok")))
	}))
	defer srv.Close()

	c := NewChatClient(testProviderConfig(srv.URL, "openai"), nil, nil, nil)
	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call_1", Name: "get_state", Arguments: map[string]any{"entity_id": "light.kitchen"}},
			}},
			{Role: RoleTool, Content: "light.kitchen is on", ToolCallID: "call_1", Name: "get_state"},
		},
		Tools: []ToolDef{{Name: "get_state", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	msgs := raw["messages"].([]any)
	assistant := msgs[0].(map[string]any)
	if content, present := assistant["content"]; !present || content != nil {
		t.Errorf("pure tool-call message content = %v, want explicit null", content)
	}
	if raw["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", raw["tool_choice"])
	}
	if raw["parallel_tool_calls"] != true {
		t.Errorf("parallel_tool_calls = %v, want true", raw["parallel_tool_calls"])
	}
}

func TestFromWireMessageBadArgumentJSON(t *testing.T) {
	msg := fromWireMessage(chatMessage{
		Role: RoleAssistant,
		ToolCalls: []wireToolCall{
			{ID: "call_1", Type: "function", Function: wireFunction{Name: "get_state", Arguments: "{broken"}},
		},
	})
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Arguments["_raw"] != "{broken" {
		t.Errorf("malformed arguments should be preserved under _raw, got %v", msg.ToolCalls[0].Arguments)
	}
}
