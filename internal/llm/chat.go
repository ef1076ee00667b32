package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/httpkit"
)

// ChatClient is a generic client for OpenAI-compatible chat-completions
// endpoints. Provider differences (timeout profile, cache signaling,
// usage extraction) live entirely in the composed Strategy.
type ChatClient struct {
	cfg      config.ProviderConfig
	strategy Strategy
	recorder Recorder
	logger   *slog.Logger

	// The transport session is created lazily under sessionMu and
	// proactively renewed after cfg.SessionMaxAge, so long-lived
	// processes never keep a stale connection pool around.
	sessionMu      sync.Mutex
	httpClient     *http.Client
	sessionCreated time.Time
}

// NewChatClient creates a client for the configured backend. recorder
// may be nil.
func NewChatClient(cfg config.ProviderConfig, strategy Strategy, recorder Recorder, logger *slog.Logger) *ChatClient {
	if logger == nil {
		logger = slog.Default()
	}
	if strategy == nil {
		strategy = StrategyFor(cfg.Name)
	}
	return &ChatClient{
		cfg:      cfg,
		strategy: strategy,
		recorder: recorder,
		logger:   logger.With("provider", strategy.Name(), "model", cfg.Model),
	}
}

// Wire types (OpenAI-compatible chat completions).

type cacheControl struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role         string         `json:"role"`
	Content      *string        `json:"content"`
	ToolCalls    []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	Name         string         `json:"name,omitempty"`
	CacheControl *cacheControl  `json:"cache_control,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	Tools               []chatTool     `json:"tools,omitempty"`
	ToolChoice          string         `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool          `json:"parallel_tool_calls,omitempty"`
	Temperature         float64        `json:"temperature"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	StreamOptions       *streamOptions `json:"stream_options,omitempty"`
}

type wireUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

// session returns the transport session, creating or renewing it as
// needed. The mutex prevents two concurrent calls from racing to create
// duplicate sessions.
func (c *ChatClient) session() *http.Client {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	maxAge := c.cfg.SessionMaxAge.Duration
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}

	if c.httpClient != nil && time.Since(c.sessionCreated) < maxAge {
		return c.httpClient
	}

	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
		c.logger.Debug("renewing transport session", "age", time.Since(c.sessionCreated))
	}

	t := httpkit.NewTransportWithProfile(c.strategy.Timeouts(c.cfg))
	// No global timeout — streaming responses can be long-lived.
	// Rely on ctx deadlines for whole-turn control.
	c.httpClient = httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
	)
	c.sessionCreated = time.Now()
	return c.httpClient
}

// buildBody converts a Request into the wire shape. Cache markers are
// attached by the strategy wherever the prompt builder flagged the end
// of the static prefix.
func (c *ChatClient) buildBody(req Request, stream bool) (*chatRequest, error) {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := chatMessage{
			Role:       m.Role,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		// Content is null (not "") on pure tool-call messages.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			content := m.Content
			wm.Content = &content
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				return nil, fmt.Errorf("marshal tool call %s arguments: %w", tc.ID, err)
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		if m.CacheAnchor {
			c.strategy.MarkCacheable(&wm)
		}
		msgs = append(msgs, wm)
	}

	body := &chatRequest{
		Model:               c.cfg.Model,
		Messages:            msgs,
		Temperature:         c.cfg.Temperature,
		MaxCompletionTokens: c.cfg.MaxCompletionTokens,
		Stream:              stream,
	}
	if req.MaxTokens > 0 {
		body.MaxCompletionTokens = req.MaxTokens
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if len(req.Tools) > 0 {
		body.ToolChoice = "auto"
		parallel := true
		body.ParallelToolCalls = &parallel
		for _, t := range req.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			body.Tools = append(body.Tools, chatTool{
				Type: "function",
				Function: toolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
	}

	return body, nil
}

// doWithRetry performs the HTTP call, retrying retryable failures with
// jittered exponential backoff. On success the caller owns resp.Body.
// Total attempts never exceed MaxRetries+1.
func (c *ChatClient) doWithRetry(ctx context.Context, body *chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	maxRetries := c.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.cfg.InitialDelay.Duration, c.cfg.MaxDelay.Duration)
			c.logger.Warn("retrying completion request",
				"attempt", attempt+1,
				"max_attempts", maxRetries+1,
				"delay", delay,
				"error", lastErr,
			)
			if c.recorder != nil {
				c.recorder.RecordRetry()
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		c.strategy.PrepareHeaders(httpReq.Header)

		c.logger.Debug("sending completion request",
			"attempt", attempt+1,
			"stream", body.Stream,
			"messages", len(body.Messages),
			"tools", len(body.Tools),
		)

		resp, err := c.session().Do(httpReq)
		if err != nil {
			lastErr = classifyTransport(err, "connect")
			if !IsRetryable(lastErr) {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		lastErr = classifyStatus(resp.StatusCode, errBody)
		if !IsRetryable(lastErr) {
			c.logger.Error("completion request failed", "status", resp.StatusCode, "error", lastErr)
			return nil, lastErr
		}
	}

	c.logger.Error("completion request failed after all retries",
		"attempts", maxRetries+1,
		"error", lastErr,
	)
	return nil, lastErr
}

// Complete sends a non-streaming completion request.
func (c *ChatClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	result := &Response{
		Model:        wire.Model,
		Message:      fromWireMessage(wire.Choices[0].Message),
		Usage:        c.fromWireUsage(wire.Usage),
		FinishReason: wire.Choices[0].FinishReason,
	}

	c.logger.Debug("response received",
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"cached_tokens", result.Usage.CachedTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"finish_reason", result.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

// Stream sends a streaming completion request. Deltas arrive on the
// returned channel; a read stall longer than the configured read timeout
// aborts the stream with a TimeoutError delta.
func (c *ChatClient) Stream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamDelta, 16)
	go c.readStream(ctx, resp, out)
	return out, nil
}

// Ping checks reachability and credentials with a minimal request.
func (c *ChatClient) Ping(ctx context.Context) error {
	body := &chatRequest{
		Model:               c.cfg.Model,
		Messages:            []chatMessage{{Role: RoleUser, Content: strPtr("ping")}},
		MaxCompletionTokens: 1,
	}
	resp, err := c.doWithRetry(ctx, body)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("invalid API key: %w", err)
		}
		return err
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func strPtr(s string) *string { return &s }

// fromWireMessage converts a wire message to the internal model,
// parsing each tool call's argument JSON into a structured payload.
func fromWireMessage(m chatMessage) Message {
	msg := Message{
		Role:       m.Role,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if m.Content != nil {
		msg.Content = *m.Content
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Preserve the raw payload so the executor can surface a
				// validation failure instead of silently dropping the call.
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return msg
}

func (c *ChatClient) fromWireUsage(u *wireUsage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CachedTokens:     c.strategy.CachedTokens(u),
	}
}
