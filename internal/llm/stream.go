package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// chatChunk is one streamed SSE payload.
type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type chunkDelta struct {
	Content   *string `json:"content"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id,omitempty"`
		Function struct {
			Name      string `json:"name,omitempty"`
			Arguments string `json:"arguments,omitempty"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

// readStream parses the SSE body into StreamDelta values. A read stall
// longer than the configured read timeout closes the body, which
// surfaces as a TimeoutError delta. Usage is forwarded at most once;
// some providers report it twice in one stream (first occurrence wins).
func (c *ChatClient) readStream(ctx context.Context, resp *http.Response, out chan<- StreamDelta) {
	defer close(out)
	defer resp.Body.Close()

	readTimeout := c.cfg.ReadTimeout.Duration
	if readTimeout <= 0 {
		readTimeout = 90 * time.Second
	}

	var timedOut atomic.Bool
	idle := time.AfterFunc(readTimeout, func() {
		timedOut.Store(true)
		resp.Body.Close()
	})
	defer idle.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	usageSeen := false

	for scanner.Scan() {
		idle.Reset(readTimeout)
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}

		var delta StreamDelta
		delta.Model = chunk.Model

		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != nil {
				delta.Content = *choice.Delta.Content
			}
			for _, tc := range choice.Delta.ToolCalls {
				delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if choice.FinishReason != nil {
				delta.FinishReason = *choice.FinishReason
			}
		}

		if chunk.Usage != nil {
			if usageSeen {
				c.logger.Debug("duplicate usage report in stream ignored")
			} else {
				usageSeen = true
				u := c.fromWireUsage(chunk.Usage)
				delta.Usage = &u
			}
		}

		if delta.Content == "" && len(delta.ToolCalls) == 0 &&
			delta.FinishReason == "" && delta.Usage == nil {
			continue
		}

		select {
		case out <- delta:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		var streamErr error
		if timedOut.Load() {
			streamErr = &TimeoutError{Phase: "stream read", Err: err}
			if c.recorder != nil {
				c.recorder.RecordStreamTimeout()
			}
		} else if ctx.Err() != nil {
			streamErr = ctx.Err()
		} else {
			streamErr = fmt.Errorf("read stream: %w", err)
		}
		c.logger.Error("stream aborted", "error", streamErr)
		select {
		case out <- StreamDelta{Err: streamErr, Done: true}:
		case <-ctx.Done():
		}
		return
	}

	select {
	case out <- StreamDelta{Done: true}:
	case <-ctx.Done():
	}
}

// pendingCall accumulates tool-call fragments sharing a stream index.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Coalescer folds a sequence of StreamDelta values back into a complete
// Response. Tool-call fragments are merged by call id (via their stream
// index); usage is captured exactly once, first occurrence wins.
type Coalescer struct {
	model   string
	content strings.Builder
	calls   map[int]*pendingCall
	usage   *Usage
	finish  string
	err     error
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{calls: make(map[int]*pendingCall)}
}

// Add folds one delta into the accumulated state.
func (co *Coalescer) Add(d StreamDelta) {
	if d.Err != nil {
		co.err = d.Err
		return
	}
	if co.model == "" && d.Model != "" {
		co.model = d.Model
	}
	co.content.WriteString(d.Content)
	for _, tc := range d.ToolCalls {
		pc, ok := co.calls[tc.Index]
		if !ok {
			pc = &pendingCall{}
			co.calls[tc.Index] = pc
		}
		if pc.id == "" {
			pc.id = tc.ID
		}
		if pc.name == "" {
			pc.name = tc.Name
		}
		pc.args.WriteString(tc.Arguments)
	}
	if d.FinishReason != "" {
		co.finish = d.FinishReason
	}
	if d.Usage != nil && co.usage == nil {
		co.usage = d.Usage
	}
}

// Err returns the stream error, if any delta carried one.
func (co *Coalescer) Err() error { return co.err }

// Response assembles the final response. Calls whose accumulated
// arguments fail to parse keep the raw payload under "_raw" so the
// executor can report a validation failure.
func (co *Coalescer) Response() (*Response, error) {
	if co.err != nil {
		return nil, co.err
	}

	msg := Message{Role: RoleAssistant, Content: co.content.String()}

	indexes := make([]int, 0, len(co.calls))
	for i := range co.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		pc := co.calls[i]
		if pc.name == "" {
			continue
		}
		var args map[string]any
		raw := pc.args.String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: args,
		})
	}

	resp := &Response{
		Model:        co.model,
		Message:      msg,
		FinishReason: co.finish,
	}
	if co.usage != nil {
		resp.Usage = *co.usage
	}
	return resp, nil
}
