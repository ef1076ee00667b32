package agent

import (
	"context"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/metrics"
	"github.com/hearthd/hearth/internal/prompt"
	"github.com/hearthd/hearth/internal/session"
	"github.com/hearthd/hearth/internal/tools"
)

// FailureMessage is the sanitized user-facing text returned when the
// LLM client fails terminally. Detail goes to logs and metrics only.
const FailureMessage = "I'm having trouble reaching my language model right now. Please try again in a moment."

// EmptyResponseNudge is injected when the model returns neither content
// nor tool calls on the first iteration. At most one nudge per turn, and
// it is never persisted into session history.
const EmptyResponseNudge = "You did not provide a response. Please respond to the user now."

// EmptyResponseFallback is returned when the model produces no content
// even after being nudged.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// AbortMessage ends a conversation that kept expecting follow-ups the
// user never meaningfully gave (wake-word false positives loop forever
// otherwise).
const AbortMessage = "I'll stop listening now. Just call me when you need me."

// Request is one user turn.
type Request struct {
	ConversationID string
	UserID         string
	Text           string

	// SystemCall marks non-user-initiated turns (warmer, schedulers);
	// recorded in history, never counted against follow-up policy.
	SystemCall bool

	// OnContent, when set, receives streamed content fragments during
	// the first iteration.
	OnContent func(string)
}

// Response is the finalized outcome of one turn.
type Response struct {
	Text       string
	Speech     string // markdown flattened to speakable text
	FollowUp   bool   // the agent expects the user to respond
	Aborted    bool   // conversation proactively ended
	Cancelled  bool   // user cancelled mid-turn
	Success    bool
	Iterations int
}

type turnState struct {
	messages    []llm.Message // turn-local, appended to session at finalize
	nudgeIndex  int           // index of the nudge in messages, -1 if none
	content     string
	toolRecords []metrics.ToolInvocation
	toolSuccess bool
	awaitCalled bool
	cancelled   bool
	iterations  int
	usage       llm.Usage
	model       string
}

// Converse runs one turn: BUILD_PROMPT → CALL_LLM → execute tool calls →
// repeat until the model answers in text, a control tool fires, or the
// iteration cap is reached.
func (a *Agent) Converse(ctx context.Context, req Request) (*Response, error) {
	start := a.nowFunc()
	if a.cfg.TurnTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.TurnTimeout.Duration)
		defer cancel()
	}
	ctx = tools.WithConversationID(ctx, req.ConversationID)

	sess, release := a.sessions.Acquire(ctx, req.ConversationID)
	defer release()

	if req.UserID != "" {
		sess.ActiveUser = req.UserID
	}

	// Follow-up abort: after enough consecutive follow-up turns with no
	// successful tool execution, end the conversation before calling the
	// LLM again.
	if !req.SystemCall && sess.FollowUps >= a.cfg.MaxFollowUps {
		a.logger.Warn("aborting conversation after consecutive follow-ups",
			"conversation", req.ConversationID,
			"follow_ups", sess.FollowUps)
		a.sessions.Drop(ctx, req.ConversationID)
		resp := &Response{Text: AbortMessage, Speech: AbortMessage, Aborted: true, Success: true}
		a.record(ctx, req, resp, start, nil, "")
		return resp, nil
	}

	st := &turnState{nudgeIndex: -1}
	st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: req.Text})

	resp, turnErr := a.runLoop(ctx, req, sess, st)

	// Persist the turn into session history, minus the nudge and minus
	// anything after a cancellation.
	if !st.cancelled {
		for i, m := range st.messages {
			if i == st.nudgeIndex {
				continue
			}
			sess.Append(m)
		}
		if resp.Text != "" && turnErr == nil {
			sess.Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
		}
	}

	// Follow-up counter: successful tool execution resets it; a
	// follow-up turn without one advances it.
	if !req.SystemCall {
		switch {
		case st.toolSuccess:
			sess.FollowUps = 0
		case resp.FollowUp:
			sess.FollowUps++
		}
	}

	// Snapshot the session so conversations survive a restart. The turn
	// context may already be cancelled or timed out.
	if err := a.sessions.Save(context.WithoutCancel(ctx), sess); err != nil {
		a.logger.Warn("session snapshot failed", "conversation", req.ConversationID, "error", err)
	}

	a.record(ctx, req, resp, start, st, errString(turnErr))
	return resp, turnErr
}

func (a *Agent) runLoop(ctx context.Context, req Request, sess *session.Session, st *turnState) (*Response, error) {
	for iter := 1; iter <= a.cfg.MaxIterations; iter++ {
		st.iterations = iter

		in := prompt.Input{
			RecentEntities: sess.RecentEntities(),
			ActiveUser:     sess.ActiveUser,
			History:        append(sess.History(), st.messages...),
			Now:            a.nowFunc(),
		}
		if a.states != nil {
			in.States = a.states.Snapshot()
			in.Changes = a.states.RecentChanges()
		}
		if a.Memories != nil {
			in.Memories = a.Memories(ctx)
		}

		llmReq := llm.Request{
			Messages: a.builder.Build(in),
			Tools:    a.builder.Tools(),
		}

		// Streaming only on the first iteration. Later iterations reuse
		// the chat log a host may already have flushed; mixing streams
		// across iterations is a hard constraint, not a tuning knob.
		var (
			resp *llm.Response
			err  error
		)
		if iter == 1 {
			resp, err = a.callStreaming(ctx, llmReq, req.OnContent)
		} else {
			resp, err = a.client.Complete(ctx, llmReq)
		}
		if err != nil {
			a.logger.Error("llm call failed, ending turn",
				"conversation", req.ConversationID,
				"iteration", iter,
				"error", err)
			return &Response{Text: FailureMessage, Speech: FailureMessage, Iterations: iter}, err
		}

		st.usage.PromptTokens += resp.Usage.PromptTokens
		st.usage.CompletionTokens += resp.Usage.CompletionTokens
		st.usage.CachedTokens += resp.Usage.CachedTokens
		st.model = resp.Model
		if a.metrics != nil {
			a.metrics.RecordUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.CachedTokens)
		}

		if resp.Message.Content != "" {
			st.content = resp.Message.Content
		}

		if len(resp.Message.ToolCalls) == 0 {
			if resp.Message.Content == "" {
				if st.nudgeIndex < 0 && iter == 1 {
					a.logger.Warn("empty response, nudging model",
						"conversation", req.ConversationID)
					if a.metrics != nil {
						a.metrics.RecordEmptyResponse()
					}
					st.nudgeIndex = len(st.messages)
					st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: EmptyResponseNudge})
					continue
				}
				return a.finalize(st, EmptyResponseFallback), nil
			}
			return a.finalize(st, resp.Message.Content), nil
		}

		// Tool calls: append the assistant message, execute, feed the
		// results back for the next iteration.
		st.messages = append(st.messages, resp.Message)
		results := a.executor.Execute(ctx, resp.Message.ToolCalls)

		if ctx.Err() != nil {
			// Turn cancelled while tools ran; dispatched executions
			// completed but their results are discarded.
			st.cancelled = true
			return &Response{Text: "", Cancelled: true, Iterations: iter}, ctx.Err()
		}

		var sawNevermind bool
		for _, r := range results {
			st.toolRecords = append(st.toolRecords, metrics.ToolInvocation{
				Name:     r.Name,
				Success:  r.Success,
				Duration: r.Duration,
			})
			if r.Success && !tools.IsControl(r.Name) {
				st.toolSuccess = true
			}
			switch r.Name {
			case tools.Nevermind:
				sawNevermind = true
			case tools.AwaitResponse:
				st.awaitCalled = true
			}
			st.messages = append(st.messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    resultContent(r),
				ToolCallID: r.ToolCallID,
				Name:       r.Name,
			})
		}

		if sawNevermind {
			st.cancelled = true
			a.logger.Info("user cancelled turn", "conversation", req.ConversationID)
			return &Response{Cancelled: true, Success: true, Iterations: iter}, nil
		}
		if st.awaitCalled {
			resp := a.finalize(st, st.content)
			resp.FollowUp = true
			return resp, nil
		}
	}

	a.logger.Warn("iteration cap reached, finalizing with partial content",
		"conversation", req.ConversationID,
		"max_iterations", a.cfg.MaxIterations)
	content := st.content
	if content == "" {
		content = EmptyResponseFallback
	}
	return a.finalize(st, content), nil
}

// callStreaming drives the first-iteration stream and coalesces it into
// a complete response.
func (a *Agent) callStreaming(ctx context.Context, req llm.Request, onContent func(string)) (*llm.Response, error) {
	deltas, err := a.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	co := llm.NewCoalescer()
	for delta := range deltas {
		co.Add(delta)
		if delta.Content != "" && onContent != nil {
			onContent(delta.Content)
		}
	}
	return co.Response()
}

func (a *Agent) finalize(st *turnState, content string) *Response {
	resp := &Response{
		Text:       content,
		Speech:     FlattenSpeech(content),
		Success:    true,
		Iterations: st.iterations,
	}
	// Policy fallback for models that forget the explicit await signal:
	// a trailing question still means a follow-up is expected.
	if !st.awaitCalled && strings.HasSuffix(strings.TrimSpace(content), "?") {
		resp.FollowUp = true
	}
	return resp
}

func (a *Agent) record(ctx context.Context, req Request, resp *Response, start time.Time, st *turnState, errMsg string) {
	elapsed := a.nowFunc().Sub(start)
	if a.metrics != nil {
		a.metrics.RecordRequest(resp.Success, elapsed)
	}
	if a.history == nil {
		return
	}
	entry := metrics.HistoryEntry{
		AgentID:      a.id,
		UserID:       req.UserID,
		Input:        req.Text,
		ResponseTime: elapsed,
		Success:      resp.Success,
		Error:        errMsg,
		Cancelled:    resp.Cancelled,
		SystemCall:   req.SystemCall,
	}
	if st != nil {
		entry.PromptTokens = st.usage.PromptTokens
		entry.CompletionTokens = st.usage.CompletionTokens
		entry.CachedTokens = st.usage.CachedTokens
		entry.Tools = st.toolRecords
	}
	// The turn context may already be cancelled or timed out; the
	// history row should still land.
	if err := a.history.Append(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Warn("history append failed", "error", err)
	}
}

func resultContent(r tools.ToolResult) string {
	if r.Success {
		return r.Message
	}
	return "Error: " + r.Error
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
