package llm

import "context"

// Client is the interface the orchestration loop consumes. Exactly one
// of Complete/Stream is used per iteration; streaming is only valid on
// the first iteration of a turn.
type Client interface {
	// Complete sends a non-streaming completion request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming completion request. The returned channel
	// delivers deltas in arrival order and is closed after the terminal
	// delta (Done or Err).
	Stream(ctx context.Context, req Request) (<-chan StreamDelta, error)

	// Ping checks whether the backend is reachable and credentials work.
	Ping(ctx context.Context) error
}

// Recorder receives client-level events for metrics. All methods must be
// safe for concurrent use. A nil Recorder disables recording.
type Recorder interface {
	RecordRetry()
	RecordStreamTimeout()
}
