package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Change records a single observed state transition.
type Change struct {
	EntityID  string
	OldState  string
	NewState  string
	Timestamp time.Time
}

// Watcher maintains a live entity state snapshot from the platform's
// WebSocket event stream, plus a rolling window of recent changes. The
// prompt builder reads both for the dynamic prompt suffix, so real user
// turns never pay a registry round trip.
type Watcher struct {
	baseURL string
	token   string
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	msgID  atomic.Int64

	pending   map[int64]chan wsResult
	pendingMu sync.Mutex

	mu      sync.RWMutex
	states  map[string]State
	changes []Change // circular buffer, pre-allocated
	head    int
	count   int
	maxAge  time.Duration
	nowFunc func() time.Time
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *wsEvent        `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsEvent struct {
	Type string `json:"event_type"`
	Data struct {
		EntityID string `json:"entity_id"`
		OldState *State `json:"old_state"`
		NewState *State `json:"new_state"`
	} `json:"data"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResult struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWatcher creates a state watcher. maxChanges bounds the change
// window; entries older than maxAge are filtered at read time.
func NewWatcher(baseURL, token string, maxChanges int, maxAge time.Duration, logger *slog.Logger) *Watcher {
	if maxChanges <= 0 {
		maxChanges = 50
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		baseURL: baseURL,
		token:   token,
		logger:  logger.With("component", "statewatch"),
		pending: make(map[int64]chan wsResult),
		states:  make(map[string]State),
		changes: make([]Change, maxChanges),
		maxAge:  maxAge,
		nowFunc: time.Now,
	}
}

// Connect establishes the WebSocket connection, authenticates, primes
// the snapshot, and subscribes to state changes.
func (w *Watcher) Connect(ctx context.Context) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	u, err := url.Parse(w.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	w.logger.Info("connecting state watcher", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	// Full state dumps for large installs can be enormous.
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := w.authenticate(conn); err != nil {
		conn.Close()
		return err
	}
	w.conn = conn

	go w.readLoop(conn)

	if err := w.primeSnapshot(ctx); err != nil {
		w.logger.Warn("state snapshot priming failed", "error", err)
	}
	if err := w.subscribe(ctx, "state_changed"); err != nil {
		return fmt.Errorf("subscribe state_changed: %w", err)
	}
	return nil
}

func (w *Watcher) authenticate(conn *websocket.Conn) error {
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": w.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}
}

// Close closes the connection.
func (w *Watcher) Close() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// primeSnapshot fetches all current states over the socket.
func (w *Watcher) primeSnapshot(ctx context.Context) error {
	id := w.msgID.Add(1)
	result, err := w.sendAndWait(ctx, id, map[string]any{"id": id, "type": "get_states"})
	if err != nil {
		return err
	}

	var states []State
	if err := json.Unmarshal(result, &states); err != nil {
		return fmt.Errorf("unmarshal states: %w", err)
	}

	w.mu.Lock()
	for _, s := range states {
		w.states[s.EntityID] = s
	}
	w.mu.Unlock()

	w.logger.Info("state snapshot primed", "entities", len(states))
	return nil
}

func (w *Watcher) subscribe(ctx context.Context, eventType string) error {
	id := w.msgID.Add(1)
	_, err := w.sendAndWait(ctx, id, map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": eventType,
	})
	return err
}

func (w *Watcher) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResult, 1)
	w.pendingMu.Lock()
	w.pending[id] = respCh
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := conn.WriteJSON(msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

func (w *Watcher) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Info("state watcher closed")
				return
			}
			w.logger.Error("state watcher read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			w.pendingMu.Lock()
			if ch, ok := w.pending[msg.ID]; ok {
				ch <- wsResult{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
			w.pendingMu.Unlock()

		case "event":
			if msg.Event != nil && msg.Event.Type == "state_changed" {
				w.handleStateChanged(msg.Event)
			}

		case "pong":
			// keepalive, ignore

		default:
			w.logger.Debug("unhandled websocket message type", "type", msg.Type)
		}
	}
}

func (w *Watcher) handleStateChanged(ev *wsEvent) {
	if ev.Data.NewState == nil {
		// Entity removed.
		w.mu.Lock()
		delete(w.states, ev.Data.EntityID)
		w.mu.Unlock()
		return
	}

	var oldState string
	if ev.Data.OldState != nil {
		oldState = ev.Data.OldState.State
	}

	w.mu.Lock()
	w.states[ev.Data.EntityID] = *ev.Data.NewState
	w.changes[w.head] = Change{
		EntityID:  ev.Data.EntityID,
		OldState:  oldState,
		NewState:  ev.Data.NewState.State,
		Timestamp: w.nowFunc(),
	}
	w.head = (w.head + 1) % len(w.changes)
	if w.count < len(w.changes) {
		w.count++
	}
	w.mu.Unlock()
}

// Snapshot returns all known entity states, sorted by entity id.
func (w *Watcher) Snapshot() []State {
	w.mu.RLock()
	out := make([]State, 0, len(w.states))
	for _, s := range w.states {
		out = append(out, s)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// GetState returns the cached state for one entity, if known.
func (w *Watcher) GetState(entityID string) (State, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.states[entityID]
	return s, ok
}

// RecentChanges returns changes newer than maxAge, newest first.
func (w *Watcher) RecentChanges() []Change {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := w.nowFunc().Add(-w.maxAge)
	n := len(w.changes)
	var out []Change
	for i := 0; i < w.count; i++ {
		c := w.changes[(w.head-1-i+n)%n]
		if c.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, c)
	}
	return out
}
