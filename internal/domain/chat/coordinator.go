package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/realtime"
	"github.com/hestia-labs/hestia-backend/internal/realtime/feed"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

// DefaultWatchCeiling is the hard bound on a loading watch. If the feed never
// delivers a terminal event, the watch tears itself down and forces idle so a
// spinner cannot run forever.
const DefaultWatchCeiling = 2 * time.Minute

type State int

const (
	StateIdle State = iota
	StateLoading
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Snapshot is the coordinator's answer to "what should this session show".
type Snapshot struct {
	SessionID      string          `json:"session_id"`
	State          State           `json:"-"`
	IsLoading      bool            `json:"is_loading"`
	PendingMessage json.RawMessage `json:"pending_messages,omitempty"`
	HasError       bool            `json:"has_error"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	FailedMessage  json.RawMessage `json:"failed_message,omitempty"`
}

func idleSnapshot(sessionID string) Snapshot {
	return Snapshot{SessionID: sessionID, State: StateIdle}
}

type watch struct {
	sessionID string
	handle    feed.Handle
	timer     clock.Timer
	done      chan struct{}
}

// Coordinator is the per-session loading state machine. It derives truth from
// an authoritative poll of the pending-state row and only uses feed events as
// a trigger to re-poll. Every operation re-checks the active session id so a
// callback that outlives a session switch discards itself.
type Coordinator struct {
	mu  sync.Mutex
	log *logger.Logger
	clk clock.Clock

	states     services.StateService
	chats      services.ChatService
	feed       *feed.Subscriber
	reconciler *Reconciler
	ceiling    time.Duration

	// onResponse is invoked when a completed pending_response is consumed.
	onResponse func(sessionID string, response json.RawMessage)

	active string
	snap   Snapshot
	watch  *watch
}

func NewCoordinator(log *logger.Logger, clk clock.Clock, states services.StateService, chats services.ChatService, sub *feed.Subscriber, reconciler *Reconciler, ceiling time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if reconciler == nil {
		reconciler = NewReconciler()
	}
	if ceiling <= 0 {
		ceiling = DefaultWatchCeiling
	}
	return &Coordinator{
		log:        log.With("component", "LoadingCoordinator"),
		clk:        clk,
		states:     states,
		chats:      chats,
		feed:       sub,
		reconciler: reconciler,
		ceiling:    ceiling,
		snap:       idleSnapshot(""),
	}
}

func (c *Coordinator) OnResponse(fn func(sessionID string, response json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResponse = fn
}

// SetActiveSession switches the session the coordinator acts for. It is
// synchronous: once it returns, callbacks for the old session are no-ops.
// Any running watch for the old session is torn down.
func (c *Coordinator) SetActiveSession(sessionID string) {
	c.mu.Lock()
	c.active = sessionID
	c.snap = idleSnapshot(sessionID)
	w := c.watch
	c.watch = nil
	c.mu.Unlock()

	if c.feed != nil {
		c.feed.SetActiveSession(sessionID)
	}
	c.teardown(w)
}

func (c *Coordinator) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// CheckCurrentState is the authoritative poll: it reads the pending-state row
// and re-derives the machine state. A call for a session that is no longer
// active is a silent no-op returning the current snapshot.
func (c *Coordinator) CheckCurrentState(ctx context.Context, sessionID string) (Snapshot, error) {
	c.mu.Lock()
	if sessionID != c.active {
		snap := c.snap
		c.mu.Unlock()
		c.log.Debug("state check for inactive session discarded",
			"session_id", sessionID,
			"active_session", c.active,
		)
		return snap, nil
	}
	c.mu.Unlock()

	dbc := dbctx.Context{Ctx: ctx}
	row, err := c.states.Get(dbc, sessionID)
	if err != nil {
		return c.Snapshot(), err
	}

	next := idleSnapshot(sessionID)
	switch {
	case row.HasError:
		next.State = StateError
		next.HasError = true
		next.ErrorMessage = row.ErrorMessage
		if len(row.FailedMessage) > 0 {
			next.FailedMessage = json.RawMessage(row.FailedMessage)
		}

	case len(row.PendingResponse) > 0:
		// A completed response another actor has not reconciled yet: consume
		// it, notify, clear both markers. Terminal, so idle.
		c.consumeResponse(dbc, sessionID, json.RawMessage(row.PendingResponse), row.RequestID)

	case row.IsLoading && len(row.PendingMessage) > 0:
		pending := json.RawMessage(row.PendingMessage)
		if c.pendingAlreadyPersisted(dbc, sessionID, pending) {
			// The send landed; the loading flag is just trailing cleanup.
			break
		}
		next.State = StateLoading
		next.IsLoading = true
		next.PendingMessage = pending
	}

	return c.commit(sessionID, next), nil
}

// pendingAlreadyPersisted checks whether the pending payload's content is
// already represented in the message log under the dedup window.
func (c *Coordinator) pendingAlreadyPersisted(dbc dbctx.Context, sessionID string, pending json.RawMessage) bool {
	var msg Message
	if err := json.Unmarshal(pending, &msg); err != nil || msg.Content == "" {
		return false
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = c.clk.Now().UTC()
	}
	ok, err := c.chats.HasSimilarUserMessage(dbc, sessionID, msg.Content, ts, c.reconciler.window())
	if err != nil {
		c.log.Warn("pending-vs-log check failed", "session_id", sessionID, "error", err)
		return false
	}
	return ok
}

func (c *Coordinator) consumeResponse(dbc dbctx.Context, sessionID string, response json.RawMessage, requestID string) {
	c.mu.Lock()
	notify := c.onResponse
	c.mu.Unlock()
	if notify != nil {
		notify(sessionID, response)
	}

	// Cleanup failures must not mask the response the caller already has.
	if err := c.states.ClearResponse(dbc, sessionID); err != nil {
		c.log.Warn("failed to clear consumed response", "session_id", sessionID, "error", err)
	}
	if requestID != "" {
		if _, err := c.states.ClearPendingOwned(dbc, sessionID, requestID); err != nil {
			c.log.Warn("failed to clear pending after response", "session_id", sessionID, "error", err)
		}
	} else {
		if err := c.states.ClearPending(dbc, sessionID); err != nil {
			c.log.Warn("failed to clear pending after response", "session_id", sessionID, "error", err)
		}
	}
}

// commit stores next as the current snapshot if sessionID is still active,
// and tears down the watch once the state is no longer loading.
func (c *Coordinator) commit(sessionID string, next Snapshot) Snapshot {
	c.mu.Lock()
	if sessionID != c.active {
		snap := c.snap
		c.mu.Unlock()
		return snap
	}
	c.snap = next
	var w *watch
	if next.State != StateLoading && c.watch != nil && c.watch.sessionID == sessionID {
		w = c.watch
		c.watch = nil
	}
	c.mu.Unlock()

	c.teardown(w)
	return next
}

// StartWatching polls once, then opens a feed subscription only while loading
// is actually true. The watch carries a hard ceiling after which loading is
// forced false.
func (c *Coordinator) StartWatching(ctx context.Context, sessionID string) (Snapshot, error) {
	snap, err := c.CheckCurrentState(ctx, sessionID)
	if err != nil || snap.State != StateLoading || snap.SessionID != sessionID {
		return snap, err
	}

	c.mu.Lock()
	if sessionID != c.active || c.watch != nil {
		snap = c.snap
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	// The watch must carry its handle before it becomes visible; teardown
	// unsubscribes whatever handle the installed watch holds.
	handle := c.feed.Subscribe(sessionID, realtime.StoreSessionState, func(ev realtime.ChangeEvent) {
		if _, err := c.CheckCurrentState(context.Background(), ev.SessionID); err != nil {
			c.log.Warn("state re-check after feed event failed", "session_id", ev.SessionID, "error", err)
		}
	})

	c.mu.Lock()
	if sessionID != c.active || c.watch != nil {
		snap = c.snap
		c.mu.Unlock()
		c.feed.Unsubscribe(handle)
		return snap, nil
	}
	w := &watch{
		sessionID: sessionID,
		handle:    handle,
		timer:     c.clk.NewTimer(c.ceiling),
		done:      make(chan struct{}),
	}
	c.watch = w
	c.mu.Unlock()

	go func() {
		select {
		case <-w.done:
			w.timer.Stop()
		case <-w.timer.C():
			c.forceIdle(w)
		}
	}()

	return snap, nil
}

// StopWatching unconditionally tears down the session's watch and resets the
// snapshot to idle.
func (c *Coordinator) StopWatching(sessionID string) {
	c.mu.Lock()
	var w *watch
	if c.watch != nil && c.watch.sessionID == sessionID {
		w = c.watch
		c.watch = nil
	}
	if sessionID == c.active {
		c.snap = idleSnapshot(sessionID)
	}
	c.mu.Unlock()

	c.teardown(w)
}

// forceIdle fires when the ceiling elapses without a terminal event.
func (c *Coordinator) forceIdle(w *watch) {
	c.mu.Lock()
	if c.watch != w {
		c.mu.Unlock()
		return
	}
	c.watch = nil
	if w.sessionID == c.active {
		c.snap = idleSnapshot(w.sessionID)
	}
	c.mu.Unlock()

	c.log.Warn("loading watch hit its ceiling; forcing idle", "session_id", w.sessionID)
	if c.feed != nil {
		c.feed.Unsubscribe(w.handle)
	}
}

func (c *Coordinator) teardown(w *watch) {
	if w == nil {
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	if c.feed != nil {
		c.feed.Unsubscribe(w.handle)
	}
}
