package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	repos "github.com/hestia-labs/hestia-backend/internal/data/repos/chat"
	"github.com/hestia-labs/hestia-backend/internal/data/repos/testutil"
	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/realtime"
	"github.com/hestia-labs/hestia-backend/internal/realtime/feed"
	"github.com/hestia-labs/hestia-backend/internal/services"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

type coordFixture struct {
	coord  *Coordinator
	clk    *clock.Fake
	sub    *feed.Subscriber
	states services.StateService
	chats  services.ChatService
	dbc    dbctx.Context
}

// Watch callbacks run outside any transaction, so this fixture writes through
// the shared test database and isolates tests by session id instead.
func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	log := testutil.Logger(t)
	gdb := testutil.DB(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	states := services.NewStateService(log, repos.NewSessionPendingStateRepo(gdb, log), nil)
	chats := services.NewChatService(log, repos.NewChatSessionRepo(gdb, log), repos.NewChatMessageRepo(gdb, log), nil)
	sub := feed.NewSubscriber(log, clk, 100*time.Millisecond)
	coord := NewCoordinator(log, clk, states, chats, sub, NewReconciler(), DefaultWatchCeiling)

	return &coordFixture{
		coord:  coord,
		clk:    clk,
		sub:    sub,
		states: states,
		chats:  chats,
		dbc:    dbctx.Context{Ctx: context.Background()},
	}
}

func waitForState(t *testing.T, c *Coordinator, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %v (have %v)", want, c.Snapshot().State)
	return Snapshot{}
}

func pendingJSON(t *testing.T, content string, ts time.Time) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(Message{Role: types.RoleUser, Content: content, Timestamp: ts})
	if err != nil {
		t.Fatalf("marshal pending: %v", err)
	}
	return raw
}

func TestCheckCurrentStateLoading(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-a")

	msg := pendingJSON(t, "in flight", f.clk.Now())
	if err := f.states.SetPending(f.dbc, "coord-a", msg, "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	snap, err := f.coord.CheckCurrentState(context.Background(), "coord-a")
	if err != nil {
		t.Fatalf("check state: %v", err)
	}
	if snap.State != StateLoading || !snap.IsLoading {
		t.Fatalf("expected loading, got %v", snap.State)
	}
	if len(snap.PendingMessage) == 0 {
		t.Fatalf("loading snapshot must carry the pending message")
	}
}

func TestCheckCurrentStateSurfacesError(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-b")

	failed := json.RawMessage(`{"content":"broken"}`)
	if err := f.states.SetError(f.dbc, "coord-b", "engine down", failed, ""); err != nil {
		t.Fatalf("set error: %v", err)
	}

	snap, err := f.coord.CheckCurrentState(context.Background(), "coord-b")
	if err != nil {
		t.Fatalf("check state: %v", err)
	}
	if snap.State != StateError || !snap.HasError {
		t.Fatalf("expected error state, got %v", snap.State)
	}
	if snap.ErrorMessage != "engine down" || len(snap.FailedMessage) == 0 {
		t.Fatalf("error snapshot incomplete: %+v", snap)
	}
}

func TestCheckCurrentStateConsumesResponse(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-c")

	var consumed json.RawMessage
	f.coord.OnResponse(func(sessionID string, resp json.RawMessage) {
		if sessionID == "coord-c" {
			consumed = resp
		}
	})

	if err := f.states.SetPending(f.dbc, "coord-c", pendingJSON(t, "q", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if err := f.states.SetResponse(f.dbc, "coord-c", json.RawMessage(`{"content":"answer"}`)); err != nil {
		t.Fatalf("set response: %v", err)
	}

	snap, err := f.coord.CheckCurrentState(context.Background(), "coord-c")
	if err != nil {
		t.Fatalf("check state: %v", err)
	}
	if snap.State != StateIdle {
		t.Fatalf("consuming a response must end in idle, got %v", snap.State)
	}
	if consumed == nil {
		t.Fatalf("response listener was not notified")
	}

	// Both markers are cleared server-side.
	row, err := f.states.Get(f.dbc, "coord-c")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if len(row.PendingResponse) != 0 || len(row.PendingMessage) != 0 || row.IsLoading {
		t.Fatalf("markers not cleared: %+v", row)
	}
}

func TestCheckCurrentStateIgnoresInactiveSession(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-d")

	if err := f.states.SetPending(f.dbc, "coord-other", pendingJSON(t, "q", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	snap, err := f.coord.CheckCurrentState(context.Background(), "coord-other")
	if err != nil {
		t.Fatalf("check state: %v", err)
	}
	if snap.SessionID != "coord-d" || snap.State != StateIdle {
		t.Fatalf("inactive-session check must be a no-op, got %+v", snap)
	}
}

func TestPendingAlreadyInLogMeansIdle(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-e")

	ts := f.clk.Now()
	if _, err := f.chats.AppendMessages(f.dbc, "coord-e", []*types.ChatMessage{{
		Role:      types.RoleUser,
		Content:   "already landed",
		Timestamp: ts,
	}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.states.SetPending(f.dbc, "coord-e", pendingJSON(t, "already landed", ts.Add(10*time.Second)), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	snap, err := f.coord.CheckCurrentState(context.Background(), "coord-e")
	if err != nil {
		t.Fatalf("check state: %v", err)
	}
	if snap.State != StateIdle {
		t.Fatalf("pending content already in the log must not show a spinner, got %v", snap.State)
	}
}

func TestWatchdogForcesIdle(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-f")

	if err := f.states.SetPending(f.dbc, "coord-f", pendingJSON(t, "slow", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	snap, err := f.coord.StartWatching(context.Background(), "coord-f")
	if err != nil {
		t.Fatalf("start watching: %v", err)
	}
	if snap.State != StateLoading {
		t.Fatalf("expected loading, got %v", snap.State)
	}
	if !f.sub.Subscribed("coord-f", realtime.StoreSessionState) {
		t.Fatalf("watch must open a feed subscription")
	}

	// No terminal event ever arrives; the ceiling fires.
	f.clk.Advance(DefaultWatchCeiling)
	waitForState(t, f.coord, StateIdle)

	deadline := time.Now().Add(2 * time.Second)
	for f.sub.Subscribed("coord-f", realtime.StoreSessionState) {
		if time.Now().After(deadline) {
			t.Fatalf("watch subscription must be torn down")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedEventEndsLoading(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-g")

	if err := f.states.SetPending(f.dbc, "coord-g", pendingJSON(t, "q", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if _, err := f.coord.StartWatching(context.Background(), "coord-g"); err != nil {
		t.Fatalf("start watching: %v", err)
	}

	// The response lands and the change feed announces it.
	if err := f.states.SetResponse(f.dbc, "coord-g", json.RawMessage(`{"content":"done"}`)); err != nil {
		t.Fatalf("set response: %v", err)
	}
	f.sub.Deliver(realtime.ChangeEvent{
		Store:     realtime.StoreSessionState,
		Kind:      realtime.ChangeUpdate,
		SessionID: "coord-g",
	})
	f.clk.Advance(100 * time.Millisecond)

	waitForState(t, f.coord, StateIdle)
}

func TestStopWatchingResetsToIdle(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-h")

	if err := f.states.SetPending(f.dbc, "coord-h", pendingJSON(t, "q", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if _, err := f.coord.StartWatching(context.Background(), "coord-h"); err != nil {
		t.Fatalf("start watching: %v", err)
	}

	f.coord.StopWatching("coord-h")
	if got := f.coord.Snapshot(); got.State != StateIdle {
		t.Fatalf("stop must reset to idle, got %v", got.State)
	}
	if f.sub.Subscribed("coord-h", realtime.StoreSessionState) {
		t.Fatalf("stop must tear down the subscription")
	}
}

// A session switch racing watch start must never strand a feed subscription:
// the watch carries its handle before it becomes visible, so whichever side
// wins the teardown can unsubscribe it.
func TestConcurrentSessionSwitchLeavesNoSubscription(t *testing.T) {
	f := newCoordFixture(t)

	if err := f.states.SetPending(f.dbc, "coord-race", pendingJSON(t, "q", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}

	for i := 0; i < 200; i++ {
		f.coord.SetActiveSession("coord-race")
		done := make(chan struct{})
		go func() {
			_, _ = f.coord.StartWatching(context.Background(), "coord-race")
			close(done)
		}()
		f.coord.SetActiveSession("coord-race-next")
		<-done

		f.coord.StopWatching("coord-race")
		f.coord.StopWatching("coord-race-next")
		if f.sub.Subscribed("coord-race", realtime.StoreSessionState) {
			t.Fatalf("iteration %d: watch subscription leaked across session switch", i)
		}
	}
}

func TestSessionSwitchTearsDownWatch(t *testing.T) {
	f := newCoordFixture(t)
	f.coord.SetActiveSession("coord-i")

	if err := f.states.SetPending(f.dbc, "coord-i", pendingJSON(t, "q", f.clk.Now()), "req-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	if _, err := f.coord.StartWatching(context.Background(), "coord-i"); err != nil {
		t.Fatalf("start watching: %v", err)
	}

	f.coord.SetActiveSession("coord-j")
	if f.sub.Subscribed("coord-i", realtime.StoreSessionState) {
		t.Fatalf("switching sessions must tear down the old watch")
	}
	if got := f.coord.Snapshot(); got.SessionID != "coord-j" || got.State != StateIdle {
		t.Fatalf("snapshot must reset for the new session, got %+v", got)
	}
}
