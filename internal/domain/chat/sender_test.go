package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hestia-labs/hestia-backend/internal/clients/workflow"
	repos "github.com/hestia-labs/hestia-backend/internal/data/repos/chat"
	"github.com/hestia-labs/hestia-backend/internal/data/repos/testutil"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/services"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

// fakeEngine lets each test script the workflow engine's behavior and inspect
// what was sent to it.
type fakeEngine struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error)
	requests []workflow.AnalyzeRequest
}

func (f *fakeEngine) Analyze(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &workflow.AnalyzeResponse{Success: true, Response: "ok"}, nil
}

func (f *fakeEngine) calls() []workflow.AnalyzeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]workflow.AnalyzeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type senderFixture struct {
	sender *Sender
	engine *fakeEngine
	states services.StateService
	chats  services.ChatService
	dbc    dbctx.Context
}

func newSenderFixture(t *testing.T) *senderFixture {
	t.Helper()
	log := testutil.Logger(t)
	gdb := testutil.DB(t)

	states := services.NewStateService(log, repos.NewSessionPendingStateRepo(gdb, log), nil)
	chats := services.NewChatService(log, repos.NewChatSessionRepo(gdb, log), repos.NewChatMessageRepo(gdb, log), nil)
	engine := &fakeEngine{}
	sender := NewSender(log, nil, chats, states, engine, NewReconciler(), nil)

	return &senderFixture{
		sender: sender,
		engine: engine,
		states: states,
		chats:  chats,
		dbc:    dbctx.Context{Ctx: context.Background()},
	}
}

func sendInput(sessionID, content string) SendInput {
	return SendInput{
		SessionID: sessionID,
		UserID:    uuid.New(),
		ProjectID: "proj-1",
		Role:      "member",
		Content:   content,
	}
}

func TestHandleSendSuccessEndToEnd(t *testing.T) {
	f := newSenderFixture(t)
	f.engine.fn = func(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error) {
		return &workflow.AnalyzeResponse{Success: true, Response: "Hi there", Code: "SELECT 1;"}, nil
	}

	res, err := f.sender.HandleSend(context.Background(), sendInput("send-a", "Hello"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Response != "Hi there" {
		t.Fatalf("response: got=%q", res.Response)
	}
	if res.Code != "SELECT 1;" {
		t.Fatalf("generated code: got=%q", res.Code)
	}

	// Pending markers are cleared after success.
	pending, err := f.states.GetPending(f.dbc, "send-a")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pending != nil {
		t.Fatalf("pending must be nil after success, got %s", pending)
	}

	// The confirmed turn is durable: user message then assistant reply.
	msgs, err := f.chats.ListMessages(f.dbc, "send-a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages: got=%d want=2", len(msgs))
	}
	if msgs[0].Role != types.RoleUser || msgs[0].Content != "Hello" {
		t.Fatalf("user turn: %+v", msgs[0])
	}
	if msgs[1].Role != types.RoleAssistant || msgs[1].Content != "Hi there" {
		t.Fatalf("assistant turn: %+v", msgs[1])
	}

	// The pair counter advanced.
	sess, err := f.chats.GetSession(f.dbc, "send-a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.VersionID != 1 {
		t.Fatalf("version counter: got=%d want=1", sess.VersionID)
	}
}

func TestHandleSendRejectsEmptyInput(t *testing.T) {
	f := newSenderFixture(t)

	if _, err := f.sender.HandleSend(context.Background(), sendInput("send-b", "   ")); !apierr.Is(err, apierr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls := f.engine.calls(); len(calls) != 0 {
		t.Fatalf("empty send must never reach the engine")
	}

	// Attachments alone are enough to send.
	in := sendInput("send-b", "")
	in.Attachments = []types.Attachment{{Name: "report.pdf", URL: "https://files/report.pdf", Type: "application/pdf"}}
	if _, err := f.sender.HandleSend(context.Background(), in); err != nil {
		t.Fatalf("attachment-only send: %v", err)
	}
}

func TestHandleSendFailurePersistsRetryState(t *testing.T) {
	f := newSenderFixture(t)
	f.engine.fn = func(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error) {
		return nil, apierr.Upstream(context.DeadlineExceeded)
	}

	_, err := f.sender.HandleSend(context.Background(), sendInput("send-c", "doomed"))
	if err == nil {
		t.Fatalf("expected failure")
	}

	row, err := f.states.Get(f.dbc, "send-c")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !row.HasError || row.ErrorMessage == "" {
		t.Fatalf("failure must be durable: %+v", row)
	}
	var snap failedSend
	if err := json.Unmarshal(row.FailedMessage, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Content != "doomed" {
		t.Fatalf("failed_message must hold the original input, got %q", snap.Content)
	}

	// The user's message stays visible, marked errored.
	msgs, err := f.chats.ListMessages(f.dbc, "send-c", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Error || msgs[0].Content != "doomed" {
		t.Fatalf("errored user message missing: %+v", msgs)
	}
}

func TestRetryRoundTrip(t *testing.T) {
	f := newSenderFixture(t)
	f.engine.fn = func(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error) {
		return nil, apierr.UpstreamTimeout(context.DeadlineExceeded)
	}

	in := sendInput("send-d", "try me")
	in.Attachments = []types.Attachment{{Name: "data.csv", URL: "https://files/data.csv", Type: "text/csv"}}
	if _, err := f.sender.HandleSend(context.Background(), in); err == nil {
		t.Fatalf("expected first send to fail")
	}

	// On retry the error must be cleared before the engine is re-invoked.
	var errorAtCallTime bool
	f.engine.fn = func(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error) {
		row, err := f.states.Get(dbctx.Context{Ctx: ctx}, "send-d")
		if err != nil {
			t.Errorf("get state inside engine: %v", err)
		} else {
			errorAtCallTime = row.HasError
		}
		return &workflow.AnalyzeResponse{Success: true, Response: "second time lucky"}, nil
	}

	res, err := f.sender.Retry(context.Background(), "send-d", in.UserID, in.ProjectID, in.Role)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Response != "second time lucky" {
		t.Fatalf("retry response: got=%q", res.Response)
	}
	if errorAtCallTime {
		t.Fatalf("clearError must run before the re-send")
	}

	// The re-sent payload matches the failed_message snapshot exactly.
	calls := f.engine.calls()
	last := calls[len(calls)-1]
	if last.Message != "try me" {
		t.Fatalf("retried content: got=%q", last.Message)
	}
	if len(last.Attachments) != 1 || last.Attachments[0].Name != "data.csv" {
		t.Fatalf("retried attachments: %+v", last.Attachments)
	}

	row, err := f.states.Get(f.dbc, "send-d")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if row.HasError || row.IsLoading {
		t.Fatalf("state must be clean after a successful retry: %+v", row)
	}
}

func TestRetryWithNothingToRetry(t *testing.T) {
	f := newSenderFixture(t)
	if _, err := f.sender.Retry(context.Background(), "send-e", uuid.New(), "proj-1", "member"); !apierr.Is(err, apierr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRequestIDGuardedCleanup(t *testing.T) {
	f := newSenderFixture(t)

	releaseR1 := make(chan struct{})
	releaseR2 := make(chan struct{})
	engineEntered := make(chan string, 2)
	f.engine.fn = func(ctx context.Context, req workflow.AnalyzeRequest) (*workflow.AnalyzeResponse, error) {
		engineEntered <- req.RequestID
		if req.Message == "first" {
			<-releaseR1
		} else {
			<-releaseR2
		}
		return &workflow.AnalyzeResponse{Success: true, Response: "reply to " + req.Message}, nil
	}

	r1Done := make(chan error, 1)
	go func() {
		_, err := f.sender.HandleSend(context.Background(), sendInput("send-f", "first"))
		r1Done <- err
	}()
	<-engineEntered // R1 is in flight, pending row owned by R1

	// A second send supersedes R1's ownership of the pending row and stays in
	// flight at the engine.
	r2Done := make(chan error, 1)
	go func() {
		_, err := f.sender.HandleSend(context.Background(), sendInput("send-f", "second"))
		r2Done <- err
	}()
	r2RequestID := <-engineEntered

	// R1 finally completes while R2 is still in flight. Its cleanup must not
	// clear the loading state R2 owns.
	close(releaseR1)
	if err := <-r1Done; err != nil {
		t.Fatalf("r1: %v", err)
	}

	row, err := f.states.Get(f.dbc, "send-f")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !row.IsLoading {
		t.Fatalf("r1's late cleanup cleared r2's loading state")
	}
	if row.RequestID != r2RequestID {
		t.Fatalf("pending row owner: got=%q want=%q", row.RequestID, r2RequestID)
	}

	close(releaseR2)
	if err := <-r2Done; err != nil {
		t.Fatalf("r2: %v", err)
	}
	row, err = f.states.Get(f.dbc, "send-f")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if row.IsLoading {
		t.Fatalf("r2's own cleanup must clear loading")
	}
}

func TestDedupSkipsDuplicateBubble(t *testing.T) {
	f := newSenderFixture(t)

	ts := time.Now().UTC()
	if _, err := f.chats.AppendMessages(f.dbc, "send-g", []*types.ChatMessage{{
		Role:      types.RoleUser,
		Content:   "same thing",
		Timestamp: ts,
	}}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	in := sendInput("send-g", "same thing")
	in.Timestamp = ts.Add(20 * time.Second)
	res, err := f.sender.HandleSend(context.Background(), in)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Deduped {
		t.Fatalf("expected the dedup window to match")
	}

	msgs, err := f.chats.ListMessages(f.dbc, "send-g", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var users int
	for _, m := range msgs {
		if m.Role == types.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("duplicate user bubble created: %d user messages", users)
	}
	if msgs[len(msgs)-1].Role != types.RoleAssistant {
		t.Fatalf("assistant reply still expected")
	}
}

func TestSendPassesFlagsToEngine(t *testing.T) {
	f := newSenderFixture(t)

	in := sendInput("send-h", "with flags")
	in.Thinking = true
	in.Search = true
	if _, err := f.sender.HandleSend(context.Background(), in); err != nil {
		t.Fatalf("send: %v", err)
	}
	calls := f.engine.calls()
	if len(calls) != 1 {
		t.Fatalf("calls: got=%d", len(calls))
	}
	got := calls[0]
	if !got.Thinking || !got.Search || got.Document || got.Agentic {
		t.Fatalf("flags not forwarded: %+v", got)
	}
	if got.RequestID == "" {
		t.Fatalf("every send needs a correlation id")
	}
	if !strings.HasPrefix(got.SessionID, "send-h") {
		t.Fatalf("session id: %q", got.SessionID)
	}
}
