package workflow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
)

const testSecret = "workflow-test-secret"

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func newTestClient(t *testing.T, url string, timeout time.Duration) Client {
	t.Helper()
	c, err := NewClient(testLogger(t), Config{
		BaseURL:    url,
		SignSecret: testSecret,
		Timeout:    timeout,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func analyzeReq() AnalyzeRequest {
	return AnalyzeRequest{
		UserID:    uuid.New(),
		ProjectID: "proj-1",
		Role:      "member",
		SessionID: "sess-1",
		Message:   "how did retention change last month?",
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
		Thinking:  true,
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("sessionId"); got != "sess-1" {
			t.Errorf("sessionId: got=%q", got)
		}
		if got := r.FormValue("thinking"); got != "true" {
			t.Errorf("thinking flag: got=%q", got)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"response":"retention rose 4%","prediction":{"trend":"up"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	req := analyzeReq()
	out, err := c.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out.Response != "retention rose 4%" {
		t.Fatalf("response: got=%q", out.Response)
	}
	if len(out.Prediction) == 0 {
		t.Fatalf("expected prediction payload")
	}

	// The engine token must verify against the shared secret and carry the
	// caller's identity.
	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	if err != nil {
		t.Fatalf("parse engine token: %v", err)
	}
	if claims["sub"] != req.UserID.String() {
		t.Fatalf("token sub: got=%v", claims["sub"])
	}
	if claims["project_id"] != "proj-1" || claims["role"] != "member" {
		t.Fatalf("token claims: %v", claims)
	}
}

func TestAnalyzeRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"response":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 10*time.Second)
	out, err := c.Analyze(context.Background(), analyzeReq())
	if err != nil {
		t.Fatalf("analyze after retry: %v", err)
	}
	if out.Response != "ok" {
		t.Fatalf("response: got=%q", out.Response)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls: got=%d want=2", n)
	}
}

func TestAnalyzeHonorsRetryAfterHint(t *testing.T) {
	var calls int32
	var firstDone time.Time
	var secondStart time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			firstDone = time.Now()
			w.Header().Set("Retry-After", "2")
			http.Error(w, "overloaded", http.StatusTooManyRequests)
		default:
			secondStart = time.Now()
			w.Write([]byte(`{"success":true,"response":"ok"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 10*time.Second)
	if _, err := c.Analyze(context.Background(), analyzeReq()); err != nil {
		t.Fatalf("analyze after retry: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls: got=%d want=2", n)
	}
	// The hint exceeds the jittered base backoff, so it sets the wait.
	if gap := secondStart.Sub(firstDone); gap < 2*time.Second {
		t.Fatalf("retry gap: got=%v want>=2s", gap)
	}
}

func TestAnalyzeStopsAfterSingleRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "still down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 10*time.Second)
	_, err := c.Analyze(context.Background(), analyzeReq())
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !apierr.Is(err, apierr.CodeUpstreamError) {
		t.Fatalf("expected upstream_error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("calls: got=%d want=2", n)
	}
}

func TestAnalyzeNonSuccessPayloadIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"code":"quota_exceeded"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 5*time.Second)
	out, err := c.Analyze(context.Background(), analyzeReq())
	if err == nil {
		t.Fatalf("expected error for success=false")
	}
	if !apierr.Is(err, apierr.CodeUpstreamError) {
		t.Fatalf("expected upstream_error, got %v", err)
	}
	if out == nil || out.Code != "quota_exceeded" {
		t.Fatalf("expected payload back for diagnostics, got %+v", out)
	}
}

func TestAnalyzeTimeoutIsTimeoutFlavored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect and
		// cancel the request context; otherwise srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 150*time.Millisecond)
	_, err := c.Analyze(context.Background(), analyzeReq())
	if err == nil {
		t.Fatalf("expected timeout")
	}
	if !apierr.Is(err, apierr.CodeUpstreamTimeout) {
		t.Fatalf("expected upstream_timeout, got %v", err)
	}
}

func TestAnalyzeValidatesInput(t *testing.T) {
	c := newTestClient(t, "http://localhost:0", time.Second)

	req := analyzeReq()
	req.SessionID = ""
	if _, err := c.Analyze(context.Background(), req); !apierr.Is(err, apierr.CodeValidation) {
		t.Fatalf("expected validation error for missing session, got %v", err)
	}

	req = analyzeReq()
	req.Message = "  "
	if _, err := c.Analyze(context.Background(), req); !apierr.Is(err, apierr.CodeValidation) {
		t.Fatalf("expected validation error for blank message, got %v", err)
	}
}
