// Package workflow calls the external engine that produces assistant
// responses. One call is one long-running analysis: request in, JSON out,
// no partial progress except the separately-polled thinking stream.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hestia-labs/hestia-backend/internal/pkg/httpx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/pkg/retry"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/platform/envutil"
)

const (
	// DefaultTimeout bounds one analysis end to end; the engine can run for
	// hundreds of seconds before answering.
	DefaultTimeout = 800 * time.Second
	// One extra attempt on transient network failure, starting at 1s.
	maxAttempts  = 2
	retryBackoff = 1 * time.Second
	// Engines under load can send Retry-After; anything beyond this cap is
	// treated as "give up until the user retries".
	maxRetryAfter = 30 * time.Second

	tokenTTL = 60 * time.Minute
)

type AttachmentMeta struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// AnalyzeRequest is one send. RequestID correlates engine-side logs with the
// durable writes made for this send.
type AnalyzeRequest struct {
	UserID    uuid.UUID
	ProjectID string
	Role      string

	SessionID   string
	Message     string
	Timestamp   time.Time
	RequestID   string
	Thinking    bool
	Search      bool
	Document    bool
	Agentic     bool
	Attachments []AttachmentMeta
}

type AnalyzeResponse struct {
	Success    bool            `json:"success"`
	Response   string          `json:"response"`
	Prediction json.RawMessage `json:"prediction,omitempty"`
	Code       string          `json:"code,omitempty"`
}

type Client interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error)
}

type Config struct {
	BaseURL    string
	SignSecret string
	Timeout    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.String("WORKFLOW_ENGINE_URL", "http://localhost:8001"),
		SignSecret: envutil.String("WORKFLOW_ENGINE_SECRET", ""),
		Timeout:    envutil.Seconds("WORKFLOW_ENGINE_TIMEOUT_SECONDS", DefaultTimeout),
	}
}

type client struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("workflow: missing engine url")
	}
	if strings.TrimSpace(cfg.SignSecret) == "" {
		return nil, fmt.Errorf("workflow: missing signing secret")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &client{
		log:  log.With("client", "WorkflowEngine"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// httpError carries the status so the retry predicate can classify it, and
// the server's Retry-After hint when one was sent.
type httpError struct {
	status     int
	body       string
	retryAfter time.Duration
}

func (e *httpError) Error() string {
	return fmt.Sprintf("workflow engine returned %d: %s", e.status, e.body)
}

func (e *httpError) HTTPStatusCode() int { return e.status }

func (c *client) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, apierr.Validation("missing message")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	token, err := c.signToken(req)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("sign engine token: %w", err))
	}

	var out *AnalyzeResponse
	var hinted time.Duration
	base := retry.Exponential(retryBackoff, 0)
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: maxAttempts,
		// Jitter keeps concurrent sends from hammering the engine in lockstep;
		// a Retry-After hint from the previous response floors the wait.
		Backoff: func(attempt int) time.Duration {
			d := httpx.JitterSleep(base(attempt))
			if hinted > d {
				d = hinted
			}
			return d
		},
	}, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.log.Warn("retrying workflow call",
				"session_id", req.SessionID,
				"request_id", req.RequestID,
				"attempt", attempt,
			)
		}
		resp, err := c.doOnce(ctx, req, token)
		if err != nil {
			var he *httpError
			if errors.As(err, &he) {
				hinted = he.retryAfter
			}
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, apierr.UpstreamTimeout(fmt.Errorf("workflow call timed out: %w", err))
		}
		return nil, apierr.Upstream(fmt.Errorf("workflow call failed: %w", err))
	}
	if !out.Success {
		return out, apierr.Upstream(fmt.Errorf("workflow engine rejected request: code=%s", out.Code))
	}
	return out, nil
}

func (c *client) doOnce(ctx context.Context, req AnalyzeRequest, token string) (*AnalyzeResponse, error) {
	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/analyze"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{
			status:     resp.StatusCode,
			body:       truncate(string(raw), 512),
			retryAfter: httpx.RetryAfterDuration(resp, 0, maxRetryAfter),
		}
	}

	var out AnalyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	return &out, nil
}

func encodeForm(req AnalyzeRequest) (string, string, error) {
	var sb strings.Builder
	w := multipart.NewWriter(&sb)

	fields := map[string]string{
		"message":   req.Message,
		"sessionId": req.SessionID,
		"thinking":  strconv.FormatBool(req.Thinking),
		"search":    strconv.FormatBool(req.Search),
		"document":  strconv.FormatBool(req.Document),
		"agentic":   strconv.FormatBool(req.Agentic),
		"timestamp": req.Timestamp.UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", "", err
		}
	}
	if len(req.Attachments) > 0 {
		meta, err := json.Marshal(req.Attachments)
		if err != nil {
			return "", "", err
		}
		if err := w.WriteField("attachments", string(meta)); err != nil {
			return "", "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", "", err
	}
	return sb.String(), w.FormDataContentType(), nil
}

func (c *client) signToken(req AnalyzeRequest) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":        req.UserID.String(),
		"project_id": req.ProjectID,
		"role":       req.Role,
		"iat":        now.Unix(),
		"exp":        now.Add(tokenTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(c.cfg.SignSecret))
}

func isTimeout(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status == http.StatusGatewayTimeout || he.status == http.StatusRequestTimeout
	}
	// url.Error wrapping a client timeout surfaces as a net.Error; reuse the
	// shared classifier rather than string matching.
	return httpx.IsRetryableError(err) && strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
