package chat

import (
	"context"
	"errors"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/httpx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/pkg/retry"
	"github.com/hestia-labs/hestia-backend/internal/services"
)

const (
	// Thinking text accumulates for as long as the workflow reasons; the poll
	// is capped so an abandoned run cannot spin forever.
	defaultPollBase     = 2 * time.Second
	defaultPollCap      = 10 * time.Second
	defaultPollAttempts = 90
)

var errThinkingIncomplete = errors.New("thinking not complete yet")

// ThinkingPoller watches the (session, version) thinking record until it is
// complete, delivering each growth to onUpdate. It is cosmetic: failures are
// logged, never surfaced to the send path.
type ThinkingPoller struct {
	log      *logger.Logger
	clk      clock.Clock
	thinking services.ThinkingService

	base     time.Duration
	cap      time.Duration
	attempts int
	onUpdate func(sessionID string, versionID int, t services.Thinking)
}

func NewThinkingPoller(log *logger.Logger, clk clock.Clock, thinking services.ThinkingService, onUpdate func(sessionID string, versionID int, t services.Thinking)) *ThinkingPoller {
	if clk == nil {
		clk = clock.Real()
	}
	return &ThinkingPoller{
		log:      log.With("component", "ThinkingPoller"),
		clk:      clk,
		thinking: thinking,
		base:     defaultPollBase,
		cap:      defaultPollCap,
		attempts: defaultPollAttempts,
		onUpdate: onUpdate,
	}
}

// Poll blocks until the record completes, attempts run out, or ctx ends.
// onUpdate overrides the poller-wide callback when non-nil.
func (p *ThinkingPoller) Poll(ctx context.Context, sessionID string, versionID int, onUpdate func(sessionID string, versionID int, t services.Thinking)) error {
	if onUpdate == nil {
		onUpdate = p.onUpdate
	}

	var lastLen int
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: p.attempts,
		Backoff:     retry.Exponential(p.base, p.cap),
		Retryable: func(err error) bool {
			return errors.Is(err, errThinkingIncomplete) || httpx.IsRetryableError(err)
		},
		Sleep: p.sleep,
	}, func(ctx context.Context, attempt int) error {
		rec, err := p.thinking.Get(dbctx.Context{Ctx: ctx}, sessionID, versionID)
		if err != nil {
			return err
		}
		if rec == nil {
			return errThinkingIncomplete
		}
		if len(rec.Content) > lastLen {
			lastLen = len(rec.Content)
			if onUpdate != nil {
				onUpdate(sessionID, versionID, *rec)
			}
		}
		if !rec.IsComplete {
			return errThinkingIncomplete
		}
		return nil
	})
	if err != nil && !errors.Is(err, errThinkingIncomplete) && !errors.Is(err, context.Canceled) {
		p.log.Warn("thinking poll ended without completion",
			"session_id", sessionID,
			"version_id", versionID,
			"error", err,
		)
	}
	return err
}

// sleep waits on the injected clock so tests can drive the poll without
// wall-clock delays.
func (p *ThinkingPoller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := p.clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
