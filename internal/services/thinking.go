package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	repos "github.com/hestia-labs/hestia-backend/internal/data/repos/chat"
	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/dbctx"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/pkg/ttlcache"
	"github.com/hestia-labs/hestia-backend/internal/platform/apierr"
	"github.com/hestia-labs/hestia-backend/internal/types"
)

const (
	// Thinking text in the cache outlives the longest workflow run, then gets
	// swept; the durable row is the record of truth after that.
	thinkingCacheTTL   = 15 * time.Minute
	thinkingCacheSize  = 2048
	thinkingSweepEvery = time.Minute
)

// Thinking is the view returned to clients: accumulated text plus whether
// the producing workflow has finished writing.
type Thinking struct {
	SessionID  string `json:"session_id"`
	VersionID  int    `json:"version_id"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

// ThinkingService owns the thinking side-channel. Writes land in both the
// durable row and an in-process TTL cache; reads prefer the row and fall back
// to the cache when the row has not been flushed yet.
type ThinkingService interface {
	Get(dbc dbctx.Context, sessionID string, versionID int) (*Thinking, error)
	Append(dbc dbctx.Context, sessionID string, versionID int, delta string, complete bool) (*Thinking, error)
	// StartSweeper evicts expired cache entries until ctx is done.
	StartSweeper(ctx context.Context)
}

type thinkingService struct {
	log   *logger.Logger
	repo  repos.ThinkingRepo
	clk   clock.Clock
	cache *ttlcache.Cache[Thinking]
}

func NewThinkingService(log *logger.Logger, repo repos.ThinkingRepo, clk clock.Clock) ThinkingService {
	if clk == nil {
		clk = clock.Real()
	}
	return &thinkingService{
		log:   log.With("service", "ThinkingService"),
		repo:  repo,
		clk:   clk,
		cache: ttlcache.New[Thinking](clk, thinkingCacheTTL, thinkingCacheSize),
	}
}

func thinkingKey(sessionID string, versionID int) string {
	return fmt.Sprintf("%s:%d", sessionID, versionID)
}

func (s *thinkingService) Get(dbc dbctx.Context, sessionID string, versionID int) (*Thinking, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	if versionID < 0 {
		return nil, apierr.Validation("invalid version_id")
	}
	row, err := s.repo.Get(dbc, sessionID, versionID)
	if err != nil {
		return nil, apierr.Store(fmt.Errorf("get thinking: %w", err))
	}
	if row != nil {
		return fromRecord(row), nil
	}
	if cached, ok := s.cache.Get(thinkingKey(sessionID, versionID)); ok {
		return &cached, nil
	}
	return nil, nil
}

func (s *thinkingService) Append(dbc dbctx.Context, sessionID string, versionID int, delta string, complete bool) (*Thinking, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apierr.Validation("missing session_id")
	}
	if versionID < 0 {
		return nil, apierr.Validation("invalid version_id")
	}
	row, err := s.repo.Append(dbc, sessionID, versionID, delta, complete)
	if err != nil {
		// Durable write failed; keep the delta readable from the cache so the
		// viewer still sees progress while the store recovers.
		s.log.Warn("thinking append failed; caching delta",
			"session_id", sessionID,
			"version_id", versionID,
			"error", err,
		)
		key := thinkingKey(sessionID, versionID)
		cur, _ := s.cache.Get(key)
		cur.SessionID = sessionID
		cur.VersionID = versionID
		cur.Content += delta
		if complete {
			cur.IsComplete = true
		}
		s.cache.Set(key, cur)
		return &cur, nil
	}
	out := fromRecord(row)
	s.cache.Set(thinkingKey(sessionID, versionID), *out)
	return out, nil
}

func (s *thinkingService) StartSweeper(ctx context.Context) {
	go func() {
		for {
			t := s.clk.NewTimer(thinkingSweepEvery)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C():
				if n := s.cache.Sweep(); n > 0 {
					s.log.Debug("swept thinking cache", "removed", n)
				}
			}
		}
	}()
}

func fromRecord(row *types.ThinkingRecord) *Thinking {
	return &Thinking{
		SessionID:  row.SessionID,
		VersionID:  row.VersionID,
		Content:    row.Content,
		IsComplete: row.IsComplete,
	}
}
