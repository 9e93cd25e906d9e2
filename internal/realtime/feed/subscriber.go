// Package feed routes change-bus events to per-session listeners. It tracks a
// mutable "active session" pointer so callbacks that fire after a session
// switch discard themselves instead of mutating state for a session the UI
// no longer displays.
package feed

import (
	"sync"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
	"github.com/hestia-labs/hestia-backend/internal/pkg/logger"
	"github.com/hestia-labs/hestia-backend/internal/realtime"
)

const DefaultDebounce = 100 * time.Millisecond

type subKey struct {
	sessionID string
	store     realtime.Store
}

// Handle identifies one live subscription; callers must Unsubscribe it when
// the session changes or the watcher goes away.
type Handle struct {
	key subKey
	id  uint64
}

type subscription struct {
	key      subKey
	id       uint64
	onChange func(ev realtime.ChangeEvent)

	// debounce state: latest event wins, timer fires one coalesced delivery
	pending *realtime.ChangeEvent
	timer   clock.Timer
	armed   bool
}

type Subscriber struct {
	mu       sync.Mutex
	log      *logger.Logger
	clk      clock.Clock
	debounce time.Duration

	active string
	nextID uint64
	subs   map[subKey]*subscription
}

func NewSubscriber(log *logger.Logger, clk clock.Clock, debounce time.Duration) *Subscriber {
	if clk == nil {
		clk = clock.Real()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Subscriber{
		log:      log.With("component", "ChangeFeed"),
		clk:      clk,
		debounce: debounce,
		subs:     make(map[subKey]*subscription),
	}
}

// SetActiveSession updates the current-session pointer. It is synchronous:
// once it returns, any event handler that runs sees the new session and
// discards stale work.
func (s *Subscriber) SetActiveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = sessionID
}

func (s *Subscriber) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Subscribe registers onChange for (sessionID, store). Subscribing twice for
// the same key is a no-op that returns the existing handle.
func (s *Subscriber) Subscribe(sessionID string, store realtime.Store, onChange func(ev realtime.ChangeEvent)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subKey{sessionID: sessionID, store: store}
	if existing, ok := s.subs[key]; ok {
		return Handle{key: key, id: existing.id}
	}

	s.nextID++
	sub := &subscription{key: key, id: s.nextID, onChange: onChange}
	s.subs[key] = sub
	s.log.Debug("change feed subscribed", "session_id", sessionID, "store", string(store))
	return Handle{key: key, id: sub.id}
}

// Unsubscribe tears down the subscription the handle refers to. Safe to call
// more than once; a handle from a superseded subscription is ignored.
func (s *Subscriber) Unsubscribe(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[h.key]
	if !ok || sub.id != h.id {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	delete(s.subs, h.key)
	s.log.Debug("change feed unsubscribed", "session_id", h.key.sessionID, "store", string(h.key.store))
}

// Subscribed reports whether a live subscription exists for the key.
func (s *Subscriber) Subscribed(sessionID string, store realtime.Store) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subKey{sessionID: sessionID, store: store}]
	return ok
}

// Deliver feeds one bus event into the debounce pipeline. Wire it to
// bus.StartForwarder.
func (s *Subscriber) Deliver(ev realtime.ChangeEvent) {
	s.mu.Lock()

	key := subKey{sessionID: ev.SessionID, store: ev.Store}
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}

	evCopy := ev
	sub.pending = &evCopy
	if !sub.armed {
		sub.armed = true
		if sub.timer == nil {
			sub.timer = s.clk.NewTimer(s.debounce)
		} else {
			sub.timer.Reset(s.debounce)
		}
		timer := sub.timer
		id := sub.id
		go func() {
			<-timer.C()
			s.flush(key, id)
		}()
	}
	s.mu.Unlock()
}

// flush delivers the coalesced event, re-checking both that the subscription
// is still the same one and that its session is still the active session at
// the moment the handler runs.
func (s *Subscriber) flush(key subKey, id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok || sub.id != id {
		s.mu.Unlock()
		return
	}
	ev := sub.pending
	sub.pending = nil
	sub.armed = false

	if ev == nil {
		s.mu.Unlock()
		return
	}
	if ev.SessionID != s.active {
		s.log.Debug("discarding stale change event",
			"event_session", ev.SessionID,
			"active_session", s.active,
		)
		s.mu.Unlock()
		return
	}
	onChange := sub.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(*ev)
	}
}
