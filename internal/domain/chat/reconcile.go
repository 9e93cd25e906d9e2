// Package chat holds the synchronization core: the reconciliation engine
// that merges optimistic and persisted messages into one view, the loading
// state coordinator, and the send orchestrator.
package chat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/types"
)

const (
	// DefaultDedupWindow absorbs clock skew between an optimistic client
	// timestamp and the server-persisted one. Heuristic; configurable.
	DefaultDedupWindow = 60 * time.Second
	DefaultPageSize    = 10
)

// Message is the view the reconciler works on. IsOptimistic is transient and
// never persisted.
type Message struct {
	ID           string             `json:"id,omitempty"`
	Role         string             `json:"role"`
	Content      string             `json:"content"`
	Timestamp    time.Time          `json:"timestamp"`
	Attachments  []types.Attachment `json:"attachments,omitempty"`
	VersionID    int                `json:"version_id"`
	IsOptimistic bool               `json:"isOptimistic,omitempty"`
	Error        bool               `json:"error,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

// FromRecord converts a persisted row into the reconciler's view type.
func FromRecord(row *types.ChatMessage) Message {
	m := Message{
		ID:           row.ID.String(),
		Role:         row.Role,
		Content:      row.Content,
		Timestamp:    row.Timestamp,
		VersionID:    -1,
		Error:        row.Error,
		ErrorMessage: row.ErrorMessage,
	}
	if len(row.Attachments) > 0 {
		_ = json.Unmarshal(row.Attachments, &m.Attachments)
	}
	return m
}

// Reconciler merges the persisted log, the session's pending message, and
// locally-created optimistic messages into one ordered, deduplicated view.
type Reconciler struct {
	// DedupWindow is the fuzzy-match tolerance for duplicate user messages.
	DedupWindow time.Duration
}

func NewReconciler() *Reconciler {
	return &Reconciler{DedupWindow: DefaultDedupWindow}
}

func (r *Reconciler) window() time.Duration {
	if r == nil || r.DedupWindow <= 0 {
		return DefaultDedupWindow
	}
	return r.DedupWindow
}

// IsDuplicate reports whether cand is duplicate-equivalent to a message
// already in existing: same user role, same content, timestamps within the
// dedup window.
func (r *Reconciler) IsDuplicate(existing []Message, cand Message) bool {
	if cand.Role != types.RoleUser {
		return false
	}
	w := r.window()
	for _, m := range existing {
		if m.Role != types.RoleUser || m.Content != cand.Content {
			continue
		}
		delta := cand.Timestamp.Sub(m.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta < w {
			return true
		}
	}
	return false
}

// Reconcile produces the ordered, deduplicated message list: persisted rows,
// plus the pending message and optimistic messages that are not already
// represented in the persisted log.
func (r *Reconciler) Reconcile(persisted []Message, pending *Message, optimistic []Message) []Message {
	out := make([]Message, 0, len(persisted)+len(optimistic)+1)
	out = append(out, persisted...)

	for _, cand := range optimistic {
		if r.IsDuplicate(out, cand) {
			continue
		}
		cand.IsOptimistic = true
		out = append(out, cand)
	}
	if pending != nil && !r.IsDuplicate(out, *pending) {
		p := *pending
		p.IsOptimistic = true
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	r.AssignVersionIDs(out)
	return out
}

// AssignVersionIDs stamps each message with the index of its user/assistant
// pair. A pair is valid only if the user message has no error and is
// immediately followed by an assistant message; everything unpaired gets -1.
func (r *Reconciler) AssignVersionIDs(msgs []Message) {
	for i := range msgs {
		msgs[i].VersionID = -1
	}
	version := 0
	for i := 0; i+1 < len(msgs); i++ {
		if msgs[i].Role != types.RoleUser || msgs[i].Error || msgs[i+1].Role != types.RoleAssistant {
			continue
		}
		msgs[i].VersionID = version
		msgs[i+1].VersionID = version
		version++
		i++
	}
}

// CalculateCorrectVersionID returns the pair index for the assistant message
// at the given position, or -1 if it is not the assistant half of a valid
// pair. Side-channel data (thinking text, artifacts) is keyed by this index.
func (r *Reconciler) CalculateCorrectVersionID(msgs []Message, index int) int {
	if index < 0 || index >= len(msgs) || msgs[index].Role != types.RoleAssistant {
		return -1
	}
	version := 0
	for i := 0; i+1 < len(msgs); i++ {
		if msgs[i].Role != types.RoleUser || msgs[i].Error || msgs[i+1].Role != types.RoleAssistant {
			continue
		}
		if i+1 == index {
			return version
		}
		version++
		i++
	}
	return -1
}

// ApplySnapshot decides what to display after a feed-triggered refetch. A
// transient empty snapshot while a send is still in flight keeps the current
// view so the optimistic message is not wiped before the durable write lands.
func (r *Reconciler) ApplySnapshot(current, snapshot []Message, sendInFlight bool) []Message {
	if len(snapshot) == 0 && sendInFlight && len(current) > 0 {
		return current
	}
	return snapshot
}

// Window is the sliding pagination window over the reconciled list: the most
// recent messages are visible, LoadMore extends backward. Already-visible
// entries are never re-sliced out, so loading more cannot re-fetch them.
type Window struct {
	mu          sync.Mutex
	pageSize    int
	visible     int
	loadingMore bool
}

func NewWindow(pageSize int) *Window {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Window{pageSize: pageSize, visible: pageSize}
}

// View returns the most recent visible slice of all.
func (w *Window) View(all []Message) []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(all) <= w.visible {
		return all
	}
	return all[len(all)-w.visible:]
}

func (w *Window) HasMore(total int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return total > w.visible
}

func (w *Window) AllLoaded(total int) bool {
	return !w.HasMore(total)
}

func (w *Window) IsLoadingMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadingMore
}

// LoadMore extends the window backward by one page. fetch, when non-nil,
// pulls the older page into the caller's list first; a failed fetch leaves
// the window unchanged. Re-entrant calls while a load is running are no-ops.
func (w *Window) LoadMore(fetch func() error) error {
	w.mu.Lock()
	if w.loadingMore {
		w.mu.Unlock()
		return nil
	}
	w.loadingMore = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.loadingMore = false
		w.mu.Unlock()
	}()

	if fetch != nil {
		if err := fetch(); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.visible += w.pageSize
	w.mu.Unlock()
	return nil
}
