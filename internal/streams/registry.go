package streams

import (
	"sync"
	"time"

	"vidchat/internal/metrics"
)

// State describes one in-flight answer stream. Values are stored by value;
// a State handed out of the registry never mutates under the caller.
type State struct {
	ChatID        string
	Query         string
	VideoID       string
	Model         string
	AgentStatus   string
	StatusMessage string
	Content       string
	StartedAt     time.Time
}

// Snapshot is an immutable view of every active stream keyed by chat id.
// Each registry mutation produces a fresh map, so two snapshots are equal
// by reference iff nothing changed between them.
type Snapshot map[string]State

// Registry is the process-wide source of truth for which chats have an
// answer in flight. Absence of an entry is the canonical "not streaming"
// signal. It holds no I/O; callers drive it from the transport and the
// persistence layer.
type Registry struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	current Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

func NewRegistry(m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.Global()
	}
	return &Registry{
		metrics: m,
		current: Snapshot{},
		subs:    map[int]chan Snapshot{},
	}
}

// Add registers a stream for st.ChatID, superseding any previous entry for
// the same chat. Content always starts empty regardless of what the caller
// put in st.
func (r *Registry) Add(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st.Content = ""
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now().UTC()
	}

	next := r.clone()
	next[st.ChatID] = st
	r.publish(next)
}

// UpdateStatus replaces the agent phase for chatID. No-op when the stream
// has already ended; a late status event must not resurrect an entry.
func (r *Registry) UpdateStatus(chatID, status, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.current[chatID]
	if !ok {
		return
	}
	st.AgentStatus = status
	st.StatusMessage = message

	next := r.clone()
	next[chatID] = st
	r.publish(next)
}

// SetContent replaces the accumulated answer text wholesale. The caller owns
// accumulation; latest write wins, which keeps repeated or replayed writes
// idempotent.
func (r *Registry) SetContent(chatID, full string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.current[chatID]
	if !ok {
		return
	}
	st.Content = full

	next := r.clone()
	next[chatID] = st
	r.publish(next)
}

// Remove drops the entry for chatID. Safe to call when absent.
func (r *Registry) Remove(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.current[chatID]; !ok {
		return
	}
	next := r.clone()
	delete(next, chatID)
	r.publish(next)
}

// Clear drops every entry. Full-teardown path (logout).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.current) == 0 {
		return
	}
	r.publish(Snapshot{})
}

func (r *Registry) Get(chatID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.current[chatID]
	return st, ok
}

func (r *Registry) HasActive(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.current[chatID]
	return ok
}

// All returns the current snapshot. Callers must treat it as read-only.
func (r *Registry) All() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Subscribe returns a channel that carries the latest snapshot after every
// mutation, coalescing intermediate states when the consumer lags. The
// returned func cancels the subscription.
func (r *Registry) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Snapshot, 1)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) clone() Snapshot {
	next := make(Snapshot, len(r.current)+1)
	for k, v := range r.current {
		next[k] = v
	}
	return next
}

// publish swaps in the new snapshot and fans it out. Callers hold r.mu.
func (r *Registry) publish(next Snapshot) {
	r.current = next
	r.metrics.ActiveStreams.Set(float64(len(next)))
	for _, ch := range r.subs {
		select {
		case ch <- next:
		default:
			// Consumer still holds a stale snapshot; replace it with the
			// latest so it only ever observes the newest state.
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
}
