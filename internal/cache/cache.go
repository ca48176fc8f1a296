package cache

import (
	"context"
	"fmt"
	"sync"

	"vidchat/internal/api"
)

// Fetcher loads a transcript from the backend when the cache has no entry.
type Fetcher interface {
	GetChat(ctx context.Context, chatID string) (api.Chat, error)
}

// Store caches one transcript per chat. Reads are open to everyone; writes
// on the stream-completion path go through the persistence coordinator
// only, which is what keeps the optimistic insert and the confirmed
// reconciliation from losing each other's updates.
//
// Every accessor hands out deep copies, so a held value never changes under
// its holder and a snapshot taken before a mutation survives it verbatim.
type Store struct {
	fetcher Fetcher

	mu      sync.Mutex
	chats   map[string]api.Chat
	subs    map[int]func(chatID string)
	nextSub int
}

func NewStore(fetcher Fetcher) *Store {
	return &Store{
		fetcher: fetcher,
		chats:   map[string]api.Chat{},
		subs:    map[int]func(chatID string){},
	}
}

// Ensure returns the cached transcript for chatID, fetching and caching it
// first when absent. This is the baseline guarantee the coordinator relies
// on before an optimistic insert.
func (s *Store) Ensure(ctx context.Context, chatID string) (api.Chat, error) {
	s.mu.Lock()
	if chat, ok := s.chats[chatID]; ok {
		s.mu.Unlock()
		return cloneChat(chat), nil
	}
	s.mu.Unlock()

	fetched, err := s.fetcher.GetChat(ctx, chatID)
	if err != nil {
		return api.Chat{}, fmt.Errorf("fetch transcript %s: %w", chatID, err)
	}

	s.mu.Lock()
	// Another caller may have fetched while we were suspended; keep theirs.
	if chat, ok := s.chats[chatID]; ok {
		s.mu.Unlock()
		return cloneChat(chat), nil
	}
	s.chats[chatID] = cloneChat(fetched)
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, chatID)
	return fetched, nil
}

// Get returns a copy of the cached transcript without fetching.
func (s *Store) Get(chatID string) (api.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return api.Chat{}, false
	}
	return cloneChat(chat), true
}

// Replace swaps in a new transcript value and notifies subscribers. Used by
// the coordinator for the optimistic insert, the confirmed reconciliation
// and the rollback restore.
func (s *Store) Replace(chatID string, chat api.Chat) {
	s.mu.Lock()
	s.chats[chatID] = cloneChat(chat)
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, chatID)
}

// Invalidate drops the entry so the next Ensure refetches.
func (s *Store) Invalidate(chatID string) {
	s.mu.Lock()
	delete(s.chats, chatID)
	subs := s.subscribers()
	s.mu.Unlock()

	notify(subs, chatID)
}

// Clear drops everything. Full-teardown path.
func (s *Store) Clear() {
	s.mu.Lock()
	s.chats = map[string]api.Chat{}
	s.mu.Unlock()
}

// Subscribe registers fn to run after any transcript changes, with the chat
// id that changed. Callbacks run outside the store lock; implementations
// may call back into the store.
func (s *Store) Subscribe(fn func(chatID string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) subscribers() []func(chatID string) {
	out := make([]func(chatID string), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(chatID string), chatID string) {
	for _, fn := range subs {
		fn(chatID)
	}
}

func cloneChat(chat api.Chat) api.Chat {
	cp := chat
	cp.QuestionsAnswers = make([]api.QAEntry, len(chat.QuestionsAnswers))
	copy(cp.QuestionsAnswers, chat.QuestionsAnswers)
	return cp
}

// Equal reports whether two transcripts carry identical content. The
// session layer uses it to skip needless re-derivation of its message view.
func Equal(a, b api.Chat) bool {
	if a.ID != b.ID || a.Title != b.Title || a.VideoID != b.VideoID {
		return false
	}
	if len(a.QuestionsAnswers) != len(b.QuestionsAnswers) {
		return false
	}
	for i := range a.QuestionsAnswers {
		if a.QuestionsAnswers[i] != b.QuestionsAnswers[i] {
			return false
		}
	}
	return true
}
