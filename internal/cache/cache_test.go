package cache

import (
	"context"
	"fmt"
	"testing"

	"vidchat/internal/api"
)

type fakeFetcher struct {
	chats   map[string]api.Chat
	fetches int
	err     error
}

func (f *fakeFetcher) GetChat(_ context.Context, chatID string) (api.Chat, error) {
	f.fetches++
	if f.err != nil {
		return api.Chat{}, f.err
	}
	chat, ok := f.chats[chatID]
	if !ok {
		return api.Chat{}, fmt.Errorf("no chat %s", chatID)
	}
	return chat, nil
}

func TestEnsureFetchesOnce(t *testing.T) {
	fetcher := &fakeFetcher{chats: map[string]api.Chat{
		"c1": {ID: "c1", QuestionsAnswers: []api.QAEntry{{ID: "qa1", Query: "q", Answer: "a"}}},
	}}
	store := NewStore(fetcher)

	first, err := store.Ensure(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := store.Ensure(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if fetcher.fetches != 1 {
		t.Fatalf("expected one fetch, got %d", fetcher.fetches)
	}
	if !Equal(first, second) {
		t.Fatalf("expected identical transcripts")
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	fetcher := &fakeFetcher{chats: map[string]api.Chat{
		"c1": {ID: "c1", QuestionsAnswers: []api.QAEntry{{Query: "q", Answer: "a"}}},
	}}
	store := NewStore(fetcher)
	if _, err := store.Ensure(context.Background(), "c1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	chat, ok := store.Get("c1")
	if !ok {
		t.Fatalf("expected cached chat")
	}
	chat.QuestionsAnswers[0].Answer = "mutated"
	chat.QuestionsAnswers = append(chat.QuestionsAnswers, api.QAEntry{Query: "x", Answer: "y"})

	again, _ := store.Get("c1")
	if len(again.QuestionsAnswers) != 1 || again.QuestionsAnswers[0].Answer != "a" {
		t.Fatalf("cached value mutated through a handed-out copy: %+v", again)
	}
}

func TestReplaceNotifiesSubscribers(t *testing.T) {
	store := NewStore(&fakeFetcher{})

	var notified []string
	cancel := store.Subscribe(func(chatID string) {
		notified = append(notified, chatID)
	})
	defer cancel()

	store.Replace("c1", api.Chat{ID: "c1"})
	store.Replace("c2", api.Chat{ID: "c2"})

	if len(notified) != 2 || notified[0] != "c1" || notified[1] != "c2" {
		t.Fatalf("unexpected notifications %v", notified)
	}

	cancel()
	store.Replace("c3", api.Chat{ID: "c3"})
	if len(notified) != 2 {
		t.Fatalf("unsubscribed callback still ran")
	}
}

func TestEqual(t *testing.T) {
	a := api.Chat{ID: "c1", QuestionsAnswers: []api.QAEntry{{Query: "q", Answer: "a"}}}
	b := api.Chat{ID: "c1", QuestionsAnswers: []api.QAEntry{{Query: "q", Answer: "a"}}}
	if !Equal(a, b) {
		t.Fatalf("expected equal transcripts")
	}

	b.QuestionsAnswers[0].Answer = "other"
	if Equal(a, b) {
		t.Fatalf("expected different transcripts")
	}

	b = api.Chat{ID: "c1"}
	if Equal(a, b) {
		t.Fatalf("expected different lengths to compare unequal")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	fetcher := &fakeFetcher{chats: map[string]api.Chat{"c1": {ID: "c1"}}}
	store := NewStore(fetcher)

	if _, err := store.Ensure(context.Background(), "c1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	store.Invalidate("c1")
	if _, ok := store.Get("c1"); ok {
		t.Fatalf("expected entry dropped")
	}
	if _, err := store.Ensure(context.Background(), "c1"); err != nil {
		t.Fatalf("ensure after invalidate: %v", err)
	}
	if fetcher.fetches != 2 {
		t.Fatalf("expected refetch, got %d fetches", fetcher.fetches)
	}
}
