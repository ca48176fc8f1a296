package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vidchat/internal/api"
	"vidchat/internal/cache"
	"vidchat/internal/metrics"
	"vidchat/internal/persist"
	"vidchat/internal/queue"
	"vidchat/internal/retention"
	"vidchat/internal/streams"
)

type memStore struct {
	mu    sync.Mutex
	next  int
	saves map[string]retention.PendingSave
}

func newMemStore() *memStore {
	return &memStore{saves: map[string]retention.PendingSave{}}
}

func (s *memStore) Put(save retention.PendingSave) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	save.ID = fmt.Sprintf("save-%d", s.next)
	save.CreatedAt = time.Now().UTC()
	s.saves[save.ID] = save
	return save.ID
}

func (s *memStore) Get(_ context.Context, id string) (retention.PendingSave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	save, ok := s.saves[id]
	if !ok {
		return retention.PendingSave{}, retention.ErrNotFound
	}
	return save, nil
}

func (s *memStore) List(context.Context) ([]retention.PendingSave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]retention.PendingSave, 0, len(s.saves))
	for _, save := range s.saves {
		out = append(out, save)
	}
	return out, nil
}

func (s *memStore) MarkAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	save, ok := s.saves[id]
	if !ok {
		return retention.ErrNotFound
	}
	save.Attempts++
	s.saves[id] = save
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saves, id)
	return nil
}

type fakeSaver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSaver) CreateQA(_ context.Context, _, query, answer string) (api.QAEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return api.QAEntry{}, f.err
	}
	return api.QAEntry{ID: "srv-1", Query: query, Answer: answer, CreatedAt: time.Now().UTC()}, nil
}

type noFetch struct{}

func (noFetch) GetChat(_ context.Context, chatID string) (api.Chat, error) {
	return api.Chat{}, fmt.Errorf("no chat %s", chatID)
}

func newTestWorker(t *testing.T, store RetentionStore, saver persist.Saver) (*Worker, *cache.Store, *queue.SaveQueue) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewSaveQueue(rdb, "test:saves", "test-workers", "worker-1", 50*time.Millisecond)

	m := metrics.New()
	transcripts := cache.NewStore(noFetch{})
	coordinator := persist.NewCoordinator(persist.Config{
		Saver:    saver,
		Cache:    transcripts,
		Registry: streams.NewRegistry(m),
		Logger:   zerolog.Nop(),
		Metrics:  m,
	})

	w := New(Config{
		Queue:       q,
		Store:       store,
		Saver:       saver,
		Coordinator: coordinator,
		MaxRetries:  3,
		Logger:      zerolog.Nop(),
		Metrics:     m,
	})
	return w, transcripts, q
}

func TestProcessJobLandsDeferredSave(t *testing.T) {
	store := newMemStore()
	saver := &fakeSaver{}
	w, transcripts, _ := newTestWorker(t, store, saver)

	transcripts.Replace("c1", api.Chat{ID: "c1"})
	saveID := store.Put(retention.PendingSave{ChatID: "c1", Query: "q", Answer: "a"})

	if err := w.ProcessJob(context.Background(), queue.SaveJob{SaveID: saveID, ChatID: "c1"}); err != nil {
		t.Fatalf("process job: %v", err)
	}

	chat, ok := transcripts.Get("c1")
	if !ok || len(chat.QuestionsAnswers) != 1 {
		t.Fatalf("cache not reconciled: %+v", chat)
	}
	if chat.QuestionsAnswers[0].ID != "srv-1" {
		t.Fatalf("entry not confirmed: %+v", chat.QuestionsAnswers[0])
	}
	if _, err := store.Get(context.Background(), saveID); !errors.Is(err, retention.ErrNotFound) {
		t.Fatalf("retained save should be deleted after landing, got %v", err)
	}
}

func TestProcessJobMissingSaveIsNoop(t *testing.T) {
	store := newMemStore()
	saver := &fakeSaver{}
	w, _, _ := newTestWorker(t, store, saver)

	if err := w.ProcessJob(context.Background(), queue.SaveJob{SaveID: "gone", ChatID: "c1"}); err != nil {
		t.Fatalf("missing save must resolve cleanly, got %v", err)
	}
	if saver.calls != 0 {
		t.Fatalf("missing save must not hit the backend")
	}
}

func TestProcessJobFailureMarksAttempt(t *testing.T) {
	store := newMemStore()
	saver := &fakeSaver{err: errors.New("backend still down")}
	w, _, _ := newTestWorker(t, store, saver)

	saveID := store.Put(retention.PendingSave{ChatID: "c1", Query: "q", Answer: "a"})

	if err := w.ProcessJob(context.Background(), queue.SaveJob{SaveID: saveID, ChatID: "c1"}); err == nil {
		t.Fatalf("expected save failure")
	}

	save, err := store.Get(context.Background(), saveID)
	if err != nil {
		t.Fatalf("failed save must stay retained, got %v", err)
	}
	if save.Attempts != 1 {
		t.Fatalf("expected one recorded attempt, got %d", save.Attempts)
	}
}

func TestRecoverReenqueuesRetainedSaves(t *testing.T) {
	store := newMemStore()
	w, _, q := newTestWorker(t, store, &fakeSaver{})

	ctx := context.Background()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	id1 := store.Put(retention.PendingSave{ChatID: "c1", Query: "q1", Answer: "a1"})
	id2 := store.Put(retention.PendingSave{ChatID: "c2", Query: "q2", Answer: "a2"})

	if err := w.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected two recovered jobs, got %d", len(msgs))
	}
	got := map[string]bool{}
	for _, msg := range msgs {
		got[msg.Job.SaveID] = true
	}
	if !got[id1] || !got[id2] {
		t.Fatalf("recovered jobs missing save ids: %v", got)
	}
}

func TestHandleMessageReenqueuesUntilRetriesExhausted(t *testing.T) {
	store := newMemStore()
	saver := &fakeSaver{err: errors.New("backend still down")}
	w, _, q := newTestWorker(t, store, saver)

	ctx := context.Background()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	saveID := store.Put(retention.PendingSave{ChatID: "c1", Query: "q", Answer: "a"})
	if _, err := q.Enqueue(ctx, queue.SaveJob{SaveID: saveID, ChatID: "c1", Attempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read: %v (%d msgs)", err, len(msgs))
	}
	w.handleMessage(ctx, zerolog.Nop(), msgs[0])

	// Attempts 2 < maxRetries 3: the job goes around once more.
	msgs, err = q.Read(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected a re-enqueued job: %v (%d msgs)", err, len(msgs))
	}
	if msgs[0].Job.Attempts != 3 {
		t.Fatalf("expected attempts bumped to 3, got %d", msgs[0].Job.Attempts)
	}

	w.handleMessage(ctx, zerolog.Nop(), msgs[0])

	// Attempts 3 == maxRetries: no further re-enqueue, the answer stays
	// retained.
	msgs, err = q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("exhausted job must not be re-enqueued, got %d msgs", len(msgs))
	}
	if _, err := store.Get(ctx, saveID); err != nil {
		t.Fatalf("exhausted save must stay retained, got %v", err)
	}
}
