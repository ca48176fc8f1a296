package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestGetChat(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/c1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Chat{
			ID:      "c1",
			Title:   "Intro video",
			VideoID: "vid123",
			QuestionsAnswers: []QAEntry{
				{ID: "qa1", Query: "what?", Answer: "this"},
			},
		})
	}))

	chat, err := c.GetChat(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.VideoID != "vid123" || len(chat.QuestionsAnswers) != 1 {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestCreateQA(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chats/c1/questions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["query"] != "q" || payload["answer"] != "a" {
			t.Errorf("unexpected payload %v", payload)
		}
		_ = json.NewEncoder(w).Encode(QAEntry{ID: "srv-1", Query: "q", Answer: "a"})
	}))

	entry, err := c.CreateQA(context.Background(), "c1", "q", "a")
	if err != nil {
		t.Fatalf("create qa: %v", err)
	}
	if entry.ID != "srv-1" {
		t.Fatalf("expected server id, got %+v", entry)
	}
}

func TestUnauthorizedSentinel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := c.GetChat(context.Background(), "c1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := c.OpenStream(context.Background(), "q", "v", "m"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized from stream, got %v", err)
	}
	if err := c.RefreshToken(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized from refresh, got %v", err)
	}
}

func TestOpenStreamBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("unexpected accept header %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload["video_id"] != "vid123" || payload["model"] != "model-a" {
			t.Errorf("unexpected payload %v", payload)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: token\ndata: {\"text\":\"hi\"}\n\n"))
	}))

	body, err := c.OpenStream(context.Background(), "what?", "vid123", "model-a")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(raw) != "event: token\ndata: {\"text\":\"hi\"}\n\n" {
		t.Fatalf("unexpected body %q", raw)
	}
}

func TestBackendErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if _, err := c.CreateQA(context.Background(), "c1", "q", "a"); err == nil {
		t.Fatalf("expected error for 500")
	}
}
