package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnauthorized reports that the session credential was rejected. The
// stream transport reacts to it with exactly one refresh-and-retry cycle.
var ErrUnauthorized = errors.New("session credential rejected")

// QAEntry is one persisted conversation turn. ID is assigned by the backend;
// an empty ID marks a client-side optimistic entry awaiting confirmation.
type QAEntry struct {
	ID        string    `json:"id,omitempty"`
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is the backend's view of one conversation: metadata plus the ordered
// transcript. Insertion order of QuestionsAnswers is conversational order.
type Chat struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	VideoID          string    `json:"video_id"`
	QuestionsAnswers []QAEntry `json:"questions_answers"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Client talks to the vidchat backend. Plain JSON calls share a client with
// a request timeout; the streaming call uses a separate client without one,
// since an answer stream legitimately outlives any fixed deadline and is
// bounded by its context instead.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	// Session credentials arrive as cookies; one jar serves both clients.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout, Jar: jar},
		stream:  &http.Client{Jar: jar},
		logger:  cfg.Logger,
	}, nil
}

// GetChat fetches chat metadata and the full questions_answers transcript.
func (c *Client) GetChat(ctx context.Context, chatID string) (Chat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chats/"+url.PathEscape(chatID), nil)
	if err != nil {
		return Chat{}, fmt.Errorf("build chat request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Chat{}, fmt.Errorf("fetch chat: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Chat{}, fmt.Errorf("fetch chat %s: %w", chatID, err)
	}

	var chat Chat
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Chat{}, fmt.Errorf("decode chat: %w", err)
	}
	if chat.ID == "" {
		chat.ID = chatID
	}
	return chat, nil
}

// CreateQA durably stores one finished turn and returns the server-confirmed
// entry carrying its authoritative id and timestamp.
func (c *Client) CreateQA(ctx context.Context, chatID, query, answer string) (QAEntry, error) {
	payload, err := json.Marshal(map[string]string{"query": query, "answer": answer})
	if err != nil {
		return QAEntry{}, fmt.Errorf("marshal qa payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chats/"+url.PathEscape(chatID)+"/questions", bytes.NewReader(payload))
	if err != nil {
		return QAEntry{}, fmt.Errorf("build qa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return QAEntry{}, fmt.Errorf("save qa: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return QAEntry{}, fmt.Errorf("save qa for chat %s: %w", chatID, err)
	}

	var entry QAEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return QAEntry{}, fmt.Errorf("decode qa response: %w", err)
	}
	return entry, nil
}

// RefreshToken asks the backend to mint a fresh session credential off the
// refresh cookie. Success means subsequent calls carry a valid session.
func (c *Client) RefreshToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/refresh", nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	c.logger.Debug().Msg("session refreshed")
	return nil
}

// OpenStream issues the long-lived query request and hands back the raw
// event-stream body. The caller owns closing it and parsing frames.
func (c *Client) OpenStream(ctx context.Context, query, videoID, model string) (io.ReadCloser, error) {
	payload, err := json.Marshal(map[string]string{
		"query":    query,
		"video_id": videoID,
		"model":    model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return resp.Body, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend status %d", resp.StatusCode)
	}
	return nil
}
