package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"vidchat/internal/api"
	"vidchat/internal/metrics"
	"vidchat/internal/sse"
	"vidchat/internal/streams"
)

// ErrEmptyStream reports a stream that ended cleanly without producing a
// single token. Nothing gets persisted for such a stream.
var ErrEmptyStream = errors.New("stream ended without tokens")

// Backend is the slice of the api client the transport needs.
type Backend interface {
	OpenStream(ctx context.Context, query, videoID, model string) (io.ReadCloser, error)
	RefreshToken(ctx context.Context) error
}

// statusMessages maps agent phase codes from agent_step events to the text
// shown while that phase runs.
var statusMessages = map[string]string{
	"queued":           "Waiting for a worker",
	"retrieve_context": "Searching the video",
	"rank_context":     "Picking relevant moments",
	"generate_answer":  "Writing the answer",
	"finalize":         "Wrapping up",
}

const defaultStatusMessage = "Processing..."

// StatusMessage resolves an agent phase code to display text, falling back
// to a generic message for codes this client does not know yet.
func StatusMessage(code string) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return defaultStatusMessage
}

type handle struct {
	cancel context.CancelFunc
}

// Transport owns the request/response cycle of answer streams. One logical
// stream exists per chat; starting a new one for the same chat supersedes
// and cancels the previous request.
type Transport struct {
	backend  Backend
	registry *streams.Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active map[string]*handle
}

type Config struct {
	Backend  Backend
	Registry *streams.Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func New(cfg Config) *Transport {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Transport{
		backend:  cfg.Backend,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		metrics:  m,
		active:   map[string]*handle{},
	}
}

// Start opens the streaming request for one query and drives it to the end,
// writing every agent_step and token event into the registry in wire order.
// It returns the full accumulated answer on clean completion.
//
// Cancellation (via Cancel, a superseding Start for the same chat, or the
// caller's context) returns context.Canceled. Callers must treat that as
// "no result", not as a failure, and must not run completion handling.
func (t *Transport) Start(ctx context.Context, chatID, query, videoID, model string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel}
	t.supersede(chatID, h)
	defer t.release(chatID, h)

	body, err := t.open(ctx, query, videoID, model)
	if err != nil {
		if ctx.Err() != nil {
			t.metrics.StreamsCancelled.Inc()
			return "", context.Canceled
		}
		t.metrics.StreamsFailed.Inc()
		return "", err
	}
	defer body.Close()

	text, err := t.consume(ctx, chatID, body)
	switch {
	case err == nil:
		t.metrics.StreamsCompleted.Inc()
		return text, nil
	case errors.Is(err, context.Canceled):
		t.metrics.StreamsCancelled.Inc()
		return "", context.Canceled
	default:
		t.metrics.StreamsFailed.Inc()
		return "", err
	}
}

// Cancel aborts the in-flight stream for chatID, if any. The pending Start
// call resolves with context.Canceled.
func (t *Transport) Cancel(chatID string) {
	t.mu.Lock()
	h := t.active[chatID]
	t.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// CancelAll aborts every in-flight stream. Teardown path.
func (t *Transport) CancelAll() {
	t.mu.Lock()
	hs := make([]*handle, 0, len(t.active))
	for _, h := range t.active {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h.cancel()
	}
}

// open issues the streaming request with at most one refresh-and-retry
// cycle on a rejected credential. The refreshed flag bounds the loop to two
// attempts; a second rejection is terminal.
func (t *Transport) open(ctx context.Context, query, videoID, model string) (io.ReadCloser, error) {
	refreshed := false
	for {
		body, err := t.backend.OpenStream(ctx, query, videoID, model)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, api.ErrUnauthorized) || refreshed {
			return nil, err
		}

		t.logger.Debug().Msg("stream rejected, refreshing session")
		if err := t.backend.RefreshToken(ctx); err != nil {
			return nil, fmt.Errorf("refresh session: %w", err)
		}
		refreshed = true
	}
}

func (t *Transport) consume(ctx context.Context, chatID string, body io.Reader) (string, error) {
	var acc strings.Builder
	parser := &sse.Parser{}
	buf := make([]byte, 8<<10)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range parser.Feed(string(buf[:n])) {
				t.handleFrame(chatID, frame, &acc)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return "", context.Canceled
			}
			return "", fmt.Errorf("read stream: %w", readErr)
		}
	}
	parser.Flush()

	if ctx.Err() != nil {
		return "", context.Canceled
	}
	if acc.Len() == 0 {
		return "", ErrEmptyStream
	}
	return acc.String(), nil
}

func (t *Transport) handleFrame(chatID string, frame sse.Frame, acc *strings.Builder) {
	switch frame.Event {
	case "agent_step":
		code := parseStepCode(frame.Data)
		if code == "" {
			return
		}
		t.registry.UpdateStatus(chatID, code, StatusMessage(code))

	case "token":
		text, ok := parseTokenText(frame.Data)
		if !ok {
			t.logger.Debug().Str("chat_id", chatID).Msg("skipping malformed token frame")
			return
		}
		if text == "" {
			return
		}
		acc.WriteString(text)
		t.registry.SetContent(chatID, acc.String())
		t.metrics.TokensReceived.Inc()

	default:
		// Heartbeats and event types this client does not know are
		// deliberately ignored, not treated as errors.
	}
}

// parseStepCode accepts either the JSON form {"name":"..."} or a bare
// string code.
func parseStepCode(data string) string {
	var step struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(data), &step); err == nil && step.Name != "" {
		return step.Name
	}
	return strings.TrimSpace(data)
}

func parseTokenText(data string) (string, bool) {
	var tok struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return "", false
	}
	return tok.Text, true
}

// supersede cancels any in-flight stream for chatID and installs h as the
// current one.
func (t *Transport) supersede(chatID string, h *handle) {
	t.mu.Lock()
	prev := t.active[chatID]
	t.active[chatID] = h
	t.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

// release removes h, unless a newer stream already superseded it.
func (t *Transport) release(chatID string, h *handle) {
	t.mu.Lock()
	if t.active[chatID] == h {
		delete(t.active, chatID)
	}
	t.mu.Unlock()
	h.cancel()
}
