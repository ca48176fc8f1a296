package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vidchat/internal/api"
	"vidchat/internal/cache"
	"vidchat/internal/streams"
	"vidchat/internal/transport"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the presentation-facing unit: one bubble in the transcript.
type Message struct {
	ID        string
	Role      string
	Content   string
	Timestamp time.Time
}

// Starter is the slice of the stream transport the orchestrator needs.
type Starter interface {
	Start(ctx context.Context, chatID, query, videoID, model string) (string, error)
	Cancel(chatID string)
}

// Completer is the slice of the persistence coordinator the orchestrator
// needs.
type Completer interface {
	HandleStreamComplete(ctx context.Context, chatID, query, answer string, viewed bool) error
	HandleStreamError(chatID string, err error)
}

// Orchestrator bridges one open chat to the shared registry, cache and
// transport. It derives the message list from the cached transcript plus
// any optimistic sends, and exposes the live streaming view for this chat.
type Orchestrator struct {
	chatID      string
	videoID     string
	registry    *streams.Registry
	cache       *cache.Store
	transport   Starter
	coordinator Completer
	view        *ViewState
	logger      zerolog.Logger
	baseCtx     context.Context
	unsubscribe func()

	mu       sync.Mutex
	chat     api.Chat
	haveChat bool
	pending  []Message
	messages []Message
	loading  bool
}

type Config struct {
	ChatID      string
	VideoID     string
	Registry    *streams.Registry
	Cache       *cache.Store
	Transport   Starter
	Coordinator Completer
	View        *ViewState
	Logger      zerolog.Logger

	// BaseCtx bounds background work to the application lifetime, not the
	// view's. A stream must keep flowing after the user navigates away.
	BaseCtx context.Context
}

// Open creates the orchestrator for one chat, marks it as the chat in view
// and kicks off the initial transcript load.
func Open(cfg Config) *Orchestrator {
	if cfg.BaseCtx == nil {
		cfg.BaseCtx = context.Background()
	}
	o := &Orchestrator{
		chatID:      cfg.ChatID,
		videoID:     cfg.VideoID,
		registry:    cfg.Registry,
		cache:       cfg.Cache,
		transport:   cfg.Transport,
		coordinator: cfg.Coordinator,
		view:        cfg.View,
		logger:      cfg.Logger,
		baseCtx:     cfg.BaseCtx,
		loading:     true,
	}
	o.view.Open(cfg.ChatID)
	o.unsubscribe = o.cache.Subscribe(o.onCacheChange)

	go o.loadTranscript()
	return o
}

// Close detaches the orchestrator from the shared cache. It does not cancel
// an in-flight stream; that keeps flowing in the background.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

func (o *Orchestrator) ChatID() string { return o.chatID }

// Messages returns the derived transcript view: confirmed turns flattened
// into user/assistant pairs, followed by optimistic sends the backend has
// not confirmed yet.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// IsStreaming reports whether this chat has an answer in flight. Registry
// presence is the one and only streaming signal.
func (o *Orchestrator) IsStreaming() bool {
	return o.registry.HasActive(o.chatID)
}

// StreamingContent returns the answer text accumulated so far, empty when
// nothing is streaming.
func (o *Orchestrator) StreamingContent() string {
	st, ok := o.registry.Get(o.chatID)
	if !ok {
		return ""
	}
	return st.Content
}

// StatusMessage returns the human-readable phase of the in-flight stream.
func (o *Orchestrator) StatusMessage() string {
	st, ok := o.registry.Get(o.chatID)
	if !ok {
		return ""
	}
	return st.StatusMessage
}

// IsLoading reports whether the initial transcript fetch is still running.
func (o *Orchestrator) IsLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading
}

// SendMessage submits a new query for this chat. A no-op while a stream is
// already in flight, which guards against double submission. The user
// message appears immediately; the answer streams into the registry and is
// handed to the coordinator on completion, with the in-view flag evaluated
// at that moment.
func (o *Orchestrator) SendMessage(query, model string) error {
	if o.registry.HasActive(o.chatID) {
		return nil
	}
	if query == "" {
		return fmt.Errorf("query is empty")
	}

	o.mu.Lock()
	o.pending = append(o.pending, Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   query,
		Timestamp: time.Now().UTC(),
	})
	o.rederiveLocked()
	o.mu.Unlock()

	o.registry.Add(streams.State{
		ChatID:        o.chatID,
		Query:         query,
		VideoID:       o.videoID,
		Model:         model,
		AgentStatus:   "queued",
		StatusMessage: transport.StatusMessage("queued"),
	})

	go o.run(query, model)
	return nil
}

// CancelStream aborts this chat's in-flight stream, if any.
func (o *Orchestrator) CancelStream() {
	o.transport.Cancel(o.chatID)
	o.registry.Remove(o.chatID)
}

func (o *Orchestrator) run(query, model string) {
	answer, err := o.transport.Start(o.baseCtx, o.chatID, query, o.videoID, model)

	switch {
	case err == nil:
		viewed := o.view.IsCurrent(o.chatID)
		if err := o.coordinator.HandleStreamComplete(o.baseCtx, o.chatID, query, answer, viewed); err != nil {
			o.dropPending(query)
		}

	case errors.Is(err, context.Canceled):
		// User-initiated; not an error and never persisted.
		o.registry.Remove(o.chatID)
		o.dropPending(query)

	default:
		o.coordinator.HandleStreamError(o.chatID, err)
		o.dropPending(query)
	}
}

func (o *Orchestrator) loadTranscript() {
	_, err := o.cache.Ensure(o.baseCtx, o.chatID)

	o.mu.Lock()
	o.loading = false
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn().Err(err).Str("chat_id", o.chatID).Msg("initial transcript fetch failed")
		return
	}
	o.onCacheChange(o.chatID)
}

// onCacheChange re-derives the message view when this chat's transcript
// changed. Equal content short-circuits so an unchanged cache write does
// not flicker the view.
func (o *Orchestrator) onCacheChange(chatID string) {
	if chatID != o.chatID {
		return
	}
	chat, ok := o.cache.Get(chatID)
	if !ok {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.haveChat && cache.Equal(o.chat, chat) {
		return
	}
	o.chat = chat
	o.haveChat = true
	o.rederiveLocked()
}

// rederiveLocked rebuilds the message list from the cached transcript plus
// pending optimistic sends. Callers hold o.mu.
func (o *Orchestrator) rederiveLocked() {
	confirmed := map[string]bool{}
	msgs := make([]Message, 0, len(o.chat.QuestionsAnswers)*2+len(o.pending))

	for i, qa := range o.chat.QuestionsAnswers {
		confirmed[qa.Query] = true
		msgs = append(msgs,
			Message{
				ID:        pairMessageID(o.chatID, qa.ID, i, RoleUser),
				Role:      RoleUser,
				Content:   qa.Query,
				Timestamp: qa.CreatedAt,
			},
			Message{
				ID:        pairMessageID(o.chatID, qa.ID, i, RoleAssistant),
				Role:      RoleAssistant,
				Content:   qa.Answer,
				Timestamp: qa.CreatedAt,
			},
		)
	}

	// Keep only optimistic sends the transcript has not absorbed yet.
	kept := o.pending[:0]
	for _, p := range o.pending {
		if confirmed[p.Content] {
			continue
		}
		kept = append(kept, p)
		msgs = append(msgs, p)
	}
	o.pending = kept
	o.messages = msgs
}

func (o *Orchestrator) dropPending(query string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.pending[:0]
	for _, p := range o.pending {
		if p.Content == query {
			continue
		}
		kept = append(kept, p)
	}
	o.pending = kept
	o.rederiveLocked()
}

func pairMessageID(chatID, qaID string, index int, role string) string {
	if qaID != "" {
		return qaID + ":" + role
	}
	return fmt.Sprintf("%s:%d:%s", chatID, index, role)
}
