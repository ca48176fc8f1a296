package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vidchat/internal/api"
	"vidchat/internal/cache"
	"vidchat/internal/metrics"
	"vidchat/internal/queue"
	"vidchat/internal/retention"
	"vidchat/internal/streams"
)

// Saver is the slice of the api client the coordinator needs.
type Saver interface {
	CreateQA(ctx context.Context, chatID, query, answer string) (api.QAEntry, error)
}

// Retainer parks an answer whose durable save failed. Optional.
type Retainer interface {
	Put(ctx context.Context, save retention.PendingSave) (string, error)
}

// RetryEnqueuer schedules a retained answer for a background save retry.
// Optional.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, job queue.SaveJob) (string, error)
}

// Notification announces that a background chat's answer finished while
// another chat was in view.
type Notification struct {
	ChatID string
	Query  string
	Answer string
}

// Coordinator is the sole authority for turning a completed stream into a
// durable record and for every completion-path write to the transcript
// cache. One instance serves the whole process.
type Coordinator struct {
	saver    Saver
	cache    *cache.Store
	registry *streams.Registry
	retainer Retainer
	retry    RetryEnqueuer
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	notifyCh chan Notification

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cbMu          sync.Mutex
	onComplete    []func(chatID, query, answer string)
	onError       []func(chatID string, err error)
	onSaveFailure []func(chatID string, err error)
}

type Config struct {
	Saver    Saver
	Cache    *cache.Store
	Registry *streams.Registry
	Retainer Retainer
	Retry    RetryEnqueuer
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

func NewCoordinator(cfg Config) *Coordinator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Coordinator{
		saver:    cfg.Saver,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		retainer: cfg.Retainer,
		retry:    cfg.Retry,
		logger:   cfg.Logger,
		metrics:  m,
		notifyCh: make(chan Notification, 16),
		locks:    map[string]*sync.Mutex{},
	}
}

// Notifications delivers background "response ready" events. Consumers that
// lag lose the oldest events rather than blocking the completion path.
func (c *Coordinator) Notifications() <-chan Notification {
	return c.notifyCh
}

// OnComplete registers fn to run after every handled completion, success or
// not, with the finished turn.
func (c *Coordinator) OnComplete(fn func(chatID, query, answer string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onComplete = append(c.onComplete, fn)
}

// OnError registers fn to run when a stream fails before completing.
func (c *Coordinator) OnError(fn func(chatID string, err error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnSaveFailure registers fn to run when a completed answer could not be
// saved durably. Distinct from OnError: the answer exists, only the save
// failed.
func (c *Coordinator) OnSaveFailure(fn func(chatID string, err error)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onSaveFailure = append(c.onSaveFailure, fn)
}

// HandleStreamComplete persists a finished stream: optimistic cache insert,
// durable save, reconciliation with the server-assigned entry, and verbatim
// snapshot rollback when the save fails. The registry entry is removed
// unconditionally; a failed save must not leave a zombie streaming
// indicator. viewed is the caller's answer to "is this chat on screen right
// now", evaluated at completion time.
func (c *Coordinator) HandleStreamComplete(ctx context.Context, chatID, query, answer string, viewed bool) error {
	lock := c.chatLock(chatID)
	lock.Lock()
	saveErr := c.persist(ctx, chatID, query, answer)
	lock.Unlock()

	c.registry.Remove(chatID)

	if saveErr != nil {
		c.logger.Error().Err(saveErr).Str("chat_id", chatID).Msg("durable save failed, rolled back")
		c.park(ctx, chatID, query, answer)
		c.fireSaveFailure(chatID, saveErr)
	}

	if !viewed {
		c.notify(Notification{ChatID: chatID, Query: query, Answer: answer})
	}

	c.fireComplete(chatID, query, answer)
	return saveErr
}

// HandleStreamError cleans up after a stream that failed before producing a
// result. The cache was never touched for this stream, so there is nothing
// to roll back.
func (c *Coordinator) HandleStreamError(chatID string, err error) {
	c.registry.Remove(chatID)
	c.logger.Warn().Err(err).Str("chat_id", chatID).Msg("stream failed")
	c.fireError(chatID, err)
}

// ConfirmDeferredSave reconciles the cache after the retry worker landed a
// retained answer on the backend.
func (c *Coordinator) ConfirmDeferredSave(chatID, query, answer string, confirmed api.QAEntry) {
	lock := c.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	chat, ok := c.cache.Get(chatID)
	if !ok {
		// Nothing cached for this chat; the next fetch picks the entry up
		// from the backend.
		return
	}
	for i, qa := range chat.QuestionsAnswers {
		if qa.Query == query && qa.Answer == answer {
			if qa.ID == "" {
				chat.QuestionsAnswers[i] = confirmed
				c.cache.Replace(chatID, chat)
			}
			return
		}
	}
	chat.QuestionsAnswers = append(chat.QuestionsAnswers, confirmed)
	c.cache.Replace(chatID, chat)
}

// persist runs the critical section for one chat: steps 1-6 of the
// completion contract. Callers hold the per-chat lock.
func (c *Coordinator) persist(ctx context.Context, chatID, query, answer string) error {
	baseline, err := c.cache.Ensure(ctx, chatID)
	if err != nil {
		return fmt.Errorf("ensure transcript baseline: %w", err)
	}

	// Duplicate completion signal: the turn is already in the transcript.
	for _, qa := range baseline.QuestionsAnswers {
		if qa.Query == query && qa.Answer == answer {
			return nil
		}
	}

	snapshot := baseline

	optimistic := baseline
	optimistic.QuestionsAnswers = append(optimistic.QuestionsAnswers, api.QAEntry{
		Query:     query,
		Answer:    answer,
		CreatedAt: time.Now().UTC(),
	})
	c.cache.Replace(chatID, optimistic)

	confirmed, err := c.saver.CreateQA(ctx, chatID, query, answer)
	if err != nil {
		// Restore the exact pre-update value, not "value minus new entry".
		c.cache.Replace(chatID, snapshot)
		return fmt.Errorf("save answer: %w", err)
	}

	current, ok := c.cache.Get(chatID)
	if !ok {
		current = optimistic
	}
	for i, qa := range current.QuestionsAnswers {
		if qa.Query == query && qa.Answer == answer && qa.ID == "" {
			current.QuestionsAnswers[i] = confirmed
			break
		}
	}
	c.cache.Replace(chatID, current)
	return nil
}

// notify emits a background-completion event without ever blocking the
// completion path; when the consumer lags, the oldest event is dropped.
func (c *Coordinator) notify(n Notification) {
	for {
		select {
		case c.notifyCh <- n:
			return
		default:
		}
		select {
		case <-c.notifyCh:
		default:
		}
	}
}

// park retains the unsaved answer for the background retry worker. Best
// effort: a retention failure only logs, the in-memory rollback already
// happened.
func (c *Coordinator) park(ctx context.Context, chatID, query, answer string) {
	if c.retainer == nil {
		return
	}
	saveID, err := c.retainer.Put(ctx, retention.PendingSave{
		ChatID: chatID,
		Query:  query,
		Answer: answer,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("chat_id", chatID).Msg("failed to retain unsaved answer")
		return
	}
	c.metrics.SavesDeferred.Inc()

	if c.retry == nil {
		return
	}
	if _, err := c.retry.Enqueue(ctx, queue.SaveJob{SaveID: saveID, ChatID: chatID}); err != nil {
		c.logger.Error().Err(err).Str("chat_id", chatID).Str("save_id", saveID).Msg("failed to enqueue save retry")
	}
}

func (c *Coordinator) chatLock(chatID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	lock, ok := c.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[chatID] = lock
	}
	return lock
}

func (c *Coordinator) fireComplete(chatID, query, answer string) {
	c.cbMu.Lock()
	cbs := append([]func(chatID, query, answer string){}, c.onComplete...)
	c.cbMu.Unlock()
	for _, fn := range cbs {
		fn(chatID, query, answer)
	}
}

func (c *Coordinator) fireError(chatID string, err error) {
	c.cbMu.Lock()
	cbs := append([]func(chatID string, err error){}, c.onError...)
	c.cbMu.Unlock()
	for _, fn := range cbs {
		fn(chatID, err)
	}
}

func (c *Coordinator) fireSaveFailure(chatID string, err error) {
	c.cbMu.Lock()
	cbs := append([]func(chatID string, err error){}, c.onSaveFailure...)
	c.cbMu.Unlock()
	for _, fn := range cbs {
		fn(chatID, err)
	}
}
