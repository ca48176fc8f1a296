package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vidchat/internal/metrics"
	"vidchat/internal/persist"
	"vidchat/internal/queue"
	"vidchat/internal/retention"
)

// RetentionStore is the slice of the retention store the worker needs.
type RetentionStore interface {
	Get(ctx context.Context, id string) (retention.PendingSave, error)
	List(ctx context.Context) ([]retention.PendingSave, error)
	MarkAttempt(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Worker drains the save-retry queue: answers whose durable save failed at
// completion time get re-attempted here until they land or run out of
// retries. Terminal failures stay in the retention store for inspection.
type Worker struct {
	queue       *queue.SaveQueue
	store       RetentionStore
	saver       persist.Saver
	coordinator *persist.Coordinator
	maxRetries  int
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Queue       *queue.SaveQueue
	Store       RetentionStore
	Saver       persist.Saver
	Coordinator *persist.Coordinator
	MaxRetries  int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Worker{
		queue:       cfg.Queue,
		store:       cfg.Store,
		saver:       cfg.Saver,
		coordinator: cfg.Coordinator,
		maxRetries:  cfg.MaxRetries,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

// Recover re-enqueues every retained save left over from a previous run.
// Anything still in the retention store never reached the backend.
func (w *Worker) Recover(ctx context.Context) error {
	saves, err := w.store.List(ctx)
	if err != nil {
		return err
	}
	for _, save := range saves {
		if _, err := w.queue.Enqueue(ctx, queue.SaveJob{SaveID: save.ID, ChatID: save.ChatID, Attempts: save.Attempts}); err != nil {
			w.logger.Error().Err(err).Str("save_id", save.ID).Msg("failed to re-enqueue retained save")
		}
	}
	if len(saves) > 0 {
		w.logger.Info().Int("count", len(saves)).Msg("recovered retained saves")
	}
	return nil
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read save queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handleMessage(ctx, log, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.ProcessJob(ctx, msg.Job)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.SaveRetriesFailed.Inc()
	log.Error().Err(err).Str("save_id", msg.Job.SaveID).Int("attempt", msg.Job.Attempts).Msg("save retry failed")

	if msg.Job.Attempts < w.maxRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("save_id", msg.Job.SaveID).Msg("failed to re-enqueue save retry")
			return
		}
	} else {
		// Out of retries; the answer stays retained so nothing is lost.
		log.Warn().Str("save_id", msg.Job.SaveID).Msg("save retry exhausted, answer stays retained")
	}
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after retry handling")
	}
}

// ProcessJob performs one save attempt for a retained answer.
func (w *Worker) ProcessJob(ctx context.Context, job queue.SaveJob) error {
	save, err := w.store.Get(ctx, job.SaveID)
	if err != nil {
		if errors.Is(err, retention.ErrNotFound) {
			// Already landed by an earlier attempt or deleted manually.
			return nil
		}
		return err
	}

	confirmed, err := w.saver.CreateQA(ctx, save.ChatID, save.Query, save.Answer)
	if err != nil {
		if markErr := w.store.MarkAttempt(ctx, save.ID); markErr != nil {
			w.logger.Error().Err(markErr).Str("save_id", save.ID).Msg("failed to mark attempt")
		}
		return err
	}

	w.coordinator.ConfirmDeferredSave(save.ChatID, save.Query, save.Answer, confirmed)
	if err := w.store.Delete(ctx, save.ID); err != nil {
		w.logger.Error().Err(err).Str("save_id", save.ID).Msg("failed to delete retained save")
	}
	w.metrics.SavesRetried.Inc()
	w.logger.Info().Str("chat_id", save.ChatID).Str("save_id", save.ID).Msg("deferred save landed")
	return nil
}
