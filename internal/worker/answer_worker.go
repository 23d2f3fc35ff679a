package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/khatwa/khatwa-backend/internal/config"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AnswerStore persists single answers.
type AnswerStore interface {
	UpsertAnswer(ctx context.Context, a *model.AnswerRecord) error
}

// AnswerWorker consumes persist_answers_queue and upserts answers into
// PostgreSQL so autosaved progress survives a Redis flush.
type AnswerWorker struct {
	store      AnswerStore
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewAnswerWorker creates a new AnswerWorker.
func NewAnswerWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger) *AnswerWorker {
	return &AnswerWorker{
		store:      store,
		rdb:        rdb,
		log:        log.With().Str("component", "answer_worker").Logger(),
		retryDelay: 5 * time.Second,
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AnswerWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AnswerWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.handle(ctx, result[1]); err != nil {
		var perm permanentError
		if errors.As(err, &perm) {
			w.log.Error().Err(err).Msg("Dropping malformed answer payload")
			return
		}
		// Back to the head so it is retried before newer answers.
		w.log.Error().Err(err).Msg("Persist error, requeueing")
		w.rdb.LPush(ctx, config.WorkerKey.PersistAnswersQueue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
	}
}

// handle persists one queued payload. Malformed payloads return a
// permanentError and must not be requeued.
func (w *AnswerWorker) handle(ctx context.Context, raw string) error {
	var rec model.AnswerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return permanentError{err}
	}
	if _, err := uuid.Parse(rec.ExamID); err != nil {
		return permanentError{fmt.Errorf("exam_id: %w", err)}
	}
	if _, err := uuid.Parse(rec.QuestionID); err != nil {
		return permanentError{fmt.Errorf("question_id: %w", err)}
	}
	if rec.OptionIndex < 0 {
		return permanentError{fmt.Errorf("option_index %d", rec.OptionIndex)}
	}
	if rec.Seq <= 0 {
		return permanentError{fmt.Errorf("seq %d", rec.Seq)}
	}

	if err := w.store.UpsertAnswer(ctx, &rec); err != nil {
		return fmt.Errorf("upsert answer user=%d exam=%s: %w", rec.UserID, rec.ExamID, err)
	}
	return nil
}

// drain processes the remaining queue before shutdown.
func (w *AnswerWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		if err := w.handle(ctx, raw); err != nil {
			var perm permanentError
			if errors.As(err, &perm) {
				continue
			}
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.LPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
