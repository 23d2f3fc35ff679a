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

const (
	SubmissionBatchSize    = 50
	SubmissionBatchTimeout = 2 * time.Second
	SubmissionPollTimeout  = 1 * time.Second
)

// SubmissionStore persists final answer sets.
type SubmissionStore interface {
	SaveSubmission(ctx context.Context, sub *model.SubmissionRecord) error
}

// SubmissionWorker consumes persist_submissions_queue in batches and writes
// each finished session's answers to PostgreSQL.
type SubmissionWorker struct {
	store SubmissionStore
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewSubmissionWorker creates a new SubmissionWorker.
func NewSubmissionWorker(store SubmissionStore, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "submission_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SubmissionWorker started")

	batch := make([]*model.SubmissionRecord, 0, SubmissionBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= SubmissionBatchSize || time.Since(lastFlush) >= SubmissionBatchTimeout) {
			w.requeue(ctx, w.flush(ctx, batch))
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			w.requeue(context.Background(), w.flush(context.Background(), batch))
			return

		default:
			item, err := w.rdb.BLPop(ctx, SubmissionPollTimeout, config.WorkerKey.PersistSubmissionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}

			sub, err := decodeSubmission(item[1])
			if err != nil {
				w.log.Error().Err(err).Msg("Dropping malformed submission payload")
				continue
			}
			batch = append(batch, sub)
		}
	}
}

func decodeSubmission(raw string) (*model.SubmissionRecord, error) {
	var sub model.SubmissionRecord
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(sub.ExamID); err != nil {
		return nil, fmt.Errorf("exam_id: %w", err)
	}
	if !sub.Status.Finished() {
		return nil, fmt.Errorf("status %q is not terminal", sub.Status)
	}
	if sub.Answers == nil {
		sub.Answers = map[string]int{}
	}
	return &sub, nil
}

// flush saves every submission in the batch and returns the ones that
// failed.
func (w *SubmissionWorker) flush(ctx context.Context, batch []*model.SubmissionRecord) []*model.SubmissionRecord {
	var failed []*model.SubmissionRecord
	saved := 0
	for _, sub := range batch {
		if err := w.store.SaveSubmission(ctx, sub); err != nil {
			w.log.Error().Err(err).
				Int("user_id", sub.UserID).
				Str("exam_id", sub.ExamID).
				Msg("SaveSubmission failed")
			failed = append(failed, sub)
			continue
		}
		saved++
	}

	if saved > 0 {
		w.log.Debug().Int("count", saved).Msg("Submissions persisted")
	}
	return failed
}

func (w *SubmissionWorker) requeue(ctx context.Context, failed []*model.SubmissionRecord) {
	for _, sub := range failed {
		raw, err := json.Marshal(sub)
		if err != nil {
			continue
		}
		if err := w.rdb.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, raw).Err(); err != nil {
			w.log.Error().Err(err).Str("exam_id", sub.ExamID).Msg("Requeue failed")
		}
	}
}
