package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/khatwa/khatwa-backend/internal/config"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/redis/go-redis/v9"
)

// saveAnswer stamps the answer with a sequence number, updates the hash and
// queues the payload in one step. The sequence follows the Redis clock in
// microseconds so it keeps rising across a Redis restart.
var saveAnswer = redis.NewScript(`
local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local last = tonumber(redis.call("GET", KEYS[3]) or "0")
local seq = math.max(now, last + 1)
local s = string.format("%.0f", seq)
redis.call("SET", KEYS[3], s)
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("RPUSH", KEYS[2], string.sub(ARGV[3], 1, -2) .. ',"seq":' .. s .. '}')
return s
`)

// ExamProgressCache keeps in-flight answers and the question cursor in Redis
// and feeds the persistence queues.
type ExamProgressCache struct {
	rdb *redis.Client
}

// NewExamProgressCache creates a new ExamProgressCache.
func NewExamProgressCache(rdb *redis.Client) *ExamProgressCache {
	return &ExamProgressCache{rdb: rdb}
}

// Load returns the autosaved answers and cursor for a session.
func (c *ExamProgressCache) Load(ctx context.Context, examID uuid.UUID, userID int) (map[string]int, int, error) {
	raw, err := c.rdb.HGetAll(ctx, config.CacheKey.StudentAnswersKey(examID.String(), userID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get answers: %w", err)
	}

	answers := make(map[string]int, len(raw))
	for qid, v := range raw {
		idx, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		answers[qid] = idx
	}

	cursor, err := c.rdb.Get(ctx, config.CacheKey.StudentCursorKey(examID.String(), userID)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("get cursor: %w", err)
	}
	return answers, cursor, nil
}

// SaveAnswer stores one answer and queues it for persistence. rec.Seq is
// set from the stored sequence.
func (c *ExamProgressCache) SaveAnswer(ctx context.Context, rec *model.AnswerRecord) error {
	payload, err := json.Marshal(answerPayload{
		UserID:      rec.UserID,
		ExamID:      rec.ExamID,
		QuestionID:  rec.QuestionID,
		OptionIndex: rec.OptionIndex,
	})
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	keys := []string{
		config.CacheKey.StudentAnswersKey(rec.ExamID, rec.UserID),
		config.WorkerKey.PersistAnswersQueue,
		config.CacheKey.StudentAnswerSeqKey(rec.ExamID, rec.UserID),
	}
	seq, err := saveAnswer.Run(ctx, c.rdb, keys, rec.QuestionID, rec.OptionIndex, payload).Text()
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	if rec.Seq, err = strconv.ParseInt(seq, 10, 64); err != nil {
		return fmt.Errorf("parse answer seq %q: %w", seq, err)
	}
	return nil
}

// answerPayload is AnswerRecord without seq; the script appends it.
type answerPayload struct {
	UserID      int    `json:"user_id"`
	ExamID      string `json:"exam_id"`
	QuestionID  string `json:"question_id"`
	OptionIndex int    `json:"option_index"`
}

// SaveCursor stores the current question index.
func (c *ExamProgressCache) SaveCursor(ctx context.Context, examID uuid.UUID, userID, index int) error {
	return c.rdb.Set(ctx, config.CacheKey.StudentCursorKey(examID.String(), userID), index, 0).Err()
}

// QueueSubmission queues the final answer set and lets the in-flight keys
// expire after ttl.
func (c *ExamProgressCache) QueueSubmission(ctx context.Context, sub *model.SubmissionRecord, ttl time.Duration) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, config.WorkerKey.PersistSubmissionsQueue, payload)
	pipe.Expire(ctx, config.CacheKey.StudentAnswersKey(sub.ExamID, sub.UserID), ttl)
	pipe.Expire(ctx, config.CacheKey.StudentCursorKey(sub.ExamID, sub.UserID), ttl)
	pipe.Expire(ctx, config.CacheKey.StudentAnswerSeqKey(sub.ExamID, sub.UserID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue submission: %w", err)
	}
	return nil
}
