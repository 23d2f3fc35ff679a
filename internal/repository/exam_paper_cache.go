package repository

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
)

// ErrCacheMiss signals that a cached value is absent.
var ErrCacheMiss = errors.New("cache miss")

// ExamPaperCache stores student-facing exam papers in Redis.
type ExamPaperCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewExamPaperCache creates a new ExamPaperCache. ttl of 0 keeps entries forever.
func NewExamPaperCache(rdb *redis.Client, ttl time.Duration) *ExamPaperCache {
	return &ExamPaperCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached paper or ErrCacheMiss.
func (c *ExamPaperCache) Get(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	data, err := c.rdb.Get(ctx, config.CacheKey.ExamPaperKey(examID.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("get paper: %w", err)
	}

	var paper model.ExamPaper
	if err := json.Unmarshal(data, &paper); err != nil {
		return nil, fmt.Errorf("unmarshal paper: %w", err)
	}
	return &paper, nil
}

// Set caches paper.
func (c *ExamPaperCache) Set(ctx context.Context, paper *model.ExamPaper) error {
	data, err := json.Marshal(paper)
	if err != nil {
		return fmt.Errorf("marshal paper: %w", err)
	}
	return c.rdb.Set(ctx, config.CacheKey.ExamPaperKey(paper.ExamID.String()), data, c.ttl).Err()
}
