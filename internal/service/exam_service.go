package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/repository"
	"github.com/rs/zerolog"
)

// Exam errors.
var (
	ErrExamNotAvailable = errors.New("exam is not available")
	ErrNoQuestions      = errors.New("exam has no questions")
)

// PaperRepository loads exam papers from the database.
type PaperRepository interface {
	GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error)
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// PaperCache caches exam papers; Get returns repository.ErrCacheMiss on a miss.
type PaperCache interface {
	Get(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error)
	Set(ctx context.Context, paper *model.ExamPaper) error
}

// ExamService serves exam papers through the Redis cache.
type ExamService struct {
	repo  PaperRepository
	cache PaperCache
	log   zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(repo PaperRepository, cache PaperCache, log zerolog.Logger) *ExamService {
	return &ExamService{
		repo:  repo,
		cache: cache,
		log:   log.With().Str("component", "exam_service").Logger(),
	}
}

// GetPaper returns the student-facing paper, loading and caching it on a miss.
func (s *ExamService) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	paper, err := s.cache.Get(ctx, examID)
	if err == nil {
		return paper, nil
	}
	if !errors.Is(err, repository.ErrCacheMiss) {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Paper cache read failed, using database")
	}

	paper, err = s.load(ctx, examID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, paper); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Paper cache write failed")
	}
	return paper, nil
}

func (s *ExamService) load(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	paper, err := s.repo.GetPaper(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, repository.ErrExamNotPublished) {
			return nil, ErrExamNotAvailable
		}
		return nil, fmt.Errorf("load paper: %w", err)
	}
	if len(paper.Questions) == 0 {
		return nil, ErrNoQuestions
	}
	return paper, nil
}

// PrewarmAllCaches loads every published paper into Redis before traffic
// arrives.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.repo.ListPublishedIDs(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}
	if len(ids) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	warmed := 0
	for _, id := range ids {
		paper, err := s.load(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to warm exam, skipping")
			continue
		}
		if err := s.cache.Set(ctx, paper); err != nil {
			return fmt.Errorf("cache paper: %w", err)
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(ids)).
		Msg("Prewarming complete")
	return nil
}
