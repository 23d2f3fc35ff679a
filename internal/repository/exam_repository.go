package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khatwa/khatwa-backend/internal/model"
)

// ErrExamNotPublished is returned when a paper is requested for an exam that
// students cannot take.
var ErrExamNotPublished = errors.New("exam is not published")

// ExamRepository handles exam and question data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, course_id, title, duration_seconds, status, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.CourseID, &e.Title, &e.DurationSeconds, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetPaper loads a published exam with its questions in stored order.
func (r *ExamRepository) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	e, err := r.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.ExamStatusPublished {
		return nil, fmt.Errorf("%w: %s", ErrExamNotPublished, e.Status)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, prompt, options
		 FROM questions WHERE exam_id = $1
		 ORDER BY position, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paper := &model.ExamPaper{
		ExamID:          e.ID,
		Title:           e.Title,
		DurationSeconds: e.DurationSeconds,
	}
	for rows.Next() {
		var (
			id uuid.UUID
			q  model.QuestionItem
		)
		if err := rows.Scan(&id, &q.Question, &q.Options); err != nil {
			return nil, err
		}
		q.ID = id.String()
		paper.Questions = append(paper.Questions, q)
	}
	return paper, rows.Err()
}

// ListPublishedIDs returns the IDs of every published exam.
func (r *ExamRepository) ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams WHERE status = $1`, model.ExamStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
