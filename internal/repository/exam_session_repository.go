package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/khatwa/khatwa-backend/internal/model"
)

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// GetByExamAndUser retrieves a session for a specific exam-user combination.
func (r *ExamSessionRepository) GetByExamAndUser(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, exam_id, user_id, started_at, finished_at, status
		 FROM exam_sessions
		 WHERE exam_id = $1 AND user_id = $2`, examID, userID,
	).Scan(&s.ID, &s.ExamID, &s.UserID, &s.StartedAt, &s.FinishedAt, &s.Status)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetOrCreate returns the existing session or inserts a new IN_PROGRESS one.
// Concurrent callers converge on the same row.
func (r *ExamSessionRepository) GetOrCreate(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSession, error) {
	s := &model.ExamSession{ExamID: examID, UserID: userID, Status: model.SessionStatusInProgress}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, user_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, user_id) DO NOTHING
		 RETURNING id, started_at`,
		examID, userID, model.SessionStatusInProgress,
	).Scan(&s.ID, &s.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetByExamAndUser(ctx, examID, userID)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Finish moves an IN_PROGRESS session to a terminal status. Already finished
// sessions are left untouched.
func (r *ExamSessionRepository) Finish(ctx context.Context, examID uuid.UUID, userID int, status model.SessionStatus, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, finished_at = $2
		 WHERE exam_id = $3 AND user_id = $4 AND status = $5`,
		status, at, examID, userID, model.SessionStatusInProgress)
	return err
}

// ListAnswers returns the persisted answers of a session.
func (r *ExamSessionRepository) ListAnswers(ctx context.Context, examID uuid.UUID, userID int) (map[string]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, option_index
		 FROM student_answers
		 WHERE exam_id = $1 AND user_id = $2`, examID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make(map[string]int)
	for rows.Next() {
		var (
			qid uuid.UUID
			idx int
		)
		if err := rows.Scan(&qid, &idx); err != nil {
			return nil, err
		}
		answers[qid.String()] = idx
	}
	return answers, rows.Err()
}

// UpsertAnswer creates or overwrites a single answer. It is a no-op once the
// session is finished, since the submitted set owns the answers then, and
// when a newer selection of the same question is already stored.
func (r *ExamSessionRepository) UpsertAnswer(ctx context.Context, a *model.AnswerRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// FOR SHARE waits out a concurrent SaveSubmission and then sees its status.
	var status model.SessionStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM exam_sessions
		 WHERE exam_id = $1 AND user_id = $2
		 FOR SHARE`, a.ExamID, a.UserID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if status != model.SessionStatusInProgress {
		return nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO student_answers (exam_id, user_id, question_id, option_index, seq)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (exam_id, user_id, question_id) DO UPDATE
		 SET option_index = EXCLUDED.option_index, seq = EXCLUDED.seq, updated_at = NOW()
		 WHERE student_answers.seq < EXCLUDED.seq`,
		a.ExamID, a.UserID, a.QuestionID, a.OptionIndex, a.Seq,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveSubmission replaces the stored answers with the final set and closes
// the session, in one transaction. A session keeps the first terminal status
// it reached.
func (r *ExamSessionRepository) SaveSubmission(ctx context.Context, sub *model.SubmissionRecord) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serializes with UpsertAnswer, which reads the status FOR SHARE.
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM exam_sessions WHERE exam_id = $1 AND user_id = $2 FOR UPDATE`,
		sub.ExamID, sub.UserID,
	); err != nil {
		return err
	}

	qids := make([]string, 0, len(sub.Answers))
	idxs := make([]int, 0, len(sub.Answers))
	for qid, idx := range sub.Answers {
		qids = append(qids, qid)
		idxs = append(idxs, idx)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM student_answers WHERE exam_id = $1 AND user_id = $2`,
		sub.ExamID, sub.UserID,
	); err != nil {
		return err
	}

	if len(qids) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO student_answers (exam_id, user_id, question_id, option_index)
			 SELECT $1, $2, u.question_id::uuid, u.option_index
			 FROM UNNEST($3::text[], $4::int[]) AS u (question_id, option_index)`,
			sub.ExamID, sub.UserID, qids, idxs,
		); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = CASE WHEN status = $5 THEN $1 ELSE status END,
		     finished_at = COALESCE(finished_at, $2)
		 WHERE exam_id = $3 AND user_id = $4`,
		sub.Status, sub.FinishedAt, sub.ExamID, sub.UserID, model.SessionStatusInProgress,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
