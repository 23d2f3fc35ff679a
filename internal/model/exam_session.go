package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/khatwa/khatwa-backend/internal/exam"
)

// SessionStatus enumerates stored exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
	SessionStatusExpired    SessionStatus = "EXPIRED"
)

// Finished reports whether the session no longer accepts answers.
func (s SessionStatus) Finished() bool {
	return s == SessionStatusSubmitted || s == SessionStatusExpired
}

// ExamSession represents a student's exam attempt.
type ExamSession struct {
	ID         uuid.UUID     `json:"id"`
	ExamID     uuid.UUID     `json:"exam_id"`
	UserID     int           `json:"user_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Status     SessionStatus `json:"status"`
}

// ExamSessionState is returned by every exam endpoint so the client can
// re-render after a reload.
type ExamSessionState struct {
	SessionID uuid.UUID     `json:"session_id"`
	ExamID    uuid.UUID     `json:"exam_id"`
	StartedAt time.Time     `json:"started_at"`
	Stored    SessionStatus `json:"stored_status"`
	exam.State
}

// SelectAnswerRequest records one answer.
type SelectAnswerRequest struct {
	QuestionID  string `json:"question_id" binding:"required,max=64"`
	OptionIndex *int   `json:"option_index" binding:"required,min=0"`
}

// AnswerRecord is one persisted answer; the queue payloads carry it. Seq
// orders selections of the same session: a lower Seq never overwrites a
// higher one.
type AnswerRecord struct {
	UserID      int    `json:"user_id"`
	ExamID      string `json:"exam_id"`
	QuestionID  string `json:"question_id"`
	OptionIndex int    `json:"option_index"`
	Seq         int64  `json:"seq"`
}

// SubmissionRecord is the final answer set of a finished session.
type SubmissionRecord struct {
	UserID     int            `json:"user_id"`
	ExamID     string         `json:"exam_id"`
	Status     SessionStatus  `json:"status"`
	Answers    map[string]int `json:"answers"`
	FinishedAt time.Time      `json:"finished_at"`
}
