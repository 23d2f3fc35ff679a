package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam represents an exam entity.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	CourseID        *uuid.UUID `json:"course_id,omitempty"`
	Title           string     `json:"title"`
	DurationSeconds int        `json:"duration_seconds"`
	Status          ExamStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ExamPaper is the student-facing payload loaded once per session start.
// It is cached in Redis as JSON.
type ExamPaper struct {
	ExamID          uuid.UUID      `json:"exam_id"`
	Title           string         `json:"title"`
	DurationSeconds int            `json:"durationSeconds"`
	Questions       []QuestionItem `json:"questions"`
}

// QuestionItem is a question as delivered to students. Options are answered
// by position and must keep their stored order.
type QuestionItem struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}
