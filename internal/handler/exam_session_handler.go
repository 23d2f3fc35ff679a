package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/khatwa/khatwa-backend/internal/exam"
	"github.com/khatwa/khatwa-backend/internal/middleware"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/response"
	"github.com/khatwa/khatwa-backend/internal/validator"
	"github.com/rs/zerolog"
)

// ExamSessions is the exam session service as seen by the HTTP and
// WebSocket handlers.
type ExamSessions interface {
	Start(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error)
	Paper(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamPaper, error)
	State(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error)
	SelectAnswer(ctx context.Context, examID uuid.UUID, userID int, questionID string, optionIndex int) (*model.ExamSessionState, error)
	Next(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error)
	Previous(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error)
	Submit(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error)
	Attach(ctx context.Context, examID uuid.UUID, userID int, hooks exam.TimerHooks) (*exam.Session, func(), error)
}

// ExamSessionHandler handles the student exam endpoints.
type ExamSessionHandler struct {
	sessions ExamSessions
	log      zerolog.Logger
}

// NewExamSessionHandler creates a new ExamSessionHandler.
func NewExamSessionHandler(sessions ExamSessions, log zerolog.Logger) *ExamSessionHandler {
	return &ExamSessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "exam_session_handler").Logger(),
	}
}

// target extracts the caller and the exam from the request. It writes the
// failure response itself and reports false when the request must stop.
func (h *ExamSessionHandler) target(c *gin.Context) (uuid.UUID, int, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return uuid.Nil, 0, false
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, 0, false
	}
	return examID, claims.UserID, true
}

func (h *ExamSessionHandler) fail(c *gin.Context, err error) {
	status, code := examFailure(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Exam request failed")
	}
	response.Fail(c, status, code)
}

func (h *ExamSessionHandler) respond(c *gin.Context, state *model.ExamSessionState, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"state": state})
}

// GetPaper godoc
// GET /api/v1/student/exams/:exam_id/paper
// Returns the questions and duration. Requires a started session.
func (h *ExamSessionHandler) GetPaper(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}

	paper, err := h.sessions.Paper(c.Request.Context(), examID, userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"questions":       paper.Questions,
		"durationSeconds": paper.DurationSeconds,
		"title":           paper.Title,
	})
}

// Start godoc
// POST /api/v1/student/exams/:exam_id/start
// Creates the session on first call and resumes it afterwards.
func (h *ExamSessionHandler) Start(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}
	state, err := h.sessions.Start(c.Request.Context(), examID, userID)
	h.respond(c, state, err)
}

// GetState godoc
// GET /api/v1/student/exams/:exam_id/state
func (h *ExamSessionHandler) GetState(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}
	state, err := h.sessions.State(c.Request.Context(), examID, userID)
	h.respond(c, state, err)
}

// SelectAnswer godoc
// PUT /api/v1/student/exams/:exam_id/answers
// Records or replaces the answer for one question.
func (h *ExamSessionHandler) SelectAnswer(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}

	var req model.SelectAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	state, err := h.sessions.SelectAnswer(c.Request.Context(), examID, userID, req.QuestionID, *req.OptionIndex)
	h.respond(c, state, err)
}

// Next godoc
// POST /api/v1/student/exams/:exam_id/next
func (h *ExamSessionHandler) Next(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}
	state, err := h.sessions.Next(c.Request.Context(), examID, userID)
	h.respond(c, state, err)
}

// Previous godoc
// POST /api/v1/student/exams/:exam_id/previous
func (h *ExamSessionHandler) Previous(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}
	state, err := h.sessions.Previous(c.Request.Context(), examID, userID)
	h.respond(c, state, err)
}

// Submit godoc
// POST /api/v1/student/exams/:exam_id/submit
// Locks the answers and queues them for persistence.
func (h *ExamSessionHandler) Submit(c *gin.Context) {
	examID, userID, ok := h.target(c)
	if !ok {
		return
	}
	state, err := h.sessions.Submit(c.Request.Context(), examID, userID)
	h.respond(c, state, err)
}
