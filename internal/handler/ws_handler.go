package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/khatwa/khatwa-backend/internal/exam"
	"github.com/khatwa/khatwa-backend/internal/middleware"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/response"
	ws "github.com/khatwa/khatwa-backend/internal/websocket"
	"github.com/rs/zerolog"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live exam session: the server pushes the timer, the
// client drives answers and navigation.
type WSHandler struct {
	sessions ExamSessions
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions ExamSessions, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamStream godoc
// WS /ws/v1/student/exams/:exam_id/stream?token=
// The session timer runs while at least one stream is open; closing the
// last one stops it.
func (h *WSHandler) ExamStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrLoginRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	userID := claims.UserID

	// The session must exist before upgrading so failures get a normal
	// HTTP error body.
	state, err := h.sessions.State(c.Request.Context(), examID, userID)
	if err != nil {
		status, code := examFailure(err)
		response.Fail(c, status, code)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	wsLog := h.log.With().
		Int("user_id", userID).
		Str("exam_id", examID.String()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, detach, err := h.sessions.Attach(ctx, examID, userID, exam.TimerHooks{
		OnTick: func(left int) {
			_ = conn.WriteTyped(ws.TickResponse{Event: ws.EventTick, TimeLeft: left})
		},
		OnExpire: func() {
			_ = conn.WriteTyped(ws.ExpiredResponse{
				Event:   ws.EventExpired,
				Message: response.GetMessage(response.ErrSessionExpired),
			})
		},
	})
	if err != nil {
		_, code := examFailure(err)
		_ = conn.WriteError(string(code), response.GetMessage(code))
		return
	}
	defer detach()

	wsLog.Info().Msg("Student connected")

	if state, err = h.sessions.State(ctx, examID, userID); err == nil {
		_ = conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: state})
	}

	for {
		var msg ws.RequestPayload
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if msg.Action == ws.ActionPing {
			_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
			continue
		}

		state, err := h.dispatch(ctx, examID, userID, &msg)
		if err != nil {
			status, code := examFailure(err)
			if status == http.StatusInternalServerError {
				wsLog.Error().Err(err).Str("action", string(msg.Action)).Msg("Action failed")
			}
			_ = conn.WriteError(string(code), response.GetMessage(code))
			continue
		}
		_ = conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: state})
	}
}

func (h *WSHandler) dispatch(ctx context.Context, examID uuid.UUID, userID int, msg *ws.RequestPayload) (*model.ExamSessionState, error) {
	switch msg.Action {
	case ws.ActionAnswer:
		if msg.QuestionID == "" || msg.OptionIndex == nil {
			return nil, exam.ErrUnknownQuestion
		}
		return h.sessions.SelectAnswer(ctx, examID, userID, msg.QuestionID, *msg.OptionIndex)
	case ws.ActionNext:
		return h.sessions.Next(ctx, examID, userID)
	case ws.ActionPrevious:
		return h.sessions.Previous(ctx, examID, userID)
	case ws.ActionSubmit:
		return h.sessions.Submit(ctx, examID, userID)
	case ws.ActionState:
		return h.sessions.State(ctx, examID, userID)
	default:
		return nil, errUnknownAction
	}
}
