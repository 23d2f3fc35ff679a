package websocket

import "github.com/khatwa/khatwa-backend/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer   Action = "answer"
	ActionNext     Action = "next"
	ActionPrevious Action = "previous"
	ActionSubmit   Action = "submit"
	ActionState    Action = "state"
	ActionPing     Action = "ping"
)

// RequestPayload is the single client message shape; fields unused by an
// action are ignored.
type RequestPayload struct {
	Action      Action `json:"action"`
	QuestionID  string `json:"question_id,omitempty"`
	OptionIndex *int   `json:"option_index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState   Event = "state"
	EventTick    Event = "tick"
	EventExpired Event = "expired"
	EventError   Event = "error"
	EventPong    Event = "pong"
)

// StateResponse carries the full session state after a change.
type StateResponse struct {
	Event Event                   `json:"event"`
	State *model.ExamSessionState `json:"state"`
}

// TickResponse is pushed once per timer interval.
type TickResponse struct {
	Event    Event `json:"event"`
	TimeLeft int   `json:"time_left"`
}

// ExpiredResponse is pushed once when the clock runs out. The answers are
// already locked and submitted.
type ExpiredResponse struct {
	Event   Event  `json:"event"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Event   Event  `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
