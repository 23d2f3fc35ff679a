// Package exam holds the in-memory state machine for one run-through of an
// exam: the question pointer, the answers map and the countdown.
package exam

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status enumerates the lifecycle states of a Session.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusSubmitted Status = "SUBMITTED"
)

// Domain errors.
var (
	ErrNoQuestions       = errors.New("exam has no questions")
	ErrDuplicateQuestion = errors.New("duplicate question id")
	ErrUnknownQuestion   = errors.New("question does not belong to this exam")
	ErrOptionOutOfRange  = errors.New("option index out of range")
	ErrSessionExpired    = errors.New("exam session has expired")
	ErrSessionSubmitted  = errors.New("exam session already submitted")
)

// Question is a single prompt. Options are selected by position.
type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// State is an immutable snapshot of a Session.
type State struct {
	CurrentQuestionIndex int            `json:"current_question_index"`
	TotalQuestions       int            `json:"total_questions"`
	Answers              map[string]int `json:"answers"`
	TimeLeft             int            `json:"time_left"`
	Status               Status         `json:"status"`
	Progress             float64        `json:"progress"`
}

// Session is safe for concurrent use; the timer goroutine and request
// handlers share it.
//
// A session with a deadline follows the wall clock: every read re-derives
// timeLeft from it, so a late or missed tick never extends the exam.
type Session struct {
	mu        sync.Mutex
	questions []Question
	positions map[string]int
	current   int
	answers   map[string]int
	timeLeft  int
	status    Status

	deadline time.Time
	clock    func() time.Time
	notified bool
}

// New starts a fresh session at the first question with the full duration.
func New(questions []Question, durationSeconds int) (*Session, error) {
	return Resume(Snapshot{Questions: questions, TimeLeft: durationSeconds})
}

// Snapshot is the persisted form a Session can be rebuilt from.
type Snapshot struct {
	Questions    []Question
	TimeLeft     int
	CurrentIndex int
	Answers      map[string]int
	Submitted    bool

	// Deadline pins the countdown to the wall clock. Zero means the clock
	// only moves on Tick.
	Deadline time.Time
	Clock    func() time.Time
}

// Resume rebuilds a session from persisted state. Answers that no longer
// match a question or its options are dropped; an out-of-range cursor is
// clamped.
func Resume(snap Snapshot) (*Session, error) {
	if len(snap.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	qs := make([]Question, len(snap.Questions))
	positions := make(map[string]int, len(snap.Questions))
	for i, q := range snap.Questions {
		if _, dup := positions[q.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateQuestion, q.ID)
		}
		opts := make([]string, len(q.Options))
		copy(opts, q.Options)
		qs[i] = Question{ID: q.ID, Question: q.Question, Options: opts}
		positions[q.ID] = i
	}

	s := &Session{
		questions: qs,
		positions: positions,
		answers:   make(map[string]int, len(snap.Answers)),
		timeLeft:  max(snap.TimeLeft, 0),
		status:    StatusActive,
		deadline:  snap.Deadline,
		clock:     snap.Clock,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.current = min(max(snap.CurrentIndex, 0), len(qs)-1)

	for qid, idx := range snap.Answers {
		if s.validOption(qid, idx) == nil {
			s.answers[qid] = idx
		}
	}

	s.sync()
	switch {
	case snap.Submitted:
		s.status = StatusSubmitted
	case s.timeLeft == 0:
		s.status = StatusExpired
	}
	// Expiry found on load belongs to the loader, not to a timer.
	s.notified = s.status == StatusExpired
	return s, nil
}

// Questions returns a copy of the question set.
func (s *Session) Questions() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Question, len(s.questions))
	copy(out, s.questions)
	return out
}

// SelectAnswer records optionIndex for questionID, overwriting any prior
// selection. Invalid input is rejected without mutating state.
func (s *Session) SelectAnswer(questionID string, optionIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sync()
	switch s.status {
	case StatusExpired:
		return ErrSessionExpired
	case StatusSubmitted:
		return ErrSessionSubmitted
	}
	if err := s.validOption(questionID, optionIndex); err != nil {
		return err
	}
	s.answers[questionID] = optionIndex
	return nil
}

func (s *Session) validOption(questionID string, optionIndex int) error {
	pos, ok := s.positions[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if optionIndex < 0 || optionIndex >= len(s.questions[pos].Options) {
		return fmt.Errorf("%w: %d", ErrOptionOutOfRange, optionIndex)
	}
	return nil
}

// Next moves to the following question. It is a no-op on the last one.
func (s *Session) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < len(s.questions)-1 {
		s.current++
	}
	return s.current
}

// Previous moves to the preceding question. It is a no-op on the first one.
func (s *Session) Previous() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current > 0 {
		s.current--
	}
	return s.current
}

// Tick advances the countdown: by one second, or to the wall clock when the
// session has a deadline. expired is true exactly once, on the first tick
// that finds the clock exhausted, even if a read noticed it earlier.
func (s *Session) Tick() (timeLeft int, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusActive {
		if s.deadline.IsZero() {
			s.timeLeft = max(s.timeLeft-1, 0)
			if s.timeLeft == 0 {
				s.status = StatusExpired
			}
		} else {
			s.sync()
		}
	}
	if s.status == StatusExpired && !s.notified {
		s.notified = true
		return 0, true
	}
	return s.timeLeft, false
}

// sync pulls timeLeft down to the wall clock. It never adds time.
func (s *Session) sync() {
	if s.deadline.IsZero() || s.status != StatusActive {
		return
	}
	remaining := s.deadline.Sub(s.clock())
	left := 0
	if remaining > 0 {
		left = int((remaining + time.Second - 1) / time.Second)
	}
	s.timeLeft = min(s.timeLeft, left)
	if s.timeLeft == 0 {
		s.status = StatusExpired
	}
}

// Submit locks the answers. Expired sessions can still be submitted.
func (s *Session) Submit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusSubmitted {
		return ErrSessionSubmitted
	}
	s.status = StatusSubmitted
	return nil
}

// Status reports the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()
	return s.status
}

// Progress is (current+1)/total*100, for display.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress()
}

func (s *Session) progress() float64 {
	return float64(s.current+1) / float64(len(s.questions)) * 100
}

// State returns a point-in-time copy of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync()

	answers := make(map[string]int, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	return State{
		CurrentQuestionIndex: s.current,
		TotalQuestions:       len(s.questions),
		Answers:              answers,
		TimeLeft:             s.timeLeft,
		Status:               s.status,
		Progress:             s.progress(),
	}
}
