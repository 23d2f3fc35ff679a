package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/khatwa/khatwa-backend/internal/exam"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/monitoring"
	"github.com/rs/zerolog"
)

// ErrSessionNotStarted is returned for exam operations before Start.
var ErrSessionNotStarted = errors.New("exam session not started")

// PaperSource supplies exam papers.
type PaperSource interface {
	GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error)
}

// SessionStore persists exam session rows.
type SessionStore interface {
	GetByExamAndUser(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSession, error)
	GetOrCreate(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSession, error)
	Finish(ctx context.Context, examID uuid.UUID, userID int, status model.SessionStatus, at time.Time) error
	ListAnswers(ctx context.Context, examID uuid.UUID, userID int) (map[string]int, error)
}

// ProgressStore holds in-flight answers and the cursor, and queues writes.
type ProgressStore interface {
	Load(ctx context.Context, examID uuid.UUID, userID int) (map[string]int, int, error)
	SaveAnswer(ctx context.Context, rec *model.AnswerRecord) error
	SaveCursor(ctx context.Context, examID uuid.UUID, userID, index int) error
	QueueSubmission(ctx context.Context, sub *model.SubmissionRecord, ttl time.Duration) error
}

// ExamSessionOptions tunes the session service.
type ExamSessionOptions struct {
	TickInterval     time.Duration
	FinishedStateTTL time.Duration
}

// ExamSessionService runs exam sessions. Every operation rebuilds the
// session from storage unless a live (timer-attached) one exists in this
// process.
type ExamSessionService struct {
	papers   PaperSource
	sessions SessionStore
	progress ProgressStore
	opts     ExamSessionOptions
	now      func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	live map[liveKey]*liveSession
}

type liveKey struct {
	examID uuid.UUID
	userID int
}

type liveSession struct {
	session *exam.Session
	cancel  context.CancelFunc

	mu     sync.Mutex
	record model.ExamSession
	subs   map[int]*subscriber
	nextID int
}

func (ls *liveSession) snapshotRecord() model.ExamSession {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.record
}

func (ls *liveSession) subscribers() []*subscriber {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]*subscriber, 0, len(ls.subs))
	for _, sub := range ls.subs {
		out = append(out, sub)
	}
	return out
}

// subscriber runs one attachment's hooks on its own goroutine so a slow
// connection never holds up the shared timer. Only the latest tick is kept.
type subscriber struct {
	hooks   exam.TimerHooks
	ticks   chan int
	expired chan struct{}
	done    chan struct{}

	expireOnce sync.Once
	stopOnce   sync.Once
}

func newSubscriber(hooks exam.TimerHooks) *subscriber {
	sub := &subscriber{
		hooks:   hooks,
		ticks:   make(chan int, 1),
		expired: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go sub.run()
	return sub
}

func (sub *subscriber) run() {
	for {
		select {
		case <-sub.done:
			return
		case left := <-sub.ticks:
			if sub.hooks.OnTick != nil {
				sub.hooks.OnTick(left)
			}
		case <-sub.expired:
			select {
			case left := <-sub.ticks:
				if sub.hooks.OnTick != nil {
					sub.hooks.OnTick(left)
				}
			default:
			}
			if sub.hooks.OnExpire != nil {
				sub.hooks.OnExpire()
			}
			return
		}
	}
}

// tick never blocks; an undelivered older value is replaced.
func (sub *subscriber) tick(left int) {
	select {
	case sub.ticks <- left:
		return
	default:
	}
	select {
	case <-sub.ticks:
	default:
	}
	select {
	case sub.ticks <- left:
	default:
	}
}

func (sub *subscriber) expire() { sub.expireOnce.Do(func() { close(sub.expired) }) }

func (sub *subscriber) stop() { sub.stopOnce.Do(func() { close(sub.done) }) }

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	papers PaperSource,
	sessions SessionStore,
	progress ProgressStore,
	opts ExamSessionOptions,
	log zerolog.Logger,
) *ExamSessionService {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &ExamSessionService{
		papers:   papers,
		sessions: sessions,
		progress: progress,
		opts:     opts,
		now:      time.Now,
		log:      log.With().Str("component", "exam_session_service").Logger(),
		live:     make(map[liveKey]*liveSession),
	}
}

// Start creates the session on first call and resumes it afterwards.
func (s *ExamSessionService) Start(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error) {
	if _, err := s.papers.GetPaper(ctx, examID); err != nil {
		return nil, err
	}
	if _, err := s.sessions.GetOrCreate(ctx, examID, userID); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.State(ctx, examID, userID)
}

// Paper returns the exam paper for a student with a started session.
func (s *ExamSessionService) Paper(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamPaper, error) {
	if _, err := s.record(ctx, examID, userID); err != nil {
		return nil, err
	}
	return s.papers.GetPaper(ctx, examID)
}

// State returns the current session state.
func (s *ExamSessionService) State(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error) {
	sess, rec, err := s.resolve(ctx, examID, userID)
	if err != nil {
		return nil, err
	}
	return buildState(sess, rec), nil
}

// SelectAnswer records an answer and autosaves it.
func (s *ExamSessionService) SelectAnswer(ctx context.Context, examID uuid.UUID, userID int, questionID string, optionIndex int) (*model.ExamSessionState, error) {
	sess, rec, err := s.resolve(ctx, examID, userID)
	if err != nil {
		return nil, err
	}

	if err := sess.SelectAnswer(questionID, optionIndex); err != nil {
		return nil, err
	}

	if err := s.progress.SaveAnswer(ctx, &model.AnswerRecord{
		UserID:      userID,
		ExamID:      examID.String(),
		QuestionID:  questionID,
		OptionIndex: optionIndex,
	}); err != nil {
		return nil, fmt.Errorf("autosave answer: %w", err)
	}

	return buildState(sess, rec), nil
}

// Next moves the cursor forward.
func (s *ExamSessionService) Next(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error) {
	return s.move(ctx, examID, userID, (*exam.Session).Next)
}

// Previous moves the cursor back.
func (s *ExamSessionService) Previous(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error) {
	return s.move(ctx, examID, userID, (*exam.Session).Previous)
}

func (s *ExamSessionService) move(ctx context.Context, examID uuid.UUID, userID int, step func(*exam.Session) int) (*model.ExamSessionState, error) {
	sess, rec, err := s.resolve(ctx, examID, userID)
	if err != nil {
		return nil, err
	}

	idx := step(sess)
	if err := s.progress.SaveCursor(ctx, examID, userID, idx); err != nil {
		return nil, fmt.Errorf("save cursor: %w", err)
	}
	return buildState(sess, rec), nil
}

// Submit locks the answers and queues them for persistence.
func (s *ExamSessionService) Submit(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSessionState, error) {
	sess, rec, err := s.resolve(ctx, examID, userID)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case model.SessionStatusExpired:
		return nil, exam.ErrSessionExpired
	case model.SessionStatusSubmitted:
		return nil, exam.ErrSessionSubmitted
	}
	// A live clock can run out before the timer has stored the expiry.
	if sess.Status() == exam.StatusExpired {
		return nil, exam.ErrSessionExpired
	}

	if err := sess.Submit(); err != nil {
		return nil, err
	}

	rec, err = s.finish(ctx, sess, rec, model.SessionStatusSubmitted)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if ls, ok := s.live[liveKey{examID, userID}]; ok {
		ls.mu.Lock()
		ls.record = rec
		ls.mu.Unlock()
	}
	s.mu.Unlock()

	return buildState(sess, rec), nil
}

// Attach binds a timer to the session for as long as the returned detach
// function has not been called. Multiple attachments share one timer; the
// last detach stops it and drops the in-memory session.
func (s *ExamSessionService) Attach(ctx context.Context, examID uuid.UUID, userID int, hooks exam.TimerHooks) (*exam.Session, func(), error) {
	key := liveKey{examID, userID}

	if sess, detach, ok := s.join(key, hooks); ok {
		return sess, detach, nil
	}

	sess, rec, err := s.resolve(ctx, examID, userID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if _, ok := s.live[key]; ok {
		s.mu.Unlock()
		sess, detach, _ := s.join(key, hooks)
		return sess, detach, nil
	}
	timerCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{
		session: sess,
		cancel:  cancel,
		record:  rec,
		subs:    map[int]*subscriber{0: newSubscriber(hooks)},
		nextID:  1,
	}
	s.live[key] = ls
	s.mu.Unlock()

	monitoring.LiveExamSessions.Inc()
	go exam.RunTimer(timerCtx, sess, s.opts.TickInterval, exam.TimerHooks{
		OnTick: func(left int) {
			for _, sub := range ls.subscribers() {
				sub.tick(left)
			}
		},
		// finish talks to Postgres and Redis; keep it off the timer goroutine.
		OnExpire: func() { go s.expire(key, ls) },
	})

	return sess, s.detachFunc(key, ls, 0), nil
}

func (s *ExamSessionService) join(key liveKey, hooks exam.TimerHooks) (*exam.Session, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.live[key]
	if !ok {
		return nil, nil, false
	}
	ls.mu.Lock()
	id := ls.nextID
	ls.nextID++
	ls.subs[id] = newSubscriber(hooks)
	ls.mu.Unlock()
	return ls.session, s.detachFunc(key, ls, id), true
}

func (s *ExamSessionService) detachFunc(key liveKey, ls *liveSession, id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			ls.mu.Lock()
			if sub, ok := ls.subs[id]; ok {
				sub.stop()
				delete(ls.subs, id)
			}
			remaining := len(ls.subs)
			ls.mu.Unlock()

			if remaining > 0 || s.live[key] != ls {
				return
			}
			delete(s.live, key)
			ls.cancel()
			monitoring.LiveExamSessions.Dec()
		})
	}
}

// LiveSessions reports how many sessions have a running timer.
func (s *ExamSessionService) LiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// expire auto-submits a session whose clock ran out while attached.
func (s *ExamSessionService) expire(key liveKey, ls *liveSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := s.finish(ctx, ls.session, ls.snapshotRecord(), model.SessionStatusExpired)
	if err != nil {
		s.log.Error().Err(err).
			Int("user_id", key.userID).
			Str("exam_id", key.examID.String()).
			Msg("Failed to auto-submit expired session")
	} else {
		ls.mu.Lock()
		ls.record = rec
		ls.mu.Unlock()
	}

	for _, sub := range ls.subscribers() {
		sub.expire()
	}
}

// finish closes the stored session and queues the final answers.
func (s *ExamSessionService) finish(ctx context.Context, sess *exam.Session, rec model.ExamSession, status model.SessionStatus) (model.ExamSession, error) {
	at := s.now()
	st := sess.State()

	if err := s.sessions.Finish(ctx, rec.ExamID, rec.UserID, status, at); err != nil {
		return rec, fmt.Errorf("finish session: %w", err)
	}
	if err := s.progress.QueueSubmission(ctx, &model.SubmissionRecord{
		UserID:     rec.UserID,
		ExamID:     rec.ExamID.String(),
		Status:     status,
		Answers:    st.Answers,
		FinishedAt: at,
	}, s.opts.FinishedStateTTL); err != nil {
		return rec, fmt.Errorf("queue submission: %w", err)
	}

	rec.Status = status
	rec.FinishedAt = &at
	monitoring.ExamFinished.WithLabelValues(string(status)).Inc()

	s.log.Info().
		Int("user_id", rec.UserID).
		Str("exam_id", rec.ExamID.String()).
		Str("status", string(status)).
		Int("answered", len(st.Answers)).
		Msg("Exam session finished")
	return rec, nil
}

func (s *ExamSessionService) record(ctx context.Context, examID uuid.UUID, userID int) (*model.ExamSession, error) {
	rec, err := s.sessions.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotStarted
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// resolve returns the live session if attached, otherwise rebuilds it from
// the stored row, the paper and the autosaved progress. A session found
// out of time is auto-submitted here.
func (s *ExamSessionService) resolve(ctx context.Context, examID uuid.UUID, userID int) (*exam.Session, model.ExamSession, error) {
	s.mu.Lock()
	ls, ok := s.live[liveKey{examID, userID}]
	s.mu.Unlock()
	if ok {
		return ls.session, ls.snapshotRecord(), nil
	}

	rec, err := s.record(ctx, examID, userID)
	if err != nil {
		return nil, model.ExamSession{}, err
	}

	paper, err := s.papers.GetPaper(ctx, examID)
	if err != nil {
		return nil, model.ExamSession{}, err
	}

	answers, cursor, err := s.progress.Load(ctx, examID, userID)
	if err != nil {
		return nil, model.ExamSession{}, err
	}
	// The hash expires after a finished session and may be lost on a Redis
	// restart; the worker has persisted everything it drained by then.
	if len(answers) == 0 {
		if answers, err = s.sessions.ListAnswers(ctx, examID, userID); err != nil {
			return nil, model.ExamSession{}, fmt.Errorf("list answers: %w", err)
		}
	}

	deadline := rec.StartedAt.Add(time.Duration(paper.DurationSeconds) * time.Second)
	timeLeft := paper.DurationSeconds - int(s.now().Sub(rec.StartedAt)/time.Second)
	if rec.Status == model.SessionStatusExpired {
		timeLeft = 0
	}

	sess, err := exam.Resume(exam.Snapshot{
		Questions:    toExamQuestions(paper.Questions),
		TimeLeft:     timeLeft,
		CurrentIndex: cursor,
		Answers:      answers,
		Submitted:    rec.Status == model.SessionStatusSubmitted,
		Deadline:     deadline,
		Clock:        s.now,
	})
	if err != nil {
		return nil, model.ExamSession{}, err
	}

	if sess.Status() == exam.StatusExpired && rec.Status == model.SessionStatusInProgress {
		if *rec, err = s.finish(ctx, sess, *rec, model.SessionStatusExpired); err != nil {
			return nil, model.ExamSession{}, err
		}
	}
	return sess, *rec, nil
}

func toExamQuestions(items []model.QuestionItem) []exam.Question {
	qs := make([]exam.Question, len(items))
	for i, q := range items {
		qs[i] = exam.Question{ID: q.ID, Question: q.Question, Options: q.Options}
	}
	return qs
}

func buildState(sess *exam.Session, rec model.ExamSession) *model.ExamSessionState {
	return &model.ExamSessionState{
		SessionID: rec.ID,
		ExamID:    rec.ExamID,
		StartedAt: rec.StartedAt,
		Stored:    rec.Status,
		State:     sess.State(),
	}
}
