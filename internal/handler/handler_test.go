package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/khatwa/khatwa-backend/internal/exam"
	"github.com/khatwa/khatwa-backend/internal/middleware"
	"github.com/khatwa/khatwa-backend/internal/model"
	"github.com/khatwa/khatwa-backend/internal/quota"
	"github.com/khatwa/khatwa-backend/internal/response"
	"github.com/khatwa/khatwa-backend/internal/service"
	"github.com/khatwa/khatwa-backend/internal/validator"
	ws "github.com/khatwa/khatwa-backend/internal/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

// asStudent injects claims the way RequireAuth would.
func asStudent(userID int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{UserID: userID, Role: model.RoleStudent})
		c.Next()
	}
}

type envelope struct {
	Data       json.RawMessage      `json:"data"`
	Error      *response.ErrorBody  `json:"error"`
	Pagination *response.Pagination `json:"pagination"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

// ─── Exam ───────────────────────────────────────────────────────────

type stubSessions struct {
	mu      sync.Mutex
	state   *model.ExamSessionState
	err     error
	answers map[string]int
	hooks   exam.TimerHooks
	attach  chan struct{}
	detach  chan struct{}
}

func newStubSessions() *stubSessions {
	return &stubSessions{
		state: &model.ExamSessionState{
			SessionID: uuid.New(),
			Stored:    model.SessionStatusInProgress,
			State:     exam.State{TotalQuestions: 3, TimeLeft: 600, Status: exam.StatusActive, Answers: map[string]int{}},
		},
		answers: map[string]int{},
		attach:  make(chan struct{}, 1),
		detach:  make(chan struct{}, 1),
	}
}

func (s *stubSessions) result() (*model.ExamSessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.state
	return &cp, nil
}

func (s *stubSessions) Start(context.Context, uuid.UUID, int) (*model.ExamSessionState, error) {
	return s.result()
}

func (s *stubSessions) Paper(_ context.Context, examID uuid.UUID, _ int) (*model.ExamPaper, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.ExamPaper{
		ExamID:          examID,
		Title:           "اختبار قصير",
		DurationSeconds: 600,
		Questions:       []model.QuestionItem{{ID: "q1", Question: "?", Options: []string{"أ", "ب"}}},
	}, nil
}

func (s *stubSessions) State(context.Context, uuid.UUID, int) (*model.ExamSessionState, error) {
	return s.result()
}

func (s *stubSessions) SelectAnswer(_ context.Context, _ uuid.UUID, _ int, qid string, idx int) (*model.ExamSessionState, error) {
	s.mu.Lock()
	if s.err == nil {
		s.answers[qid] = idx
		s.state.Answers = map[string]int{qid: idx}
	}
	s.mu.Unlock()
	return s.result()
}

func (s *stubSessions) Next(context.Context, uuid.UUID, int) (*model.ExamSessionState, error) {
	s.mu.Lock()
	s.state.CurrentQuestionIndex++
	s.mu.Unlock()
	return s.result()
}

func (s *stubSessions) Previous(context.Context, uuid.UUID, int) (*model.ExamSessionState, error) {
	return s.result()
}

func (s *stubSessions) Submit(context.Context, uuid.UUID, int) (*model.ExamSessionState, error) {
	return s.result()
}

func (s *stubSessions) Attach(_ context.Context, _ uuid.UUID, _ int, hooks exam.TimerHooks) (*exam.Session, func(), error) {
	s.mu.Lock()
	s.hooks = hooks
	s.mu.Unlock()
	s.attach <- struct{}{}
	return nil, func() { s.detach <- struct{}{} }, nil
}

func examRouter(sessions ExamSessions) *gin.Engine {
	h := NewExamSessionHandler(sessions, zerolog.Nop())
	r := gin.New()
	g := r.Group("/exams/:exam_id", asStudent(5))
	g.GET("/paper", h.GetPaper)
	g.POST("/start", h.Start)
	g.GET("/state", h.GetState)
	g.PUT("/answers", h.SelectAnswer)
	g.POST("/next", h.Next)
	g.POST("/submit", h.Submit)
	return r
}

func TestExamStartAndAnswer(t *testing.T) {
	sessions := newStubSessions()
	r := examRouter(sessions)
	examID := uuid.New().String()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/exams/"+examID+"/start", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var started struct {
		State model.ExamSessionState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &started))
	assert.Equal(t, 600, started.State.TimeLeft)
	assert.Equal(t, 3, started.State.TotalQuestions)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/exams/"+examID+"/answers",
		strings.NewReader(`{"question_id":"q2","option_index":0}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]int{"q2": 0}, sessions.answers)
}

func TestExamPaperShape(t *testing.T) {
	r := examRouter(newStubSessions())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exams/"+uuid.NewString()+"/paper", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var paper map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &paper))
	assert.Contains(t, paper, "questions")
	assert.JSONEq(t, "600", string(paper["durationSeconds"]))
}

func TestExamAnswerValidation(t *testing.T) {
	sessions := newStubSessions()
	r := examRouter(sessions)

	for _, body := range []string{`{"question_id":"q1"}`, `{"question_id":"q1","option_index":-1}`, `{"option_index":1}`} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/exams/"+uuid.NewString()+"/answers", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, sessions.answers)
}

func TestExamErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{exam.ErrSessionExpired, http.StatusConflict, response.ErrSessionExpired},
		{exam.ErrSessionSubmitted, http.StatusConflict, response.ErrSessionSubmitted},
		{exam.ErrOptionOutOfRange, http.StatusUnprocessableEntity, response.ErrInvalidAnswer},
		{service.ErrSessionNotStarted, http.StatusConflict, response.ErrSessionNotStarted},
		{service.ErrExamNotAvailable, http.StatusNotFound, response.ErrExamNotAvailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tc := range tests {
		sessions := newStubSessions()
		sessions.err = tc.err
		r := examRouter(sessions)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/exams/"+uuid.NewString()+"/submit", nil))
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		assert.Equal(t, tc.code, decode(t, w).Error.Code)
	}
}

func TestExamInvalidID(t *testing.T) {
	r := examRouter(newStubSessions())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exams/not-a-uuid/state", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrInvalidID, decode(t, w).Error.Code)
}

// ─── WebSocket ──────────────────────────────────────────────────────

func TestExamStream(t *testing.T) {
	sessions := newStubSessions()
	h := NewWSHandler(sessions, zerolog.Nop(), nil)

	r := gin.New()
	r.GET("/ws/:exam_id", asStudent(5), h.ExamStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + uuid.NewString()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-sessions.attach:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not attach a timer")
	}

	readEvent := func() map[string]json.RawMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	assert.JSONEq(t, `"state"`, string(readEvent()["event"]))

	sessions.mu.Lock()
	hooks := sessions.hooks
	sessions.mu.Unlock()
	hooks.OnTick(42)
	tick := readEvent()
	assert.JSONEq(t, `"tick"`, string(tick["event"]))
	assert.JSONEq(t, `42`, string(tick["time_left"]))

	idx := 1
	require.NoError(t, conn.WriteJSON(ws.RequestPayload{Action: ws.ActionAnswer, QuestionID: "q1", OptionIndex: &idx}))
	assert.JSONEq(t, `"state"`, string(readEvent()["event"]))

	require.NoError(t, conn.WriteJSON(ws.RequestPayload{Action: ws.ActionPing}))
	assert.JSONEq(t, `"pong"`, string(readEvent()["event"]))

	require.NoError(t, conn.WriteJSON(ws.RequestPayload{Action: "dance"}))
	ev := readEvent()
	assert.JSONEq(t, `"error"`, string(ev["event"]))
	assert.JSONEq(t, `"INVALID_PAYLOAD"`, string(ev["code"]))

	hooks.OnExpire()
	assert.JSONEq(t, `"expired"`, string(readEvent()["event"]))

	require.NoError(t, conn.Close())
	select {
	case <-sessions.detach:
	case <-time.After(2 * time.Second):
		t.Fatal("closing the stream did not detach the timer")
	}
}

func TestExamStreamWithoutSession(t *testing.T) {
	sessions := newStubSessions()
	sessions.err = service.ErrSessionNotStarted
	h := NewWSHandler(sessions, zerolog.Nop(), nil)

	r := gin.New()
	r.GET("/ws/:exam_id", asStudent(5), h.ExamStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + uuid.NewString()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// ─── Storage ────────────────────────────────────────────────────────

type stubStorage struct {
	err      error
	folders  []model.Folder
	uploaded []byte
	upload   service.UploadInput
}

func (s *stubStorage) overview() *model.StorageOverview {
	q := quota.Quota{Total: quota.StudentQuotaBytes, Used: 1 << 30}
	return &model.StorageOverview{Quota: q.Summarize(), Files: []model.PersonalFile{}}
}

func (s *stubStorage) Overview(context.Context, int) (*model.StorageOverview, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.overview(), nil
}

func (s *stubStorage) CreatePersonalCopy(_ context.Context, userID int, src uuid.UUID, folder *uuid.UUID) (*model.CopyResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.CopyResult{
		File:     model.PersonalFile{ID: uuid.New(), OwnerID: userID, SourceFileID: &src, FolderID: folder, Status: model.FileStatusReady},
		Overview: *s.overview(),
	}, nil
}

func (s *stubStorage) Upload(_ context.Context, userID int, in service.UploadInput) (*model.CopyResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.uploaded = b
	s.upload = in
	return &model.CopyResult{
		File:     model.PersonalFile{ID: uuid.New(), OwnerID: userID, Name: in.Name, Size: in.Size},
		Overview: *s.overview(),
	}, nil
}

func (s *stubStorage) DeleteFile(context.Context, int, uuid.UUID) (*model.StorageOverview, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.overview(), nil
}

func (s *stubStorage) ListFolders(context.Context, int) ([]model.Folder, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]model.Folder{}, s.folders...), nil
}

func (s *stubStorage) CreateFolder(_ context.Context, userID int, name string) (*model.Folder, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.Folder{ID: uuid.New(), OwnerID: userID, Name: name}, nil
}

func storageRouter(storage PersonalStorage, maxUpload int64) *gin.Engine {
	h := NewStorageHandler(storage, maxUpload, zerolog.Nop())
	r := gin.New()
	g := r.Group("/storage", asStudent(9))
	g.GET("", h.GetOverview)
	g.POST("/copies", h.CreateCopy)
	g.POST("/files", h.Upload)
	g.DELETE("/files/:id", h.DeleteFile)
	g.GET("/folders", h.ListFolders)
	g.POST("/folders", h.CreateFolder)
	return r
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestStorageOverview(t *testing.T) {
	r := storageRouter(&stubStorage{}, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/storage", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var o model.StorageOverview
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &o))
	assert.Equal(t, o.Quota.TotalQuota, o.Quota.UsedStorage+o.Quota.AvailableStorage)
	assert.Equal(t, quota.SeverityNormal, o.Quota.Severity)
}

func TestStorageCopy(t *testing.T) {
	r := storageRouter(&stubStorage{}, 1<<20)

	src := uuid.NewString()
	w := postJSON(r, "/storage/copies", `{"source_file_id":"`+src+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var res model.CopyResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &res))
	assert.Equal(t, src, res.File.SourceFileID.String())

	w = postJSON(r, "/storage/copies", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStorageCopyErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
		kind   string
	}{
		{service.ErrInsufficientQuota, http.StatusConflict, response.ErrInsufficientQuota, "insufficient_quota"},
		{service.ErrSourceNotFound, http.StatusNotFound, response.ErrSourceNotFound, "source_not_found"},
		{service.ErrTransferFailed, http.StatusBadGateway, response.ErrTransferFailed, "transfer_failed"},
		{service.ErrCopyInProgress, http.StatusConflict, response.ErrCopyInProgress, ""},
		{service.ErrFolderNotFound, http.StatusNotFound, response.ErrFolderNotFound, ""},
	}

	for _, tc := range tests {
		r := storageRouter(&stubStorage{err: tc.err}, 1<<20)
		w := postJSON(r, "/storage/copies", `{"source_file_id":"`+uuid.NewString()+`"}`)

		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		body := decode(t, w).Error
		require.NotNil(t, body)
		assert.Equal(t, tc.code, body.Code)
		assert.Equal(t, tc.kind, body.Kind)
		assert.NotEmpty(t, body.Message)
	}
}

func multipartBody(t *testing.T, field, name string, content []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestStorageUpload(t *testing.T) {
	storage := &stubStorage{}
	r := storageRouter(storage, 1<<20)

	folder := uuid.New()
	body, ct := multipartBody(t, "file", "notes.txt", []byte("hello"), map[string]string{"folder_id": folder.String()})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/storage/files", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []byte("hello"), storage.uploaded)
	assert.Equal(t, "notes.txt", storage.upload.Name)
	assert.Equal(t, int64(5), storage.upload.Size)
	require.NotNil(t, storage.upload.FolderID)
	assert.Equal(t, folder, *storage.upload.FolderID)
}

func TestStorageUploadLimits(t *testing.T) {
	r := storageRouter(&stubStorage{}, 4)

	body, ct := multipartBody(t, "file", "big.bin", []byte("too large"), nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/storage/files", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	body, ct = multipartBody(t, "", "", nil, map[string]string{"folder_id": "x"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/storage/files", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrFileRequired, decode(t, w).Error.Code)
}

func TestStorageDeleteAndFolders(t *testing.T) {
	r := storageRouter(&stubStorage{}, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/storage/files/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/storage/files/nope", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(r, "/storage/folders", `{"name":"الرياضيات"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/storage/folders", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStorageListFoldersPaginates(t *testing.T) {
	storage := &stubStorage{}
	for _, name := range []string{"أ", "ب", "ت", "ث", "ج"} {
		storage.folders = append(storage.folders, model.Folder{ID: uuid.New(), OwnerID: 9, Name: name})
	}
	r := storageRouter(storage, 1<<20)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/storage/folders?page=2&per_page=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	env := decode(t, w)
	var body struct {
		Folders []model.Folder `json:"folders"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Folders, 2)
	assert.Equal(t, "ت", body.Folders[0].Name)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, response.Pagination{Page: 2, PerPage: 2, TotalItems: 5, TotalPages: 3}, *env.Pagination)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/storage/folders?page=9&per_page=abc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	assert.Empty(t, body.Folders)
}
