package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/financial-analyzer/internal/config"
	"github.com/jonathan/financial-analyzer/internal/db"
	"github.com/jonathan/financial-analyzer/internal/document"
	"github.com/jonathan/financial-analyzer/internal/jobs"
	"github.com/jonathan/financial-analyzer/internal/logging"
)

const testJWTSecret = "test-secret-with-enough-entropy-1234567890"

// recordingSubmitter captures submitted tasks.
type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []jobs.Task
	err   error
}

func (s *recordingSubmitter) Submit(ctx context.Context, task jobs.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingSubmitter) submitted() []jobs.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobs.Task(nil), s.tasks...)
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	store     db.Store
	uploadDir string
	submitter *recordingSubmitter
}

func testConfig() *config.Config {
	return &config.Config{
		Port:               0,
		MaxUploadMB:        1,
		DefaultQuery:       config.DefaultQuery,
		BcryptCost:         10,
		JWTSecret:          testJWTSecret,
		JWTExpirationHours: 1,
		RateLimitEnabled:   false,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	uploadDir := t.TempDir()
	uploads, err := document.NewStore(uploadDir)
	require.NoError(t, err)

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	sub := &recordingSubmitter{}
	srv, err := New(cfg, Deps{Store: store, Uploads: uploads, Submitter: sub, Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)

	return &testEnv{server: srv, handler: srv.Handler(), store: store, uploadDir: uploadDir, submitter: sub}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (e *testEnv) uploads(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.uploadDir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

// analyzeRequest builds a multipart POST /analyze request. Empty filename omits the file.
func analyzeRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, path string, v any) *http.Request {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) createUser(t *testing.T, email string) uuid.UUID {
	t.Helper()
	rec := e.do(t, jsonRequest(t, http.MethodPost, "/users", map[string]string{
		"email": email, "name": "Test User", "password": "correct-horse",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var user struct {
		ID uuid.UUID `json:"id"`
	}
	decodeBody(t, rec, &user)
	return user.ID
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, body["message"])

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, env.store.Close())
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAnalyze_Accepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, analyzeRequest(t, "q3-report.pdf", []byte("%PDF-1.4 fake"), map[string]string{"query": "  What is the margin?  "}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, db.StatusPending, resp.Status)
	assert.Equal(t, "q3-report.pdf", resp.Filename)
	assert.Equal(t, "What is the margin?", resp.Query)
	assert.Equal(t, submitMessage, resp.Message)
	assert.False(t, resp.CreatedAt.IsZero())

	files := env.uploads(t)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0], "financial_document_"))
	assert.True(t, strings.HasSuffix(files[0], ".pdf"))

	tasks := env.submitter.submitted()
	require.Len(t, tasks, 1)
	assert.Equal(t, resp.JobID, tasks[0].JobID)
	assert.Equal(t, filepath.Join(env.uploadDir, files[0]), tasks[0].DocumentPath)

	job, err := env.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Nil(t, job.UserID)
	assert.Equal(t, tasks[0].DocumentPath, job.DocumentPath)
}

func TestAnalyze_DefaultQuery(t *testing.T) {
	env := newTestEnv(t)

	for _, fields := range []map[string]string{nil, {"query": "   "}} {
		rec := env.do(t, analyzeRequest(t, "a.pdf", []byte("%PDF"), fields))
		require.Equal(t, http.StatusAccepted, rec.Code)
		var resp SubmitResponse
		decodeBody(t, rec, &resp)
		assert.Equal(t, config.DefaultQuery, resp.Query)
	}
}

func TestAnalyze_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
		want     int
	}{
		{"missing file", "", nil, map[string]string{"query": "q"}, http.StatusBadRequest},
		{"not a pdf", "notes.txt", []byte("hello"), nil, http.StatusBadRequest},
		{"bad user id", "a.pdf", []byte("%PDF"), map[string]string{"user_id": "not-a-uuid"}, http.StatusBadRequest},
		{"unknown user", "a.pdf", []byte("%PDF"), map[string]string{"user_id": uuid.NewString()}, http.StatusNotFound},
		{"too large", "big.pdf", bytes.Repeat([]byte("x"), 3<<19), nil, http.StatusRequestEntityTooLarge},
		{"body over limit", "huge.pdf", bytes.Repeat([]byte("x"), 3<<20), nil, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(t, analyzeRequest(t, tt.filename, tt.content, tt.fields))
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body map[string]any
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body["error"])

			assert.Empty(t, env.uploads(t), "rejected uploads leave no file behind")
			assert.Empty(t, env.submitter.submitted())
		})
	}
}

func TestAnalyze_UppercaseExtension(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, analyzeRequest(t, "REPORT.PDF", []byte("%PDF"), nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAnalyze_WithUser(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "owner@example.com")

	rec := env.do(t, analyzeRequest(t, "a.pdf", []byte("%PDF"), map[string]string{"user_id": userID.String()}))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	decodeBody(t, rec, &resp)
	job, err := env.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.UserID)
	assert.Equal(t, userID, *job.UserID)
}

func TestAnalyze_OwnerFromBearerToken(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "token@example.com")

	token, err := env.server.jwtService.GenerateToken(userID)
	require.NoError(t, err)

	req := analyzeRequest(t, "a.pdf", []byte("%PDF"), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := env.do(t, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	decodeBody(t, rec, &resp)
	job, err := env.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.UserID)
	assert.Equal(t, userID, *job.UserID)

	// a bad token is rejected rather than ignored
	req = analyzeRequest(t, "a.pdf", []byte("%PDF"), nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAnalyze_QueueFailureStillAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.submitter.err = jobs.ErrQueueClosed

	rec := env.do(t, analyzeRequest(t, "a.pdf", []byte("%PDF"), nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitResponse
	decodeBody(t, rec, &resp)
	job, err := env.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, job.Status, "left for recovery")
	assert.Len(t, env.uploads(t), 1)
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.store.CreateJob(ctx, db.NewJob{Filename: "a.pdf", Query: "q", DocumentPath: "/secret/path.pdf"})
	require.NoError(t, err)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/secret/path.pdf")

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, job.ID.String(), body["job_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Nil(t, body["processing_time_seconds"])
	assert.Nil(t, body["verification"])
	assert.Contains(t, body, "risk_assessment")

	// finish it
	_, err = env.store.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.CompleteJob(ctx, job.ID, map[string]json.RawMessage{
		db.SlotVerification: json.RawMessage(`{"is_financial_document":true,"document_type":"10-Q"}`),
	}))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = nil
	decodeBody(t, rec, &body)
	assert.Equal(t, "completed", body["status"])
	assert.NotNil(t, body["completed_at"])
	assert.NotNil(t, body["processing_time_seconds"])
	verification, ok := body["verification"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "10-Q", verification["document_type"])
	assert.Nil(t, body["financial_analysis"])
}

func TestGetJob_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t, "lister@example.com")

	_, err := env.store.CreateJob(ctx, db.NewJob{UserID: &userID, Filename: "1.pdf", Query: "q"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := env.store.CreateJob(ctx, db.NewJob{Filename: "2.pdf", Query: "q"})
	require.NoError(t, err)
	_, err = env.store.ClaimJob(ctx, second.ID)
	require.NoError(t, err)

	var list JobListResponse
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, "2.pdf", list.Jobs[0].Filename, "newest first")

	list = JobListResponse{}
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs?user_id="+userID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	assert.Equal(t, 1, list.Total)

	list = JobListResponse{}
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs?status=processing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, second.ID, list.Jobs[0].ID)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs?status=completed&user_id="+userID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":0,"jobs":[]}`, rec.Body.String())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs?status=running", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs?user_id=42", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/users", map[string]string{
		"email": "new@example.com", "name": "New", "password": "long-enough",
	}))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	var user map[string]any
	decodeBody(t, rec, &user)
	assert.Equal(t, "new@example.com", user["email"])
	assert.NotEmpty(t, user["id"])

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/users", map[string]string{
		"email": "new@example.com", "name": "Again", "password": "long-enough",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	tests := []struct {
		name string
		body any
	}{
		{"short password", map[string]string{"email": "a@example.com", "name": "A", "password": "short"}},
		{"bad email", map[string]string{"email": "nope", "name": "A", "password": "long-enough"}},
		{"missing name", map[string]string{"email": "b@example.com", "password": "long-enough"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, jsonRequest(t, http.MethodPost, "/users", tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{not json"))
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.createUser(t, "profile@example.com")

	_, err := env.store.CreateJob(ctx, db.NewJob{UserID: &userID, Filename: "old.pdf", Query: "q"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = env.store.CreateJob(ctx, db.NewJob{UserID: &userID, Filename: "new.pdf", Query: "q"})
	require.NoError(t, err)
	_, err = env.store.CreateJob(ctx, db.NewJob{Filename: "someone-else.pdf", Query: "q"})
	require.NoError(t, err)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/users/"+userID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	var profile struct {
		ID        uuid.UUID `json:"id"`
		Email     string    `json:"email"`
		TotalJobs int       `json:"total_jobs"`
		Jobs      []struct {
			Filename string `json:"filename"`
		} `json:"jobs"`
	}
	decodeBody(t, rec, &profile)
	assert.Equal(t, userID, profile.ID)
	assert.Equal(t, "profile@example.com", profile.Email)
	assert.Equal(t, 2, profile.TotalJobs)
	require.Len(t, profile.Jobs, 2)
	assert.Equal(t, "new.pdf", profile.Jobs[0].Filename)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/users/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/users/xyz", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "login@example.com")

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "login@example.com", "password": "correct-horse",
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		User  struct{ ID uuid.UUID } `json:"user"`
		Token string                 `json:"token"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, userID, resp.User.ID)

	claims, err := env.server.jwtService.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)

	for _, body := range []map[string]string{
		{"email": "login@example.com", "password": "wrong-password"},
		{"email": "nobody@example.com", "password": "correct-horse"},
	} {
		rec = env.do(t, jsonRequest(t, http.MethodPost, "/auth/login", body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid email or password")
	}
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	userID := env.createUser(t, "  Mixed.Case@Example.COM ")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/users/"+userID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"mixed.case@example.com"`)

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "MIXED.CASE@example.com", "password": "correct-horse",
	}))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/users", map[string]string{
		"email": "mixed.case@example.com", "name": "Twin", "password": "long-enough",
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogin_DisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.JWTSecret = "" })
	rec := env.do(t, jsonRequest(t, http.MethodPost, "/auth/login", map[string]string{
		"email": "x@example.com", "password": "whatever1",
	}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/analyze", nil)
	rec := env.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestRateLimit_Analyze(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RateLimitEnabled = true
		c.RateLimitAnalyzePerHour = 1
		c.RateLimitDefaultPerMinute = 100
	})

	rec := env.do(t, analyzeRequest(t, "a.pdf", []byte("%PDF"), nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = env.do(t, analyzeRequest(t, "a.pdf", []byte("%PDF"), nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// reads are limited separately
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{Logger: logging.Nop()})
	assert.Error(t, err)
}
