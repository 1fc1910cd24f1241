package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Start(req schemas.ScrapeRequest) (schemas.SessionSnapshot, error) {
	args := m.Called(req)
	return args.Get(0).(schemas.SessionSnapshot), args.Error(1)
}

func (m *mockSessions) Status(id string) (schemas.SessionSnapshot, error) {
	args := m.Called(id)
	return args.Get(0).(schemas.SessionSnapshot), args.Error(1)
}

func (m *mockSessions) ConfirmChallenge(id string) error {
	return m.Called(id).Error(0)
}

func (m *mockSessions) Cancel(id string) error {
	return m.Called(id).Error(0)
}

func (m *mockSessions) List() []schemas.SessionSnapshot {
	return m.Called().Get(0).([]schemas.SessionSnapshot)
}

type fakeOptions struct {
	tree map[string][]schemas.HierarchyOption
	err  error
}

func (f *fakeOptions) Levels() []string { return []string{"court_complex", "court"} }

func (f *fakeOptions) Options(_ context.Context, prefix schemas.SelectionPath) ([]schemas.HierarchyOption, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(prefix) >= 2 {
		return nil, fmt.Errorf("%w: prefix too long", schemas.ErrInvalidRequest)
	}
	return f.tree[strings.Join(prefix, "/")], nil
}

type fakeHistory struct {
	limit int
	out   []schemas.SessionSnapshot
	err   error
}

func (f *fakeHistory) History(_ context.Context, limit int) ([]schemas.SessionSnapshot, error) {
	f.limit = limit
	return f.out, f.err
}

type fixture struct {
	sessions *mockSessions
	options  *fakeOptions
	history  *fakeHistory
	dir      string
	server   *Server
}

func newFixture(t *testing.T, cfg config.APIConfig) *fixture {
	t.Helper()
	f := &fixture{
		sessions: new(mockSessions),
		options: &fakeOptions{tree: map[string][]schemas.HierarchyOption{
			"":         {{Code: "complexA", Name: "Patiala House"}},
			"complexA": {{Code: "courtX", Name: "Judge X"}},
		}},
		history: &fakeHistory{},
		dir:     t.TempDir(),
	}
	h := NewHandlers(zap.NewNop(), f.sessions, f.options, f.history, f.dir)
	f.server = NewServer(cfg, h, zap.NewNop())
	t.Cleanup(func() { f.sessions.AssertExpectations(t) })
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, config.APIConfig{JWTSecret: "secret"})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health check is never behind auth")
	assert.Equal(t, "OK", rec.Body.String())
}

func TestStart(t *testing.T) {
	t.Run("should start a session and answer 202", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		date, err := schemas.ParseCalendarDate("2025-10-16")
		require.NoError(t, err)
		want := schemas.ScrapeRequest{Path: schemas.SelectionPath{"complexA", "courtX"}, Date: date, CaseType: schemas.CaseTypeCivil}
		f.sessions.On("Start", want).Return(schemas.SessionSnapshot{ID: "abc", Status: schemas.StatusPending}, nil).Once()

		rec := f.do(t, http.MethodPost, "/api/scrape/start",
			`{"selection_path":["complexA","courtX"],"date":"2025-10-16","case_type":"civil"}`, nil)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "abc", body["session_id"])
		assert.Equal(t, "pending", body["status"])
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		rec := f.do(t, http.MethodPost, "/api/scrape/start", `{"date":"16/10/2025"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		f.sessions.AssertNotCalled(t, "Start", mock.Anything)
	})

	t.Run("should map validation errors to 400", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.sessions.On("Start", mock.Anything).
			Return(schemas.SessionSnapshot{}, fmt.Errorf("%w: selection_path must not be empty", schemas.ErrInvalidRequest)).Once()

		rec := f.do(t, http.MethodPost, "/api/scrape/start", `{"date":"2025-10-16","case_type":"civil"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decode(t, rec)["kind"])
	})
}

func TestStatus(t *testing.T) {
	t.Run("should return the snapshot", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.sessions.On("Status", "abc").Return(schemas.SessionSnapshot{
			ID: "abc", Status: schemas.StatusChallengePending, Message: "Please solve the CAPTCHA",
		}, nil).Once()

		rec := f.do(t, http.MethodGet, "/api/scrape/status/abc", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "captcha_required", body["status"])
		assert.Equal(t, "Please solve the CAPTCHA", body["message"])
	})

	t.Run("should answer 404 for unknown sessions", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.sessions.On("Status", "nope").Return(schemas.SessionSnapshot{}, fmt.Errorf("%w: nope", schemas.ErrSessionNotFound)).Once()

		rec := f.do(t, http.MethodGet, "/api/scrape/status/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCaptchaSolved(t *testing.T) {
	t.Run("should record the confirmation", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.sessions.On("ConfirmChallenge", "abc").Return(nil).Once()
		rec := f.do(t, http.MethodPost, "/api/scrape/captcha-solved/abc", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should answer 400 outside captcha_required", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.sessions.On("ConfirmChallenge", "abc").
			Return(fmt.Errorf("%w: session is processing", schemas.ErrInvalidState)).Once()
		rec := f.do(t, http.MethodPost, "/api/scrape/captcha-solved/abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancel(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	f.sessions.On("Cancel", "abc").Return(nil).Once()
	f.sessions.On("Cancel", "gone").Return(fmt.Errorf("%w: gone", schemas.ErrSessionNotFound)).Once()

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/api/scrape/abc", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/scrape/gone", "", nil).Code)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	f.sessions.On("List").Return([]schemas.SessionSnapshot{{ID: "a"}, {ID: "b"}}).Once()

	rec := f.do(t, http.MethodGet, "/api/scrape", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["sessions"], 2)
}

func TestOptions(t *testing.T) {
	t.Run("should list the root level", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		rec := f.do(t, http.MethodGet, "/api/options", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "court_complex", body["level"])
		assert.Len(t, body["options"], 1)
	})

	t.Run("should list the level under a path", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		rec := f.do(t, http.MethodGet, "/api/options?path=complexA", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "court", body["level"])
		opts := body["options"].([]interface{})
		assert.Equal(t, "courtX", opts[0].(map[string]interface{})["code"])
	})

	t.Run("should answer 400 for a path that is too deep", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		rec := f.do(t, http.MethodGet, "/api/options?path=complexA,courtX", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should answer 502 when the portal cannot be read", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.options.err = fmt.Errorf("%w: browser crashed", schemas.ErrEnvironment)
		rec := f.do(t, http.MethodGet, "/api/options", "", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestOptionsUnavailable(t *testing.T) {
	h := NewHandlers(zap.NewNop(), new(mockSessions), nil, nil, t.TempDir())
	server := NewServer(config.APIConfig{}, h, zap.NewNop())

	for _, target := range []string{"/api/options", "/api/history"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestHistory(t *testing.T) {
	t.Run("should pass the limit through", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.history.out = []schemas.SessionSnapshot{{ID: "old", Status: schemas.StatusCompleted}}

		rec := f.do(t, http.MethodGet, "/api/history?limit=5", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, f.history.limit)
		assert.EqualValues(t, 1, decode(t, rec)["count"])
	})

	t.Run("should reject a bad limit", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		rec := f.do(t, http.MethodGet, "/api/history?limit=abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should hide archive errors", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{})
		f.history.err = assert.AnError
		rec := f.do(t, http.MethodGet, "/api/history", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	})
}

func TestDownload(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	name := "cause_list_Judge_X_2025-10-16.pdf"
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte("%PDF-1.3"), 0o644))

	t.Run("should serve rendered artifacts", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/download/"+name, "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "%PDF-1.3", rec.Body.String())
	})

	t.Run("should answer 404 for missing files", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/download/missing.pdf", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should refuse names that escape the directory", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/download/..", "", nil)
		assert.NotEqual(t, http.StatusOK, rec.Code)
	})
}

func TestTokenAuth(t *testing.T) {
	secret := []byte("s3cret")
	now := time.Now()

	t.Run("should reject requests without a token", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{JWTSecret: string(secret)})
		rec := f.do(t, http.MethodGet, "/api/scrape/status/abc", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("should accept a token minted with the secret", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{JWTSecret: string(secret)})
		f.sessions.On("Status", "abc").Return(schemas.SessionSnapshot{ID: "abc", Status: schemas.StatusPending}, nil).Once()
		token, err := IssueToken(secret, "tester", time.Hour, now)
		require.NoError(t, err)

		rec := f.do(t, http.MethodGet, "/api/scrape/status/abc", "", http.Header{"Authorization": {"Bearer " + token}})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should reject expired tokens and foreign signatures", func(t *testing.T) {
		f := newFixture(t, config.APIConfig{JWTSecret: string(secret)})
		expired, err := IssueToken(secret, "tester", time.Minute, now.Add(-time.Hour))
		require.NoError(t, err)
		foreign, err := IssueToken([]byte("other"), "tester", time.Hour, now)
		require.NoError(t, err)

		for _, token := range []string{expired, foreign, "not-a-jwt"} {
			rec := f.do(t, http.MethodGet, "/api/scrape/status/abc", "", http.Header{"Authorization": {"Bearer " + token}})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("should refuse to mint without a secret", func(t *testing.T) {
		_, err := IssueToken(nil, "tester", time.Hour, now)
		assert.Error(t, err)
	})
}

func TestParsePath(t *testing.T) {
	assert.Nil(t, parsePath(""))
	assert.Equal(t, schemas.SelectionPath{"a", "b"}, parsePath(" a, ,b "))
}
