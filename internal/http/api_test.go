package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/events"
	"transfer-hub/internal/orchestrator"
)

// stubBackend accepts every command and keeps no state.
type stubBackend struct {
	mu      sync.Mutex
	started []string
}

func (s *stubBackend) Create(context.Context, domain.Session) error { return nil }
func (s *stubBackend) Start(_ context.Context, _ domain.Kind, id string) error {
	s.mu.Lock()
	s.started = append(s.started, id)
	s.mu.Unlock()
	return nil
}
func (s *stubBackend) Pause(context.Context, domain.Kind, string) error  { return nil }
func (s *stubBackend) Resume(context.Context, domain.Kind, string) error { return nil }
func (s *stubBackend) Cancel(context.Context, domain.Kind, string) error { return nil }
func (s *stubBackend) Delete(context.Context, domain.Kind, string) error { return nil }
func (s *stubBackend) ListSessions(context.Context, domain.Kind, string) ([]domain.Session, error) {
	return nil, nil
}
func (s *stubBackend) PauseAll(context.Context, domain.Kind, string) (int, error) { return 0, nil }
func (s *stubBackend) StartAll(context.Context, domain.Kind, string, domain.Credentials) (int, error) {
	return 1, nil
}
func (s *stubBackend) ClearFinished(context.Context, domain.Kind, string) (int, error) { return 0, nil }
func (s *stubBackend) ClearAll(context.Context, domain.Kind, string) (int, error)      { return 0, nil }

type testServer struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	bus    *events.Bus
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.NewBus(nil)
	notifier := orchestrator.NewLogNotifier(nil, 10)
	orch := orchestrator.New(orchestrator.Config{MaxConcurrent: 1, Notifier: notifier}, &stubBackend{}, bus)
	require.NoError(t, orch.Init(context.Background()))
	t.Cleanup(orch.Shutdown)

	router := gin.New()
	NewHandler(orch, notifier, nil, secret, nil).RegisterRoutes(router)
	return &testServer{router: router, orch: orch, bus: bus}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestTaskLifecycleRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/api/download/tasks", map[string]string{"scope": "bucket", "source": "dir/report.pdf", "destination": "/tmp/report.pdf"}, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var created TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "report.pdf", created.Name)
	assert.Equal(t, domain.TaskStatusPending, created.Status)

	rec = s.do(t, http.MethodGet, "/api/download/tasks/"+created.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/download/tasks/"+created.ID+"/pause", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "pending tasks cannot be paused")

	s.bus.Publish(events.TopicStatusChanged, domain.StatusChangedEvent{Kind: domain.KindDownload, TaskID: created.ID, Status: domain.BackendDownloading})
	rec = s.do(t, http.MethodPost, "/api/download/scopes/bucket/clear-all", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/download/scopes/bucket/counts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts["active"])

	rec = s.do(t, http.MethodDelete, "/api/download/tasks/"+created.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/download/tasks/"+created.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/sync/tasks", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/upload/tasks", map[string]string{"scope": "bucket"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/upload/scopes/bucket/resume-all", map[string]string{"access_key_id": "AKIA"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/upload/scopes/bucket/resume-all", map[string]string{"access_key_id": "AKIA", "secret_access_key": "s"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Resumed 1")

	rec = s.do(t, http.MethodGet, "/api/notifications", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Resumed 1")
}

func TestAuthMiddleware(t *testing.T) {
	const secret = "test-secret"
	s := newTestServer(t, secret)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/health", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/download/tasks", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/download/tasks", nil, "garbage").Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/download/tasks", nil, token).Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/download/tasks", nil, expired).Code)
}
