package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/auth"
	"github.com/chiscode/orchestrator/internal/models"
	"github.com/chiscode/orchestrator/internal/orchestration"
)

type scriptedEngine struct{}

func (scriptedEngine) Analyze(ctx context.Context, text string) (*models.Requirements, error) {
	return &models.Requirements{ProjectName: "todo-app", Features: []string{"tasks"}}, nil
}

func (scriptedEngine) SelectStack(ctx context.Context, req *models.Requirements) (*models.TechStack, error) {
	return &models.TechStack{Frontend: models.StackChoice{Name: "Next.js"}}, nil
}

func (scriptedEngine) GenerateStream(ctx context.Context, req *models.Requirements, stack *models.TechStack) (<-chan orchestration.GenerationEvent, error) {
	ch := make(chan orchestration.GenerationEvent, 2)
	ch <- orchestration.GenerationEvent{Kind: "file", Path: "package.json", Content: "{}"}
	close(ch)
	return ch, nil
}

func (scriptedEngine) Validate(ctx context.Context, files models.GenerationResult) (*models.ValidationReport, error) {
	return &models.ValidationReport{Valid: true}, nil
}

func (scriptedEngine) Repair(ctx context.Context, files models.GenerationResult, errs []models.Diagnostic) (models.GenerationResult, error) {
	return files, nil
}

type nopPreview struct{}

func (nopPreview) CreatePreview(ctx context.Context, files models.GenerationResult) (string, error) {
	return "https://preview.test/app", nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *orchestration.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop()
	store := orchestration.NewSessionStore(time.Hour, 100*time.Millisecond, log)
	quota := orchestration.NewQuotaGuard(orchestration.NewMemoryQuotaSource(), 3, 100, 1000)
	orch := orchestration.NewOrchestrator(store, quota, scriptedEngine{}, nopPreview{}, log, orchestration.Options{
		ConfirmTimeout: time.Second,
	})

	jwtManager, err := auth.NewJWTManager("test-secret")
	require.NoError(t, err)

	handler := NewHandler(orch, jwtManager, nil, nil, log, time.Hour)

	router := gin.New()
	// Stand-in for the auth middleware: every request runs as a free-tier user.
	router.Use(func(c *gin.Context) {
		c.Set("user_id", "user-1")
		c.Set("tier", "free")
	})
	router.POST("/api/sessions/:id/requests", handler.Submit)
	router.POST("/api/sessions/:id/confirm", handler.Confirm)
	router.POST("/api/sessions/:id/cancel", handler.Cancel)
	router.GET("/api/sessions/:id/status", handler.Status)
	router.GET("/api/sessions/:id/project", handler.GetProject)
	router.DELETE("/api/sessions/:id", handler.Reset)
	router.GET("/api/templates", handler.ListTemplates)

	return router, orch
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func waitForStatus(t *testing.T, router *gin.Engine, sessionID string, want models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		w := doJSON(t, router, "GET", "/api/sessions/"+sessionID+"/status", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var resp StatusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_Accepted(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s1/requests", SubmitRequest{Text: "build me a todo app"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Equal(t, models.StatusAnalyzing, resp.Status)
}

func TestSubmit_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s1/requests", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, "POST", "/api/sessions/s1/requests", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmit_ConflictWhileRunning(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s2/requests", SubmitRequest{Text: "build me a todo app"})
	require.Equal(t, http.StatusAccepted, w.Code)

	waitForStatus(t, router, "s2", models.StatusAwaitingConfirmation)

	w = doJSON(t, router, "POST", "/api/sessions/s2/requests", SubmitRequest{Text: "another one"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeRunInProgress, resp.Code)
}

func TestFullRunViaHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s3/requests", SubmitRequest{Text: "build me a todo app"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var submitted SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))

	waitForStatus(t, router, "s3", models.StatusAwaitingConfirmation)

	w = doJSON(t, router, "POST", "/api/sessions/s3/confirm", ConfirmRequest{
		Decision: models.DecisionConfirm,
		RunID:    submitted.RunID,
	})
	require.Equal(t, http.StatusOK, w.Code)

	waitForStatus(t, router, "s3", models.StatusCompleted)

	w = doJSON(t, router, "GET", "/api/sessions/s3/project", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var project models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &project))
	assert.Equal(t, "todo-app", project.Name)
	assert.Contains(t, project.Files, "package.json")
}

func TestConfirm_InvalidDecision(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s4/confirm", map[string]string{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirm_NoSession(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/missing/confirm", ConfirmRequest{Decision: models.DecisionConfirm})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfirm_StaleRun(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s5/requests", SubmitRequest{Text: "build me a todo app"})
	require.Equal(t, http.StatusAccepted, w.Code)

	waitForStatus(t, router, "s5", models.StatusAwaitingConfirmation)

	w = doJSON(t, router, "POST", "/api/sessions/s5/confirm", ConfirmRequest{
		Decision: models.DecisionConfirm,
		RunID:    "not-the-run",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeStaleConfirmation, resp.Code)
}

func TestCancel_NoActiveRun(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuotaExhaustedViaHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	// Free tier is capped at 3 in this router; runs complete by declining.
	// Submissions retry briefly because the previous run's slot clears a
	// moment after the session reports idle.
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			w := doJSON(t, router, "POST", "/api/sessions/s6/requests", SubmitRequest{Text: "build me a todo app"})
			return w.Code == http.StatusAccepted
		}, 5*time.Second, 10*time.Millisecond)

		waitForStatus(t, router, "s6", models.StatusAwaitingConfirmation)
		w := doJSON(t, router, "POST", "/api/sessions/s6/confirm", ConfirmRequest{Decision: models.DecisionModify})
		require.Equal(t, http.StatusOK, w.Code)
		waitForStatus(t, router, "s6", models.StatusIdle)
	}

	var w *httptest.ResponseRecorder
	require.Eventually(t, func() bool {
		w = doJSON(t, router, "POST", "/api/sessions/s6/requests", SubmitRequest{Text: "one more"})
		return w.Code != http.StatusConflict
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeQuotaExceeded, resp.Code)
	assert.NotEmpty(t, resp.Details["reset_at"])
}

func TestReset(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "POST", "/api/sessions/s7/requests", SubmitRequest{Text: "build me a todo app"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, router, "DELETE", "/api/sessions/s7", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, "GET", "/api/sessions/s7/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetProject_NoneYet(t *testing.T) {
	router, orch := newTestRouter(t)

	// Create the session without finishing a run.
	_, err := orch.Submit(context.Background(), "s8", models.TierFree, "build me a todo app")
	require.NoError(t, err)

	w := doJSON(t, router, "GET", "/api/sessions/s8/project", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogin_WithoutDatabase(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	jwtManager, err := auth.NewJWTManager("test-secret")
	require.NoError(t, err)

	store := orchestration.NewSessionStore(time.Hour, 100*time.Millisecond, log)
	quota := orchestration.NewQuotaGuard(orchestration.NewMemoryQuotaSource(), 3, 100, 1000)
	orch := orchestration.NewOrchestrator(store, quota, scriptedEngine{}, nopPreview{}, log, orchestration.Options{})
	handler := NewHandler(orch, jwtManager, nil, nil, log, time.Hour)

	router := gin.New()
	router.POST("/api/auth/login", handler.Login)

	w := doJSON(t, router, "POST", "/api/auth/login", models.LoginRequest{
		Email:    "user@example.com",
		Password: "password1",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
