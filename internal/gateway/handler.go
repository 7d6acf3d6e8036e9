package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/chiscode/orchestrator/internal/auth"
	"github.com/chiscode/orchestrator/internal/models"
	"github.com/chiscode/orchestrator/internal/orchestration"
	"github.com/chiscode/orchestrator/internal/storage"
)

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	orch          *orchestration.Orchestrator
	jwtManager    *auth.JWTManager
	users         *storage.UserStore
	archive       *storage.ProjectArchive
	log           *zap.Logger
	tokenDuration time.Duration
}

// NewHandler creates a new gateway handler. users and archive may be nil when
// the service runs without a database.
func NewHandler(orch *orchestration.Orchestrator, jwtManager *auth.JWTManager, users *storage.UserStore, archive *storage.ProjectArchive, log *zap.Logger, tokenDuration time.Duration) *Handler {
	return &Handler{
		orch:          orch,
		jwtManager:    jwtManager,
		users:         users,
		archive:       archive,
		log:           log,
		tokenDuration: tokenDuration,
	}
}

// Login godoc
// @Summary User login
// @Description Authenticate user and return JWT token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Login credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Authentication is not configured", Code: models.ErrCodeInternalError})
		return
	}

	user, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		h.log.Warn("login failed, user lookup", zap.String("email", req.Email), zap.Error(err))
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(req.Password)); err != nil {
		h.log.Warn("login failed, bad password", zap.String("email", req.Email))
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	token, err := h.jwtManager.GenerateToken(c.Request.Context(), user.ID, user.Email, string(user.Tier), h.tokenDuration)
	if err != nil {
		h.log.Error("token generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to generate token", Code: models.ErrCodeInternalError})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokenDuration),
		User:      user.ToUserInfo(),
	})
}

// SubmitRequest is the payload for starting a generation run.
type SubmitRequest struct {
	Text string `json:"text" binding:"required"`
}

// SubmitResponse acknowledges an accepted generation run.
type SubmitResponse struct {
	RunID  string           `json:"run_id"`
	Seq    uint64           `json:"seq"`
	Status models.RunStatus `json:"status"`
}

// Submit godoc
// @Summary Submit a generation request
// @Description Start a new generation run for the session
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body SubmitRequest true "Generation request"
// @Success 202 {object} SubmitResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/requests [post]
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Code: models.ErrCodeInvalidRequest})
		return
	}

	sessionID := c.Param("id")
	handle, err := h.orch.Submit(c.Request.Context(), sessionID, callerTier(c), req.Text)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{
		RunID:  handle.RunID,
		Seq:    handle.Seq,
		Status: models.StatusAnalyzing,
	})
}

// ConfirmRequest is the payload for the confirmation gate.
type ConfirmRequest struct {
	Decision models.ConfirmDecision `json:"decision" binding:"required"`
	RunID    string                 `json:"run_id"`
}

// Confirm godoc
// @Summary Confirm or decline the proposed stack
// @Description Deliver the confirmation decision to the session's active run
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body ConfirmRequest true "Decision"
// @Success 200 {object} map[string]string
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/confirm [post]
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Decision.Valid() {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Decision must be \"confirm\" or \"modify\"", Code: models.ErrCodeInvalidRequest})
		return
	}

	sessionID := c.Param("id")
	if err := h.orch.Confirm(c.Request.Context(), sessionID, req.RunID, req.Decision); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "decision_accepted"})
}

// Cancel godoc
// @Summary Cancel the active run
// @Description Request cooperative cancellation of the session's active run
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 202 {object} map[string]string
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/cancel [post]
func (h *Handler) Cancel(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.orch.Cancel(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancellation_requested"})
}

// StatusResponse is a point-in-time view of a session.
type StatusResponse struct {
	SessionID    string           `json:"session_id"`
	Status       models.RunStatus `json:"status"`
	RunSeq       uint64           `json:"run_seq"`
	Turns        int              `json:"turns"`
	HasProject   bool             `json:"has_project"`
	LastActivity time.Time        `json:"last_activity"`
}

// Status godoc
// @Summary Get session status
// @Description Return the session's current pipeline status
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} StatusResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/status [get]
func (h *Handler) Status(c *gin.Context) {
	sessionID := c.Param("id")
	snap, err := h.orch.Status(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		SessionID:    snap.ID,
		Status:       snap.Status,
		RunSeq:       snap.RunSeq,
		Turns:        len(snap.Memory),
		HasProject:   snap.ActiveProject != nil,
		LastActivity: snap.LastActivity,
	})
}

// GetProject godoc
// @Summary Get the session's active project
// @Description Return the project produced by the session's last completed run
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.Project
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/project [get]
func (h *Handler) GetProject(c *gin.Context) {
	sessionID := c.Param("id")
	project, err := h.orch.Project(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if project == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Session has no completed project", Code: models.ErrCodeSessionNotFound})
		return
	}

	c.JSON(http.StatusOK, project)
}

// ListProjects godoc
// @Summary List archived projects
// @Description Return the session's archived projects, newest first
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {array} models.Project
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/projects [get]
func (h *Handler) ListProjects(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusOK, []models.Project{})
		return
	}

	sessionID := c.Param("id")
	projects, err := h.archive.ListProjects(c.Request.Context(), sessionID, 20)
	if err != nil {
		h.log.Error("failed to list archived projects", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list projects", Code: models.ErrCodeInternalError})
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}

	c.JSON(http.StatusOK, projects)
}

// Reset godoc
// @Summary Reset a session
// @Description Discard the session's memory and project, cancelling any active run
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [delete]
func (h *Handler) Reset(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.orch.Reset(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "session_reset"})
}

// respondError maps domain errors onto HTTP status codes.
func (h *Handler) respondError(c *gin.Context, err error) {
	var quotaErr *models.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusTooManyRequests, models.ErrorResponse{
			Error: quotaErr.Error(),
			Code:  models.ErrCodeQuotaExceeded,
			Details: map[string]string{
				"tier":     string(quotaErr.Tier),
				"reset_at": quotaErr.ResetAt.Format(time.RFC3339),
			},
		})
	case errors.Is(err, models.ErrRunInProgress):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeRunInProgress})
	case errors.Is(err, models.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeSessionNotFound})
	case errors.Is(err, models.ErrNoActiveRun):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeNoActiveRun})
	case errors.Is(err, models.ErrStaleConfirmation):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeStaleConfirmation})
	default:
		h.log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeInternalError})
	}
}

// callerTier reads the authenticated user's tier from the request context.
func callerTier(c *gin.Context) models.Tier {
	value, ok := c.Get("tier")
	if !ok {
		return models.TierFree
	}
	switch models.Tier(value.(string)) {
	case models.TierBasic:
		return models.TierBasic
	case models.TierPro:
		return models.TierPro
	default:
		return models.TierFree
	}
}
