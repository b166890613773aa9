package engine

import (
	"context"
	"errors"
	"net/http"

	"carecall-platform/internal/auth"
	"carecall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers exposes run control over HTTP. Keep these thin: parse/validate
// input, call the engine, return JSON.
type Handlers struct {
	Engine *Engine
}

type createRunRequest struct {
	CampaignID   string         `json:"campaign_id"`
	Name         string         `json:"name"`
	CustomPrompt string         `json:"custom_prompt,omitempty"`
	Rows         []CreateRunRow `json:"rows"`
}

func (h Handlers) CreateRun(c *gin.Context) {
	log := logger.FromGin(c)

	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return
	}

	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return
	}
	if len(req.Rows) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "rows required"})
		return
	}

	run, err := h.Engine.CreateRun(c.Request.Context(), CreateRunRequest{
		OrgID:        orgID,
		CampaignID:   req.CampaignID,
		Name:         req.Name,
		CustomPrompt: req.CustomPrompt,
		Rows:         req.Rows,
	})
	if err != nil {
		log.Error("run creation failed", "campaign_id", req.CampaignID, "err", err)
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (h Handlers) StartRun(c *gin.Context) {
	h.control(c, "start", h.Engine.StartRun)
}

func (h Handlers) PauseRun(c *gin.Context) {
	h.control(c, "pause", h.Engine.PauseRun)
}

func (h Handlers) ResumeRun(c *gin.Context) {
	h.control(c, "resume", h.Engine.ResumeRun)
}

func (h Handlers) GetRun(c *gin.Context) {
	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return
	}
	runID := c.Param("run_id")
	if runID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "run_id required"})
		return
	}
	run, err := h.Engine.GetRun(c.Request.Context(), orgID, runID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h Handlers) control(c *gin.Context, action string, fn func(ctx context.Context, orgID, runID string) error) {
	log := logger.FromGin(c)

	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return
	}
	runID := c.Param("run_id")
	if runID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "run_id required"})
		return
	}

	if err := fn(c.Request.Context(), orgID, runID); err != nil {
		log.Warn("run control failed", "action", action, "run_id", runID, "err", err)
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "run_id": runID})
}

func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWrongOrg):
		// Cross-org probes see the same response as a miss.
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, ErrNotStartable), errors.Is(err, ErrNotRunning):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
