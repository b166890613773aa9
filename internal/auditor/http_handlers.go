package auditor

import (
	"errors"
	"net/http"

	"carecall-platform/internal/auth"
	"carecall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the auditor over HTTP for operator tooling.
type Handlers struct {
	Auditor *Auditor
}

func (h Handlers) Diagnose(c *gin.Context) {
	scope, ok := scopeFromRequest(c)
	if !ok {
		return
	}
	report, err := h.Auditor.Diagnose(c.Request.Context(), scope)
	if err != nil {
		writeAuditorError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h Handlers) Repair(c *gin.Context) {
	log := logger.FromGin(c)

	scope, ok := scopeFromRequest(c)
	if !ok {
		return
	}
	fixes, err := h.Auditor.Repair(c.Request.Context(), scope)
	if err != nil {
		writeAuditorError(c, err)
		return
	}
	if len(fixes) > 0 {
		log.Info("auditor repairs applied", "run_id", scope.RunID, "fixes", len(fixes))
	}
	c.JSON(http.StatusOK, gin.H{"fixes": fixes})
}

func scopeFromRequest(c *gin.Context) (Scope, bool) {
	orgID, err := auth.OrgID(c.Request.Context())
	if err != nil || orgID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
		return Scope{}, false
	}
	return Scope{OrgID: orgID, RunID: c.Param("run_id")}, true
}

func writeAuditorError(c *gin.Context, err error) {
	if errors.Is(err, ErrWrongOrg) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit failed"})
}
