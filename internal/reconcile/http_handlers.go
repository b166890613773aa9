package reconcile

import (
	"errors"
	"net/http"

	"carecall-platform/internal/provider"
	"carecall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

var errMissingOrg = errors.New("org_id missing from webhook route")

// Handlers exposes the provider webhook endpoints. These are public (the provider
// does not hold a tenant JWT); org scoping comes from the route and the echoed
// call metadata.
type Handlers struct {
	Reconciler *Reconciler
}

// HandleInbound serves POST /webhooks/voice/inbound/:org_id.
//
// Always 200: the provider is mid-call-setup and a non-2xx would drop a live
// phone call. Failures surface inside the response body instead.
func (h Handlers) HandleInbound(c *gin.Context) {
	log := logger.FromGin(c)

	orgID := c.Param("org_id")
	if orgID == "" {
		c.JSON(http.StatusOK, degradedInbound(errMissingOrg))
		return
	}

	var ev provider.InboundEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		log.Warn("inbound webhook parse failed", "org_id", orgID, "err", err)
		c.JSON(http.StatusOK, degradedInbound(err))
		return
	}

	c.JSON(http.StatusOK, h.Reconciler.HandleInbound(c.Request.Context(), orgID, ev))
}

// HandlePostCall serves POST /webhooks/voice/post-call/:org_id (and the bare
// /post-call variant). The route carries the org: inbound calls were never placed
// by this platform, so their webhooks echo no metadata to read the org from. When
// the route omits it, echoed metadata is the fallback for outbound calls.
// campaign_id may arrive as a query parameter.
func (h Handlers) HandlePostCall(c *gin.Context) {
	log := logger.FromGin(c)

	var ev provider.PostCallEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		log.Warn("post-call webhook parse failed", "err", err)
		c.JSON(http.StatusBadRequest, PostCallResponse{Status: "error", Error: "invalid json"})
		return
	}

	orgID := c.Param("org_id")
	if orgID == "" && ev.Metadata != nil {
		orgID = ev.Metadata.OrgID
	}
	if orgID == "" {
		c.JSON(http.StatusBadRequest, PostCallResponse{Status: "error", Error: "org_id missing from route and call metadata"})
		return
	}
	campaignID := c.Query("campaign_id")

	resp := h.Reconciler.HandlePostCall(c.Request.Context(), orgID, campaignID, ev)
	if resp.Status == "error" {
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
