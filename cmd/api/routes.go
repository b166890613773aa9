package main

import (
	"carecall-platform/internal/auditor"
	"carecall-platform/internal/auth"
	"carecall-platform/internal/engine"
	"carecall-platform/internal/rbac"
	"carecall-platform/internal/reconcile"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	authMW    gin.HandlerFunc
	engine    engine.Handlers
	reconcile reconcile.Handlers
	auditor   auditor.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public). The provider does not hold a tenant JWT; org
	// scoping comes from the route and the echoed call metadata.
	webhooks := r.Group("/webhooks/voice")
	{
		webhooks.POST("/inbound/:org_id", d.reconcile.HandleInbound)
		webhooks.POST("/post-call/:org_id", d.reconcile.HandlePostCall)
		// Legacy path: outbound webhooks registered before org-scoped URLs carry
		// the org in echoed metadata.
		webhooks.POST("/post-call", d.reconcile.HandlePostCall)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			oid, _ := auth.OrgID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "org_id": oid, "role": role})
		})

		// RUN control: campaign operators and owners drive runs.
		runsGroup := v1.Group("/runs")
		runsGroup.Use(rbac.RequireOrganization())
		runsGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleSuperAdmin))
		{
			runsGroup.POST("", d.engine.CreateRun)
			runsGroup.GET("/:run_id", d.engine.GetRun)
			runsGroup.POST("/:run_id/start", d.engine.StartRun)
			runsGroup.POST("/:run_id/pause", d.engine.PauseRun)
			runsGroup.POST("/:run_id/resume", d.engine.ResumeRun)
		}

		// AUDIT: diagnostic reads for analysts too; repairs stay with owners.
		auditGroup := v1.Group("/runs/:run_id/audit")
		auditGroup.Use(rbac.RequireOrganization())
		{
			auditGroup.GET("",
				rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleAnalyst, rbac.RoleSuperAdmin),
				d.auditor.Diagnose)
			auditGroup.POST("/repair",
				rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSuperAdmin),
				d.auditor.Repair)
		}

		// Org-wide audit sweep (no run scope).
		orgAudit := v1.Group("/audit")
		orgAudit.Use(rbac.RequireOrganization())
		{
			orgAudit.GET("",
				rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator, rbac.RoleAnalyst, rbac.RoleSuperAdmin),
				d.auditor.Diagnose)
			orgAudit.POST("/repair",
				rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSuperAdmin),
				d.auditor.Repair)
		}
	}
}
