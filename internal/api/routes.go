package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/metrics"
)

// NewRouter mounts every route on a fresh gin engine.
func NewRouter(h *Handler, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(h.logger(), m), CORS())

	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := r.Group("/api", RequireActor())
	{
		apiGroup.POST("/query", h.Query)

		apiGroup.GET("/permissions/check", h.CheckPermission)
		apiGroup.GET("/policies", h.GetPolicies)
		apiGroup.PUT("/policies/:id", h.SetPolicy)
		apiGroup.PUT("/consent/:user", h.SetConsent)
		apiGroup.GET("/audit", h.GetAuditLog)

		apiGroup.POST("/locations", h.ReportLocation)
		apiGroup.GET("/users", h.GetUsers)
		apiGroup.GET("/users/:id/current", h.GetCurrent)
		apiGroup.GET("/users/:id/history", h.GetHistory)
		apiGroup.GET("/users/:id/visits", h.GetVisits)

		apiGroup.GET("/buildings", h.GetBuildings)
		apiGroup.GET("/buildings/:name/occupancy", h.GetOccupancy)
		apiGroup.GET("/buildings/:name/occupants", h.GetOccupants)

		apiGroup.GET("/analytics/popular", h.GetPopular)
		apiGroup.GET("/analytics/movement", h.GetMovement)
		apiGroup.GET("/analytics/alerts", h.GetAlerts)
		apiGroup.GET("/analytics/overview", h.GetOverview)

		apiGroup.POST("/export/:user", h.Export)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	h.logger().Debug("routes_mounted", zap.Int("count", len(r.Routes())))
	return r
}
