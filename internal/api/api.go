// Package api serves the HTTP surface of the location engine over gin.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/directory"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/internal/ingest"
	"github.com/celerix-dev/marauder/internal/intent"
	"github.com/celerix-dev/marauder/internal/policy"
	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// ErrNotFound is reported for absent users, buildings and locations.
var ErrNotFound = errors.New("not found")

type Handler struct {
	Engine    *query.Engine
	Gate      *policy.Gate
	Resolver  *intent.Resolver
	Ingest    ingest.Sink
	Store     engine.EventReader
	Directory directory.Lookup
	Exporter  *engine.Exporter
	Settings  schema.PrivacySettings
	Log       *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// fail writes err as {"error": ...} with the status it maps to.
func (h *Handler) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.logger().Error("request_failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, intent.ErrInvalidQuery), errors.Is(err, ingest.ErrInvalidReport), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, policy.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrPolicyImmutable), errors.Is(err, policy.ErrConsentNotWithdrawable):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func badRequest(err error) error {
	return errors.Mark(err, errBadRequest)
}

// window parses the "window" query parameter; def applies when it is absent.
func window(c *gin.Context, def time.Duration) (time.Duration, error) {
	raw := c.Query("window")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, badRequest(errors.Wrapf(err, "window %q", raw))
	}
	return d, nil
}

func limit(c *gin.Context, def int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest(errors.Wrapf(err, "limit %q", raw))
	}
	return n, nil
}

// Query resolves a free-text question.
func (h *Handler) Query(c *gin.Context) {
	var req schema.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	resp, err := h.Resolver.ResolveAsync(c.Request.Context(), actorOf(c), req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CheckPermission(c *gin.Context) {
	capability := schema.Capability(c.Query("capability"))
	if !capability.Valid() {
		h.fail(c, badRequest(errors.Newf("unknown capability %q", capability)))
		return
	}
	allowed := h.Gate.CheckPermission(capability, actorOf(c), c.Query("target"))
	c.JSON(http.StatusOK, gin.H{
		"capability": capability,
		"allowed":    allowed,
	})
}

func (h *Handler) GetPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"policies": h.Gate.Policies(),
		"settings": h.Settings,
	})
}

func (h *Handler) SetPolicy(c *gin.Context) {
	var input struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	id := c.Param("id")
	if err := h.Gate.SetPolicyActive(actorOf(c), id, *input.Active); err != nil {
		h.fail(c, err)
		return
	}
	p, _ := h.Gate.Policy(id)
	c.JSON(http.StatusOK, p)
}

func (h *Handler) SetConsent(c *gin.Context) {
	var input struct {
		Granted *bool `json:"granted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	userID := c.Param("user")
	if err := h.Gate.SetConsent(actorOf(c), userID, *input.Granted); err != nil {
		h.fail(c, err)
		return
	}
	rec, _ := h.Gate.Consent(userID)
	c.JSON(http.StatusOK, rec)
}

// GetAuditLog lists audit entries newest first. Only admins may read it.
func (h *Handler) GetAuditLog(c *gin.Context) {
	if actorOf(c).Role != schema.RoleAdmin {
		h.fail(c, policy.ErrPermissionDenied)
		return
	}
	n, err := limit(c, 100)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Gate.AuditLog(n))
}

// ReportLocation enqueues a position report for the next ingestion tick.
func (h *Handler) ReportLocation(c *gin.Context) {
	var r schema.LocationReport
	if err := c.ShouldBindJSON(&r); err != nil {
		h.fail(c, badRequest(err))
		return
	}
	if err := h.Ingest.Report(r); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// GetUsers searches the directory by role and name or department. Only
// users whose location the caller may see are listed.
func (h *Handler) GetUsers(c *gin.Context) {
	role := schema.Role(strings.ToLower(c.Query("role")))
	if role != "" && !role.Valid() {
		h.fail(c, badRequest(errors.Newf("unknown role %q", c.Query("role"))))
		return
	}
	users := h.Engine.Users(actorOf(c), role, c.Query("q"))
	if users == nil {
		users = []query.Listing{}
	}
	c.JSON(http.StatusOK, users)
}

// GetCurrent returns a user's current location. Denied and absent look alike.
func (h *Handler) GetCurrent(c *gin.Context) {
	p, ok := h.Engine.Current(actorOf(c), c.Param("id"))
	if !ok {
		h.fail(c, errors.Wrap(ErrNotFound, "no visible location"))
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) GetHistory(c *gin.Context) {
	w, err := window(c, 24*time.Hour)
	if err != nil {
		h.fail(c, err)
		return
	}
	events := h.Engine.History(actorOf(c), c.Param("id"), w)
	if events == nil {
		events = []schema.LocationEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) GetVisits(c *gin.Context) {
	w, err := window(c, 24*time.Hour)
	if err != nil {
		h.fail(c, err)
		return
	}
	visits := h.Engine.Visits(actorOf(c), c.Param("id"), w)
	if visits == nil {
		visits = []query.Visit{}
	}
	c.JSON(http.StatusOK, visits)
}

func (h *Handler) GetBuildings(c *gin.Context) {
	c.JSON(http.StatusOK, h.Engine.OccupancyAll())
}

func (h *Handler) GetOccupancy(c *gin.Context) {
	o, ok := h.Engine.Occupancy(c.Param("name"))
	if !ok {
		h.fail(c, errors.Wrapf(ErrNotFound, "building %s", c.Param("name")))
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) GetOccupants(c *gin.Context) {
	if _, ok := h.Engine.Building(c.Param("name")); !ok {
		h.fail(c, errors.Wrapf(ErrNotFound, "building %s", c.Param("name")))
		return
	}
	occupants := h.Engine.Occupants(actorOf(c), c.Param("name"))
	if occupants == nil {
		occupants = []query.Presence{}
	}
	c.JSON(http.StatusOK, occupants)
}

func (h *Handler) GetPopular(c *gin.Context) {
	w, err := window(c, 24*time.Hour)
	if err != nil {
		h.fail(c, err)
		return
	}
	n, err := limit(c, 10)
	if err != nil {
		h.fail(c, err)
		return
	}
	stats := h.Engine.PopularLocations(w, n)
	out := make([]gin.H, 0, len(stats))
	for _, s := range stats {
		out = append(out, gin.H{
			"building":         s.Building,
			"room":             s.Room,
			"visits":           s.Visits,
			"total_duration":   s.TotalDuration.String(),
			"average_duration": s.AverageDuration().String(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetMovement(c *gin.Context) {
	w, err := window(c, 24*time.Hour)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Engine.MovementHistogram(w))
}

func (h *Handler) GetAlerts(c *gin.Context) {
	w, err := window(c, time.Hour)
	if err != nil {
		h.fail(c, err)
		return
	}
	alerts := h.Engine.Alerts(actorOf(c), w)
	if alerts == nil {
		alerts = []query.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) GetOverview(c *gin.Context) {
	w, err := window(c, 24*time.Hour)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Engine.Overview(w))
}

// Export writes the user's retained history to the export directory.
func (h *Handler) Export(c *gin.Context) {
	userID := c.Param("user")
	var identity *schema.UserIdentity
	if u, ok := h.Directory.Get(userID); ok {
		identity = &u
	}
	if !h.Gate.Authorize(schema.CapExportData, actorOf(c), userID, identity) {
		h.fail(c, policy.ErrPermissionDenied)
		return
	}

	events := h.Store.History(userID, 0)
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	path, err := h.Exporter.Write(engine.Export{
		UserID:     userID,
		ExportedAt: h.Store.Now(),
		Events:     events,
	})
	if err != nil {
		h.fail(c, errors.Wrap(err, "write export"))
		return
	}
	h.logger().Info("data_exported", zap.String("user_id", userID), zap.Int("events", len(events)), zap.Bool("sealed", h.Exporter.Sealed()))
	c.JSON(http.StatusOK, gin.H{
		"path":   path,
		"events": len(events),
		"sealed": h.Exporter.Sealed(),
	})
}
