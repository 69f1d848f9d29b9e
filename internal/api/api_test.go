package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/directory"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/internal/ingest"
	"github.com/celerix-dev/marauder/internal/intent"
	"github.com/celerix-dev/marauder/internal/metrics"
	"github.com/celerix-dev/marauder/internal/policy"
	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/pkg/schema"
)

var (
	now     = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	admin   = schema.Actor{ID: "admin-1", Role: schema.RoleAdmin}
	student = schema.Actor{ID: "1", Role: schema.RoleStudent}
	teacher = schema.Actor{ID: "2", Role: schema.RoleTeacher}
)

type testServer struct {
	router   *gin.Engine
	store    *engine.MemStore
	ingestor *ingest.Ingestor
	gate     *policy.Gate
	dir      string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return now }

	c, err := campus.Load("../../configs/campus.example.yaml", schema.PrivacyPublic)
	require.NoError(t, err)

	store := engine.NewMemStore(100, engine.WithClock(clock))
	gate, err := policy.NewGate(c.Policies, c.Consents, policy.WithClock(clock))
	require.NoError(t, err)
	dir := directory.New(c.Users)
	cfg := query.DefaultConfig()
	cfg.Location = time.UTC
	eng := query.New(store, gate, dir, c.Buildings, cfg, nil)

	exportDir := t.TempDir()
	exporter, err := engine.NewExporter(exportDir, nil)
	require.NoError(t, err)

	ing := ingest.New(store, gate, c.Buildings, ingest.WithClock(clock))
	h := &Handler{
		Engine:    eng,
		Gate:      gate,
		Resolver:  intent.New(eng, dir, intent.WithLatency(0)),
		Ingest:    ing,
		Store:     store,
		Directory: dir,
		Exporter:  exporter,
	}
	return &testServer{
		router:   NewRouter(h, metrics.New()),
		store:    store,
		ingestor: ing,
		gate:     gate,
		dir:      exportDir,
	}
}

func (s *testServer) do(t *testing.T, actor *schema.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(HeaderActorID, actor.ID)
		req.Header.Set(HeaderActorRole, string(actor.Role))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seed(user, building, room string, at time.Time) {
	s.store.Append(schema.LocationEvent{UserID: user, Building: building, Room: room, Timestamp: at})
}

func TestRequiresActor(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(t, nil, http.MethodGet, "/api/buildings", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, &schema.Actor{ID: "x", Role: "wizard"}, http.MethodGet, "/api/buildings", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, &admin, http.MethodGet, "/api/buildings", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestQuery(t *testing.T) {
	s := setupTestServer(t)
	s.seed("1", "Library", "Study Hall A", now.Add(-10*time.Minute))
	s.seed("3", "Library", "Study Hall A", now.Add(-5*time.Minute))

	w := s.do(t, &teacher, http.MethodPost, "/api/query", schema.QueryRequest{Text: "Who is in the library?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp schema.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, intent.IntentLibraryOccupants, resp.Intent)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Alice Johnson", resp.Results[0].Title)

	w = s.do(t, &teacher, http.MethodPost, "/api/query", schema.QueryRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPermissionCheck(t *testing.T) {
	s := setupTestServer(t)
	w := s.do(t, &student, http.MethodGet, "/api/permissions/check?capability=modify_privacy&target=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"capability":"modify_privacy","allowed":true}`, w.Body.String())

	w = s.do(t, &student, http.MethodGet, "/api/permissions/check?capability=view_history&target=2", nil)
	assert.JSONEq(t, `{"capability":"view_history","allowed":false}`, w.Body.String())

	w = s.do(t, &student, http.MethodGet, "/api/permissions/check?capability=teleport", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPolicies(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, &admin, http.MethodPut, "/api/policies/location-tracking", gin.H{"active": false})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, &admin, http.MethodPut, "/api/policies/nope", gin.H{"active": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, &student, http.MethodPut, "/api/policies/social-interactions", gin.H{"active": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &admin, http.MethodPut, "/api/policies/social-interactions", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, &admin, http.MethodPut, "/api/policies/social-interactions", gin.H{"active": true})
	require.Equal(t, http.StatusOK, w.Code)
	var p schema.PrivacyPolicy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.IsActive)

	w = s.do(t, &student, http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Policies []schema.PrivacyPolicy `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Policies, 3)
}

func TestConsent(t *testing.T) {
	s := setupTestServer(t)

	// Robert's consent is not withdrawable.
	w := s.do(t, &teacher, http.MethodPut, "/api/consent/2", gin.H{"granted": false})
	assert.Equal(t, http.StatusConflict, w.Code)
	rec, ok := s.gate.Consent("2")
	require.True(t, ok)
	assert.True(t, rec.ConsentGiven)

	w = s.do(t, &student, http.MethodPut, "/api/consent/2", gin.H{"granted": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &student, http.MethodPut, "/api/consent/1", gin.H{"granted": false})
	require.Equal(t, http.StatusOK, w.Code)
	rec, _ = s.gate.Consent("1")
	assert.False(t, rec.ConsentGiven)
}

func TestAuditLog(t *testing.T) {
	s := setupTestServer(t)
	s.do(t, &student, http.MethodGet, "/api/permissions/check?capability=view_location&target=2", nil)

	w := s.do(t, &student, http.MethodGet, "/api/audit", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &admin, http.MethodGet, "/api/audit?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []schema.AuditLogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, schema.ResultDeny, entries[0].Result)

	w = s.do(t, &admin, http.MethodGet, "/api/audit?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportAndRead(t *testing.T) {
	s := setupTestServer(t)

	w := s.do(t, &student, http.MethodPost, "/api/locations", schema.LocationReport{UserID: "1", Building: "library", Room: "Stacks"})
	require.Equal(t, http.StatusAccepted, w.Code)
	w = s.do(t, &student, http.MethodPost, "/api/locations", schema.LocationReport{UserID: "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, &student, http.MethodGet, "/api/users/1/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "not applied before the tick")

	require.Equal(t, 1, s.ingestor.Flush())

	w = s.do(t, &student, http.MethodGet, "/api/users/1/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p query.Presence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "Library", p.Event.Building)

	w = s.do(t, &admin, http.MethodGet, "/api/users/1/history?window=1h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []schema.LocationEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	assert.Len(t, events, 1)

	w = s.do(t, &admin, http.MethodGet, "/api/users/1/visits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var visits []query.Visit
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &visits))
	assert.Len(t, visits, 1)

	w = s.do(t, &admin, http.MethodGet, "/api/users/1/history?window=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeniedReadsLookAbsent(t *testing.T) {
	s := setupTestServer(t)
	s.seed("2", "Engineering", "Office 301", now.Add(-time.Minute))

	// Robert is friends-only.
	w := s.do(t, &student, http.MethodGet, "/api/users/2/current", nil)
	denied := w.Body.String()
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, &student, http.MethodGet, "/api/users/nobody/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, denied, w.Body.String())

	w = s.do(t, &student, http.MethodGet, "/api/users/2/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestBuildings(t *testing.T) {
	s := setupTestServer(t)
	s.seed("1", "Library", "Study Hall A", now.Add(-time.Minute))

	w := s.do(t, &student, http.MethodGet, "/api/buildings/library/occupancy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var o query.OccupancyReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.Equal(t, 1, o.Count)
	assert.Equal(t, 150, o.Capacity)

	w = s.do(t, &student, http.MethodGet, "/api/buildings/Atlantis/occupancy", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, &student, http.MethodGet, "/api/buildings/Atlantis/occupants", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, &student, http.MethodGet, "/api/buildings/Library/occupants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var occupants []query.Presence
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &occupants))
	assert.Len(t, occupants, 1)
}

func TestAnalytics(t *testing.T) {
	s := setupTestServer(t)
	s.seed("1", "Library", "Study Hall A", now.Add(-20*time.Minute))
	s.seed("1", "Library", "Study Hall A", now.Add(-10*time.Minute))

	for _, path := range []string{
		"/api/analytics/popular?limit=5",
		"/api/analytics/movement?window=2h",
		"/api/analytics/alerts",
		"/api/analytics/overview",
	} {
		w := s.do(t, &admin, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := s.do(t, &admin, http.MethodGet, "/api/analytics/popular", nil)
	var popular []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &popular))
	require.Len(t, popular, 1)
	assert.Equal(t, "10m0s", popular[0]["total_duration"])
}

func TestAlertsHideNonConsentedUsers(t *testing.T) {
	s := setupTestServer(t)
	s.seed("1", "Science Building", "Lab 205", now.Add(-11*time.Hour))
	s.seed("3", "Science Building", "Lab 205", now.Add(-10*time.Hour))

	w := s.do(t, &student, http.MethodGet, "/api/analytics/alerts?window=24h", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "3 in Science Building")

	var alerts []query.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.NotEmpty(t, alerts)
	assert.Equal(t, query.AlertAfterHours, alerts[0].Type)
	assert.Equal(t, 2, alerts[0].Count)
	assert.Equal(t, 1, alerts[0].Withheld)
	assert.Equal(t, []string{"1 in Science Building/Lab 205 at 01:00"}, alerts[0].Details)
}

func TestUsers(t *testing.T) {
	s := setupTestServer(t)
	s.seed("1", "Library", "Study Hall A", now.Add(-5*time.Minute))

	ids := func(w *httptest.ResponseRecorder) []string {
		t.Helper()
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var listings []query.Listing
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listings))
		out := []string{}
		for _, l := range listings {
			out = append(out, l.User.ID)
		}
		return out
	}

	// Bob has not consented and is listed to nobody.
	assert.Equal(t, []string{"1", "2", "admin-1"}, ids(s.do(t, &admin, http.MethodGet, "/api/users", nil)))
	// A student sees only public, consenting profiles.
	assert.Equal(t, []string{"1"}, ids(s.do(t, &student, http.MethodGet, "/api/users", nil)))
	assert.Equal(t, []string{"2"}, ids(s.do(t, &admin, http.MethodGet, "/api/users?role=Teacher", nil)))
	assert.Equal(t, []string{"2"}, ids(s.do(t, &admin, http.MethodGet, "/api/users?q=physics", nil)))
	assert.Empty(t, ids(s.do(t, &student, http.MethodGet, "/api/users?q=bob", nil)))

	w := s.do(t, &admin, http.MethodGet, "/api/users?q=alice", nil)
	var listings []query.Listing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listings))
	require.Len(t, listings, 1)
	require.NotNil(t, listings[0].Location)
	assert.Equal(t, "Library", listings[0].Location.Building)

	w = s.do(t, &admin, http.MethodGet, "/api/users?role=wizard", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExport(t *testing.T) {
	s := setupTestServer(t)
	s.seed("1", "Library", "Study Hall A", now.Add(-20*time.Minute))
	s.seed("1", "Engineering", "Workshop", now.Add(-10*time.Minute))

	w := s.do(t, &teacher, http.MethodPost, "/api/export/1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, &admin, http.MethodPost, "/api/export/1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Path   string `json:"path"`
		Events int    `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Events)

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	var doc engine.Export
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Events, 2)
	assert.Equal(t, "Library", doc.Events[0].Building, "oldest first")
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	s.do(t, &admin, http.MethodGet, "/api/buildings", nil)

	w := s.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marauder_http_request_duration_seconds")
}
