package intent

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/directory"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/internal/policy"
	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/pkg/schema"
)

var (
	now    = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	viewer = schema.Actor{ID: "t9", Role: schema.RoleTeacher}
	admin  = schema.Actor{ID: "admin-1", Role: schema.RoleAdmin}
)

type harness struct {
	store    *engine.MemStore
	gate     *policy.Gate
	resolver *Resolver
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := func() time.Time { return now }
	h := &harness{store: engine.NewMemStore(100, engine.WithClock(clock))}

	g, err := policy.NewGate([]schema.PrivacyPolicy{
		{ID: "location-tracking", DataTypes: []string{"location"}, IsRequired: true, IsActive: true},
	}, nil, policy.WithClock(clock))
	require.NoError(t, err)
	h.gate = g

	dir := directory.New([]schema.UserIdentity{
		{ID: "1", Name: "Alice Johnson", Role: schema.RoleStudent, PrivacyLevel: schema.PrivacyPublic, ConsentGiven: true},
		{ID: "2", Name: "Robert Smith", Role: schema.RoleTeacher, PrivacyLevel: schema.PrivacyPublic, ConsentGiven: true},
		{ID: "3", Name: "Bob Wilson", Role: schema.RoleStudent, PrivacyLevel: schema.PrivacyPublic, ConsentGiven: false},
	})
	buildings := []campus.Building{
		{Name: "Library", Capacity: 150},
		{Name: "Science Building", Capacity: 2, RestrictedRooms: []string{"Lab 205"}},
	}
	cfg := query.DefaultConfig()
	cfg.Location = time.UTC
	eng := query.New(h.store, g, dir, buildings, cfg, nil)

	h.resolver = New(eng, dir, append([]Option{WithLatency(0)}, opts...)...)
	return h
}

func (h *harness) add(user, building, room string, at time.Time) {
	h.store.Append(schema.LocationEvent{UserID: user, Building: building, Room: room, Timestamp: at})
}

func TestClassifyOrder(t *testing.T) {
	h := newHarness(t)
	cases := map[string]string{
		"Who is in the library?":                     IntentLibraryOccupants,
		"Which teacher in the library is on campus?": IntentTeachersOnCampus,
		"who teacher library campus":                 IntentLibraryOccupants,
		"Show teachers on campus":                    IntentTeachersOnCampus,
		"Movement of Alice":                          IntentMovementPattern,
		"alert me about movement":                    IntentMovementPattern,
		"Set an ALERT for Lab 205":                   IntentAfterHoursAlert,
		"show a heat map":                            IntentActivityHeatMap,
		"recent activity":                            IntentActivityHeatMap,
		"hello there":                                IntentOverview,
	}
	for text, want := range cases {
		assert.Equal(t, want, h.resolver.Classify(text), text)
	}
	assert.Equal(t, []string{
		IntentLibraryOccupants, IntentTeachersOnCampus, IntentMovementPattern,
		IntentAfterHoursAlert, IntentActivityHeatMap, IntentOverview,
	}, h.resolver.Rules())
}

func TestLibraryOccupantsFiltersConsent(t *testing.T) {
	h := newHarness(t)
	h.add("1", "Library", "Study Hall A", now.Add(-10*time.Minute))
	h.add("3", "Library", "Study Hall A", now.Add(-5*time.Minute))

	resp, err := h.resolver.Resolve(context.Background(), viewer, "Who is in the library?")
	require.NoError(t, err)
	assert.Equal(t, IntentLibraryOccupants, resp.Intent)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "occupant-1", resp.Results[0].ID)
	assert.Equal(t, "Alice Johnson", resp.Results[0].Title)
	assert.GreaterOrEqual(t, resp.Results[0].Confidence, 0.0)
	assert.LessOrEqual(t, resp.Results[0].Confidence, 1.0)
	assert.Contains(t, resp.Message, "1 people")

	room, ok := resp.Results[0].Metadata.Get("room")
	require.True(t, ok)
	assert.Equal(t, "Study Hall A", room)
}

func TestTeachersOnCampus(t *testing.T) {
	h := newHarness(t)
	h.add("2", "Science Building", "Lab 101", now.Add(-time.Minute))
	h.add("1", "Library", "Study Hall A", now.Add(-time.Minute))

	resp, err := h.resolver.Resolve(context.Background(), viewer, "Which teachers are on campus?")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "teacher-2", resp.Results[0].ID)
	assert.Equal(t, confidenceTeachers, resp.Results[0].Confidence)
}

func TestMovementPattern(t *testing.T) {
	h := newHarness(t)
	h.add("1", "Library", "Study Hall A", now.Add(-3*time.Hour))
	h.add("1", "Library", "Study Hall A", now.Add(-2*time.Hour))
	h.add("1", "Science Building", "Lab 101", now.Add(-time.Hour))

	resp, err := h.resolver.Resolve(context.Background(), admin, "Show Alice Johnson's movement")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]
	assert.Equal(t, "movement-1", r.ID)
	assert.Equal(t, "Alice Johnson visited 2 different locations", r.Description)
	route, _ := r.Metadata.Get("route")
	assert.Equal(t, "Library → Science Building", route)
	visits, _ := r.Metadata.Get("visits")
	assert.Equal(t, 2, visits)

	// A teacher may not read a student's history, public or not.
	resp, err = h.resolver.Resolve(context.Background(), viewer, "movement pattern for alice")
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	resp, err = h.resolver.Resolve(context.Background(), viewer, "campus movement patterns")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "movement-histogram", resp.Results[0].ID)
	peak, _ := resp.Results[0].Metadata.Get("peak_hour")
	assert.Equal(t, 11, peak)
}

func TestAfterHoursAlert(t *testing.T) {
	h := newHarness(t)
	h.add("1", "Science Building", "Lab 205", time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC))

	resp, err := h.resolver.Resolve(context.Background(), admin, "alert me about lab 205")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "after-hours-monitor", resp.Results[0].ID)
	assert.Equal(t, "alert-after_hours_access", resp.Results[1].ID)
	for _, r := range resp.Results {
		assert.Equal(t, 1.0, r.Confidence)
	}
}

func TestAfterHoursAlertHidesNonConsentedUsers(t *testing.T) {
	h := newHarness(t)
	h.add("1", "Science Building", "Lab 205", time.Date(2025, 3, 10, 2, 0, 0, 0, time.UTC))
	h.add("3", "Science Building", "Lab 205", time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC))

	student := schema.Actor{ID: "s7", Role: schema.RoleStudent}
	for _, actor := range []schema.Actor{student, admin} {
		resp, err := h.resolver.Resolve(context.Background(), actor, "alert me about lab 205")
		require.NoError(t, err)
		require.Len(t, resp.Results, 2)

		alert := resp.Results[1]
		count, _ := alert.Metadata.Get("count")
		assert.Equal(t, 2, count)
		withheld, _ := alert.Metadata.Get("withheld")
		assert.Equal(t, 1, withheld)
		details, _ := alert.Metadata.Get("details")
		assert.Equal(t, []string{"1 in Science Building/Lab 205 at 02:00"}, details, string(actor.Role))
	}
}

func TestActivityHeatMap(t *testing.T) {
	h := newHarness(t)
	h.add("1", "Science Building", "Lab 101", now.Add(-time.Minute))
	h.add("2", "Library", "Stacks", now.Add(-time.Minute))

	resp, err := h.resolver.Resolve(context.Background(), viewer, "campus activity")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "activity-science-building", resp.Results[0].ID, "highest occupancy first")
	assert.Equal(t, "activity-library", resp.Results[1].ID)
	assert.Contains(t, resp.Message, "peak hour 13:00")
}

func TestOverviewFallback(t *testing.T) {
	h := newHarness(t)
	resp, err := h.resolver.Resolve(context.Background(), viewer, "what's up?")
	require.NoError(t, err)
	assert.Equal(t, IntentOverview, resp.Intent)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Currently tracking 3 users across 2 buildings", resp.Results[0].Description)
	for _, c := range []float64{confidenceLibrary, confidenceTeachers, confidenceMovement, confidenceAfterHours, confidenceActivity} {
		assert.Less(t, resp.Results[0].Confidence, c)
	}
}

func TestResolveDeterministic(t *testing.T) {
	h := newHarness(t)
	h.add("1", "Library", "Study Hall A", now.Add(-10*time.Minute))
	h.add("2", "Library", "Stacks", now.Add(-5*time.Minute))

	for _, text := range []string{"who is in the library", "teachers on campus", "heat map", "anything"} {
		a, err := h.resolver.Resolve(context.Background(), viewer, text)
		require.NoError(t, err)
		b, err := h.resolver.Resolve(context.Background(), viewer, text)
		require.NoError(t, err)
		assert.Equal(t, a, b, text)
	}
}

func TestInvalidQuery(t *testing.T) {
	h := newHarness(t)
	for _, text := range []string{"", "   ", "\t\n"} {
		_, err := h.resolver.Resolve(context.Background(), viewer, text)
		assert.True(t, errors.Is(err, ErrInvalidQuery))
		_, err = h.resolver.ResolveAsync(context.Background(), viewer, text)
		assert.True(t, errors.Is(err, ErrInvalidQuery))
	}
	assert.Zero(t, h.gate.Ledger().Len())
}

func TestResolveAsyncCancelled(t *testing.T) {
	var observed []string
	h := newHarness(t, WithLatency(time.Hour), WithObserver(func(i string) { observed = append(observed, i) }))
	h.add("1", "Library", "Study Hall A", now.Add(-10*time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.resolver.ResolveAsync(ctx, viewer, "who is in the library")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, h.gate.Ledger().Len(), "no decision audited")
	assert.Empty(t, observed)
}

func TestResolveAsyncDispatches(t *testing.T) {
	var observed []string
	h := newHarness(t, WithLatency(5*time.Millisecond), WithObserver(func(i string) { observed = append(observed, i) }))
	h.add("1", "Library", "Study Hall A", now.Add(-10*time.Minute))

	resp, err := h.resolver.ResolveAsync(context.Background(), viewer, "who is in the library")
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, []string{IntentLibraryOccupants}, observed)
	assert.Equal(t, 1, h.gate.Ledger().Len())
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, clamp(-0.2))
	assert.Equal(t, 1.0, clamp(1.7))
	assert.Equal(t, 0.5, clamp(0.5))
}
