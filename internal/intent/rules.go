package intent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// Intent names, in match order.
const (
	IntentLibraryOccupants = "library_occupants"
	IntentTeachersOnCampus = "teachers_on_campus"
	IntentMovementPattern  = "movement_pattern"
	IntentAfterHoursAlert  = "after_hours_alert_setup"
	IntentActivityHeatMap  = "activity_heat_map"
	IntentOverview         = "campus_overview"
)

// Handler confidences. The overview fallback sits strictly below the rest.
const (
	confidenceLibrary    = 0.95
	confidenceTeachers   = 0.92
	confidenceMovement   = 0.90
	confidenceAfterHours = 1.0
	confidenceActivity   = 0.88
	confidenceOverview   = 0.5
)

// Rule pairs a keyword predicate with its handler.
type Rule struct {
	Name       string
	Match      func(lower string) bool
	Handle     func(actor schema.Actor, lower string) schema.QueryResponse
	Confidence float64
}

func allOf(words ...string) func(string) bool {
	return func(s string) bool {
		for _, w := range words {
			if !strings.Contains(s, w) {
				return false
			}
		}
		return true
	}
}

func anyOf(words ...string) func(string) bool {
	return func(s string) bool {
		for _, w := range words {
			if strings.Contains(s, w) {
				return true
			}
		}
		return false
	}
}

func (r *Resolver) defaultRules() []Rule {
	return []Rule{
		{Name: IntentLibraryOccupants, Match: allOf("who", "library"), Handle: r.libraryOccupants, Confidence: confidenceLibrary},
		{Name: IntentTeachersOnCampus, Match: allOf("teacher", "campus"), Handle: r.teachersOnCampus, Confidence: confidenceTeachers},
		{Name: IntentMovementPattern, Match: anyOf("movement", "pattern"), Handle: r.movementPattern, Confidence: confidenceMovement},
		{Name: IntentAfterHoursAlert, Match: anyOf("alert", "lab 205"), Handle: r.afterHoursAlert, Confidence: confidenceAfterHours},
		{Name: IntentActivityHeatMap, Match: anyOf("heat map", "activity"), Handle: r.activityHeatMap, Confidence: confidenceActivity},
	}
}

func (r *Resolver) fallback() Rule {
	return Rule{
		Name:       IntentOverview,
		Match:      func(string) bool { return true },
		Handle:     r.overview,
		Confidence: confidenceOverview,
	}
}

func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}

func presenceResult(prefix string, p query.Presence) schema.QueryResult {
	ts := p.Event.Timestamp
	return schema.QueryResult{
		ID:          prefix + "-" + p.User.ID,
		Type:        schema.ResultUser,
		Title:       p.User.Name,
		Description: fmt.Sprintf("%s in %s, %s, last seen %s", title(string(p.User.Role)), p.Event.Building, p.Event.Room, ts.Format("15:04")),
		Timestamp:   &ts,
		Metadata: schema.Metadata{}.
			Add("building", p.Event.Building).
			Add("room", p.Event.Room).
			Add("role", string(p.User.Role)),
	}
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (r *Resolver) libraryOccupants(actor schema.Actor, _ string) schema.QueryResponse {
	var library string
	for _, b := range r.engine.Buildings() {
		if strings.Contains(strings.ToLower(b.Name), "library") {
			library = b.Name
			break
		}
	}
	if library == "" {
		return schema.QueryResponse{Message: "No library building is configured on this campus."}
	}

	occupants := r.engine.Occupants(actor, library)
	results := make([]schema.QueryResult, 0, len(occupants))
	for _, p := range occupants {
		results = append(results, presenceResult("occupant", p))
	}
	return schema.QueryResponse{
		Message: fmt.Sprintf("I found %d people currently in the %s building:", len(results), library),
		Results: results,
	}
}

func (r *Resolver) teachersOnCampus(actor schema.Actor, _ string) schema.QueryResponse {
	teachers := r.engine.CurrentByRole(actor, schema.RoleTeacher)
	results := make([]schema.QueryResult, 0, len(teachers))
	for _, p := range teachers {
		results = append(results, presenceResult("teacher", p))
	}
	return schema.QueryResponse{
		Message: fmt.Sprintf("Currently, there are %d teachers active on campus:", len(results)),
		Results: results,
	}
}

func (r *Resolver) movementPattern(actor schema.Actor, lower string) schema.QueryResponse {
	if r.names != nil {
		if u, ok := r.names.FindByName(lower); ok {
			return r.userMovement(actor, u)
		}
	}

	h := r.engine.MovementHistogram(r.window)
	if h.Total == 0 {
		return schema.QueryResponse{Message: "No movement was recorded in the selected window."}
	}
	return schema.QueryResponse{
		Message: "Here is the campus-wide movement pattern by hour:",
		Results: []schema.QueryResult{{
			ID:          "movement-histogram",
			Type:        schema.ResultAnalytics,
			Title:       "Movement Histogram",
			Description: fmt.Sprintf("Peak hour %02d:00 with %d of %d events", h.PeakHour, h.Buckets[h.PeakHour], h.Total),
			Metadata: schema.Metadata{}.
				Add("total_events", h.Total).
				Add("peak_hour", h.PeakHour).
				Add("buckets", h.Buckets[:]),
		}},
	}
}

func (r *Resolver) userMovement(actor schema.Actor, u schema.UserIdentity) schema.QueryResponse {
	visits := r.engine.Visits(actor, u.ID, r.window)
	if len(visits) == 0 {
		return schema.QueryResponse{Message: fmt.Sprintf("No movement data is available for %s.", u.Name)}
	}

	route := make([]string, 0, len(visits))
	distinct := make(map[string]time.Duration)
	var active time.Duration
	for _, v := range visits {
		route = append(route, v.Building)
		distinct[v.Building] += v.Duration()
		active += v.Duration()
	}
	names := make([]string, 0, len(distinct))
	for b := range distinct {
		names = append(names, b)
	}
	sort.Slice(names, func(i, j int) bool {
		if distinct[names[i]] != distinct[names[j]] {
			return distinct[names[i]] > distinct[names[j]]
		}
		return names[i] < names[j]
	})

	last := visits[len(visits)-1].End
	return schema.QueryResponse{
		Message: "Here are the movement patterns for the requested user:",
		Results: []schema.QueryResult{{
			ID:          "movement-" + u.ID,
			Type:        schema.ResultAnalytics,
			Title:       "Movement Analysis",
			Description: fmt.Sprintf("%s visited %d different locations", u.Name, len(distinct)),
			Timestamp:   &last,
			Metadata: schema.Metadata{}.
				Add("route", strings.Join(route, " → ")).
				Add("visits", len(visits)).
				Add("active", active.String()).
				Add("most_visited", fmt.Sprintf("%s (%s)", names[0], distinct[names[0]])),
		}},
	}
}

func (r *Resolver) afterHoursAlert(actor schema.Actor, _ string) schema.QueryResponse {
	var rooms []string
	for _, b := range r.engine.Buildings() {
		for _, room := range b.RestrictedRooms {
			rooms = append(rooms, b.Name+" "+room)
		}
	}

	results := []schema.QueryResult{{
		ID:          "after-hours-monitor",
		Type:        schema.ResultEvent,
		Title:       "After-hours Monitoring",
		Description: fmt.Sprintf("Monitoring %d restricted rooms for access between 18:00 and 06:00", len(rooms)),
		Metadata: schema.Metadata{}.
			Add("alert_type", string(query.AlertAfterHours)).
			Add("locations", rooms).
			Add("schedule", "After hours (18:00-06:00)"),
	}}
	for _, a := range r.engine.Alerts(actor, r.window) {
		if a.Type != query.AlertAfterHours {
			continue
		}
		results = append(results, schema.QueryResult{
			ID:          "alert-" + string(a.Type),
			Type:        schema.ResultEvent,
			Title:       "After-hours Access Detected",
			Description: fmt.Sprintf("%d after-hours entries into restricted rooms", a.Count),
			Metadata: schema.Metadata{}.
				Add("severity", string(a.Severity)).
				Add("count", a.Count).
				Add("details", a.Details).
				Add("withheld", a.Withheld),
		})
	}
	return schema.QueryResponse{
		Message: "After-hours access to restricted rooms is being monitored:",
		Results: results,
	}
}

func (r *Resolver) activityHeatMap(_ schema.Actor, _ string) schema.QueryResponse {
	reports := r.engine.OccupancyAll()
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Percent > reports[j].Percent
	})
	h := r.engine.MovementHistogram(r.window)

	results := make([]schema.QueryResult, 0, len(reports))
	for _, o := range reports {
		results = append(results, schema.QueryResult{
			ID:          "activity-" + slug(o.Building),
			Type:        schema.ResultAnalytics,
			Title:       o.Building + " Activity",
			Description: fmt.Sprintf("%d of %d capacity (%.0f%%)", o.Count, o.Capacity, o.Percent),
			Metadata: schema.Metadata{}.
				Add("occupancy", o.Count).
				Add("capacity", o.Capacity).
				Add("percent", o.Percent),
		})
	}
	msg := "Campus activity analysis shows high traffic areas:"
	if h.Total > 0 {
		msg = fmt.Sprintf("Campus activity analysis shows high traffic areas (peak hour %02d:00):", h.PeakHour)
	}
	return schema.QueryResponse{Message: msg, Results: results}
}

func (r *Resolver) overview(_ schema.Actor, _ string) schema.QueryResponse {
	o := r.engine.Overview(r.window)
	return schema.QueryResponse{
		Message: "I understand your query. Here's what I found based on current campus data:",
		Results: []schema.QueryResult{{
			ID:          "campus-overview",
			Type:        schema.ResultAnalytics,
			Title:       "Campus Overview",
			Description: fmt.Sprintf("Currently tracking %d users across %d buildings", o.TrackedUsers, o.Buildings),
			Metadata: schema.Metadata{}.
				Add("total_users", o.TrackedUsers).
				Add("active_users", o.ActiveUsers).
				Add("buildings", o.Buildings).
				Add("alerts", o.ActiveAlerts),
		}},
	}
}
