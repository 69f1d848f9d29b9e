// Package query answers point and windowed questions about the event store.
// Every per-user read is authorized through the privacy gate before any data
// reaches the caller; aggregates (occupancy, histograms, rankings) are
// anonymous counts.
package query

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/directory"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// Gate is the part of the privacy gate the engine consults.
type Gate interface {
	Authorize(c schema.Capability, actor schema.Actor, targetID string, identity *schema.UserIdentity) bool
	HasConsent(identity *schema.UserIdentity) bool
	Denials(since time.Time) []schema.AuditLogEntry
}

// Config holds the engine's tunables.
type Config struct {
	// RecencyWindow decides who is "currently" somewhere.
	RecencyWindow time.Duration
	// UnusualMultiple is the factor over a user's historical average that
	// raises an unusual movement alert.
	UnusualMultiple float64
	// Location is the campus time zone for hour-of-day computations.
	Location *time.Location
	// BusinessStart and BusinessEnd bound normal hours as [start, end).
	BusinessStart int
	BusinessEnd   int
	// AnonymousAnalytics enables the per-room and per-hour aggregates.
	// Only events of consenting users are ever aggregated.
	AnonymousAnalytics bool
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		RecencyWindow:      30 * time.Minute,
		UnusualMultiple:    3,
		Location:           time.Local,
		BusinessStart:      6,
		BusinessEnd:        18,
		AnonymousAnalytics: true,
	}
}

// Engine is the query and aggregation engine.
type Engine struct {
	store     engine.EventReader
	gate      Gate
	dir       directory.Lookup
	buildings []campus.Building
	cfg       Config
	rules     []Rule
	log       *zap.Logger
}

// New wires an engine. The default alert rules are registered in order:
// after-hours access, capacity exceeded, unusual movement, privacy violation.
func New(store engine.EventReader, gate Gate, dir directory.Lookup, buildings []campus.Building, cfg Config, log *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.UnusualMultiple <= 0 {
		cfg.UnusualMultiple = def.UnusualMultiple
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.BusinessStart == 0 && cfg.BusinessEnd == 0 {
		cfg.BusinessStart, cfg.BusinessEnd = def.BusinessStart, def.BusinessEnd
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		gate:      gate,
		dir:       dir,
		buildings: append([]campus.Building(nil), buildings...),
		cfg:       cfg,
		log:       log,
	}
	e.rules = []Rule{
		AfterHoursRule{Start: cfg.BusinessStart, End: cfg.BusinessEnd},
		CapacityRule{},
		UnusualMovementRule{Multiple: cfg.UnusualMultiple},
		PrivacyViolationRule{},
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Buildings returns the configured buildings.
func (e *Engine) Buildings() []campus.Building {
	return append([]campus.Building(nil), e.buildings...)
}

// Building resolves a building by case-insensitive name.
func (e *Engine) Building(name string) (campus.Building, bool) {
	for _, b := range e.buildings {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return campus.Building{}, false
}

// Presence is a visible user together with their current event.
type Presence struct {
	User  schema.UserIdentity  `json:"user"`
	Event schema.LocationEvent `json:"event"`
}

// OccupancyReport is the occupancy of one building.
type OccupancyReport struct {
	Building string  `json:"building"`
	Count    int     `json:"count"`
	Capacity int     `json:"capacity"`
	Percent  float64 `json:"percent"`
}

// Occupancy returns count/capacity*100 for the building, unclamped.
func (e *Engine) Occupancy(building string) (OccupancyReport, bool) {
	b, ok := e.Building(building)
	if !ok {
		return OccupancyReport{}, false
	}
	return e.occupancy(b), true
}

func (e *Engine) occupancy(b campus.Building) OccupancyReport {
	count := len(e.store.InBuilding(b.Name, e.cfg.RecencyWindow))
	return OccupancyReport{
		Building: b.Name,
		Count:    count,
		Capacity: b.Capacity,
		Percent:  float64(count) / float64(b.Capacity) * 100,
	}
}

// OccupancyAll reports every configured building in configuration order.
func (e *Engine) OccupancyAll() []OccupancyReport {
	out := make([]OccupancyReport, 0, len(e.buildings))
	for _, b := range e.buildings {
		out = append(out, e.occupancy(b))
	}
	return out
}

// Occupants lists the users currently in building that actor may see.
func (e *Engine) Occupants(actor schema.Actor, building string) []Presence {
	b, ok := e.Building(building)
	if !ok {
		return nil
	}
	var out []Presence
	for _, ev := range e.store.InBuilding(b.Name, e.cfg.RecencyWindow) {
		if p, ok := e.visible(schema.CapViewLocation, actor, ev); ok {
			out = append(out, p)
		}
	}
	return out
}

// CurrentByRole lists visible users of role with a recent location, ordered
// by user id.
func (e *Engine) CurrentByRole(actor schema.Actor, role schema.Role) []Presence {
	cutoff := e.store.Now().Add(-e.cfg.RecencyWindow)
	var out []Presence
	for _, u := range e.dir.List(role) {
		ev, ok := e.store.Current(u.ID)
		if !ok || ev.Timestamp.Before(cutoff) {
			continue
		}
		if p, ok := e.visible(schema.CapViewLocation, actor, ev); ok {
			out = append(out, p)
		}
	}
	return out
}

// Listing is a directory entry with the user's latest location, if any.
type Listing struct {
	User     schema.UserIdentity   `json:"user"`
	Location *schema.LocationEvent `json:"location,omitempty"`
}

// Users searches the directory and keeps only users whose location actor
// may see, the same test every location read applies.
func (e *Engine) Users(actor schema.Actor, role schema.Role, text string) []Listing {
	var out []Listing
	for _, u := range e.dir.Search(role, text) {
		identity := u
		if !e.gate.Authorize(schema.CapViewLocation, actor, u.ID, &identity) {
			continue
		}
		l := Listing{User: u}
		if ev, ok := e.store.Current(u.ID); ok {
			l.Location = &ev
		}
		out = append(out, l)
	}
	return out
}

// Current returns the user's latest location if actor may see it.
func (e *Engine) Current(actor schema.Actor, userID string) (Presence, bool) {
	identity := e.identity(userID)
	if !e.gate.Authorize(schema.CapViewLocation, actor, userID, identity) {
		return Presence{}, false
	}
	ev, ok := e.store.Current(userID)
	if !ok {
		return Presence{}, false
	}
	return Presence{User: *identity, Event: ev}, true
}

// History returns the user's events in the window, newest first, or nothing
// when actor lacks view_history.
func (e *Engine) History(actor schema.Actor, userID string, window time.Duration) []schema.LocationEvent {
	identity := e.identity(userID)
	if !e.gate.Authorize(schema.CapViewHistory, actor, userID, identity) {
		return nil
	}
	return e.store.History(userID, window)
}

// Visits returns the user's visits in the window, oldest first.
func (e *Engine) Visits(actor schema.Actor, userID string, window time.Duration) []Visit {
	history := e.History(actor, userID, window)
	if len(history) == 0 {
		return nil
	}
	reverse(history)
	return ComputeVisits(history)
}

// PopularLocations ranks (building, room) pairs over the window. limit <= 0
// returns every location.
func (e *Engine) PopularLocations(window time.Duration, limit int) []LocationStat {
	stats := RankLocations(e.analytics(window))
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}

// MovementHistogram buckets the window's events by hour of day.
func (e *Engine) MovementHistogram(window time.Duration) Histogram {
	return BuildHistogram(e.analytics(window), e.cfg.Location)
}

// analytics returns the window's events that may feed anonymous aggregates:
// none when they are disabled, otherwise those of consenting users.
func (e *Engine) analytics(window time.Duration) []schema.LocationEvent {
	if !e.cfg.AnonymousAnalytics {
		return nil
	}
	events := e.store.Snapshot(window)
	consent := make(map[string]bool)
	out := events[:0]
	for _, ev := range events {
		ok, seen := consent[ev.UserID]
		if !seen {
			ok = e.gate.HasConsent(e.identity(ev.UserID))
			consent[ev.UserID] = ok
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out
}

// Alerts evaluates every rule over the window and returns those that fire,
// in rule order. Details naming a user are kept only when actor may see that
// user's location; the rest are counted in Withheld.
func (e *Engine) Alerts(actor schema.Actor, window time.Duration) []Alert {
	alerts := e.evaluate(window)
	visible := make(map[string]bool)
	for i, a := range alerts {
		alerts[i] = a.redact(func(userID string) bool {
			ok, seen := visible[userID]
			if !seen {
				ok = e.gate.Authorize(schema.CapViewLocation, actor, userID, e.identity(userID))
				visible[userID] = ok
			}
			return ok
		})
	}
	return alerts
}

func (e *Engine) evaluate(window time.Duration) []Alert {
	now := e.store.Now()
	w := Window{
		Now:       now,
		Span:      window,
		Events:    e.store.Snapshot(0),
		Occupancy: e.OccupancyAll(),
		Buildings: e.buildings,
		Location:  e.cfg.Location,
	}
	if window > 0 {
		w.Denials = e.gate.Denials(now.Add(-window))
	} else {
		w.Denials = e.gate.Denials(time.Time{})
	}

	var out []Alert
	for _, r := range e.rules {
		if a, fired := Evaluate(r, w); fired {
			out = append(out, a)
		}
	}
	e.log.Debug("alerts_evaluated", zap.Duration("window", window), zap.Int("fired", len(out)))
	return out
}

// Overview is the campus snapshot used by the resolver's fallback.
type Overview struct {
	TrackedUsers int `json:"tracked_users"`
	ActiveUsers  int `json:"active_users"`
	Buildings    int `json:"buildings"`
	ActiveAlerts int `json:"active_alerts"`
	AlertEvents  int `json:"alert_events"`
}

// Overview counts users, buildings and alerts over the window.
func (e *Engine) Overview(window time.Duration) Overview {
	active := make(map[string]bool)
	for _, ev := range e.store.Snapshot(e.cfg.RecencyWindow) {
		active[ev.UserID] = true
	}
	o := Overview{
		TrackedUsers: len(e.dir.List("")),
		ActiveUsers:  len(active),
		Buildings:    len(e.buildings),
	}
	for _, a := range e.evaluate(window) {
		o.ActiveAlerts++
		o.AlertEvents += a.Count
	}
	return o
}

func (e *Engine) identity(userID string) *schema.UserIdentity {
	u, ok := e.dir.Get(userID)
	if !ok {
		return nil
	}
	return &u
}

func (e *Engine) visible(c schema.Capability, actor schema.Actor, ev schema.LocationEvent) (Presence, bool) {
	identity := e.identity(ev.UserID)
	if !e.gate.Authorize(c, actor, ev.UserID, identity) {
		return Presence{}, false
	}
	return Presence{User: *identity, Event: ev}, true
}

func reverse(events []schema.LocationEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
