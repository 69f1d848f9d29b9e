package query

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// AlertType identifies an alert rule.
type AlertType string

const (
	AlertAfterHours       AlertType = "after_hours_access"
	AlertCapacity         AlertType = "capacity_exceeded"
	AlertUnusualMovement  AlertType = "unusual_movement"
	AlertPrivacyViolation AlertType = "privacy_violation_attempt"
)

// Severity of an alert. It is fixed per rule type.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severities = map[AlertType]Severity{
	AlertAfterHours:       SeverityMedium,
	AlertCapacity:         SeverityHigh,
	AlertUnusualMovement:  SeverityLow,
	AlertPrivacyViolation: SeverityHigh,
}

// SeverityOf returns the static severity of an alert type.
func SeverityOf(t AlertType) Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return SeverityLow
}

// Alert is a fired rule with the number of matching occurrences. Count
// always covers every occurrence; Details only describes those the caller
// may see, and Withheld counts the rest.
type Alert struct {
	Type     AlertType `json:"type"`
	Rule     string    `json:"rule"`
	Severity Severity  `json:"severity"`
	Count    int       `json:"count"`
	Details  []string  `json:"details,omitempty"`
	Withheld int       `json:"withheld,omitempty"`

	findings []Finding
}

// Finding is one occurrence of an alert condition. UserID is set when the
// detail places a person somewhere.
type Finding struct {
	UserID string
	Detail string
}

// Window is the evaluation context handed to every rule.
type Window struct {
	Now  time.Time
	Span time.Duration
	// Events holds every retained event, oldest first.
	Events    []schema.LocationEvent
	Occupancy []OccupancyReport
	Denials   []schema.AuditLogEntry
	Buildings []campus.Building
	Location  *time.Location
}

// Start is the inclusive lower bound of the window; zero when unbounded.
func (w Window) Start() time.Time {
	if w.Span <= 0 {
		return time.Time{}
	}
	return w.Now.Add(-w.Span)
}

// Current returns the events inside the window.
func (w Window) Current() []schema.LocationEvent {
	start := w.Start()
	i := sort.Search(len(w.Events), func(i int) bool {
		return !w.Events[i].Timestamp.Before(start)
	})
	return w.Events[i:]
}

func (w Window) building(name string) (campus.Building, bool) {
	for _, b := range w.Buildings {
		if strings.EqualFold(b.Name, name) {
			return b, true
		}
	}
	return campus.Building{}, false
}

// Rule is an alert condition. Rules are independent of each other.
type Rule interface {
	// Name is a human readable rule name.
	Name() string
	// Type is the alert type the rule raises.
	Type() AlertType
	// Evaluate returns one finding per occurrence in the window.
	Evaluate(w Window) []Finding
}

// Evaluate runs r and packages a fired alert with every detail included.
func Evaluate(r Rule, w Window) (Alert, bool) {
	findings := r.Evaluate(w)
	if len(findings) == 0 {
		return Alert{}, false
	}
	a := Alert{
		Type:     r.Type(),
		Rule:     r.Name(),
		Severity: SeverityOf(r.Type()),
		Count:    len(findings),
		findings: findings,
	}
	return a.redact(func(string) bool { return true }), true
}

// redact rebuilds Details keeping findings that name nobody or whose user
// passes visible.
func (a Alert) redact(visible func(userID string) bool) Alert {
	a.Details, a.Withheld = nil, 0
	for _, f := range a.findings {
		if f.UserID != "" && !visible(f.UserID) {
			a.Withheld++
			continue
		}
		a.Details = append(a.Details, f.Detail)
	}
	return a
}

// AfterHoursRule fires for events in restricted rooms outside [Start, End).
type AfterHoursRule struct {
	Start int
	End   int
}

func (AfterHoursRule) Name() string    { return "After-hours access" }
func (AfterHoursRule) Type() AlertType { return AlertAfterHours }

func (r AfterHoursRule) Evaluate(w Window) []Finding {
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	var out []Finding
	for _, ev := range w.Current() {
		b, ok := w.building(ev.Building)
		if !ok || !b.Restricted(ev.Room) {
			continue
		}
		local := ev.Timestamp.In(loc)
		if h := local.Hour(); h >= r.Start && h < r.End {
			continue
		}
		out = append(out, Finding{
			UserID: ev.UserID,
			Detail: fmt.Sprintf("%s in %s/%s at %s", ev.UserID, ev.Building, ev.Room, local.Format("15:04")),
		})
	}
	return out
}

// CapacityRule fires for buildings above 100% occupancy.
type CapacityRule struct{}

func (CapacityRule) Name() string    { return "Capacity exceeded" }
func (CapacityRule) Type() AlertType { return AlertCapacity }

func (CapacityRule) Evaluate(w Window) []Finding {
	var out []Finding
	for _, o := range w.Occupancy {
		if o.Percent > 100 {
			out = append(out, Finding{Detail: fmt.Sprintf("%s at %.0f%% (%d/%d)", o.Building, o.Percent, o.Count, o.Capacity)})
		}
	}
	return out
}

// UnusualMovementRule fires for users whose event count in the window
// exceeds Multiple times their average per window-length over the retained
// history preceding the window. Users without prior history are skipped.
type UnusualMovementRule struct {
	Multiple float64
}

func (UnusualMovementRule) Name() string    { return "Unusual movement" }
func (UnusualMovementRule) Type() AlertType { return AlertUnusualMovement }

func (r UnusualMovementRule) Evaluate(w Window) []Finding {
	if w.Span <= 0 {
		return nil
	}
	start := w.Start()
	current := make(map[string]int)
	prior := make(map[string]int)
	oldest := make(map[string]time.Time)
	for _, ev := range w.Events {
		if ev.Timestamp.Before(start) {
			prior[ev.UserID]++
			if _, ok := oldest[ev.UserID]; !ok {
				oldest[ev.UserID] = ev.Timestamp
			}
			continue
		}
		current[ev.UserID]++
	}

	users := make([]string, 0, len(current))
	for id := range current {
		users = append(users, id)
	}
	sort.Strings(users)

	var out []Finding
	for _, id := range users {
		if prior[id] == 0 {
			continue
		}
		periods := math.Ceil(float64(start.Sub(oldest[id])) / float64(w.Span))
		if periods < 1 {
			periods = 1
		}
		avg := float64(prior[id]) / periods
		if float64(current[id]) > r.Multiple*avg {
			out = append(out, Finding{
				UserID: id,
				Detail: fmt.Sprintf("%s: %d events vs %.1f average", id, current[id], avg),
			})
		}
	}
	return out
}

// PrivacyViolationRule fires for denied data-access attempts in the window.
type PrivacyViolationRule struct{}

func (PrivacyViolationRule) Name() string    { return "Privacy violation attempt" }
func (PrivacyViolationRule) Type() AlertType { return AlertPrivacyViolation }

func (PrivacyViolationRule) Evaluate(w Window) []Finding {
	out := make([]Finding, 0, len(w.Denials))
	for _, d := range w.Denials {
		out = append(out, Finding{Detail: fmt.Sprintf("%s denied %s on %s", d.Actor, d.Capability, d.Target)})
	}
	return out
}
