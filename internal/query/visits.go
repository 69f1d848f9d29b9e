package query

import (
	"sort"
	"time"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// Visit is a maximal run of one user's consecutive events at the same
// (building, room).
type Visit struct {
	UserID   string    `json:"user_id"`
	Building string    `json:"building"`
	Room     string    `json:"room"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Events   int       `json:"events"`
}

// Duration is the time between the first and last event of the visit.
func (v Visit) Duration() time.Duration {
	return v.End.Sub(v.Start)
}

// ComputeVisits splits one user's events, ordered oldest first, into visits.
func ComputeVisits(events []schema.LocationEvent) []Visit {
	var out []Visit
	for _, ev := range events {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Building == ev.Building && last.Room == ev.Room {
				last.End = ev.Timestamp
				last.Events++
				continue
			}
		}
		out = append(out, Visit{
			UserID:   ev.UserID,
			Building: ev.Building,
			Room:     ev.Room,
			Start:    ev.Timestamp,
			End:      ev.Timestamp,
			Events:   1,
		})
	}
	return out
}

// LocationStat aggregates visits to one (building, room).
type LocationStat struct {
	Building      string        `json:"building"`
	Room          string        `json:"room"`
	Visits        int           `json:"visits"`
	TotalDuration time.Duration `json:"total_duration"`
}

// AverageDuration is the mean visit duration.
func (s LocationStat) AverageDuration() time.Duration {
	if s.Visits == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Visits)
}

// RankLocations computes visits per user from events ordered oldest first
// and ranks locations by visit count, then total duration, then name.
func RankLocations(events []schema.LocationEvent) []LocationStat {
	byUser := make(map[string][]schema.LocationEvent)
	for _, ev := range events {
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}

	type key struct{ building, room string }
	agg := make(map[key]*LocationStat)
	for _, list := range byUser {
		for _, v := range ComputeVisits(list) {
			k := key{v.Building, v.Room}
			s, ok := agg[k]
			if !ok {
				s = &LocationStat{Building: v.Building, Room: v.Room}
				agg[k] = s
			}
			s.Visits++
			s.TotalDuration += v.Duration()
		}
	}

	out := make([]LocationStat, 0, len(agg))
	for _, s := range agg {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Visits != b.Visits {
			return a.Visits > b.Visits
		}
		if a.TotalDuration != b.TotalDuration {
			return a.TotalDuration > b.TotalDuration
		}
		if a.Building != b.Building {
			return a.Building < b.Building
		}
		return a.Room < b.Room
	})
	return out
}
