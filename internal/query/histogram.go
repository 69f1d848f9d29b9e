package query

import (
	"time"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// Histogram counts events per hour of day.
type Histogram struct {
	Buckets  [24]int `json:"buckets"`
	Total    int     `json:"total"`
	PeakHour int     `json:"peak_hour"`
}

// BuildHistogram buckets events by their hour in loc. The peak is the
// fullest bucket, earliest hour on ties; with no events it is hour 0.
func BuildHistogram(events []schema.LocationEvent, loc *time.Location) Histogram {
	if loc == nil {
		loc = time.Local
	}
	var h Histogram
	for _, ev := range events {
		h.Buckets[ev.Timestamp.In(loc).Hour()]++
		h.Total++
	}
	for hour, n := range h.Buckets {
		if n > h.Buckets[h.PeakHour] {
			h.PeakHour = hour
		}
	}
	return h
}
