package schema

import "time"

// LocationEvent is a single position report. Events are immutable once stored
// and ordered by Timestamp.
type LocationEvent struct {
	UserID    string    `json:"user_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"timestamp"`
	Building  string    `json:"building"`
	Room      string    `json:"room"`
}

// LocationReport is the wire form of a position report accepted by the
// ingestion transports. A zero Timestamp means "now" at the receiver.
type LocationReport struct {
	UserID    string    `json:"user_id"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Building  string    `json:"building"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Event converts the report into a stored event, stamping it with now when the
// sender did not provide a timestamp.
func (r LocationReport) Event(now time.Time) LocationEvent {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return LocationEvent{
		UserID:    r.UserID,
		X:         r.X,
		Y:         r.Y,
		Timestamp: ts,
		Building:  r.Building,
		Room:      r.Room,
	}
}
