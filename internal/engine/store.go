// Package engine implements the bounded, memory-resident location event store.
package engine

import (
	"time"

	"github.com/celerix-dev/marauder/pkg/schema"
)

// DefaultCapacity is the number of events retained when no capacity is given.
const DefaultCapacity = 1000

// EventWriter appends position events. The ingestion tick is its only caller.
type EventWriter interface {
	Append(ev schema.LocationEvent)
}

// EventReader is the read side of the store used by the query engine.
// Absence is always structural: empty slices or a false ok, never an error.
type EventReader interface {
	// History returns the user's events with timestamp >= now-window, newest first.
	History(userID string, window time.Duration) []schema.LocationEvent
	// Current returns the user's most recent retained event.
	Current(userID string) (schema.LocationEvent, bool)
	// InBuilding returns one event per user whose latest event is in building
	// and no older than recency.
	InBuilding(building string, recency time.Duration) []schema.LocationEvent
	// Snapshot copies every retained event inside the window, oldest first.
	Snapshot(window time.Duration) []schema.LocationEvent
	// Users lists the ids of users with at least one retained event.
	Users() []string
	// Now is the store's notion of the current time.
	Now() time.Time
}

// EventStore combines both sides of the store.
type EventStore interface {
	EventReader
	EventWriter
	Len() int
	Capacity() int
}
