package sdk

import (
	"github.com/cockroachdb/errors"

	"github.com/celerix-dev/marauder/pkg/schema"
)

var (
	// ErrRemote marks errors reported by the daemon with an ERR reply.
	ErrRemote = errors.New("remote error")
	// ErrProtocol is returned for replies the client cannot parse.
	ErrProtocol = errors.New("protocol error")
)

// --- Functional Interfaces (Interface Segregation) ---

// Reporter submits position reports for ingestion.
type Reporter interface {
	Report(r schema.LocationReport) error
}

// Asker resolves free-text questions on behalf of an actor.
type Asker interface {
	Ask(actor schema.Actor, text string) (schema.QueryResponse, error)
}

// Pinger checks daemon liveness.
type Pinger interface {
	Ping() error
}

// --- Composite Interfaces ---

// Marauder is the full client surface of the location daemon.
type Marauder interface {
	Reporter
	Asker
	Pinger
	Close() error
}
