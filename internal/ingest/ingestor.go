// Package ingest is the single writer of the event store. Transports enqueue
// reports; a periodic tick drains the queue into the store.
package ingest

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/engine"
	"github.com/celerix-dev/marauder/pkg/schema"
)

var (
	ErrInvalidReport = errors.New("invalid location report")
	ErrQueueFull     = errors.New("ingest queue full")
)

// Drop reasons, used as log fields and metric labels.
const (
	DropMalformed    = "malformed"
	DropQueueFull    = "queue_full"
	DropNoCollection = "no_collection"
)

const (
	DefaultInterval  = 3 * time.Second
	DefaultQueueSize = 4096
)

// Collector decides whether a data type may be collected for a user.
type Collector interface {
	AllowsCollection(userID, dataType string) bool
}

// Recorder receives ingestion counters.
type Recorder interface {
	Ingested()
	Dropped(reason string)
	StoreSize(n int)
}

// Store is the write side plus the size probe.
type Store interface {
	engine.EventWriter
	Len() int
}

// Sink accepts decoded reports from a transport.
type Sink interface {
	Report(r schema.LocationReport) error
}

type nopRecorder struct{}

func (nopRecorder) Ingested()      {}
func (nopRecorder) Dropped(string) {}
func (nopRecorder) StoreSize(int)  {}

type Ingestor struct {
	store     Store
	gate      Collector
	buildings map[string]string
	queue     chan schema.LocationReport
	interval  time.Duration
	now       func() time.Time
	log       *zap.Logger
	rec       Recorder
}

type Option func(*Ingestor)

func WithInterval(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.interval = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.queue = make(chan schema.LocationReport, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(i *Ingestor) { i.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(i *Ingestor) { i.rec = r }
}

// New builds an ingestor. Building names in reports are canonicalized against
// buildings; unknown buildings are kept as reported.
func New(store Store, gate Collector, buildings []campus.Building, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:     store,
		gate:      gate,
		buildings: make(map[string]string, len(buildings)),
		queue:     make(chan schema.LocationReport, DefaultQueueSize),
		interval:  DefaultInterval,
		now:       time.Now,
		log:       zap.NewNop(),
		rec:       nopRecorder{},
	}
	for _, b := range buildings {
		i.buildings[strings.ToLower(b.Name)] = b.Name
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Validate checks the fields every stored event needs.
func Validate(r schema.LocationReport) error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return errors.Wrap(ErrInvalidReport, "user_id is required")
	case strings.TrimSpace(r.Building) == "":
		return errors.Wrap(ErrInvalidReport, "building is required")
	case math.IsNaN(r.X) || math.IsNaN(r.Y) || math.IsInf(r.X, 0) || math.IsInf(r.Y, 0):
		return errors.Wrap(ErrInvalidReport, "coordinates must be finite")
	}
	return nil
}

// DecodeReport parses and validates a JSON position report.
func DecodeReport(data []byte) (schema.LocationReport, error) {
	var r schema.LocationReport
	if err := json.Unmarshal(data, &r); err != nil {
		return schema.LocationReport{}, errors.Mark(errors.Wrap(err, "invalid location report"), ErrInvalidReport)
	}
	if err := Validate(r); err != nil {
		return schema.LocationReport{}, err
	}
	return r, nil
}

// Report enqueues r without blocking. Timestamps are assigned on receipt so
// that queueing delay does not skew them.
func (i *Ingestor) Report(r schema.LocationReport) error {
	if err := Validate(r); err != nil {
		i.drop(r, DropMalformed, err)
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = i.now()
	}
	select {
	case i.queue <- r:
		return nil
	default:
		i.drop(r, DropQueueFull, ErrQueueFull)
		return ErrQueueFull
	}
}

// Pending is the number of queued reports.
func (i *Ingestor) Pending() int {
	return len(i.queue)
}

// Flush drains the queue into the store and returns the number of events
// appended. Collection consent is checked at drain time.
func (i *Ingestor) Flush() int {
	appended := 0
	for {
		select {
		case r := <-i.queue:
			if i.apply(r) {
				appended++
			}
		default:
			if appended > 0 {
				i.rec.StoreSize(i.store.Len())
			}
			return appended
		}
	}
}

func (i *Ingestor) apply(r schema.LocationReport) bool {
	if !i.gate.AllowsCollection(r.UserID, schema.DataTypeLocation) {
		i.drop(r, DropNoCollection, nil)
		return false
	}
	if name, ok := i.buildings[strings.ToLower(strings.TrimSpace(r.Building))]; ok {
		r.Building = name
	}
	i.store.Append(r.Event(i.now()))
	i.rec.Ingested()
	return true
}

func (i *Ingestor) drop(r schema.LocationReport, reason string, err error) {
	i.rec.Dropped(reason)
	fields := []zap.Field{
		zap.String("user_id", r.UserID),
		zap.String("building", r.Building),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	i.log.Info("report_dropped", fields...)
}

// Run drains the queue every interval until ctx is done, then flushes once
// more so accepted reports are not lost.
func (i *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	i.log.Info("ingest_started", zap.Duration("interval", i.interval), zap.Int("queue_size", cap(i.queue)))
	for {
		select {
		case <-ctx.Done():
			n := i.Flush()
			i.log.Info("ingest_stopped", zap.Int("final_flush", n))
			return nil
		case <-ticker.C:
			if n := i.Flush(); n > 0 {
				i.log.Debug("ingest_tick", zap.Int("appended", n))
			}
		}
	}
}
