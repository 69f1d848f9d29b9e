// Package intent maps free-text questions onto query engine calls through an
// ordered keyword rule table.
package intent

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/celerix-dev/marauder/internal/campus"
	"github.com/celerix-dev/marauder/internal/query"
	"github.com/celerix-dev/marauder/pkg/schema"
)

// ErrInvalidQuery is returned for empty or whitespace-only input.
var ErrInvalidQuery = errors.New("invalid query: text is empty")

// DefaultLatency is the dispatch delay applied by ResolveAsync.
const DefaultLatency = 1500 * time.Millisecond

// Engine is the slice of the query engine the resolver dispatches to.
type Engine interface {
	Buildings() []campus.Building
	OccupancyAll() []query.OccupancyReport
	Occupants(actor schema.Actor, building string) []query.Presence
	CurrentByRole(actor schema.Actor, role schema.Role) []query.Presence
	Visits(actor schema.Actor, userID string, window time.Duration) []query.Visit
	MovementHistogram(window time.Duration) query.Histogram
	Alerts(actor schema.Actor, window time.Duration) []query.Alert
	Overview(window time.Duration) query.Overview
}

// Names resolves a user mentioned by name in free text.
type Names interface {
	FindByName(text string) (schema.UserIdentity, bool)
}

// Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	engine  Engine
	names   Names
	rules   []Rule
	window  time.Duration
	latency time.Duration
	log     *zap.Logger
	observe func(intent string)
}

type Option func(*Resolver)

// WithLatency sets the ResolveAsync delay. Zero dispatches immediately.
func WithLatency(d time.Duration) Option {
	return func(r *Resolver) { r.latency = d }
}

// WithWindow sets the lookback used by analytic intents.
func WithWindow(d time.Duration) Option {
	return func(r *Resolver) { r.window = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithObserver registers a callback run once per dispatched intent.
func WithObserver(fn func(intent string)) Option {
	return func(r *Resolver) { r.observe = fn }
}

// New builds a resolver with the standard rule table.
func New(engine Engine, names Names, opts ...Option) *Resolver {
	r := &Resolver{
		engine:  engine,
		names:   names,
		window:  24 * time.Hour,
		latency: DefaultLatency,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rules = r.defaultRules()
	return r
}

// Rules returns the rule names in match order, fallback last.
func (r *Resolver) Rules() []string {
	out := make([]string, 0, len(r.rules)+1)
	for _, rule := range r.rules {
		out = append(out, rule.Name)
	}
	return append(out, IntentOverview)
}

// Classify returns the name of the first rule matching text.
func (r *Resolver) Classify(text string) string {
	return r.match(strings.ToLower(text)).Name
}

func (r *Resolver) match(lower string) Rule {
	for _, rule := range r.rules {
		if rule.Match(lower) {
			return rule
		}
	}
	return r.fallback()
}

// Resolve classifies text and runs the matching handler on behalf of actor.
func (r *Resolver) Resolve(ctx context.Context, actor schema.Actor, text string) (schema.QueryResponse, error) {
	if strings.TrimSpace(text) == "" {
		return schema.QueryResponse{}, ErrInvalidQuery
	}
	if err := ctx.Err(); err != nil {
		return schema.QueryResponse{}, err
	}

	lower := strings.ToLower(text)
	rule := r.match(lower)
	resp := rule.Handle(actor, lower)
	resp.Intent = rule.Name
	if resp.Results == nil {
		resp.Results = []schema.QueryResult{}
	}
	for i := range resp.Results {
		resp.Results[i].Confidence = clamp(rule.Confidence)
	}

	if r.observe != nil {
		r.observe(rule.Name)
	}
	r.log.Debug("intent_resolved",
		zap.String("intent", rule.Name),
		zap.String("actor_id", actor.ID),
		zap.Int("results", len(resp.Results)),
	)
	return resp, nil
}

// ResolveAsync waits out the configured latency and then resolves. When ctx
// ends first nothing is dispatched and ctx's error is returned.
func (r *Resolver) ResolveAsync(ctx context.Context, actor schema.Actor, text string) (schema.QueryResponse, error) {
	if strings.TrimSpace(text) == "" {
		return schema.QueryResponse{}, ErrInvalidQuery
	}
	if r.latency > 0 {
		timer := time.NewTimer(r.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return schema.QueryResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
	return r.Resolve(ctx, actor, text)
}

func clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
