package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/celerix-dev/marauder/pkg/schema"
)

type entry struct {
	seq uint64
	ev  schema.LocationEvent
}

// MemStore is a thread-safe bounded timeline of position events.
//
// Events are kept sorted by timestamp (insertion order breaks ties). Two
// indices are maintained on every append and eviction: each user's own
// timeline, whose tail is their current location, and for each building the
// set of users whose current location is in it.
type MemStore struct {
	mu       sync.RWMutex
	capacity int
	seq      uint64
	events   []entry
	byUser   map[string][]entry
	// Structure: [building][userID]
	byBuilding map[string]map[string]struct{}

	now     func() time.Time
	onEvict func(schema.LocationEvent)
}

// Option configures a MemStore.
type Option func(*MemStore)

// WithClock overrides the time source used for window cutoffs.
func WithClock(now func() time.Time) Option {
	return func(m *MemStore) { m.now = now }
}

// WithEvictHook registers a callback invoked, outside the lock, for every
// event dropped by a capacity overflow.
func WithEvictHook(fn func(schema.LocationEvent)) Option {
	return func(m *MemStore) { m.onEvict = fn }
}

// NewMemStore initializes a store retaining at most capacity events.
// Non-positive capacities fall back to DefaultCapacity.
func NewMemStore(capacity int, opts ...Option) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &MemStore{
		capacity:   capacity,
		byUser:     make(map[string][]entry),
		byBuilding: make(map[string]map[string]struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append inserts ev in timestamp order and evicts the oldest events while the
// store is over capacity. Insertion and eviction happen under one write lock
// so readers never see the intermediate state.
func (m *MemStore) Append(ev schema.LocationEvent) {
	m.mu.Lock()
	m.seq++
	e := entry{seq: m.seq, ev: ev}

	prev, hadPrev := m.latestLocked(ev.UserID)
	m.events = insertSorted(m.events, e)
	m.byUser[ev.UserID] = insertSorted(m.byUser[ev.UserID], e)
	m.moveLatestLocked(ev.UserID, prev, hadPrev)

	var evicted []schema.LocationEvent
	for len(m.events) > m.capacity {
		oldest := m.events[0]
		m.events[0] = entry{}
		m.events = m.events[1:]
		m.dropFromUserLocked(oldest)
		evicted = append(evicted, oldest.ev)
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, old := range evicted {
			hook(old)
		}
	}
}

// insertSorted places e after every entry with a timestamp <= its own.
// In-order appends touch only the tail.
func insertSorted(list []entry, e entry) []entry {
	i := len(list)
	for i > 0 && list[i-1].ev.Timestamp.After(e.ev.Timestamp) {
		i--
	}
	list = append(list, entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// latestLocked returns the tail of the user's timeline.
// It MUST be called while holding m.mu.
func (m *MemStore) latestLocked(userID string) (entry, bool) {
	list := m.byUser[userID]
	if len(list) == 0 {
		return entry{}, false
	}
	return list[len(list)-1], true
}

// moveLatestLocked re-points the building index after the user's timeline
// changed. It MUST be called while holding m.mu.Lock.
func (m *MemStore) moveLatestLocked(userID string, prev entry, hadPrev bool) {
	latest, ok := m.latestLocked(userID)
	if hadPrev && ok && latest.seq == prev.seq {
		return
	}
	if hadPrev {
		m.unindexLocked(prev.ev.Building, userID)
	}
	if ok {
		set := m.byBuilding[latest.ev.Building]
		if set == nil {
			set = make(map[string]struct{})
			m.byBuilding[latest.ev.Building] = set
		}
		set[userID] = struct{}{}
	}
}

func (m *MemStore) unindexLocked(building, userID string) {
	if set, ok := m.byBuilding[building]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(m.byBuilding, building)
		}
	}
}

// dropFromUserLocked removes an evicted entry from its user's timeline. The
// globally oldest entry is also the oldest of its user, so this is the head.
func (m *MemStore) dropFromUserLocked(old entry) {
	userID := old.ev.UserID
	list := m.byUser[userID]
	idx := -1
	for i := range list {
		if list[i].seq == old.seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	prev, _ := m.latestLocked(userID)
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(m.byUser, userID)
	} else {
		m.byUser[userID] = list
	}
	m.moveLatestLocked(userID, prev, true)
}

// --- Interface Implementation ---

func (m *MemStore) History(userID string, window time.Duration) []schema.LocationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byUser[userID]
	cutoff, bounded := m.cutoff(window)
	out := make([]schema.LocationEvent, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if bounded && list[i].ev.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, list[i].ev)
	}
	return out
}

func (m *MemStore) Current(userID string) (schema.LocationEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest, ok := m.latestLocked(userID)
	return latest.ev, ok
}

func (m *MemStore) InBuilding(building string, recency time.Duration) []schema.LocationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff, bounded := m.cutoff(recency)
	set := m.byBuilding[building]
	out := make([]schema.LocationEvent, 0, len(set))
	for userID := range set {
		latest, ok := m.latestLocked(userID)
		if !ok {
			continue
		}
		if bounded && latest.ev.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, latest.ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (m *MemStore) Snapshot(window time.Duration) []schema.LocationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff, bounded := m.cutoff(window)
	start := 0
	if bounded {
		start = sort.Search(len(m.events), func(i int) bool {
			return !m.events[i].ev.Timestamp.Before(cutoff)
		})
	}
	out := make([]schema.LocationEvent, 0, len(m.events)-start)
	for _, e := range m.events[start:] {
		out = append(out, e.ev)
	}
	return out
}

func (m *MemStore) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]string, 0, len(m.byUser))
	for id := range m.byUser {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}

func (m *MemStore) Now() time.Time {
	return m.now()
}

// Len returns the number of retained events.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Capacity returns the maximum number of retained events.
func (m *MemStore) Capacity() int {
	return m.capacity
}

// Reset drops every event and index. Intended for tests.
func (m *MemStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.byUser = make(map[string][]entry)
	m.byBuilding = make(map[string]map[string]struct{})
}

// cutoff returns now-window; a non-positive window means no lower bound.
func (m *MemStore) cutoff(window time.Duration) (time.Time, bool) {
	if window <= 0 {
		return time.Time{}, false
	}
	return m.now().Add(-window), true
}
