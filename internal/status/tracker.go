// Package status keeps a read-only view of the bridge for operators: the
// outcome of recent pushes per measure point, the last cycle and the
// deduplication state. It is fed by the scheduler and read by HTTP handlers.
package status

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// PointStatus is the last push outcome for one measure point.
type PointStatus struct {
	PointID  string    `json:"point_id"`
	PushedAt time.Time `json:"pushed_at"`
	Records  int       `json:"records"`
	Readings int       `json:"readings"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
}

// CycleStatus summarizes the last finished cycle.
type CycleStatus struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
	Forwarded  int       `json:"forwarded"`
	Duplicates int       `json:"duplicates"`
	Absent     int       `json:"absent"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot is the JSON document served at /status.
type Snapshot struct {
	State     string            `json:"state"`
	Cycles    int64             `json:"cycles"`
	LastCycle *CycleStatus      `json:"last_cycle,omitempty"`
	Points    []PointStatus     `json:"points"`
	LastSent  map[string]*int64 `json:"last_forwarded"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	points    *lru.Cache
	state     string
	cycles    int64
	lastCycle *CycleStatus
	lastSent  map[string]*int64
}

// NewTracker keeps the push outcome of at most size measure points.
func NewTracker(size int) (*Tracker, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		points:   cache,
		state:    "starting",
		lastSent: map[string]*int64{},
	}, nil
}

// SetState records the scheduler state name.
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

// RecordPush stores the outcome of one push.
func (t *Tracker) RecordPush(p PointStatus) {
	t.points.Add(p.PointID, p)
}

// RecordCycle stores the cycle summary and a copy of the deduplication state.
func (t *Tracker) RecordCycle(c CycleStatus, lastSent map[string]*int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles++
	t.lastCycle = &c
	if lastSent != nil {
		t.lastSent = lastSent
	}
}

// Point returns the last push outcome of a measure point.
func (t *Tracker) Point(id string) (PointStatus, bool) {
	v, ok := t.points.Peek(id)
	if !ok {
		return PointStatus{}, false
	}
	return v.(PointStatus), true
}

// Snapshot returns a consistent copy of the tracked state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		State:    t.state,
		Cycles:   t.cycles,
		Points:   []PointStatus{},
		LastSent: make(map[string]*int64, len(t.lastSent)),
	}
	if t.lastCycle != nil {
		c := *t.lastCycle
		s.LastCycle = &c
	}
	for id, ts := range t.lastSent {
		s.LastSent[id] = ts
	}
	for _, key := range t.points.Keys() {
		if v, ok := t.points.Peek(key); ok {
			s.Points = append(s.Points, v.(PointStatus))
		}
	}
	sort.Slice(s.Points, func(i, j int) bool { return s.Points[i].PointID < s.Points[j].PointID })
	return s
}
