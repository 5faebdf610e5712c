package regroup

// Store remembers, per parameter, the timestamp of the last reading that was
// forwarded to LERS. It is owned by a single goroutine and does no locking.
type Store struct {
	last map[string]entry
}

type entry struct {
	timestamp int64
	set       bool
}

// Advance is a deferred store update produced under the at-least-once policy.
type Advance struct {
	ParameterID string
	Timestamp   int64
}

// NewStore creates a store with every id unset.
func NewStore(ids []string) *Store {
	s := &Store{last: make(map[string]entry, len(ids))}
	for _, id := range ids {
		s.last[id] = entry{}
	}
	return s
}

// Last returns the last forwarded timestamp for id. ok is false when the
// parameter is unknown or nothing has been forwarded yet.
func (s *Store) Last(id string) (ts int64, ok bool) {
	e := s.last[id]
	return e.timestamp, e.set
}

// Known reports whether id is tracked by the store.
func (s *Store) Known(id string) bool {
	_, ok := s.last[id]
	return ok
}

// IsNew reports whether a reading taken at ts differs from the last forwarded one.
func (s *Store) IsNew(id string, ts int64) bool {
	e := s.last[id]
	return !e.set || e.timestamp != ts
}

// Advance records ts as forwarded for id. Unknown ids are ignored and
// reported with false.
func (s *Store) Advance(id string, ts int64) bool {
	if _, ok := s.last[id]; !ok {
		return false
	}
	s.last[id] = entry{timestamp: ts, set: true}
	return true
}

// Len returns the number of tracked parameters.
func (s *Store) Len() int {
	return len(s.last)
}

// Snapshot copies the store. Unset parameters map to nil.
func (s *Store) Snapshot() map[string]*int64 {
	out := make(map[string]*int64, len(s.last))
	for id, e := range s.last {
		if !e.set {
			out[id] = nil
			continue
		}
		ts := e.timestamp
		out[id] = &ts
	}
	return out
}
