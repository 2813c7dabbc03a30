package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/obsidianstack/weatheragg/pkg/types"
)

// DefaultCapacity is the maximum number of stations held when none is configured.
const DefaultCapacity = 20

// Store is a thread-safe, bounded table of the latest record per station.
//
// Entries are kept in first-insertion order. Replacing an existing station's
// record does not move it; when a new station would push the size above the
// capacity, the earliest-inserted station is evicted regardless of how
// recently it was updated.
type Store struct {
	mu       sync.RWMutex
	order    *list.List // of *types.Record, front = first inserted
	index    map[string]*list.Element
	capacity int
	now      func() time.Time // injectable for deterministic tests
}

// New creates a Store bounded to capacity entries. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		order:    list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
		now:      time.Now,
	}
}

// Upsert inserts rec or wholesale-replaces the record already held for
// rec.StationID. If a new station pushes the size above capacity, the
// first-inserted station is evicted and its id returned.
//
// Callers must validate rec.StationID beforehand. Upsert takes ownership of
// rec; callers must not modify it afterwards.
func (s *Store) Upsert(rec types.Record) (evicted string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, found := s.index[rec.StationID]; found {
		el.Value = &rec
		return "", false
	}

	s.index[rec.StationID] = s.order.PushBack(&rec)
	if s.order.Len() <= s.capacity {
		return "", false
	}

	oldest := s.order.Front()
	victim := oldest.Value.(*types.Record).StationID
	s.order.Remove(oldest)
	delete(s.index, victim)
	return victim, true
}

// SnapshotAll returns a deep copy of every record in first-insertion order.
// The copy is taken under a single read lock, so it is internally consistent.
func (s *Store) SnapshotAll() []types.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Record, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*types.Record).Clone())
	}
	return out
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (types.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.index[id]
	if !ok {
		return types.Record{}, false
	}
	return el.Value.(*types.Record).Clone(), true
}

// Expire removes every record whose ingest time is strictly before
// now minus olderThan. It returns the removed station ids in insertion order.
// Expiry is independent of the capacity bound.
func (s *Store) Expire(olderThan time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var removed []string
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		rec := el.Value.(*types.Record)
		if rec.IngestedAt.Before(cutoff) {
			s.order.Remove(el)
			delete(s.index, rec.StationID)
			removed = append(removed, rec.StationID)
		}
		el = next
	}
	return removed
}

// Restore loads records read from a snapshot, preserving their order. Only
// the last capacity records survive if the snapshot is larger than the
// store. Records with an empty station id are skipped.
func (s *Store) Restore(recs []types.Record) {
	for _, rec := range recs {
		if rec.StationID == "" {
			continue
		}
		s.Upsert(rec.Clone())
	}
}

// Len returns the number of records currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Capacity returns the configured size bound.
func (s *Store) Capacity() int {
	return s.capacity
}
