// Package history holds the deduplicated clipboard history.
//
// Records are kept most-recent-insertion first. Readers load an immutable
// snapshot through an atomic pointer and never take a lock; writers
// serialize on a mutex and publish a fresh snapshot on every mutation.
package history

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.klb.dev/clipshare/internal/record"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("history: record not found")
	// ErrDuplicateID is returned by Insert when the id is already present.
	ErrDuplicateID = errors.New("history: duplicate record id")
	// ErrInvalidRecord wraps record validation failures on Insert.
	ErrInvalidRecord = errors.New("history: invalid record")
)

type snapshot struct {
	records []record.Record // newest first, never mutated after publish
	byID    map[string]int  // id -> index in records
}

var emptySnapshot = &snapshot{byID: map[string]int{}}

// Store is the in-memory history. The zero value is not usable; call New.
type Store struct {
	mu      sync.Mutex
	cur     atomic.Pointer[snapshot]
	version atomic.Uint64
	max     int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRecords caps the history at n records. Inserting beyond the cap
// evicts the oldest records. n <= 0 means unbounded.
func WithMaxRecords(n int) Option {
	return func(s *Store) { s.max = n }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	s.cur.Store(emptySnapshot)
	return s
}

func (s *Store) load() *snapshot { return s.cur.Load() }

func (s *Store) publish(records []record.Record) {
	byID := make(map[string]int, len(records))
	for i, r := range records {
		byID[r.ID] = i
	}
	s.cur.Store(&snapshot{records: records, byID: byID})
	s.version.Add(1)
}

// Insert adds rec at the front. It returns the ids evicted by the record
// cap, if any.
func (s *Store) Insert(rec record.Record) ([]string, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	if _, ok := cur.byID[rec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}

	n := len(cur.records) + 1
	var evicted []string
	if s.max > 0 && n > s.max {
		for _, r := range cur.records[s.max-1:] {
			evicted = append(evicted, r.ID)
		}
		n = s.max
	}
	next := make([]record.Record, 0, n)
	next = append(next, rec)
	next = append(next, cur.records[:n-1]...)
	s.publish(next)
	return evicted, nil
}

// List returns every record, newest first. The slice is a copy the caller
// may keep.
func (s *Store) List() []record.Record {
	cur := s.load()
	out := make([]record.Record, len(cur.records))
	copy(out, cur.records)
	return out
}

// Get returns the record with the given id.
func (s *Store) Get(id string) (record.Record, error) {
	cur := s.load()
	i, ok := cur.byID[id]
	if !ok {
		return record.Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cur.records[i], nil
}

// Contains reports whether a record with id is present.
func (s *Store) Contains(id string) bool {
	_, ok := s.load().byID[id]
	return ok
}

// Delete removes the record with the given id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	i, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make([]record.Record, 0, len(cur.records)-1)
	next = append(next, cur.records[:i]...)
	next = append(next, cur.records[i+1:]...)
	s.publish(next)
	return nil
}

// Clear removes every record and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.load().records)
	if n > 0 {
		s.publish(nil)
	}
	return n
}

// Replace swaps the whole content for records, which must already be in
// newest-first order. Invalid records and repeated ids are skipped; the
// number of records kept is returned.
func (s *Store) Replace(records []record.Record) int {
	kept, _ := s.replace(records)
	return kept
}

// replace is Replace that also reports how many records were invalid or
// repeated. Records beyond the size cap are neither kept nor invalid.
func (s *Store) replace(records []record.Record) (kept, invalid int) {
	out := make([]record.Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.Validate() != nil {
			invalid++
			continue
		}
		if _, dup := seen[r.ID]; dup {
			invalid++
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	if s.max > 0 && len(out) > s.max {
		out = out[:s.max]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(out)
	return len(out), invalid
}

// Len returns the number of records.
func (s *Store) Len() int { return len(s.load().records) }

// Version increases on every mutation. Equal versions mean List would
// return the same content.
func (s *Store) Version() uint64 { return s.version.Load() }

// SnapshotEquals reports whether a and b hold the same records, ignoring
// order. Records are matched by id and must agree on kind, payload and
// timestamp.
func SnapshotEquals(a, b []record.Record) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]record.Record, len(a))
	for _, r := range a {
		byID[r.ID] = r
	}
	if len(byID) != len(a) {
		return false
	}
	for _, r := range b {
		o, ok := byID[r.ID]
		if !ok || !o.Equal(r) {
			return false
		}
		delete(byID, r.ID)
	}
	return len(byID) == 0
}
