// Package dedup keeps the bounded, ordered set of message identifiers the relay has already
// acted on. Conference message ids and gateway frame keys share one namespace.
//
// Membership checks and mutations are in-memory. Load and Save move the whole set to and
// from a kv.Store under a single namespace key as a JSON array, oldest first.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/onnwee/stream-relay/kv"
)

const (
	// DefaultKey is the kv key the set is persisted under.
	DefaultKey = "processed_message_ids"
	// DefaultCapacity is the soft cap Compact trims to.
	DefaultCapacity = 1000
)

// Store is an insertion-ordered id set. It is safe for concurrent use.
type Store struct {
	backing  kv.Store
	key      string
	capacity int

	saveMu sync.Mutex // serializes Save so an older snapshot never overwrites a newer one

	mu    sync.Mutex
	order []string
	index map[string]struct{}
	// version counts mutations; saved is the version last written to backing.
	version uint64
	saved   uint64
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the persistence key.
func WithKey(key string) Option { return func(s *Store) { s.key = key } }

// WithCapacity overrides the compaction cap. Values < 1 are ignored.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// New returns an empty Store persisted to backing. Call Load to restore saved ids.
func New(backing kv.Store, opts ...Option) *Store {
	s := &Store{
		backing:  backing,
		key:      DefaultKey,
		capacity: DefaultCapacity,
		index:    map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Contains reports whether id was added.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Add records id. Re-adding a known id keeps its original position.
func (s *Store) Add(id string) {
	s.mu.Lock()
	s.addLocked(id)
	s.mu.Unlock()
}

// AddAll records ids in order.
func (s *Store) AddAll(ids []string) {
	s.mu.Lock()
	for _, id := range ids {
		s.addLocked(id)
	}
	s.mu.Unlock()
}

// TryAdd records id and reports whether it was new. It lets a pipeline check and claim
// an id under one lock.
func (s *Store) TryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(id)
}

func (s *Store) addLocked(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	s.version++
	return true
}

// Compact trims the set to the most recently added capacity ids and returns how many were evicted.
func (s *Store) Compact() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	excess := len(s.order) - s.capacity
	if excess <= 0 {
		return 0
	}
	for _, id := range s.order[:excess] {
		delete(s.index, id)
	}
	kept := make([]string, s.capacity)
	copy(kept, s.order[excess:])
	s.order = kept
	s.version++
	return excess
}

// Len returns the number of ids held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Capacity returns the compaction cap.
func (s *Store) Capacity() int { return s.capacity }

// IDs returns a copy of the ids, oldest first.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Load merges the persisted set into memory. Persisted ids are placed ahead of ids added
// before Load so they are evicted first. A missing key is an empty set.
func (s *Store) Load(ctx context.Context) error {
	raw, ok, err := s.backing.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("load processed ids: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var stored []string
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return fmt.Errorf("decode processed ids: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.order
	s.order = make([]string, 0, len(stored)+len(current))
	s.index = make(map[string]struct{}, len(stored)+len(current))
	for _, id := range stored {
		s.addLocked(id)
	}
	for _, id := range current {
		s.addLocked(id)
	}
	s.version++
	if len(current) == 0 {
		s.saved = s.version
	}
	return nil
}

// Save writes the set to the backing store when it changed since the last Load or Save.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.version == s.saved {
		s.mu.Unlock()
		return nil
	}
	v := s.version
	raw, err := json.Marshal(s.order)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode processed ids: %w", err)
	}
	if err := s.backing.Set(ctx, s.key, string(raw)); err != nil {
		return fmt.Errorf("save processed ids: %w", err)
	}
	s.mu.Lock()
	s.saved = v
	s.mu.Unlock()
	return nil
}
