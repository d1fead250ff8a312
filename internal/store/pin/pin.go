// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package pin implements weak handles to entries of the mapping trees. A pin
// is issued and mutated only by the manager owning the tree. Extents and
// callers merely reference it. When a commit changes the entry, the manager
// invalidates all pins at its key and the holders have to look it up again.
package pin

import (
	"sync"
	"sync/atomic"
)

// Owner of pins which are linked to committed extents rather than to an open
// transaction.
const Linked uint64 = 0

// Pin binds key to val of length len.
type Pin[K ~uint64, V any] struct {
	key    K
	val    V
	length uint64
	owner  uint64
	valid  atomic.Bool
}

// New returns valid pin owned by owner.
func New[K ~uint64, V any](key K, val V, length uint64, owner uint64) *Pin[K, V] {
	p := &Pin[K, V]{key: key, val: val, length: length, owner: owner}
	p.valid.Store(true)

	return p
}

func (p *Pin[K, V]) Key() K {
	return p.key
}

func (p *Pin[K, V]) Val() V {
	return p.val
}

func (p *Pin[K, V]) Len() uint64 {
	return p.length
}

// End returns the first key after the pinned range.
func (p *Pin[K, V]) End() K {
	return p.key + K(p.length)
}

func (p *Pin[K, V]) Owner() uint64 {
	return p.owner
}

// Valid reports whether the mapping the pin was created from is still
// current.
func (p *Pin[K, V]) Valid() bool {
	return p.valid.Load()
}

func (p *Pin[K, V]) Invalidate() {
	p.valid.Store(false)
}

// Set is an index of live pins by key and by owning transaction.
type Set[K ~uint64, V any] struct {
	mu      sync.Mutex
	byKey   map[K]map[*Pin[K, V]]struct{}
	byOwner map[uint64]map[*Pin[K, V]]struct{}
}

func NewSet[K ~uint64, V any]() *Set[K, V] {
	return &Set[K, V]{
		byKey:   make(map[K]map[*Pin[K, V]]struct{}),
		byOwner: make(map[uint64]map[*Pin[K, V]]struct{}),
	}
}

func (s *Set[K, V]) Add(p *Pin[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.add(p)
}

func (s *Set[K, V]) add(p *Pin[K, V]) {
	if s.byKey[p.key] == nil {
		s.byKey[p.key] = make(map[*Pin[K, V]]struct{})
	}
	s.byKey[p.key][p] = struct{}{}

	if s.byOwner[p.owner] == nil {
		s.byOwner[p.owner] = make(map[*Pin[K, V]]struct{})
	}
	s.byOwner[p.owner][p] = struct{}{}
}

func (s *Set[K, V]) Remove(p *Pin[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(p)
}

func (s *Set[K, V]) remove(p *Pin[K, V]) {
	if m := s.byKey[p.key]; m != nil {
		delete(m, p)
		if len(m) == 0 {
			delete(s.byKey, p.key)
		}
	}

	if m := s.byOwner[p.owner]; m != nil {
		delete(m, p)
		if len(m) == 0 {
			delete(s.byOwner, p.owner)
		}
	}
}

// Renew rebinds a pin to a new value and makes it valid again. Only pins
// linked to cached extents are renewed, pins of transactions are replaced.
func (s *Set[K, V]) Renew(p *Pin[K, V], val V, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.val = val
	p.length = length
	p.valid.Store(true)
}

// Link moves a pin of a committed transaction under the Linked owner. It is
// then kept as long as the extent referencing it.
func (s *Set[K, V]) Link(p *Pin[K, V], val V, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(p)
	p.owner = Linked
	p.val = val
	p.length = length
	s.add(p)
}

// Rekey moves a pin of a pending mapping to the final key once the mapping
// was placed.
func (s *Set[K, V]) Rekey(p *Pin[K, V], key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(p)
	p.key = key
	s.add(p)
}

// Invalidate invalidates all pins at key except those owned by except and
// returns their count.
func (s *Set[K, V]) Invalidate(key K, except uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for p := range s.byKey[key] {
		if p.owner != except || except == Linked {
			p.Invalidate()
			n++
		}
	}

	return n
}

// ReleaseOwner removes all pins of a closed transaction.
func (s *Set[K, V]) ReleaseOwner(owner uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pins := s.byOwner[owner]
	n := len(pins)
	for p := range pins {
		s.remove(p)
	}

	return n
}

// At returns all pins at key.
func (s *Set[K, V]) At(key K) []*Pin[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	pins := make([]*Pin[K, V], 0, len(s.byKey[key]))
	for p := range s.byKey[key] {
		pins = append(pins, p)
	}

	return pins
}

// Count returns number of pins at key.
func (s *Set[K, V]) Count(key K) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byKey[key])
}

func (s *Set[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.byKey {
		n += len(m)
	}

	return n
}
