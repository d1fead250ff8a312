// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cowtree provides ordered maps with cheap copy-on-write views. The
// committed Tree is shared by all transactions. Every transaction works on
// its own View, a lazily copied snapshot of the tree taken when the
// transaction started. The view remembers what was read and written, so the
// commit can validate it against the modifications made in the meantime and
// replay its writes onto the tree.
//
// Neither Tree nor View is safe for concurrent use. Callers serialize
// Tree.View, Tree.Apply and the other tree mutations with a lock, a view is
// used by its transaction only.
package cowtree

import (
	"sort"

	"github.com/google/btree"

	"github.com/asch/cowstore/internal/store/types"
)

const (
	degree = 32

	// Modification records older than every open transaction are useless.
	// Pruning is done only when there are more of them than this.
	pruneThreshold = 4096
)

// Write is one change made by a view. Deleted writes remove the key.
type Write[K ~uint64, V any] struct {
	Key     K
	Val     V
	Deleted bool
}

type entry[K ~uint64, V any] struct {
	key K
	val V
}

type mod[K ~uint64] struct {
	key K
	seq types.JournalSeq
}

// Closed interval of keys.
type span[K ~uint64] struct {
	lo, hi K
}

func lessEntry[K ~uint64, V any](a, b entry[K, V]) bool {
	return a.key < b.key
}

func lessMod[K ~uint64](a, b mod[K]) bool {
	return a.key < b.key
}

// Tree is the committed version of an ordered map.
type Tree[K ~uint64, V any] struct {
	items *btree.BTreeG[entry[K, V]]

	// Sequence of the last modification of each key, including
	// deletions.
	mods *btree.BTreeG[mod[K]]

	seq types.JournalSeq
}

// New returns an empty tree.
func New[K ~uint64, V any]() *Tree[K, V] {
	return &Tree[K, V]{
		items: btree.NewG[entry[K, V]](degree, lessEntry[K, V]),
		mods:  btree.NewG[mod[K]](degree, lessMod[K]),
	}
}

// Seq returns the sequence of the last applied commit.
func (t *Tree[K, V]) Seq() types.JournalSeq {
	return t.seq
}

func (t *Tree[K, V]) Len() int {
	return t.items.Len()
}

func (t *Tree[K, V]) Get(key K) (V, bool) {
	e, ok := t.items.Get(entry[K, V]{key: key})
	return e.val, ok
}

// Ascend calls fn for all entries in ascending order until fn returns false.
func (t *Tree[K, V]) Ascend(fn func(K, V) bool) {
	t.items.Ascend(func(e entry[K, V]) bool {
		return fn(e.key, e.val)
	})
}

// Reset replaces the whole content of the tree. It is used when the tree is
// loaded from a checkpoint.
func (t *Tree[K, V]) Reset(writes []Write[K, V], seq types.JournalSeq) {
	t.items.Clear(false)
	t.mods.Clear(false)

	for _, w := range writes {
		if !w.Deleted {
			t.items.ReplaceOrInsert(entry[K, V]{w.Key, w.Val})
		}
	}

	t.seq = seq
}

// View returns a private snapshot of the tree for a transaction started at
// base. Weak views do not record reads.
func (t *Tree[K, V]) View(base types.JournalSeq, weak bool) *View[K, V] {
	return &View[K, V]{
		items:  t.items.Clone(),
		base:   base,
		record: !weak,
		points: make(map[K]struct{}),
		writes: make(map[K]Write[K, V]),
	}
}

// Validate checks whether the view can be applied on the current tree. Writes
// and guards are always checked, reads only under the serializable policy.
func (t *Tree[K, V]) Validate(v *View[K, V], policy types.ConflictPolicy) error {
	for k := range v.writes {
		if t.modifiedAfter(k, v.base) {
			return types.Conflict.New("key %#x written concurrently", uint64(k))
		}
	}

	for _, s := range v.guards {
		if t.spanModifiedAfter(s, v.base) {
			return types.Conflict.New("range %#x-%#x changed concurrently", uint64(s.lo), uint64(s.hi))
		}
	}

	if policy != types.Serializable || !v.record {
		return nil
	}

	for k := range v.points {
		if t.modifiedAfter(k, v.base) {
			return types.Conflict.New("key %#x read stale", uint64(k))
		}
	}

	for _, s := range v.ranges {
		if t.spanModifiedAfter(s, v.base) {
			return types.Conflict.New("range %#x-%#x read stale", uint64(s.lo), uint64(s.hi))
		}
	}

	return nil
}

// ModifiedSince reports whether a commit after base changed key.
func (t *Tree[K, V]) ModifiedSince(key K, base types.JournalSeq) bool {
	return t.modifiedAfter(key, base)
}

func (t *Tree[K, V]) modifiedAfter(key K, base types.JournalSeq) bool {
	m, ok := t.mods.Get(mod[K]{key: key})
	return ok && m.seq > base
}

func (t *Tree[K, V]) spanModifiedAfter(s span[K], base types.JournalSeq) bool {
	found := false
	t.mods.AscendGreaterOrEqual(mod[K]{key: s.lo}, func(m mod[K]) bool {
		if m.key > s.hi {
			return false
		}
		if m.seq > base {
			found = true
			return false
		}
		return true
	})

	return found
}

// Apply replays writes of a validated view onto the tree as the commit seq
// and returns the changed keys in ascending order.
func (t *Tree[K, V]) Apply(v *View[K, V], seq types.JournalSeq) []K {
	return t.ApplyWrites(v.Writes(), seq)
}

// ApplyWrites applies writes directly. Used by Apply and by the journal
// replay.
func (t *Tree[K, V]) ApplyWrites(writes []Write[K, V], seq types.JournalSeq) []K {
	keys := make([]K, 0, len(writes))

	for _, w := range writes {
		if w.Deleted {
			t.items.Delete(entry[K, V]{key: w.Key})
		} else {
			t.items.ReplaceOrInsert(entry[K, V]{w.Key, w.Val})
		}
		t.mods.ReplaceOrInsert(mod[K]{w.Key, seq})
		keys = append(keys, w.Key)
	}

	if seq > t.seq {
		t.seq = seq
	}

	return keys
}

// Touch records a modification of keys without changing their values. Views
// which read the keys before seq become stale.
func (t *Tree[K, V]) Touch(seq types.JournalSeq, keys ...K) {
	for _, k := range keys {
		t.mods.ReplaceOrInsert(mod[K]{k, seq})
	}

	if seq > t.seq {
		t.seq = seq
	}
}

// Prune forgets modification records not newer than floor. floor has to be
// lower or equal to the base of every open view.
func (t *Tree[K, V]) Prune(floor types.JournalSeq) int {
	if t.mods.Len() < pruneThreshold {
		return 0
	}

	var old []mod[K]
	t.mods.Ascend(func(m mod[K]) bool {
		if m.seq <= floor {
			old = append(old, m)
		}
		return true
	})

	for _, m := range old {
		t.mods.Delete(m)
	}

	return len(old)
}

// View is a transaction private copy of the tree.
type View[K ~uint64, V any] struct {
	items  *btree.BTreeG[entry[K, V]]
	base   types.JournalSeq
	record bool

	points map[K]struct{}
	ranges []span[K]
	guards []span[K]
	writes map[K]Write[K, V]
}

// Base returns the sequence the view was taken at.
func (v *View[K, V]) Base() types.JournalSeq {
	return v.base
}

func (v *View[K, V]) Len() int {
	return v.items.Len()
}

// Get returns the value at key and records the read.
func (v *View[K, V]) Get(key K) (V, bool) {
	v.notePoint(key)
	return v.Peek(key)
}

// Peek returns the value at key without recording the read.
func (v *View[K, V]) Peek(key K) (V, bool) {
	e, ok := v.items.Get(entry[K, V]{key: key})
	return e.val, ok
}

// Floor returns the entry with the highest key lower or equal to key. All
// keys between the found one and key are recorded as read.
func (v *View[K, V]) Floor(key K) (K, V, bool) {
	k, val, ok := v.PeekFloor(key)

	lo := K(0)
	if ok {
		lo = k
	}
	v.noteSpan(lo, key)

	return k, val, ok
}

// PeekFloor is Floor without recording the read.
func (v *View[K, V]) PeekFloor(key K) (K, V, bool) {
	var (
		found entry[K, V]
		ok    bool
	)

	v.items.DescendLessOrEqual(entry[K, V]{key: key}, func(e entry[K, V]) bool {
		found, ok = e, true
		return false
	})

	return found.key, found.val, ok
}

// Range calls fn for entries with keys in [lo, end) until fn returns false.
// The whole interval is recorded as read.
func (v *View[K, V]) Range(lo, end K, fn func(K, V) bool) {
	if end <= lo {
		return
	}

	v.noteSpan(lo, end-1)
	v.items.AscendRange(entry[K, V]{key: lo}, entry[K, V]{key: end}, func(e entry[K, V]) bool {
		return fn(e.key, e.val)
	})
}

// AscendFrom calls fn for entries with keys from lo on until fn returns
// false. Keys up to the last visited one are recorded as read.
func (v *View[K, V]) AscendFrom(lo K, fn func(K, V) bool) {
	hi := ^K(0)
	v.items.AscendGreaterOrEqual(entry[K, V]{key: lo}, func(e entry[K, V]) bool {
		if !fn(e.key, e.val) {
			hi = e.key
			return false
		}
		return true
	})

	v.noteSpan(lo, hi)
}

// Walk is AscendFrom without recording reads. Decisions based on it have to
// be protected by a Guard.
func (v *View[K, V]) Walk(lo K, fn func(K, V) bool) {
	v.items.AscendGreaterOrEqual(entry[K, V]{key: lo}, func(e entry[K, V]) bool {
		return fn(e.key, e.val)
	})
}

// Guard records an interval which has to stay untouched until the commit
// regardless of the conflict policy. It protects structural decisions like
// finding a free region.
func (v *View[K, V]) Guard(lo, hi K) {
	if v.record {
		v.guards = append(v.guards, span[K]{lo, hi})
	}
}

func (v *View[K, V]) Set(key K, val V) {
	v.items.ReplaceOrInsert(entry[K, V]{key, val})
	v.writes[key] = Write[K, V]{Key: key, Val: val}
}

func (v *View[K, V]) Delete(key K) {
	v.items.Delete(entry[K, V]{key: key})
	v.writes[key] = Write[K, V]{Key: key, Deleted: true}
}

// Dirty reports whether the view contains any write.
func (v *View[K, V]) Dirty() bool {
	return len(v.writes) > 0
}

// Writes returns writes of the view sorted by key.
func (v *View[K, V]) Writes() []Write[K, V] {
	writes := make([]Write[K, V], 0, len(v.writes))
	for _, w := range v.writes {
		writes = append(writes, w)
	}

	sort.Slice(writes, func(i, j int) bool {
		return writes[i].Key < writes[j].Key
	})

	return writes
}

func (v *View[K, V]) notePoint(key K) {
	if v.record {
		v.points[key] = struct{}{}
	}
}

func (v *View[K, V]) noteSpan(lo, hi K) {
	if v.record {
		v.ranges = append(v.ranges, span[K]{lo, hi})
	}
}
