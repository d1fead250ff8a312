// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backref

import (
	"math"

	"github.com/google/btree"

	"github.com/asch/cowstore/internal/store/types"
)

// Entries committed by one transaction. A group leaves the buffer as a whole.
type group struct {
	seq     types.JournalSeq
	entries []Entry

	// Commit which moved the group into the tree, SeqNull while buffered.
	mergedAt types.JournalSeq
}

// visible reports whether a snapshot at base reads the group from the buffer.
// Snapshots taken after the merge find the entries in the tree.
func (g *group) visible(base types.JournalSeq) bool {
	return g.seq <= base && (g.mergedAt == types.SeqNull || g.mergedAt > base)
}

// Position of one entry, ordered by physical address and then by commit.
type slot struct {
	paddr types.Paddr
	seq   types.JournalSeq
	idx   int
}

func lessGroup(a, b *group) bool {
	return a.seq < b.seq
}

func lessSlot(a, b slot) bool {
	if a.paddr != b.paddr {
		return a.paddr < b.paddr
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}

	return a.idx < b.idx
}

// buffer of cached backref entries. Guarded by the cache lock.
type buffer struct {
	groups *btree.BTreeG[*group]
	slots  *btree.BTreeG[slot]

	// All groups up to low are merged.
	low types.JournalSeq

	entries int
}

func newBuffer() *buffer {
	return &buffer{
		groups: btree.NewG[*group](degree, lessGroup),
		slots:  btree.NewG[slot](degree, lessSlot),
	}
}

func (b *buffer) append(seq types.JournalSeq, entries []Entry) {
	if len(entries) == 0 {
		return
	}

	g := &group{seq: seq, entries: entries}
	_, dup := b.groups.ReplaceOrInsert(g)
	types.Assertf(!dup, "backref group %d appended twice", seq)

	for i, e := range entries {
		b.slots.ReplaceOrInsert(slot{e.Paddr, seq, i})
	}

	b.entries += len(entries)
}

func (b *buffer) group(seq types.JournalSeq) *group {
	g, _ := b.groups.Get(&group{seq: seq})
	return g
}

// latest returns the newest entry at paddr visible at base.
func (b *buffer) latest(paddr types.Paddr, base types.JournalSeq) (Entry, bool) {
	var (
		found Entry
		ok    bool
	)

	b.slots.DescendLessOrEqual(slot{paddr, types.SeqMax, math.MaxInt}, func(s slot) bool {
		if s.paddr != paddr {
			return false
		}

		if g := b.group(s.seq); g != nil && g.visible(base) {
			found, ok = g.entries[s.idx], true
			return false
		}

		return true
	})

	return found, ok
}

// rangeVisible returns the newest visible entry of every address in
// [start, end) in ascending order. Releases are included.
func (b *buffer) rangeVisible(start, end types.Paddr, base types.JournalSeq) []Entry {
	var (
		out  []Entry
		last = types.PaddrNull
	)

	b.slots.AscendRange(slot{paddr: start}, slot{paddr: end}, func(s slot) bool {
		g := b.group(s.seq)
		if g == nil || !g.visible(base) {
			return true
		}

		e := g.entries[s.idx]
		if s.paddr == last {
			out[len(out)-1] = e
		} else {
			out = append(out, e)
			last = s.paddr
		}

		return true
	})

	return out
}

// unmerged returns groups not merged yet with seq up to limit, oldest first.
func (b *buffer) unmerged(limit types.JournalSeq) []*group {
	var out []*group
	b.groups.Ascend(func(g *group) bool {
		if g.seq > limit {
			return false
		}
		if g.mergedAt == types.SeqNull {
			out = append(out, g)
		}
		return true
	})

	return out
}

// oldestUnmerged returns the first group not merged and not in skip.
func (b *buffer) oldestUnmerged(skip map[types.JournalSeq]struct{}) (types.JournalSeq, bool) {
	var (
		seq types.JournalSeq
		ok  bool
	)

	b.groups.Ascend(func(g *group) bool {
		if _, skipped := skip[g.seq]; g.mergedAt == types.SeqNull && !skipped {
			seq, ok = g.seq, true
			return false
		}
		return true
	})

	return seq, ok
}

func (b *buffer) markMerged(seqs []types.JournalSeq, at types.JournalSeq) {
	for _, seq := range seqs {
		if g := b.group(seq); g != nil && g.mergedAt == types.SeqNull {
			g.mergedAt = at
		}
	}
}

// trim drops merged groups nobody reads from the buffer anymore.
func (b *buffer) trim(horizon types.JournalSeq) int {
	var dead []*group
	b.groups.Ascend(func(g *group) bool {
		if g.mergedAt != types.SeqNull && g.mergedAt <= horizon {
			dead = append(dead, g)
		}
		return true
	})

	n := 0
	for _, g := range dead {
		for i, e := range g.entries {
			b.slots.Delete(slot{e.Paddr, g.seq, i})
		}
		b.groups.Delete(g)
		b.entries -= len(g.entries)
		n += len(g.entries)
	}

	return n
}

// all returns entries of all unmerged groups in commit order.
func (b *buffer) all() []Entry {
	var out []Entry
	b.groups.Ascend(func(g *group) bool {
		if g.mergedAt == types.SeqNull {
			out = append(out, g.entries...)
		}
		return true
	})

	return out
}

func (b *buffer) reset() {
	b.groups.Clear(false)
	b.slots.Clear(false)
	b.low = types.SeqNull
	b.entries = 0
}
