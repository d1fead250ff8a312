// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package backref maintains the reverse mapping from physical extents to the
// logical addresses referencing them. New facts are not inserted into the
// tree right away. A commit appends them to the cached backref buffer under
// its sequence and the cleaner merges the buffer into the tree in batches.
// Queries see the union of both, the buffered entry winning.
package backref

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/cowtree"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/pin"
	"github.com/asch/cowstore/internal/store/types"
)

const degree = 32

// Error is the error class of this package.
var Error = errs.Class("backref")

type (
	Pin   = cache.BackrefPin
	Write = cowtree.Write[types.Paddr, types.BackrefMapping]

	// Entry is one cached backref. Laddr equal to LaddrNull records a
	// release of the physical range.
	Entry = journal.BackrefEntry
)

// Visitor is called by ScanMappedSpace for every live physical range. Depth
// is 0 for extents of the data and 1 for checkpointed tree nodes.
type Visitor func(paddr types.Paddr, length uint64, depth int, typ types.ExtentType)

// Interface for the reverse mapping. Anything implementing it can be used by
// the transaction manager and the cleaner.
type Manager interface {
	Mkfs(ctx context.Context, t *cache.Transaction) error

	// Stages a reverse entry which enters the buffer when t commits.
	NewMapping(ctx context.Context, t *cache.Transaction, paddr types.Paddr, length uint64,
		laddr types.Laddr, typ types.ExtentType) (*Pin, error)

	GetMapping(ctx context.Context, t *cache.Transaction, paddr types.Paddr) (*Pin, error)

	// Returns mappings starting in [start, end).
	GetMappings(ctx context.Context, t *cache.Transaction, start, end types.Paddr) ([]*Pin, error)

	// Removes the entry at paddr and returns it.
	RemoveMapping(ctx context.Context, t *cache.Transaction, paddr types.Paddr) (Entry, error)

	// Moves buffered groups committed not later than limit into the tree,
	// at most max entries but at least one group. Returns the sequence up
	// to which the buffer is empty.
	MergeCachedBackrefs(ctx context.Context, t *cache.Transaction, limit types.JournalSeq, maxEntries int) (types.JournalSeq, error)

	ScanMappedSpace(ctx context.Context, t *cache.Transaction, fn Visitor) error

	// Moves the entry of the extent at prev to the relocated extent e.
	RewriteExtent(ctx context.Context, t *cache.Transaction, prev types.Paddr, e *cache.Extent) (*Pin, error)

	// Reports whether the extent is still referenced.
	InitCachedExtent(ctx context.Context, t *cache.Transaction, e *cache.Extent) (bool, error)

	GetCachedBackrefsInRange(start, end types.Paddr) []Entry
	GetCachedBackrefExtentsInRange(start, end types.Paddr) []cache.Node
	GetCachedBackrefs() []Entry
	RetrieveBackrefExtents(ctx context.Context, t *cache.Transaction, nodes []cache.Node) ([]*cache.Extent, error)
	CacheNewBackrefExtent(paddr types.Paddr, length uint64, typ types.ExtentType)

	AddPin(p *Pin)
	RemovePin(p *Pin)

	ResolvePaddr(t *cache.Transaction, temp, paddr types.Paddr)
	Validate(t *cache.Transaction) error
	CompleteTransaction(t *cache.Transaction, toClear, toLink []*cache.Extent)

	// Content of the journal record of t.
	Staged(t *cache.Transaction) []Entry
	Writes(t *cache.Transaction) []Write
	Merged(t *cache.Transaction) ([]types.JournalSeq, types.JournalSeq)

	Entries() []Write
	AllocTail() types.JournalSeq
	Load(entries []Write, seq, allocTail types.JournalSeq)
	Replay(r *journal.Record, checkpoint, allocTail types.JournalSeq)
	TrimMerged() int
	Len() int
}

type txState struct {
	view *cowtree.View[types.Paddr, types.BackrefMapping]

	staged map[types.Paddr]Entry

	// Pins of staged entries at temporary addresses.
	temps map[types.Paddr]*Pin

	merged   []types.JournalSeq
	mergeSet map[types.JournalSeq]struct{}
	mergeLow types.JournalSeq
}

// BtreeManager keeps the reverse mapping in an in-memory B-tree fronted by
// the cached backref buffer. Shared state is guarded by the cache lock.
type BtreeManager struct {
	c *cache.Cache

	tree *cowtree.Tree[types.Paddr, types.BackrefMapping]
	buf  *buffer
	pins *pin.Set[types.Paddr, types.BackrefMapping]

	mu  sync.Mutex
	txs map[uint64]*txState

	metrics metrics
}

type metrics struct {
	buffered prometheus.Gauge
	mappings prometheus.Gauge
	merged   prometheus.Counter
}

func NewBtreeManager(c *cache.Cache, reg prometheus.Registerer) *BtreeManager {
	m := &BtreeManager{
		c:    c,
		tree: cowtree.New[types.Paddr, types.BackrefMapping](),
		buf:  newBuffer(),
		pins: pin.NewSet[types.Paddr, types.BackrefMapping](),
		txs:  make(map[uint64]*txState),
		metrics: metrics{
			buffered: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cowstore", Subsystem: "backref", Name: "buffered_entries",
				Help: "Cached backref entries not trimmed from the buffer.",
			}),
			mappings: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cowstore", Subsystem: "backref", Name: "tree_entries",
				Help: "Entries of the reverse tree.",
			}),
			merged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "backref", Name: "merged_entries_total",
				Help: "Cached backref entries merged into the tree.",
			}),
		},
	}

	if reg != nil {
		reg.MustRegister(m.metrics.buffered, m.metrics.mappings, m.metrics.merged)
	}

	c.AddOpenHook(m.open)
	c.AddCloseHook(m.close)

	return m
}

func (m *BtreeManager) open(t *cache.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[t.ID()] = &txState{
		view:     m.tree.View(t.Base(), t.IsWeak()),
		staged:   make(map[types.Paddr]Entry),
		temps:    make(map[types.Paddr]*Pin),
		mergeSet: make(map[types.JournalSeq]struct{}),
	}
}

func (m *BtreeManager) close(t *cache.Transaction, horizon types.JournalSeq) {
	m.mu.Lock()
	delete(m.txs, t.ID())
	m.mu.Unlock()

	m.pins.ReleaseOwner(t.ID())
	m.tree.Prune(horizon)

	if n := m.buf.trim(horizon); n > 0 {
		log.Trace().Int("entries", n).Uint64("horizon", uint64(horizon)).Msg("Backref buffer trimmed.")
		m.metrics.buffered.Set(float64(m.buf.entries))
	}
}

func (m *BtreeManager) state(t *cache.Transaction) *txState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.txs[t.ID()]
	types.Assertf(st != nil, "%s unknown to backref", t)

	return st
}

func mapping(e Entry) types.BackrefMapping {
	return types.BackrefMapping{Len: e.Len, Laddr: e.Laddr, Type: e.Type}
}

func released(e Entry) bool {
	return e.Laddr == types.LaddrNull
}

func (m *BtreeManager) newPin(t *cache.Transaction, paddr types.Paddr, v types.BackrefMapping) *Pin {
	p := pin.New(paddr, v, v.Len, t.ID())

	m.c.RLock()
	if m.tree.ModifiedSince(paddr, t.Base()) {
		p.Invalidate()
	}
	m.c.RUnlock()

	m.pins.Add(p)

	return p
}

func (m *BtreeManager) Mkfs(ctx context.Context, t *cache.Transaction) error {
	if err := t.Check(ctx); err != nil {
		return err
	}

	m.c.RLock()
	buffered := m.buf.entries
	m.c.RUnlock()

	if n := m.state(t).view.Len(); n != 0 || buffered != 0 {
		return Error.New("mkfs over %d mappings and %d buffered entries", n, buffered)
	}

	return nil
}

func (m *BtreeManager) NewMapping(ctx context.Context, t *cache.Transaction, paddr types.Paddr, length uint64,
	laddr types.Laddr, typ types.ExtentType) (*Pin, error) {

	types.Assertf(typ.IsBackrefMapped(), "backref of %s extent", typ)
	types.Assertf(!typ.IsLogical() || laddr != types.LaddrNull, "logical %s extent without laddr", typ)

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	st := m.state(t)

	if e, ok := st.staged[paddr]; ok {
		types.Assertf(released(e), "%s mapped twice in %s", paddr, t)
	}

	e := Entry{Paddr: paddr, Laddr: laddr, Len: length, Type: typ}
	st.staged[paddr] = e

	p := m.newPin(t, paddr, mapping(e))
	if paddr.IsTemp() {
		st.temps[paddr] = p
	}

	log.Trace().Uint64("txn", t.ID()).Stringer("paddr", paddr).Stringer("laddr", laddr).
		Stringer("type", typ).Msg("Backref staged.")

	return p, nil
}

// lookup resolves paddr for t: staged entries first, then the buffer, then
// the tree.
func (m *BtreeManager) lookup(t *cache.Transaction, st *txState, paddr types.Paddr) (types.BackrefMapping, bool) {
	treeVal, inTree := st.view.Get(paddr)

	if e, ok := st.staged[paddr]; ok {
		return mapping(e), !released(e)
	}

	m.c.RLock()
	e, buffered := m.buf.latest(paddr, t.Base())
	m.c.RUnlock()

	if buffered {
		return mapping(e), !released(e)
	}

	return treeVal, inTree
}

func (m *BtreeManager) GetMapping(ctx context.Context, t *cache.Transaction, paddr types.Paddr) (*Pin, error) {
	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	v, ok := m.lookup(t, m.state(t), paddr)
	if !ok {
		return nil, types.NotFound.New("no backref at %s", paddr)
	}

	return m.newPin(t, paddr, v), nil
}

// Returns the view of t on [start, end) ordered by paddr.
func (m *BtreeManager) collect(t *cache.Transaction, st *txState, start, end types.Paddr) []Entry {
	found := make(map[types.Paddr]Entry)

	st.view.Range(start, end, func(paddr types.Paddr, v types.BackrefMapping) bool {
		found[paddr] = Entry{Paddr: paddr, Laddr: v.Laddr, Len: v.Len, Type: v.Type}
		return true
	})

	m.c.RLock()
	buffered := m.buf.rangeVisible(start, end, t.Base())
	m.c.RUnlock()

	for _, e := range buffered {
		found[e.Paddr] = e
	}

	for paddr, e := range st.staged {
		if paddr >= start && paddr < end {
			found[paddr] = e
		}
	}

	out := make([]Entry, 0, len(found))
	for _, e := range found {
		if !released(e) {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Paddr < out[j].Paddr
	})

	return out
}

func (m *BtreeManager) GetMappings(ctx context.Context, t *cache.Transaction, start, end types.Paddr) ([]*Pin, error) {
	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	entries := m.collect(t, m.state(t), start, end)

	pins := make([]*Pin, 0, len(entries))
	for _, e := range entries {
		pins = append(pins, m.newPin(t, e.Paddr, mapping(e)))
	}

	return pins, nil
}

func (m *BtreeManager) RemoveMapping(ctx context.Context, t *cache.Transaction, paddr types.Paddr) (Entry, error) {
	if err := t.Check(ctx); err != nil {
		return Entry{}, err
	}

	st := m.state(t)

	if e, ok := st.staged[paddr]; ok {
		if released(e) {
			return Entry{}, types.NotFound.New("backref at %s already removed", paddr)
		}

		delete(st.staged, paddr)
		delete(st.temps, paddr)

		return e, nil
	}

	treeVal, inTree := st.view.Get(paddr)

	m.c.RLock()
	e, buffered := m.buf.latest(paddr, t.Base())
	m.c.RUnlock()

	switch {
	case buffered && released(e):
		return Entry{}, types.NotFound.New("no backref at %s", paddr)
	case buffered:
		st.staged[paddr] = Entry{Paddr: paddr, Laddr: types.LaddrNull, Len: e.Len, Type: e.Type}
		return e, nil
	case inTree:
		st.view.Delete(paddr)
		return Entry{Paddr: paddr, Laddr: treeVal.Laddr, Len: treeVal.Len, Type: treeVal.Type}, nil
	}

	return Entry{}, types.NotFound.New("no backref at %s", paddr)
}

func (m *BtreeManager) MergeCachedBackrefs(ctx context.Context, t *cache.Transaction, limit types.JournalSeq,
	maxEntries int) (types.JournalSeq, error) {

	types.Assertf(!t.IsWeak(), "%s is weak and cannot merge", t)

	if err := t.Check(ctx); err != nil {
		return types.SeqNull, err
	}

	st := m.state(t)

	if limit > t.Base() {
		limit = t.Base()
	}

	m.c.RLock()
	defer m.c.RUnlock()

	taken := 0
	for _, g := range m.buf.unmerged(limit) {
		if _, done := st.mergeSet[g.seq]; done {
			continue
		}
		if taken > 0 && taken+len(g.entries) > maxEntries {
			break
		}

		for _, e := range g.entries {
			if !released(e) {
				st.view.Set(e.Paddr, mapping(e))
			} else if _, ok := st.view.Peek(e.Paddr); ok {
				st.view.Delete(e.Paddr)
			}
		}

		st.merged = append(st.merged, g.seq)
		st.mergeSet[g.seq] = struct{}{}
		taken += len(g.entries)
	}

	low := t.Base()
	if seq, ok := m.buf.oldestUnmerged(st.mergeSet); ok && seq <= t.Base() {
		low = seq - 1
	}
	if low > st.mergeLow {
		st.mergeLow = low
	}

	log.Debug().Uint64("txn", t.ID()).Int("entries", taken).Int("groups", len(st.merged)).
		Uint64("low", uint64(low)).Msg("Cached backrefs merged.")

	if m.buf.low > low {
		return m.buf.low, nil
	}

	return low, nil
}

func (m *BtreeManager) ScanMappedSpace(ctx context.Context, t *cache.Transaction, fn Visitor) error {
	if err := t.Check(ctx); err != nil {
		return err
	}

	for _, e := range m.collect(t, m.state(t), 0, types.PaddrRoot) {
		if err := ctx.Err(); err != nil {
			return types.Interrupted.Wrap(err)
		}
		if e.Paddr.IsReal() {
			fn(e.Paddr, e.Len, 0, e.Type)
		}
	}

	m.c.RLock()
	nodes := m.c.Nodes()
	m.c.RUnlock()

	for _, n := range nodes {
		fn(n.Paddr, n.Len, 1, n.Type)
	}

	return nil
}

func (m *BtreeManager) RewriteExtent(ctx context.Context, t *cache.Transaction, prev types.Paddr,
	e *cache.Extent) (*Pin, error) {

	old, err := m.RemoveMapping(ctx, t, prev)
	if err != nil {
		return nil, err
	}

	types.Assertf(old.Len == e.Len(), "rewriting %s+%d as %s", prev, old.Len, e)

	if s, ok := m.state(t).staged[e.Paddr()]; ok && !released(s) {
		return m.newPin(t, e.Paddr(), mapping(s)), nil
	}

	return m.NewMapping(ctx, t, e.Paddr(), e.Len(), old.Laddr, old.Type)
}

func (m *BtreeManager) InitCachedExtent(ctx context.Context, t *cache.Transaction, e *cache.Extent) (bool, error) {
	if err := t.Check(ctx); err != nil {
		return false, err
	}

	switch {
	case e.Type().IsNode():
		m.c.RLock()
		defer m.c.RUnlock()

		for _, n := range m.c.Nodes() {
			if n.Paddr == e.Paddr() {
				return true, nil
			}
		}
		return false, nil

	case !e.Type().IsBackrefMapped():
		return true, nil
	}

	v, ok := m.lookup(t, m.state(t), e.Paddr())
	if !ok || v.Len != e.Len() {
		return false, nil
	}

	return !e.Type().IsLogical() || v.Laddr == e.Laddr() || e.Laddr() == types.LaddrNull, nil
}

// GetCachedBackrefsInRange returns unmerged buffered entries starting in
// [start, end). The newest entry of every address is returned, releases
// included.
func (m *BtreeManager) GetCachedBackrefsInRange(start, end types.Paddr) []Entry {
	m.c.RLock()
	defer m.c.RUnlock()

	return m.buf.rangeVisible(start, end, types.SeqMax-1)
}

// GetCachedBackrefExtentsInRange returns tree nodes placed in [start, end).
func (m *BtreeManager) GetCachedBackrefExtentsInRange(start, end types.Paddr) []cache.Node {
	m.c.RLock()
	defer m.c.RUnlock()

	var out []cache.Node
	for _, n := range m.c.Nodes() {
		if n.Paddr >= start && n.Paddr < end {
			out = append(out, n)
		}
	}

	return out
}

// GetCachedBackrefs returns all unmerged entries in commit order.
func (m *BtreeManager) GetCachedBackrefs() []Entry {
	m.c.RLock()
	defer m.c.RUnlock()

	return m.buf.all()
}

func (m *BtreeManager) RetrieveBackrefExtents(ctx context.Context, t *cache.Transaction,
	nodes []cache.Node) ([]*cache.Extent, error) {

	exts := make([]*cache.Extent, 0, len(nodes))
	for _, n := range nodes {
		e, err := m.c.GetExtent(ctx, t, n.Type, n.Paddr, n.Len, nil)
		if err != nil {
			return nil, err
		}
		exts = append(exts, e)
	}

	return exts, nil
}

func (m *BtreeManager) CacheNewBackrefExtent(paddr types.Paddr, length uint64, typ types.ExtentType) {
	types.Assertf(typ.IsNode(), "%s is not a tree node", typ)
	m.c.AddNode(cache.Node{Type: typ, Paddr: paddr, Len: length})
}

func (m *BtreeManager) AddPin(p *Pin) {
	m.pins.Add(p)
}

func (m *BtreeManager) RemovePin(p *Pin) {
	m.pins.Remove(p)
}

func (m *BtreeManager) ResolvePaddr(t *cache.Transaction, temp, paddr types.Paddr) {
	st := m.state(t)

	e, ok := st.staged[temp]
	if !ok {
		return
	}

	delete(st.staged, temp)
	e.Paddr = paddr
	st.staged[paddr] = e

	if p := st.temps[temp]; p != nil {
		m.pins.Rekey(p, paddr)
		delete(st.temps, temp)
	}
}

// Validate is called under the cache read lock.
func (m *BtreeManager) Validate(t *cache.Transaction) error {
	st := m.state(t)

	if err := m.tree.Validate(st.view, m.c.Policy()); err != nil {
		return err
	}

	for paddr := range st.staged {
		if paddr.IsReal() && m.tree.ModifiedSince(paddr, t.Base()) {
			return types.Conflict.New("backref at %s changed concurrently", paddr)
		}
	}

	for _, seq := range st.merged {
		if g := m.buf.group(seq); g == nil || g.mergedAt != types.SeqNull {
			return types.Conflict.New("backref group %d merged concurrently", seq)
		}
	}

	return nil
}

// CompleteTransaction applies the merged groups and the tree changes of t,
// appends its staged entries to the buffer and relinks pins. Called under the
// cache write lock.
func (m *BtreeManager) CompleteTransaction(t *cache.Transaction, toClear, toLink []*cache.Extent) {
	st := m.state(t)
	seq := t.Seq()

	keys := m.tree.Apply(st.view, seq)

	for _, gs := range st.merged {
		if g := m.buf.group(gs); g != nil {
			m.metrics.merged.Add(float64(len(g.entries)))
		}
	}
	m.buf.markMerged(st.merged, seq)
	if st.mergeLow > m.buf.low {
		m.buf.low = st.mergeLow
	}

	staged := m.Staged(t)
	for _, e := range staged {
		types.Assertf(e.Paddr.IsReal(), "backref at %s committed unresolved", e.Paddr)
		keys = append(keys, e.Paddr)
	}
	m.buf.append(seq, staged)
	m.tree.Touch(seq, keysOf(staged)...)

	for _, key := range keys {
		m.refreshPins(t, key)
	}

	for _, e := range toClear {
		if p := e.BackrefPin(); p != nil {
			p.Invalidate()
			m.pins.Remove(p)
		}
	}

	for _, e := range toLink {
		if p := e.BackrefPin(); p != nil && p.Owner() == t.ID() {
			m.pins.Link(p, p.Val(), p.Len())
		}
	}

	m.metrics.buffered.Set(float64(m.buf.entries))
	m.metrics.mappings.Set(float64(m.tree.Len()))
}

func keysOf(entries []Entry) []types.Paddr {
	keys := make([]types.Paddr, len(entries))
	for i, e := range entries {
		keys[i] = e.Paddr
	}

	return keys
}

// Pins at a changed address stay valid only when linked to an extent which
// is still mapped to the same logical address.
func (m *BtreeManager) refreshPins(t *cache.Transaction, paddr types.Paddr) {
	v, ok := m.committed(paddr, t.Seq())

	for _, p := range m.pins.At(paddr) {
		switch {
		case p.Owner() == t.ID():
		case p.Owner() == pin.Linked && ok && v.Laddr == p.Val().Laddr:
			m.pins.Renew(p, v, v.Len)
		default:
			p.Invalidate()
		}
	}
}

// Returns the committed mapping at paddr as of seq. Called under the cache
// lock.
func (m *BtreeManager) committed(paddr types.Paddr, seq types.JournalSeq) (types.BackrefMapping, bool) {
	if e, ok := m.buf.latest(paddr, seq); ok {
		return mapping(e), !released(e)
	}

	return m.tree.Get(paddr)
}

// Staged returns entries staged by t ordered by paddr.
func (m *BtreeManager) Staged(t *cache.Transaction) []Entry {
	st := m.state(t)

	entries := make([]Entry, 0, len(st.staged))
	for _, e := range st.staged {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Paddr < entries[j].Paddr
	})

	return entries
}

func (m *BtreeManager) Writes(t *cache.Transaction) []Write {
	return m.state(t).view.Writes()
}

// Merged returns groups merged by t and the low-water mark it computed.
func (m *BtreeManager) Merged(t *cache.Transaction) ([]types.JournalSeq, types.JournalSeq) {
	st := m.state(t)
	return append([]types.JournalSeq(nil), st.merged...), st.mergeLow
}

// Entries returns the committed tree. Called under the cache lock.
func (m *BtreeManager) Entries() []Write {
	entries := make([]Write, 0, m.tree.Len())
	m.tree.Ascend(func(paddr types.Paddr, v types.BackrefMapping) bool {
		entries = append(entries, Write{Key: paddr, Val: v})
		return true
	})

	return entries
}

// AllocTail returns the sequence up to which all buffered entries are in the
// tree. Called under the cache lock.
func (m *BtreeManager) AllocTail() types.JournalSeq {
	return m.buf.low
}

// Load replaces the tree by checkpointed entries and empties the buffer. Only
// allowed without open transactions.
func (m *BtreeManager) Load(entries []Write, seq, allocTail types.JournalSeq) {
	m.c.Lock()
	defer m.c.Unlock()

	m.tree.Reset(entries, seq)
	m.buf.reset()
	m.buf.low = allocTail
	m.pins = pin.NewSet[types.Paddr, types.BackrefMapping]()

	m.metrics.buffered.Set(0)
	m.metrics.mappings.Set(float64(m.tree.Len()))
}

// Replay applies a journal record found after the checkpoint taken at
// checkpoint. Buffer content is rebuilt from records after allocTail, the
// tree from records after the checkpoint.
func (m *BtreeManager) Replay(r *journal.Record, checkpoint, allocTail types.JournalSeq) {
	m.c.Lock()
	defer m.c.Unlock()

	if r.Seq > allocTail {
		if len(r.Backrefs) > 0 && m.buf.group(r.Seq) == nil {
			m.buf.append(r.Seq, append([]Entry(nil), r.Backrefs...))
		}
		m.buf.markMerged(r.Merged, r.Seq)
	}

	if r.Seq > checkpoint {
		m.tree.ApplyWrites(r.Backref, r.Seq)
		if r.MergeLow > m.buf.low {
			m.buf.low = r.MergeLow
		}
	}

	m.metrics.buffered.Set(float64(m.buf.entries))
	m.metrics.mappings.Set(float64(m.tree.Len()))
}

// TrimMerged drops all merged groups. Only allowed without open
// transactions.
func (m *BtreeManager) TrimMerged() int {
	m.c.Lock()
	defer m.c.Unlock()

	n := m.buf.trim(types.SeqMax)
	m.metrics.buffered.Set(float64(m.buf.entries))

	return n
}

func (m *BtreeManager) Len() int {
	m.c.RLock()
	defer m.c.RUnlock()

	return m.tree.Len()
}
