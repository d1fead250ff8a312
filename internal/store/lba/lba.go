// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package lba maintains the forward mapping from logical addresses to the
// physical extents holding them. Mappings are reference counted and never
// overlap. Every transaction works on its own view of the tree, commits
// replay the view onto the shared tree.
package lba

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/cowtree"
	"github.com/asch/cowstore/internal/store/pin"
	"github.com/asch/cowstore/internal/store/types"
)

// Error is the error class of this package.
var Error = errs.Class("lba")

type (
	Pin   = cache.LogicalPin
	Write = cowtree.Write[types.Laddr, types.LBAMapping]
)

// RefResult describes a mapping after its reference count changed. A zero
// Refcount means the mapping was removed and Paddr with Len can be freed.
type RefResult struct {
	Laddr    types.Laddr
	Refcount uint32
	Paddr    types.Paddr
	Len      uint64
}

// Interface for the forward mapping. Anything implementing it can be used by
// the transaction manager.
type Manager interface {
	// Checks that the mapping is empty in t.
	Mkfs(ctx context.Context, t *cache.Transaction) error

	// Returns the mapping covering laddr. Fails with NotFound.
	GetMapping(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (*Pin, error)

	// Returns all mappings overlapping [laddr, laddr+length).
	GetMappings(ctx context.Context, t *cache.Transaction, laddr types.Laddr, length uint64) ([]*Pin, error)

	// Maps length bytes at the first free region at or after hint to
	// paddr.
	AllocExtent(ctx context.Context, t *cache.Transaction, hint types.Laddr, length uint64, paddr types.Paddr) (*Pin, error)

	// Maps exactly [laddr, laddr+length) to paddr. Fails if the region is
	// not free.
	AllocExtentAt(ctx context.Context, t *cache.Transaction, laddr types.Laddr, length uint64, paddr types.Paddr) (*Pin, error)

	IncRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (RefResult, error)
	DecRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (RefResult, error)

	// Points the mapping at laddr from prev to next.
	UpdateMapping(ctx context.Context, t *cache.Transaction, laddr types.Laddr, prev, next types.Paddr) (*Pin, error)

	// Replaces temporary address of a fresh extent by the placed one.
	ResolvePaddr(t *cache.Transaction, temp, paddr types.Paddr)

	AddPin(p *Pin)
	RemovePin(p *Pin)

	// Attaches a pin to an extent loaded from the device.
	LinkExtentPin(e *cache.Extent, laddr types.Laddr, m types.LBAMapping)

	Validate(t *cache.Transaction) error
	CompleteTransaction(t *cache.Transaction, toClear, toLink []*cache.Extent)
	Writes(t *cache.Transaction) []Write

	// Calls fn for all mappings visible to t in ascending order.
	ScanMappings(ctx context.Context, t *cache.Transaction, fn func(types.Laddr, types.LBAMapping) bool) error

	Entries() []Write
	Load(entries []Write, seq types.JournalSeq)
	Replay(writes []Write, seq types.JournalSeq)
	Len() int
}

type txState struct {
	view *cowtree.View[types.Laddr, types.LBAMapping]

	// Logical addresses mapped to temporary physical addresses.
	temps map[types.Paddr][]types.Laddr
}

// BtreeManager keeps the mapping in an in-memory B-tree. The tree is
// persisted by checkpoints and journal records. Shared state is guarded by
// the cache lock.
type BtreeManager struct {
	c         *cache.Cache
	blockSize uint64

	tree *cowtree.Tree[types.Laddr, types.LBAMapping]
	pins *pin.Set[types.Laddr, types.LBAMapping]

	mu  sync.Mutex
	txs map[uint64]*txState

	mappings prometheus.Gauge
}

func NewBtreeManager(c *cache.Cache, reg prometheus.Registerer) *BtreeManager {
	m := &BtreeManager{
		c:         c,
		blockSize: c.BlockSize(),
		tree:      cowtree.New[types.Laddr, types.LBAMapping](),
		pins:      pin.NewSet[types.Laddr, types.LBAMapping](),
		txs:       make(map[uint64]*txState),
		mappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cowstore", Subsystem: "lba", Name: "mappings",
			Help: "Live logical mappings.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.mappings)
	}

	c.AddOpenHook(m.open)
	c.AddCloseHook(m.close)

	return m
}

func (m *BtreeManager) open(t *cache.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[t.ID()] = &txState{
		view:  m.tree.View(t.Base(), t.IsWeak()),
		temps: make(map[types.Paddr][]types.Laddr),
	}
}

func (m *BtreeManager) close(t *cache.Transaction, horizon types.JournalSeq) {
	m.mu.Lock()
	delete(m.txs, t.ID())
	m.mu.Unlock()

	m.pins.ReleaseOwner(t.ID())
	m.tree.Prune(horizon)
}

func (m *BtreeManager) state(t *cache.Transaction) *txState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.txs[t.ID()]
	types.Assertf(st != nil, "%s unknown to lba", t)

	return st
}

func end(laddr types.Laddr, length uint64) types.Laddr {
	return laddr + types.Laddr(length)
}

// Returns a pin of t. Pins of keys changed after the snapshot of t are born
// invalid, t cannot read through them.
func (m *BtreeManager) newPin(t *cache.Transaction, laddr types.Laddr, v types.LBAMapping) *Pin {
	p := pin.New(laddr, v, v.Len, t.ID())

	m.c.RLock()
	if m.tree.ModifiedSince(laddr, t.Base()) {
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

	if n := m.state(t).view.Len(); n != 0 {
		return Error.New("mkfs over %d mappings", n)
	}

	return nil
}

func (m *BtreeManager) GetMapping(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (*Pin, error) {
	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	key, v, ok := m.state(t).view.Floor(laddr)
	if !ok || end(key, v.Len) <= laddr {
		return nil, types.NotFound.New("no mapping at %s", laddr)
	}

	return m.newPin(t, key, v), nil
}

func (m *BtreeManager) GetMappings(ctx context.Context, t *cache.Transaction, laddr types.Laddr, length uint64) ([]*Pin, error) {
	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	st := m.state(t)

	var pins []*Pin
	if key, v, ok := st.view.Floor(laddr); ok && key < laddr && end(key, v.Len) > laddr {
		pins = append(pins, m.newPin(t, key, v))
	}

	st.view.Range(laddr, end(laddr, length), func(key types.Laddr, v types.LBAMapping) bool {
		pins = append(pins, m.newPin(t, key, v))
		return true
	})

	return pins, nil
}

func (m *BtreeManager) AllocExtent(ctx context.Context, t *cache.Transaction, hint types.Laddr,
	length uint64, paddr types.Paddr) (*Pin, error) {

	types.Assertf(types.Aligned(uint64(hint), m.blockSize), "%s not aligned to %d", hint, m.blockSize)
	types.Assertf(length > 0 && types.Aligned(length, m.blockSize), "mapping of %d bytes not aligned", length)

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	st := m.state(t)

	start := hint
	if key, v, ok := st.view.PeekFloor(hint); ok && end(key, v.Len) > start {
		start = end(key, v.Len)
	}

	st.view.Walk(start, func(key types.Laddr, v types.LBAMapping) bool {
		if key >= end(start, length) {
			return false
		}
		if e := end(key, v.Len); e > start {
			start = e
		}
		return true
	})

	if end(start, length) < start || end(start, length) >= types.LaddrNull {
		return nil, types.NoSpace.New("no free logical region of %d bytes after %s", length, hint)
	}

	// Other transactions allocating in the same region have to conflict
	// with this one whatever the policy is.
	st.view.Guard(hint, end(start, length)-1)

	return m.insert(t, st, start, length, paddr), nil
}

func (m *BtreeManager) AllocExtentAt(ctx context.Context, t *cache.Transaction, laddr types.Laddr,
	length uint64, paddr types.Paddr) (*Pin, error) {

	types.Assertf(types.Aligned(uint64(laddr), m.blockSize), "%s not aligned to %d", laddr, m.blockSize)
	types.Assertf(length > 0 && types.Aligned(length, m.blockSize), "mapping of %d bytes not aligned", length)

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	st := m.state(t)

	if key, v, ok := st.view.Floor(laddr); ok && end(key, v.Len) > laddr {
		return nil, Error.New("%s+%d overlaps mapping at %s", laddr, length, key)
	}

	busy := false
	st.view.Range(laddr, end(laddr, length), func(types.Laddr, types.LBAMapping) bool {
		busy = true
		return false
	})
	if busy {
		return nil, Error.New("%s+%d overlaps a mapping", laddr, length)
	}

	st.view.Guard(laddr, end(laddr, length)-1)

	return m.insert(t, st, laddr, length, paddr), nil
}

func (m *BtreeManager) insert(t *cache.Transaction, st *txState, laddr types.Laddr, length uint64, paddr types.Paddr) *Pin {
	v := types.LBAMapping{Paddr: paddr, Len: length, Refcount: 1}
	st.view.Set(laddr, v)

	if paddr.IsTemp() {
		st.temps[paddr] = append(st.temps[paddr], laddr)
	}

	log.Trace().Uint64("txn", t.ID()).Stringer("laddr", laddr).Stringer("paddr", paddr).
		Uint64("len", length).Msg("Mapping allocated.")

	return m.newPin(t, laddr, v)
}

func (m *BtreeManager) IncRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (RefResult, error) {
	return m.updateRef(ctx, t, laddr, 1)
}

func (m *BtreeManager) DecRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (RefResult, error) {
	return m.updateRef(ctx, t, laddr, -1)
}

func (m *BtreeManager) updateRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr, delta int) (RefResult, error) {
	if err := t.Check(ctx); err != nil {
		return RefResult{}, err
	}

	st := m.state(t)

	v, ok := st.view.Get(laddr)
	if !ok {
		return RefResult{}, types.NotFound.New("no mapping at %s", laddr)
	}

	types.Assertf(v.Refcount > 0, "mapping at %s with zero refcount", laddr)

	if delta > 0 {
		v.Refcount++
	} else {
		v.Refcount--
	}

	if v.Refcount == 0 {
		st.view.Delete(laddr)
	} else {
		st.view.Set(laddr, v)
	}

	return RefResult{Laddr: laddr, Refcount: v.Refcount, Paddr: v.Paddr, Len: v.Len}, nil
}

func (m *BtreeManager) UpdateMapping(ctx context.Context, t *cache.Transaction, laddr types.Laddr,
	prev, next types.Paddr) (*Pin, error) {

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	st := m.state(t)

	v, ok := st.view.Get(laddr)
	if !ok {
		return nil, types.NotFound.New("no mapping at %s", laddr)
	}
	if v.Paddr != prev {
		return nil, types.Conflict.New("mapping at %s points to %s, not %s", laddr, v.Paddr, prev)
	}

	v.Paddr = next
	st.view.Set(laddr, v)

	if next.IsTemp() {
		st.temps[next] = append(st.temps[next], laddr)
	}

	return m.newPin(t, laddr, v), nil
}

func (m *BtreeManager) ResolvePaddr(t *cache.Transaction, temp, paddr types.Paddr) {
	st := m.state(t)

	for _, laddr := range st.temps[temp] {
		if v, ok := st.view.Peek(laddr); ok && v.Paddr == temp {
			v.Paddr = paddr
			st.view.Set(laddr, v)
		}
	}

	delete(st.temps, temp)
}

func (m *BtreeManager) AddPin(p *Pin) {
	m.pins.Add(p)
}

func (m *BtreeManager) RemovePin(p *Pin) {
	m.pins.Remove(p)
}

// LinkExtentPin is called under the cache write lock.
func (m *BtreeManager) LinkExtentPin(e *cache.Extent, laddr types.Laddr, v types.LBAMapping) {
	p := pin.New(laddr, v, v.Len, pin.Linked)
	m.pins.Add(p)
	e.SetLogicalPin(p)
}

// Validate is called under the cache read lock.
func (m *BtreeManager) Validate(t *cache.Transaction) error {
	return m.tree.Validate(m.state(t).view, m.c.Policy())
}

// CompleteTransaction applies the view of t onto the tree. Pins at changed
// keys are renewed when they still describe the same extent and invalidated
// otherwise. Pins of retired extents are dropped, pins of fresh extents are
// linked. Called under the cache write lock.
func (m *BtreeManager) CompleteTransaction(t *cache.Transaction, toClear, toLink []*cache.Extent) {
	st := m.state(t)

	for _, key := range m.tree.Apply(st.view, t.Seq()) {
		m.refreshPins(t, key)
	}

	for _, e := range toClear {
		if p := e.LogicalPin(); p != nil {
			p.Invalidate()
			m.pins.Remove(p)
		}
	}

	for _, e := range toLink {
		p := e.LogicalPin()
		if p == nil {
			continue
		}

		if v, ok := m.tree.Get(p.Key()); ok {
			m.pins.Link(p, v, v.Len)
		}
	}

	m.mappings.Set(float64(m.tree.Len()))
}

func (m *BtreeManager) refreshPins(t *cache.Transaction, key types.Laddr) {
	v, ok := m.tree.Get(key)

	for _, p := range m.pins.At(key) {
		switch {
		case p.Owner() == t.ID():
		case p.Owner() == pin.Linked && ok && v.Paddr == p.Val().Paddr:
			m.pins.Renew(p, v, v.Len)
		default:
			p.Invalidate()
		}
	}
}

func (m *BtreeManager) Writes(t *cache.Transaction) []Write {
	return m.state(t).view.Writes()
}

func (m *BtreeManager) ScanMappings(ctx context.Context, t *cache.Transaction,
	fn func(types.Laddr, types.LBAMapping) bool) error {

	if err := t.Check(ctx); err != nil {
		return err
	}

	var err error
	m.state(t).view.AscendFrom(0, func(laddr types.Laddr, v types.LBAMapping) bool {
		if err = ctx.Err(); err != nil {
			err = types.Interrupted.Wrap(err)
			return false
		}
		return fn(laddr, v)
	})

	return err
}

// Entries returns the committed mappings. Called under the cache lock.
func (m *BtreeManager) Entries() []Write {
	entries := make([]Write, 0, m.tree.Len())
	m.tree.Ascend(func(laddr types.Laddr, v types.LBAMapping) bool {
		entries = append(entries, Write{Key: laddr, Val: v})
		return true
	})

	return entries
}

// Load replaces the tree by checkpointed entries. Only allowed without open
// transactions.
func (m *BtreeManager) Load(entries []Write, seq types.JournalSeq) {
	m.c.Lock()
	defer m.c.Unlock()

	m.tree.Reset(entries, seq)
	m.pins = pin.NewSet[types.Laddr, types.LBAMapping]()
	m.mappings.Set(float64(m.tree.Len()))
}

// Replay applies writes of a journal record.
func (m *BtreeManager) Replay(writes []Write, seq types.JournalSeq) {
	m.c.Lock()
	defer m.c.Unlock()

	m.tree.ApplyWrites(writes, seq)
	m.mappings.Set(float64(m.tree.Len()))
}

func (m *BtreeManager) Len() int {
	m.c.RLock()
	defer m.c.RUnlock()

	return m.tree.Len()
}
