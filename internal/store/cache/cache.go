// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cache owns all in-memory extents. Committed extents are shared and
// read-only. Every physical address has a chain of committed versions, so a
// transaction always sees the extents as of the sequence it started at. Writes
// are done on transaction private copies which replace the committed versions
// only when the transaction commits.
//
// Shared state is guarded by one RWMutex. The commit path takes the write
// lock for the whole apply step, readers validating their state take the read
// lock and so wait behind an in-flight commit.
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/types"
)

const degree = 32

// Options to use in New() function due to high number of parameters.
type Options struct {
	// Maximum number of clean extents kept for reuse.
	LRUEntries int

	Policy types.ConflictPolicy
}

// Node is a tree node written by a checkpoint.
type Node struct {
	Type  types.ExtentType
	Paddr types.Paddr
	Len   uint64
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Extents    int
	LRU        int
	Dirty      int
	DirtyBytes uint64
	Open       int
	Seq        types.JournalSeq
}

type (
	OpenHook  func(t *Transaction)
	CloseHook func(t *Transaction, horizon types.JournalSeq)
)

// Cache of extents.
type Cache struct {
	mu sync.RWMutex

	dev    device.Device
	policy types.ConflictPolicy

	index map[types.Paddr]*chain
	dirty *btree.BTreeG[*Extent]
	nodes []Node

	// Superseded versions in commit order. They are dropped once no open
	// transaction can see them.
	superseded []*Extent

	// Recently used clean extents. Guarded by lruMu since reads touch it
	// under the read lock.
	lruMu sync.Mutex
	lru   *lru.Cache

	seq  types.JournalSeq
	open map[uint64]*Transaction

	nextID   atomic.Uint64
	nextTemp atomic.Uint64

	openHooks  []OpenHook
	closeHooks []CloseHook

	metrics metrics
}

type metrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	commits    *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	dirtyBytes prometheus.Gauge
	extents    prometheus.Gauge
}

func lessDirty(a, b *Extent) bool {
	if a.dirtyFrom != b.dirtyFrom {
		return a.dirtyFrom < b.dirtyFrom
	}

	return a.paddr < b.paddr
}

func New(dev device.Device, o Options, reg prometheus.Registerer) *Cache {
	c := &Cache{
		dev:    dev,
		policy: o.Policy,
		index:  make(map[types.Paddr]*chain),
		dirty:  btree.NewG[*Extent](degree, lessDirty),
		lru:    lru.New(o.LRUEntries),
		open:   make(map[uint64]*Transaction),
		metrics: metrics{
			hits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cache", Name: "hits_total",
				Help: "Extent lookups served from memory.",
			}),
			misses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cache", Name: "misses_total",
				Help: "Extent lookups read from the device.",
			}),
			commits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cache", Name: "commits_total",
				Help: "Committed transactions by source.",
			}, []string{"src"}),
			conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cache", Name: "conflicts_total",
				Help: "Transactions failed on conflict by source.",
			}, []string{"src"}),
			dirtyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cowstore", Subsystem: "cache", Name: "dirty_bytes",
				Help: "Bytes of extents newer than the device content.",
			}),
			extents: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cowstore", Subsystem: "cache", Name: "extents",
				Help: "Physical addresses with cached versions.",
			}),
		},
	}

	c.lru.OnEvicted = c.evicted

	if reg != nil {
		reg.MustRegister(c.metrics.hits, c.metrics.misses, c.metrics.commits,
			c.metrics.conflicts, c.metrics.dirtyBytes, c.metrics.extents)
	}

	return c
}

// Lock serializes the commit apply step with all readers of shared state.
func (c *Cache) Lock() {
	c.mu.Lock()
}

func (c *Cache) Unlock() {
	c.mu.Unlock()
}

func (c *Cache) RLock() {
	c.mu.RLock()
}

func (c *Cache) RUnlock() {
	c.mu.RUnlock()
}

func (c *Cache) Policy() types.ConflictPolicy {
	return c.policy
}

func (c *Cache) BlockSize() uint64 {
	return c.dev.BlockSize()
}

// AddOpenHook registers fn to be called under the write lock whenever a
// transaction takes its snapshot.
func (c *Cache) AddOpenHook(fn OpenHook) {
	c.openHooks = append(c.openHooks, fn)
}

// AddCloseHook registers fn to be called under the write lock whenever a
// transaction releases its snapshot. horizon is the oldest base still in use.
func (c *Cache) AddCloseHook(fn CloseHook) {
	c.closeHooks = append(c.closeHooks, fn)
}

// Seq returns the sequence of the last commit applied to the cache.
func (c *Cache) Seq() types.JournalSeq {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.seq
}

// SeqLocked is Seq for callers holding the lock.
func (c *Cache) SeqLocked() types.JournalSeq {
	return c.seq
}

// SetSeq is used by mount after the state was replayed.
func (c *Cache) SetSeq(seq types.JournalSeq) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq = seq
}

// CreateTransaction returns a new open transaction with a snapshot of the
// current state. Weak transactions are read-only and never record reads.
func (c *Cache) CreateTransaction(src types.Source, name string, weak bool) *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := newTransaction(c.nextID.Add(1), src, name, weak, c.seq)
	c.open[t.id] = t

	for _, fn := range c.openHooks {
		fn(t)
	}

	log.Trace().Uint64("txn", t.id).Stringer("src", src).Str("name", name).
		Uint64("base", uint64(t.base)).Msg("Transaction created.")

	return t
}

// ResetTransaction discards everything t did and takes a fresh snapshot. The
// handle stays the same.
func (c *Cache) ResetTransaction(t *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.release(t)
	horizon := c.oldestBase(t)
	for _, fn := range c.closeHooks {
		fn(t, horizon)
	}

	t.reset(c.seq)
	for _, fn := range c.openHooks {
		fn(t)
	}
}

// DropTransaction aborts t. All pending extents are discarded.
func (c *Cache) DropTransaction(t *Transaction) {
	if t.state == TxOpen || t.state == TxSubmitting {
		t.state = TxAborted
	}

	c.FinishTransaction(t)
}

// FinishTransaction releases the snapshot of a committed, conflicted or
// aborted transaction. Finishing a transaction twice is harmless.
func (c *Cache) FinishTransaction(t *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.open[t.id]; !ok {
		return
	}

	c.release(t)
	delete(c.open, t.id)

	horizon := c.oldestBase(nil)
	c.prune(horizon)

	for _, fn := range c.closeHooks {
		fn(t, horizon)
	}

	log.Trace().Uint64("txn", t.id).Stringer("state", t.state).Msg("Transaction finished.")
}

// Undoes the effects of t on shared state. Called with the write lock held.
func (c *Cache) release(t *Transaction) {
	for _, e := range t.fresh {
		if e.IsPending() {
			e.state = Invalid
		}
	}
	for _, m := range t.mutated {
		if m.IsPending() {
			m.state = Invalid
		}
		// Published versions have no prior.
		if m.prior != nil {
			delete(m.prior.writers, t)
		}
	}
	for _, e := range t.retired {
		delete(e.writers, t)
	}
	if t.root != nil {
		if t.root.IsPending() {
			t.root.state = Invalid
		}
		if t.root.prior != nil {
			delete(t.root.prior.writers, t)
		}
	}

	for e := range t.reads {
		if e.readers.Add(-1) == 0 {
			c.maybeLRU(e)
		}
	}
	t.reads = make(map[*Extent]struct{})
}

// OldestBase returns the oldest snapshot in use. Versions superseded not
// later than it are invisible to everybody.
func (c *Cache) OldestBase() types.JournalSeq {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.oldestBase(nil)
}

func (c *Cache) oldestBase(except *Transaction) types.JournalSeq {
	oldest := c.seq
	for _, t := range c.open {
		if t != except && t.base < oldest {
			oldest = t.base
		}
	}

	return oldest
}

// Drops superseded versions nobody can see anymore.
func (c *Cache) prune(horizon types.JournalSeq) {
	n := 0
	for ; n < len(c.superseded) && c.superseded[n].supersededAt <= horizon; n++ {
		e := c.superseded[n]

		ch := c.index[e.paddr]
		if ch == nil {
			continue
		}

		ch.remove(e)
		switch len(ch.versions) {
		case 0:
			delete(c.index, e.paddr)
		case 1:
			c.maybeLRU(ch.versions[0])
		}
	}

	c.superseded = append(c.superseded[:0], c.superseded[n:]...)
	c.metrics.extents.Set(float64(len(c.index)))
}

// Puts e under the LRU if it is the only clean version of its address.
func (c *Cache) maybeLRU(e *Extent) {
	if e.state != Clean || e.inLRU || e.typ == types.ExtentRoot {
		return
	}

	ch := c.index[e.paddr]
	if ch == nil || len(ch.versions) != 1 || ch.versions[0] != e {
		return
	}

	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	e.inLRU = true
	c.lru.Add(e.paddr, e)
}

func (c *Cache) dropLRU(e *Extent) {
	if !e.inLRU {
		return
	}

	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	e.inLRU = false
	c.lru.Remove(e.paddr)
}

func (c *Cache) touchLRU(e *Extent) {
	c.lruMu.Lock()
	defer c.lruMu.Unlock()

	c.lru.Get(e.paddr)
}

// Called by the LRU with lruMu and the write lock held. Extents somebody
// still depends on stay indexed, they only leave the LRU.
func (c *Cache) evicted(key lru.Key, value interface{}) {
	e := value.(*Extent)
	if !e.inLRU {
		return
	}
	e.inLRU = false

	if e.readers.Load() > 0 || len(e.writers) > 0 {
		return
	}

	ch := c.index[e.paddr]
	if ch == nil || len(ch.versions) != 1 || ch.versions[0] != e {
		return
	}

	delete(c.index, e.paddr)
}

func (c *Cache) noteRead(t *Transaction, e *Extent) {
	if t.weak {
		return
	}

	if _, ok := t.reads[e]; !ok {
		t.reads[e] = struct{}{}
		e.readers.Add(1)
	}
}

// Returns the extent t itself created or copied at paddr.
func (t *Transaction) local(paddr types.Paddr) *Extent {
	if e, ok := t.freshIdx[paddr]; ok {
		return e
	}

	if e, ok := t.mutated[paddr]; ok {
		return e
	}

	return nil
}

// GetExtent returns the extent at paddr as seen by t. Extents not in memory
// are read from the device. onLoad is called for extents read from the device
// before they become visible to other transactions, so it can attach pins.
func (c *Cache) GetExtent(ctx context.Context, t *Transaction, typ types.ExtentType, paddr types.Paddr,
	length uint64, onLoad func(*Extent)) (*Extent, error) {

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	if e := t.local(paddr); e != nil {
		types.Assertf(e.length == length, "%s read with length %d", e, length)
		return e, nil
	}

	if t.IsRetired(paddr, length) {
		return nil, types.NotFound.New("%s retired by %s", paddr, t)
	}

	if e, found, err := c.lookup(t, paddr, length); found {
		return e, err
	}

	types.Assertf(paddr.IsReal(), "reading %s which is not cached", paddr)

	buf := make([]byte, length)
	if err := c.dev.Read(ctx, paddr, buf); err != nil {
		return nil, types.IO.Wrap(err)
	}

	c.metrics.misses.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Somebody could load or commit the address in the meantime.
	if ch := c.index[paddr]; ch != nil {
		e := ch.visible(t.base)
		if e == nil {
			return nil, types.NotFound.New("%s not visible at %d", paddr, t.base)
		}
		types.Assertf(e.length == length, "%s read with length %d", e, length)
		c.noteRead(t, e)
		return e, nil
	}

	e := &Extent{
		typ:    typ,
		paddr:  paddr,
		length: length,
		data:   buf,
		state:  Clean,
		laddr:  types.LaddrNull,
	}

	if onLoad != nil {
		e.loading = true
		onLoad(e)
		e.loading = false
	}

	c.index[paddr] = &chain{versions: []*Extent{e}}
	c.noteRead(t, e)
	c.maybeLRU(e)
	c.metrics.extents.Set(float64(len(c.index)))

	return e, nil
}

func (c *Cache) lookup(t *Transaction, paddr types.Paddr, length uint64) (*Extent, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch := c.index[paddr]
	if ch == nil {
		return nil, false, nil
	}

	e := ch.visible(t.base)
	if e == nil {
		return nil, true, types.NotFound.New("%s not visible at %d", paddr, t.base)
	}

	types.Assertf(e.length == length, "%s read with length %d", e, length)

	c.noteRead(t, e)
	if e.inLRU {
		c.touchLRU(e)
	}
	c.metrics.hits.Inc()

	return e, true, nil
}

// DuplicateForWrite returns an exclusive mutable copy of e owned by t. It is
// idempotent, extents t already owns are returned as they are.
func (c *Cache) DuplicateForWrite(ctx context.Context, t *Transaction, e *Extent) (*Extent, error) {
	types.Assertf(!t.weak, "%s is weak and cannot write", t)

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	if e.IsOwnedBy(t) {
		if e.state == ExistClean {
			e.modified = true
		}
		return e, nil
	}

	if e.typ == types.ExtentRoot && t.root != nil {
		return t.root, nil
	}
	if m, ok := t.mutated[e.paddr]; ok {
		return m, nil
	}

	types.Assertf(e.state == Clean || e.state == Dirty || e.state == Invalid || e.state == Retired,
		"duplicating %s owned by another transaction", e)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.supersededAt != types.SeqNull {
		t.MarkConflicted()
		return nil, types.Interrupted.Wrap(types.Conflict.New("%s superseded at %d", e, e.supersededAt))
	}

	m := &Extent{
		typ:       e.typ,
		paddr:     e.paddr,
		length:    e.length,
		data:      append([]byte(nil), e.data...),
		state:     MutationPending,
		version:   e.version + 1,
		hint:      e.hint,
		gen:       e.gen,
		laddr:     e.laddr,
		lpin:      e.lpin,
		bpin:      e.bpin,
		prior:     e,
		owner:     t,
		dirtyFrom: e.dirtyFrom,
	}

	if e.root != nil {
		m.root = e.root.Clone()
	}

	if e.writers == nil {
		e.writers = make(map[*Transaction]struct{})
	}
	e.writers[t] = struct{}{}

	if e.typ == types.ExtentRoot {
		t.root = m
	} else {
		t.mutated[e.paddr] = m
	}

	return m, nil
}

// AllocNewExtent creates an extent without physical location. It gets a
// temporary address valid inside t until placement assigns the real one.
func (c *Cache) AllocNewExtent(t *Transaction, typ types.ExtentType, length uint64,
	hint types.PlacementHint, gen types.Generation) *Extent {

	types.Assertf(!t.weak, "%s is weak and cannot write", t)
	types.Assertf(types.Aligned(length, c.dev.BlockSize()), "extent of %d bytes not block aligned", length)

	e := &Extent{
		typ:    typ,
		paddr:  types.TempPaddr(c.nextTemp.Add(1)),
		length: length,
		data:   make([]byte, length),
		state:  InitialPending,
		hint:   hint,
		gen:    gen,
		laddr:  types.LaddrNull,
		owner:  t,
	}

	t.fresh = append(t.fresh, e)
	t.freshIdx[e.paddr] = e

	return e
}

// AllocExistingExtent creates a fresh extent describing bytes which already
// are on the device at paddr. The range has to be retired by t. The content
// is copied from the retired extent when cached, read from the device
// otherwise.
func (c *Cache) AllocExistingExtent(ctx context.Context, t *Transaction, typ types.ExtentType,
	paddr types.Paddr, length uint64) (*Extent, error) {

	types.Assertf(!t.weak, "%s is weak and cannot write", t)
	types.Assertf(paddr.IsReal(), "existing extent at %s", paddr)
	types.Assertf(t.IsRetired(paddr, length), "%s+%d not retired by %s", paddr, length, t)

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	e := &Extent{
		typ:    typ,
		paddr:  paddr,
		length: length,
		state:  ExistClean,
		gen:    types.OOLGeneration,
		laddr:  types.LaddrNull,
		owner:  t,
		inline: false,
	}

	for _, r := range t.retired {
		if r.data == nil || r.paddr > paddr || r.paddr.Add(r.length) < paddr.Add(length) {
			continue
		}

		off := uint64(paddr - r.paddr)
		e.data = append([]byte(nil), r.data[off:off+length]...)
		e.modified = r.state == Dirty
		break
	}

	if e.data == nil {
		e.data = make([]byte, length)
		if err := c.dev.Read(ctx, paddr, e.data); err != nil {
			return nil, types.IO.Wrap(err)
		}
	}

	t.fresh = append(t.fresh, e)
	t.freshIdx[paddr] = e

	return e, nil
}

// RetireExtent removes e in t. Fresh extents of t are simply dropped.
func (c *Cache) RetireExtent(ctx context.Context, t *Transaction, e *Extent) error {
	types.Assertf(!t.weak, "%s is weak and cannot write", t)

	if err := t.Check(ctx); err != nil {
		return err
	}

	if e.IsOwnedBy(t) {
		switch e.state {
		case InitialPending, ExistClean:
			t.dropFresh(e)
			return nil
		case MutationPending:
			delete(t.mutated, e.paddr)
			e.state = Invalid
			e = e.prior
		}
	}

	if _, ok := t.retired[e.paddr]; ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.supersededAt != types.SeqNull {
		t.MarkConflicted()
		return types.Interrupted.Wrap(types.Conflict.New("%s superseded at %d", e, e.supersededAt))
	}

	if e.writers == nil {
		e.writers = make(map[*Transaction]struct{})
	}
	e.writers[t] = struct{}{}
	t.retired[e.paddr] = e

	return nil
}

// RetireExtentAddr retires whatever is at paddr in t without reading it. A
// placeholder stands for extents which are not cached.
func (c *Cache) RetireExtentAddr(ctx context.Context, t *Transaction, paddr types.Paddr, length uint64) error {
	if err := t.Check(ctx); err != nil {
		return err
	}

	if e := t.local(paddr); e != nil {
		return c.RetireExtent(ctx, t, e)
	}

	c.mu.RLock()
	var e *Extent
	if ch := c.index[paddr]; ch != nil {
		e = ch.visible(t.base)
	}
	c.mu.RUnlock()

	if e != nil {
		types.Assertf(e.length == length, "retiring %s with length %d", e, length)
		return c.RetireExtent(ctx, t, e)
	}

	types.Assertf(paddr.IsReal(), "retiring %s which is not cached", paddr)

	t.retired[paddr] = &Extent{
		typ:    types.ExtentRetiredPlaceholder,
		paddr:  paddr,
		length: length,
		state:  Clean,
		laddr:  types.LaddrNull,
	}

	return nil
}

func (t *Transaction) dropFresh(e *Extent) {
	e.state = Invalid
	delete(t.freshIdx, e.paddr)

	for i, f := range t.fresh {
		if f == e {
			t.fresh = append(t.fresh[:i], t.fresh[i+1:]...)
			break
		}
	}
}

// GetRoot returns the root as seen by t.
func (c *Cache) GetRoot(ctx context.Context, t *Transaction) (*Extent, error) {
	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	if t.root != nil {
		return t.root, nil
	}

	e, _, err := c.lookup(t, types.PaddrRoot, 0)
	if e == nil && err == nil {
		return nil, types.NotFound.New("store has no root")
	}

	return e, err
}

// GetRootFast is GetRoot for callers which know the root is present. It
// never fails.
func (c *Cache) GetRootFast(t *Transaction) *Extent {
	if t.root != nil {
		return t.root
	}

	e, _, err := c.lookup(t, types.PaddrRoot, 0)
	types.Assertf(e != nil && err == nil, "root not visible to %s", t)

	return e
}

// DuplicateRoot returns the root copy t can modify.
func (c *Cache) DuplicateRoot(ctx context.Context, t *Transaction) (*Extent, error) {
	root, err := c.GetRoot(ctx, t)
	if err != nil {
		return nil, err
	}

	return c.DuplicateForWrite(ctx, t, root)
}

// Mkfs stages the root of an empty store in t.
func (c *Cache) Mkfs(t *Transaction) {
	types.Assertf(!t.weak, "%s is weak and cannot write", t)

	t.root = &Extent{
		typ:   types.ExtentRoot,
		paddr: types.PaddrRoot,
		root:  types.NewRootBlock(),
		state: InitialPending,
		laddr: types.LaddrNull,
		owner: t,
	}
}

// CommittedRoot returns the newest committed root. Caller holds the lock.
func (c *Cache) CommittedRoot() *types.RootBlock {
	if ch := c.index[types.PaddrRoot]; ch != nil {
		if e := ch.latest(); e != nil {
			return e.root
		}
	}

	return nil
}

// ResolvePaddr moves a fresh extent of t from its temporary address to the
// one chosen by placement.
func (c *Cache) ResolvePaddr(t *Transaction, e *Extent, paddr types.Paddr, inline bool) {
	types.Assertf(e.IsOwnedBy(t) && e.state == InitialPending, "resolving %s", e)
	types.Assertf(paddr.IsReal(), "resolving %s to %s", e, paddr)

	delete(t.freshIdx, e.paddr)
	e.paddr = paddr
	e.inline = inline
	t.freshIdx[paddr] = e
}

// MarkWriteFailed records that the device write of an inline extent failed
// after the journal acknowledged the record. The extent commits as dirty.
func (c *Cache) MarkWriteFailed(e *Extent) {
	e.writeFailed = true
}

// Validate checks whether t can commit on top of the current state. The read
// lock must be held.
func (c *Cache) Validate(t *Transaction) error {
	if t.conflicted.Load() {
		return types.Conflict.New("%s invalidated by a conflicting commit", t)
	}

	for _, m := range t.mutated {
		if m.prior.supersededAt != types.SeqNull {
			return types.Conflict.New("%s written concurrently", m.prior)
		}
	}

	if t.root != nil && t.root.prior != nil && t.root.prior.supersededAt != types.SeqNull {
		return types.Conflict.New("root written concurrently")
	}

	for _, e := range t.retired {
		if e.typ == types.ExtentRetiredPlaceholder {
			if c.modifiedAfter(e.paddr, t.base) {
				return types.Conflict.New("%s written concurrently", e.paddr)
			}
			continue
		}

		if e.supersededAt != types.SeqNull {
			return types.Conflict.New("%s retired concurrently", e)
		}
	}

	if c.policy != types.Serializable || t.weak {
		return nil
	}

	for e := range t.reads {
		if e.supersededAt != types.SeqNull {
			return types.Conflict.New("%s read stale", e)
		}
	}

	return nil
}

func (c *Cache) modifiedAfter(paddr types.Paddr, base types.JournalSeq) bool {
	ch := c.index[paddr]
	if ch == nil {
		return false
	}

	for _, v := range ch.versions {
		if v.committedAt > base || v.supersededAt > base {
			return true
		}
	}

	return false
}

// CompleteCommit publishes t as the commit seq. It returns the retired
// extents whose pins have to be cleared and the fresh extents whose pins have
// to be linked. The write lock must be held.
func (c *Cache) CompleteCommit(t *Transaction, seq types.JournalSeq) (toClear, toLink []*Extent) {
	types.Assertf(seq > c.seq, "commit %d after %d", seq, c.seq)

	for _, e := range t.Retired() {
		if e.typ == types.ExtentRetiredPlaceholder {
			if ch := c.index[e.paddr]; ch != nil {
				if v := ch.latest(); v != nil && v.supersededAt == types.SeqNull {
					c.supersede(t, v, seq)
					v.state = Retired
				}
			}
			continue
		}

		c.supersede(t, e, seq)
		e.state = Retired
		toClear = append(toClear, e)
	}

	for _, e := range t.fresh {
		switch {
		case e.state == ExistClean && e.modified:
			e.state = Dirty
		case e.writeFailed:
			e.state = Dirty
		default:
			e.state = Clean
		}
		if e.state == Dirty {
			e.dirtyFrom = seq
		}

		c.publish(e, seq)
		toLink = append(toLink, e)
	}

	for _, m := range t.Mutated() {
		wasDirty := m.prior.state == Dirty
		c.supersede(t, m.prior, seq)
		m.prior.state = Invalid

		m.state = Dirty
		if !wasDirty {
			m.dirtyFrom = seq
		}
		c.publish(m, seq)
	}

	if r := t.root; r != nil {
		if r.prior != nil {
			c.supersede(t, r.prior, seq)
			r.prior.state = Invalid
		}
		r.state = Clean
		c.publish(r, seq)
	}

	c.seq = seq
	t.seq = seq
	t.state = TxCommitted

	c.metrics.commits.WithLabelValues(t.src.String()).Inc()
	c.metrics.extents.Set(float64(len(c.index)))
	c.updateDirtyMetric()

	return toClear, toLink
}

// Ends visibility of the committed version e at seq and dooms all other
// transactions writing it.
func (c *Cache) supersede(t *Transaction, e *Extent, seq types.JournalSeq) {
	e.supersededAt = seq

	for w := range e.writers {
		if w != t {
			w.MarkConflicted()
			log.Debug().Uint64("txn", w.id).Stringer("extent", e).Uint64("by", t.id).
				Msg("Transaction conflicted.")
		}
	}
	e.writers = nil

	if e.state == Dirty {
		c.dirty.Delete(e)
	}
	c.dropLRU(e)

	if ch := c.index[e.paddr]; ch != nil {
		c.superseded = append(c.superseded, e)
	}
}

// Makes a pending extent the newest committed version of its address.
func (c *Cache) publish(e *Extent, seq types.JournalSeq) {
	e.owner = nil
	e.prior = nil
	e.committedAt = seq

	ch := c.index[e.paddr]
	if ch == nil {
		ch = &chain{}
		c.index[e.paddr] = ch
	}
	ch.versions = append(ch.versions, e)

	if e.state == Dirty {
		c.dirty.ReplaceOrInsert(e)
	}
	c.maybeLRU(e)
}

// CountConflict accounts a failed commit.
func (c *Cache) CountConflict(src types.Source) {
	c.metrics.conflicts.WithLabelValues(src.String()).Inc()
}

// GetNextDirtyExtents returns committed dirty extents which became dirty
// before seq, the oldest first, up to maxBytes. At least one extent is
// returned if there is any.
func (c *Cache) GetNextDirtyExtents(t *Transaction, seq types.JournalSeq, maxBytes uint64) []*Extent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		exts  []*Extent
		bytes uint64
	)

	c.dirty.Ascend(func(e *Extent) bool {
		if e.dirtyFrom >= seq || (len(exts) > 0 && bytes+e.length > maxBytes) {
			return false
		}
		if !e.visible(t.base) {
			return true
		}

		c.noteRead(t, e)
		exts = append(exts, e)
		bytes += e.length

		return true
	})

	return exts
}

// DirtyTail returns the oldest sequence the device content lags behind,
// SeqNull when everything is written. Caller holds the lock.
func (c *Cache) DirtyTail() types.JournalSeq {
	e, ok := c.dirty.Min()
	if !ok {
		return types.SeqNull
	}

	return e.dirtyFrom
}

// SetNodes replaces the set of checkpointed tree nodes.
func (c *Cache) SetNodes(nodes []Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = append([]Node(nil), nodes...)
}

// AddNode registers one checkpointed tree node.
func (c *Cache) AddNode(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = append(c.nodes, n)
}

// Nodes returns checkpointed tree nodes. Caller holds the lock.
func (c *Cache) Nodes() []Node {
	return append([]Node(nil), c.nodes...)
}

// ReplayRoot installs root committed at seq. Used by mount only.
func (c *Cache) ReplayRoot(root *types.RootBlock, seq types.JournalSeq) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index[types.PaddrRoot] = &chain{versions: []*Extent{{
		typ:         types.ExtentRoot,
		paddr:       types.PaddrRoot,
		root:        root.Clone(),
		state:       Clean,
		laddr:       types.LaddrNull,
		committedAt: seq,
	}}}
}

// ReplayDelta installs the content of an extent changed at seq. The extent
// stays dirty until it is rewritten. Used by mount only.
func (c *Cache) ReplayDelta(typ types.ExtentType, paddr types.Paddr, laddr types.Laddr, data []byte, seq types.JournalSeq) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch := c.index[paddr]; ch != nil {
		if e := ch.latest(); e != nil && e.state == Dirty {
			c.dirty.Delete(e)
			e.data = append([]byte(nil), data...)
			e.committedAt = seq
			e.version++
			c.dirty.ReplaceOrInsert(e)
			return
		}
		c.drop(paddr)
	}

	e := &Extent{
		typ:         typ,
		paddr:       paddr,
		length:      uint64(len(data)),
		data:        append([]byte(nil), data...),
		state:       Dirty,
		laddr:       laddr,
		dirtyFrom:   seq,
		committedAt: seq,
	}

	c.index[paddr] = &chain{versions: []*Extent{e}}
	c.dirty.ReplaceOrInsert(e)
	c.updateDirtyMetric()
}

// ReplayRetire forgets the extent at paddr. Used by mount only.
func (c *Cache) ReplayRetire(paddr types.Paddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drop(paddr)
	c.updateDirtyMetric()
}

func (c *Cache) drop(paddr types.Paddr) {
	ch := c.index[paddr]
	if ch == nil {
		return
	}

	for _, e := range ch.versions {
		if e.state == Dirty {
			c.dirty.Delete(e)
		}
		c.dropLRU(e)
	}

	delete(c.index, paddr)
}

// Reset forgets everything. Only allowed without open transactions.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	types.Assertf(len(c.open) == 0, "cache reset with %d open transactions", len(c.open))

	c.lruMu.Lock()
	c.lru.Clear()
	c.lru.OnEvicted = c.evicted
	c.lruMu.Unlock()

	c.index = make(map[types.Paddr]*chain)
	c.dirty.Clear(false)
	c.nodes = nil
	c.superseded = nil
	c.seq = types.SeqNull

	c.metrics.extents.Set(0)
	c.metrics.dirtyBytes.Set(0)
}

func (c *Cache) updateDirtyMetric() {
	var n uint64
	c.dirty.Ascend(func(e *Extent) bool {
		n += e.length
		return true
	})

	c.metrics.dirtyBytes.Set(float64(n))
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Extents: len(c.index),
		Dirty:   c.dirty.Len(),
		Open:    len(c.open),
		Seq:     c.seq,
	}

	c.dirty.Ascend(func(e *Extent) bool {
		s.DirtyBytes += e.length
		return true
	})

	c.lruMu.Lock()
	s.LRU = c.lru.Len()
	c.lruMu.Unlock()

	return s
}
