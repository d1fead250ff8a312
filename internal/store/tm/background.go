// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tm

import (
	"context"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/placement"
	"github.com/asch/cowstore/internal/store/types"
)

// Stat is a snapshot of the store usage.
type Stat struct {
	Space    placement.Stat
	Cache    cache.Stats
	Mappings int
	Backrefs int

	JournalHead types.JournalSeq
	JournalTail types.JournalSeq
}

// Tails tells the cleaner how far behind the device and the backref tree
// are.
type Tails struct {
	Head  types.JournalSeq
	Dirty types.JournalSeq
	Alloc types.JournalSeq
}

func (tm *TransactionManager) StoreStat() Stat {
	return Stat{
		Space:       tm.placement.Stat(),
		Cache:       tm.cache.Stats(),
		Mappings:    tm.lba.Len(),
		Backrefs:    tm.backref.Len(),
		JournalHead: tm.journal.Head(),
		JournalTail: tm.journal.Tail(),
	}
}

func (tm *TransactionManager) Tails() Tails {
	tm.cache.RLock()
	defer tm.cache.RUnlock()

	return Tails{
		Head:  tm.cache.SeqLocked(),
		Dirty: tm.cache.DirtyTail(),
		Alloc: tm.backref.AllocTail(),
	}
}

// GetNextDirtyExtents returns dirty extents visible to t which became dirty
// before seq, at most maxBytes but at least one.
func (tm *TransactionManager) GetNextDirtyExtents(ctx context.Context, t *cache.Transaction, seq types.JournalSeq,
	maxBytes uint64) ([]*cache.Extent, error) {

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	return tm.cache.GetNextDirtyExtents(t, seq, maxBytes), nil
}

// RewriteExtent moves the content of e to a new extent in t and retires e.
// The logical address and the reverse mapping follow the new copy. Tree
// nodes and the root are skipped, checkpoints rewrite them.
func (tm *TransactionManager) RewriteExtent(ctx context.Context, t *cache.Transaction, e *cache.Extent) error {
	if e.Type() == types.ExtentRoot || e.Type().IsNode() {
		return nil
	}

	types.Assertf(e.Type().IsLogical(), "rewriting %s which cannot be relocated", e)

	laddr := e.Laddr()
	if laddr == types.LaddrNull {
		bp, err := tm.backref.GetMapping(ctx, t, e.Paddr())
		if err != nil {
			return err
		}
		laddr = bp.Val().Laddr
	}

	gen := types.OOLGeneration
	if t.Source() == types.SourceCleanerReclaim {
		gen = types.ReclaimGeneration
	}

	n := tm.cache.AllocNewExtent(t, e.Type(), e.Len(), e.Hint(), gen)
	copy(n.Data(), e.Data())
	n.SetLaddr(laddr)

	p, err := tm.lba.UpdateMapping(ctx, t, laddr, e.Paddr(), n.Paddr())
	if err != nil {
		return err
	}
	n.SetLogicalPin(p)

	bp, err := tm.backref.RewriteExtent(ctx, t, e.Paddr(), n)
	if err != nil {
		return err
	}
	n.SetBackrefPin(bp)

	return tm.cache.RetireExtent(ctx, t, e)
}

// GetExtentsIfLive returns the extent at paddr if it is still referenced,
// nothing otherwise. Tree nodes are never returned, checkpoints rewrite them.
func (tm *TransactionManager) GetExtentsIfLive(ctx context.Context, t *cache.Transaction, typ types.ExtentType,
	paddr types.Paddr, length uint64) ([]*cache.Extent, error) {

	if !typ.IsLogical() {
		return nil, nil
	}

	bp, err := tm.backref.GetMapping(ctx, t, paddr)
	if types.NotFound.Has(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p, err := tm.lba.GetMapping(ctx, t, bp.Val().Laddr)
	if types.NotFound.Has(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if v := p.Val(); p.Key() != bp.Val().Laddr || v.Paddr != paddr || v.Len != length {
		return nil, nil
	}

	e, err := tm.PinToExtent(ctx, t, p, typ)
	if err != nil {
		return nil, err
	}

	live, err := tm.backref.InitCachedExtent(ctx, t, e)
	if err != nil || !live {
		return nil, err
	}

	return []*cache.Extent{e}, nil
}

// ReleaseSegments returns dead segments nobody can read anymore to the free
// pool.
func (tm *TransactionManager) ReleaseSegments(ctx context.Context) ([]int, error) {
	var released []int

	err := tm.control(ctx, func() error {
		released = tm.placement.ReleaseBefore(tm.cache.OldestBase())
		return nil
	})

	return released, err
}
