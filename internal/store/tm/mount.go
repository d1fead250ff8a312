// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tm

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/types"
)

// Mkfs formats an empty store. A store which already has a checkpoint is
// left untouched.
func (tm *TransactionManager) Mkfs(ctx context.Context) error {
	formatted := false

	err := tm.control(ctx, func() error {
		_, err := tm.journal.ReadCheckpoint(ctx)
		if err == nil {
			formatted = true
			return nil
		}
		if !types.NotFound.Has(err) {
			return err
		}

		// Leftovers of an interrupted mkfs.
		if err := tm.journal.Trim(ctx, tm.journal.Head()); err != nil {
			return types.IO.Wrap(err)
		}

		tm.reset()

		return nil
	})
	if err != nil || formatted {
		if formatted {
			log.Info().Msg("Store already formatted.")
		}
		return err
	}

	t := tm.CreateTransaction(types.SourceMutate, "mkfs")
	tm.cache.Mkfs(t)

	if err := tm.lba.Mkfs(ctx, t); err != nil {
		tm.DropTransaction(t)
		return err
	}
	if err := tm.backref.Mkfs(ctx, t); err != nil {
		tm.DropTransaction(t)
		return err
	}

	if err := tm.SubmitTransaction(ctx, t); err != nil {
		return err
	}

	if err := tm.Checkpoint(ctx); err != nil {
		return err
	}

	log.Info().Uint64("size", tm.dev.Size()).Uint64("block_size", tm.blockSize).Msg("Store formatted.")

	return nil
}

// Forgets all in-memory state. Called by the worker only.
func (tm *TransactionManager) reset() {
	tm.cache.Reset()
	tm.placement.Reset()
	tm.lba.Load(nil, types.SeqNull)
	tm.backref.Load(nil, types.SeqNull, types.SeqNull)
	tm.trimBound = types.SeqNull
}

// Mount restores the state from the last checkpoint and the journal records
// after it. Fails with types.NotFound when the store is not formatted.
func (tm *TransactionManager) Mount(ctx context.Context) error {
	return tm.control(ctx, func() error {
		return tm.mount(ctx)
	})
}

func (tm *TransactionManager) mount(ctx context.Context) error {
	data, err := tm.journal.ReadCheckpoint(ctx)
	if err != nil {
		return err
	}

	var d descriptor
	if err := decodeImage(data, &d); err != nil {
		return err
	}

	tm.reset()

	if err := tm.loadTrees(ctx, &d); err != nil {
		return err
	}

	tm.cache.ReplayRoot(d.Root, d.Seq)
	for _, n := range d.Nodes {
		tm.backref.CacheNewBackrefExtent(n.Paddr, n.Len, n.Type)
	}
	tm.cache.SetSeq(d.Seq)

	var (
		head    = d.Seq
		records int

		// Newest content of inline extents the device may miss.
		inline = make(map[types.Paddr]journal.FreshExtent)
	)

	err = tm.journal.Replay(ctx, d.bound(), func(r *journal.Record) error {
		if r.Seq > d.Seq {
			tm.lba.Replay(r.LBA, r.Seq)
			if r.Root != nil {
				tm.cache.ReplayRoot(r.Root, r.Seq)
			}
		}

		tm.backref.Replay(r, d.Seq, d.AllocTail)

		if r.Seq >= d.ReplayFrom {
			for _, f := range r.Fresh {
				if f.Inline {
					inline[f.Paddr] = f
				} else {
					delete(inline, f.Paddr)
				}
			}
			for _, rt := range r.Retired {
				tm.cache.ReplayRetire(rt.Paddr)
				delete(inline, rt.Paddr)
			}
			for _, delta := range r.Deltas {
				tm.cache.ReplayDelta(delta.Type, delta.Paddr, delta.Laddr, delta.Data, r.Seq)
			}
		}

		head = max(head, r.Seq)
		records++

		return nil
	})
	if err != nil {
		return err
	}

	tm.cache.SetSeq(head)
	tm.backref.TrimMerged()

	if err := tm.restoreInline(ctx, inline); err != nil {
		return err
	}

	if err := tm.rebuildSpace(ctx); err != nil {
		return err
	}

	tm.trimBound = d.bound() - 1

	log.Info().Uint64("checkpoint", uint64(d.Seq)).Uint64("head", uint64(head)).Int("records", records).
		Int("mappings", tm.lba.Len()).Int("backrefs", tm.backref.Len()).Msg("Store mounted.")

	return nil
}

// Writes inline extents the device may miss if they are still live.
func (tm *TransactionManager) restoreInline(ctx context.Context, inline map[types.Paddr]journal.FreshExtent) error {
	if len(inline) == 0 {
		return nil
	}

	t := tm.CreateWeakTransaction(types.SourceRead, "mount")
	defer tm.cache.FinishTransaction(t)

	for paddr, f := range inline {
		p, err := tm.backref.GetMapping(ctx, t, paddr)
		if types.NotFound.Has(err) {
			continue
		}
		if err != nil {
			return err
		}

		if v := p.Val(); v.Len != f.Len || v.Laddr != f.Laddr {
			continue
		}

		if err := tm.dev.Write(ctx, paddr, f.Data); err != nil {
			return types.IO.Wrap(err)
		}
	}

	return nil
}

// Recomputes segment usage from the reverse mapping.
func (tm *TransactionManager) rebuildSpace(ctx context.Context) error {
	t := tm.CreateWeakTransaction(types.SourceRead, "mount")
	defer tm.cache.FinishTransaction(t)

	tm.placement.Reset()

	err := tm.backref.ScanMappedSpace(ctx, t, func(paddr types.Paddr, length uint64, _ int, _ types.ExtentType) {
		tm.placement.MarkUsed(paddr, length)
	})
	if err != nil {
		return err
	}

	tm.placement.Rebuild()

	return nil
}
