// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package lba

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/device/memory"
	"github.com/asch/cowstore/internal/store/types"
)

const bs = 4096

func newManager(t *testing.T, policy types.ConflictPolicy) (*cache.Cache, *BtreeManager) {
	t.Helper()

	c := cache.New(memory.New(1<<20, bs), cache.Options{LRUEntries: 16, Policy: policy}, nil)
	return c, NewBtreeManager(c, nil)
}

func commit(c *cache.Cache, m *BtreeManager, t *cache.Transaction, seq types.JournalSeq) error {
	c.RLock()
	err := c.Validate(t)
	if err == nil {
		err = m.Validate(t)
	}
	c.RUnlock()

	if err != nil {
		t.SetState(cache.TxConflict)
		c.FinishTransaction(t)
		return err
	}

	c.Lock()
	toClear, toLink := c.CompleteCommit(t, seq)
	m.CompleteTransaction(t, toClear, toLink)
	c.Unlock()
	c.FinishTransaction(t)

	return nil
}

func TestAllocFirstFit(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	p1, err := m.AllocExtent(ctx, tx, 0, bs, 10*bs)
	require.NoError(t, err)
	require.Equal(t, types.Laddr(0), p1.Key())

	p2, err := m.AllocExtent(ctx, tx, 0, 2*bs, 11*bs)
	require.NoError(t, err)
	require.Equal(t, types.Laddr(bs), p2.Key())
	require.NoError(t, commit(c, m, tx, 1))

	tx = c.CreateTransaction(types.SourceMutate, "alloc", false)
	p3, err := m.AllocExtent(ctx, tx, bs, bs, 13*bs)
	require.NoError(t, err)
	require.Equal(t, types.Laddr(3*bs), p3.Key())

	p4, err := m.AllocExtentAt(ctx, tx, 8*bs, bs, 14*bs)
	require.NoError(t, err)
	require.Equal(t, types.Laddr(8*bs), p4.Key())

	_, err = m.AllocExtentAt(ctx, tx, 2*bs, bs, 15*bs)
	require.True(t, Error.Has(err))
	require.NoError(t, commit(c, m, tx, 2))
	require.Equal(t, 4, m.Len())
}

func TestGetMapping(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	_, err := m.AllocExtent(ctx, tx, 0, 2*bs, 10*bs)
	require.NoError(t, err)
	require.NoError(t, commit(c, m, tx, 1))

	tx = c.CreateTransaction(types.SourceRead, "read", false)
	defer c.DropTransaction(tx)

	p, err := m.GetMapping(ctx, tx, bs)
	require.NoError(t, err)
	require.Equal(t, types.Laddr(0), p.Key())
	require.Equal(t, types.Paddr(10*bs), p.Val().Paddr)
	require.True(t, p.Valid())

	_, err = m.GetMapping(ctx, tx, 2*bs)
	require.True(t, types.NotFound.Has(err))

	pins, err := m.GetMappings(ctx, tx, bs, 4*bs)
	require.NoError(t, err)
	require.Len(t, pins, 1)
}

func TestRefcount(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	_, err := m.AllocExtent(ctx, tx, 0, bs, 10*bs)
	require.NoError(t, err)
	require.NoError(t, commit(c, m, tx, 1))

	tx = c.CreateTransaction(types.SourceMutate, "ref", false)
	r, err := m.IncRef(ctx, tx, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), r.Refcount)

	r, err = m.DecRef(ctx, tx, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.Refcount)
	require.NoError(t, commit(c, m, tx, 2))

	tx = c.CreateTransaction(types.SourceMutate, "unref", false)
	r, err = m.DecRef(ctx, tx, 0)
	require.NoError(t, err)
	require.Equal(t, RefResult{Laddr: 0, Refcount: 0, Paddr: 10 * bs, Len: bs}, r)

	_, err = m.DecRef(ctx, tx, 0)
	require.True(t, types.NotFound.Has(err))
	require.NoError(t, commit(c, m, tx, 3))
	require.Equal(t, 0, m.Len())
}

func TestMisalignedHintPanics(t *testing.T) {
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	defer c.DropTransaction(tx)

	require.Panics(t, func() {
		m.AllocExtent(context.Background(), tx, 7, bs, 0)
	})
}

func TestConcurrentAllocationsConflict(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Snapshot)

	tx1 := c.CreateTransaction(types.SourceMutate, "a", false)
	tx2 := c.CreateTransaction(types.SourceMutate, "b", false)

	_, err := m.AllocExtent(ctx, tx1, 0, bs, 10*bs)
	require.NoError(t, err)
	_, err = m.AllocExtent(ctx, tx2, 0, bs, 11*bs)
	require.NoError(t, err)

	require.NoError(t, commit(c, m, tx1, 1))
	require.True(t, types.Conflict.Has(commit(c, m, tx2, 2)))
}

func TestUpdateMapping(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	_, err := m.AllocExtent(ctx, tx, 0, bs, 10*bs)
	require.NoError(t, err)
	require.NoError(t, commit(c, m, tx, 1))

	old := c.CreateTransaction(types.SourceRead, "old", false)
	defer c.DropTransaction(old)

	stale, err := m.GetMapping(ctx, old, 0)
	require.NoError(t, err)

	tx = c.CreateTransaction(types.SourceMutate, "move", false)
	_, err = m.UpdateMapping(ctx, tx, 0, 11*bs, 12*bs)
	require.True(t, types.Conflict.Has(err))

	p, err := m.UpdateMapping(ctx, tx, 0, 10*bs, 12*bs)
	require.NoError(t, err)
	require.Equal(t, types.Paddr(12*bs), p.Val().Paddr)
	require.NoError(t, commit(c, m, tx, 2))

	require.False(t, stale.Valid())

	again, err := m.GetMapping(ctx, old, 0)
	require.NoError(t, err)
	require.Equal(t, types.Paddr(10*bs), again.Val().Paddr)
	require.False(t, again.Valid())

	tx = c.CreateTransaction(types.SourceRead, "new", false)
	defer c.DropTransaction(tx)

	fresh, err := m.GetMapping(ctx, tx, 0)
	require.NoError(t, err)
	require.Equal(t, types.Paddr(12*bs), fresh.Val().Paddr)
	require.True(t, fresh.Valid())
}

func TestLinkedPinRenewed(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	_, err := m.AllocExtent(ctx, tx, 0, bs, 10*bs)
	require.NoError(t, err)
	require.NoError(t, commit(c, m, tx, 1))

	tx = c.CreateTransaction(types.SourceRead, "load", false)
	p, err := m.GetMapping(ctx, tx, 0)
	require.NoError(t, err)

	e, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, p.Val().Paddr, bs, func(e *cache.Extent) {
		m.LinkExtentPin(e, p.Key(), p.Val())
	})
	require.NoError(t, err)
	c.DropTransaction(tx)

	linked := e.LogicalPin()
	require.NotNil(t, linked)

	tx = c.CreateTransaction(types.SourceMutate, "ref", false)
	_, err = m.IncRef(ctx, tx, 0)
	require.NoError(t, err)
	require.NoError(t, commit(c, m, tx, 2))

	require.True(t, linked.Valid())
	require.Equal(t, uint32(2), linked.Val().Refcount)

	tx = c.CreateTransaction(types.SourceMutate, "move", false)
	_, err = m.UpdateMapping(ctx, tx, 0, 10*bs, 12*bs)
	require.NoError(t, err)
	require.NoError(t, commit(c, m, tx, 3))

	require.False(t, linked.Valid())
}

func TestResolvePaddr(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	temp := types.TempPaddr(7)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	_, err := m.AllocExtent(ctx, tx, 0, bs, temp)
	require.NoError(t, err)

	m.ResolvePaddr(tx, temp, 8*bs)

	writes := m.Writes(tx)
	require.Len(t, writes, 1)
	require.Equal(t, types.Paddr(8*bs), writes[0].Val.Paddr)
	require.NoError(t, commit(c, m, tx, 1))
}

func TestEntriesLoadReplay(t *testing.T) {
	ctx := context.Background()
	c, m := newManager(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	for i := 0; i < 3; i++ {
		_, err := m.AllocExtent(ctx, tx, 0, bs, types.Paddr(10+i)*bs)
		require.NoError(t, err)
	}
	require.NoError(t, commit(c, m, tx, 1))

	c.RLock()
	entries := m.Entries()
	c.RUnlock()
	require.Len(t, entries, 3)

	c2, m2 := newManager(t, types.Serializable)
	m2.Load(entries[:2], 1)
	m2.Replay([]Write{entries[2], {Key: 0, Deleted: true}}, 2)
	c2.SetSeq(2)

	var keys []types.Laddr
	tx = c2.CreateTransaction(types.SourceRead, "scan", true)
	require.NoError(t, m2.ScanMappings(ctx, tx, func(laddr types.Laddr, _ types.LBAMapping) bool {
		keys = append(keys, laddr)
		return true
	}))
	c2.DropTransaction(tx)

	require.Equal(t, []types.Laddr{bs, 2 * bs}, keys)
}
