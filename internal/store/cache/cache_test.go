// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/device/memory"
	"github.com/asch/cowstore/internal/store/types"
)

const bs = 4096

func newCache(t *testing.T, policy types.ConflictPolicy) (*Cache, *memory.Memory) {
	t.Helper()

	dev := memory.New(1<<20, bs)
	return New(dev, Options{LRUEntries: 16, Policy: policy}, nil), dev
}

func commit(c *Cache, t *Transaction, seq types.JournalSeq) error {
	c.RLock()
	err := c.Validate(t)
	c.RUnlock()

	if err != nil {
		t.SetState(TxConflict)
		c.FinishTransaction(t)
		return err
	}

	c.Lock()
	c.CompleteCommit(t, seq)
	c.Unlock()
	c.FinishTransaction(t)

	return nil
}

// Commits one extent filled with b at paddr.
func seed(t *testing.T, c *Cache, paddr types.Paddr, b byte, seq types.JournalSeq) {
	t.Helper()

	tx := c.CreateTransaction(types.SourceMutate, "seed", false)
	e := c.AllocNewExtent(tx, types.ExtentTestBlock, bs, types.HintHot, types.OOLGeneration)
	copy(e.Data(), bytes.Repeat([]byte{b}, bs))
	c.ResolvePaddr(tx, e, paddr, false)

	require.NoError(t, commit(c, tx, seq))
}

func TestFreshExtentCommit(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "alloc", false)
	e := c.AllocNewExtent(tx, types.ExtentTestBlock, bs, types.HintHot, types.InlineGeneration)
	require.True(t, e.Paddr().IsTemp())
	require.Equal(t, InitialPending, e.State())

	copy(e.Data(), "hello")

	got, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, e.Paddr(), bs, nil)
	require.NoError(t, err)
	require.Same(t, e, got)

	c.ResolvePaddr(tx, e, 0, true)
	require.True(t, e.Inline())
	require.NoError(t, commit(c, tx, 1))
	require.Equal(t, Clean, e.State())
	require.Equal(t, types.JournalSeq(1), e.CommittedAt())

	tx2 := c.CreateTransaction(types.SourceRead, "read", false)
	got, err = c.GetExtent(ctx, tx2, types.ExtentTestBlock, 0, bs, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got.Data()[:5])
	c.DropTransaction(tx2)
}

func TestCopyOnWriteIsolation(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Snapshot)
	seed(t, c, 0, 'a', 1)

	a := c.CreateTransaction(types.SourceMutate, "a", false)
	b := c.CreateTransaction(types.SourceMutate, "b", false)

	ea, err := c.GetExtent(ctx, a, types.ExtentTestBlock, 0, bs, nil)
	require.NoError(t, err)
	m, err := c.DuplicateForWrite(ctx, a, ea)
	require.NoError(t, err)
	require.Equal(t, MutationPending, m.State())
	require.Equal(t, ea.Version()+1, m.Version())
	m.Data()[0] = 'z'

	again, err := c.DuplicateForWrite(ctx, a, ea)
	require.NoError(t, err)
	require.Same(t, m, again)

	require.NoError(t, commit(c, a, 2))
	require.Equal(t, Dirty, m.State())

	// b started before the commit and keeps seeing the old version.
	eb, err := c.GetExtent(ctx, b, types.ExtentTestBlock, 0, bs, nil)
	require.NoError(t, err)
	require.Equal(t, byte('a'), eb.Data()[0])
	c.DropTransaction(b)

	n := c.CreateTransaction(types.SourceRead, "new", false)
	en, err := c.GetExtent(ctx, n, types.ExtentTestBlock, 0, bs, nil)
	require.NoError(t, err)
	require.Equal(t, byte('z'), en.Data()[0])
	c.DropTransaction(n)
}

func TestDoubleDuplicateConflicts(t *testing.T) {
	ctx := context.Background()

	for _, policy := range []types.ConflictPolicy{types.Serializable, types.Snapshot} {
		c, _ := newCache(t, policy)
		seed(t, c, 0, 'a', 1)

		a := c.CreateTransaction(types.SourceMutate, "a", false)
		b := c.CreateTransaction(types.SourceMutate, "b", false)

		for _, tx := range []*Transaction{a, b} {
			e, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, 0, bs, nil)
			require.NoError(t, err)
			_, err = c.DuplicateForWrite(ctx, tx, e)
			require.NoError(t, err)
		}

		require.NoError(t, commit(c, a, 2))
		require.True(t, b.Conflicted())

		err := b.Check(ctx)
		require.True(t, types.Interrupted.Has(err))
		require.True(t, types.Conflict.Has(err))

		err = commit(c, b, 3)
		require.True(t, types.Conflict.Has(err), policy.String())
	}
}

func TestReadConflictDependsOnPolicy(t *testing.T) {
	ctx := context.Background()

	cases := map[types.ConflictPolicy]bool{
		types.Serializable: true,
		types.Snapshot:     false,
	}

	for policy, conflict := range cases {
		c, _ := newCache(t, policy)
		seed(t, c, 0, 'a', 1)
		seed(t, c, bs, 'b', 2)

		reader := c.CreateTransaction(types.SourceMutate, "reader", false)
		_, err := c.GetExtent(ctx, reader, types.ExtentTestBlock, 0, bs, nil)
		require.NoError(t, err)

		writer := c.CreateTransaction(types.SourceMutate, "writer", false)
		e, err := c.GetExtent(ctx, writer, types.ExtentTestBlock, 0, bs, nil)
		require.NoError(t, err)
		_, err = c.DuplicateForWrite(ctx, writer, e)
		require.NoError(t, err)
		require.NoError(t, commit(c, writer, 3))

		// Only writers are doomed eagerly.
		require.False(t, reader.Conflicted())

		other, err := c.GetExtent(ctx, reader, types.ExtentTestBlock, bs, bs, nil)
		require.NoError(t, err)
		_, err = c.DuplicateForWrite(ctx, reader, other)
		require.NoError(t, err)

		err = commit(c, reader, 4)
		require.Equal(t, conflict, types.Conflict.Has(err), policy.String())
	}
}

func TestRetireExtent(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)
	seed(t, c, 0, 'a', 1)

	old := c.CreateTransaction(types.SourceRead, "old", true)

	tx := c.CreateTransaction(types.SourceMutate, "retire", false)
	require.NoError(t, c.RetireExtentAddr(ctx, tx, 0, bs))
	require.True(t, tx.IsRetired(0, bs))

	_, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, 0, bs, nil)
	require.True(t, types.NotFound.Has(err))
	require.NoError(t, commit(c, tx, 2))

	n := c.CreateTransaction(types.SourceRead, "new", true)
	_, err = c.GetExtent(ctx, n, types.ExtentTestBlock, 0, bs, nil)
	require.True(t, types.NotFound.Has(err))
	c.DropTransaction(n)

	e, err := c.GetExtent(ctx, old, types.ExtentTestBlock, 0, bs, nil)
	require.NoError(t, err)
	require.Equal(t, Retired, e.State())
	require.Equal(t, 1, c.Stats().Extents)

	// The last snapshot seeing the extent is gone, so is the version.
	c.DropTransaction(old)
	require.Equal(t, 0, c.Stats().Extents)
}

func TestRetireFreshExtentDropsIt(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "fresh", false)
	e := c.AllocNewExtent(tx, types.ExtentTestBlock, bs, types.HintHot, types.OOLGeneration)
	require.NoError(t, c.RetireExtentAddr(ctx, tx, e.Paddr(), bs))

	require.Empty(t, tx.Fresh())
	require.Equal(t, Invalid, e.State())
	require.False(t, tx.HasWrites())
}

func TestLoadFromDevice(t *testing.T) {
	ctx := context.Background()
	c, dev := newCache(t, types.Serializable)
	require.NoError(t, dev.Write(ctx, 2*bs, bytes.Repeat([]byte{'d'}, bs)))

	loads := 0
	onLoad := func(e *Extent) {
		loads++
		e.laddr = 7
	}

	for i := 0; i < 2; i++ {
		tx := c.CreateTransaction(types.SourceRead, "load", false)
		e, err := c.GetExtent(ctx, tx, types.ExtentObjectData, 2*bs, bs, onLoad)
		require.NoError(t, err)
		require.Equal(t, byte('d'), e.Data()[0])
		require.Equal(t, types.Laddr(7), e.Laddr())
		c.DropTransaction(tx)
	}
	require.Equal(t, 1, loads)

	dev.Fail(errors.New("broken"))
	tx := c.CreateTransaction(types.SourceRead, "load", false)
	_, err := c.GetExtent(ctx, tx, types.ExtentObjectData, 3*bs, bs, nil)
	require.True(t, types.IO.Has(err))
}

func TestLengthMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)
	seed(t, c, 0, 'a', 1)

	tx := c.CreateTransaction(types.SourceRead, "read", false)
	require.Panics(t, func() {
		c.GetExtent(ctx, tx, types.ExtentTestBlock, 0, 2*bs, nil)
	})
}

func TestWeakTransactionCannotWrite(t *testing.T) {
	c, _ := newCache(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceRead, "weak", true)
	require.Panics(t, func() {
		c.AllocNewExtent(tx, types.ExtentTestBlock, bs, types.HintHot, types.OOLGeneration)
	})
}

func TestRootCopyOnWrite(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)

	tx := c.CreateTransaction(types.SourceMutate, "mkfs", false)
	c.Mkfs(tx)
	require.NoError(t, commit(c, tx, 1))

	old := c.CreateTransaction(types.SourceRead, "old", false)

	tx = c.CreateTransaction(types.SourceMutate, "meta", false)
	root, err := c.DuplicateRoot(ctx, tx)
	require.NoError(t, err)
	root.Root().Meta["k"] = "v"
	require.NoError(t, commit(c, tx, 2))

	require.Empty(t, c.GetRootFast(old).Root().Meta)

	n := c.CreateTransaction(types.SourceRead, "new", false)
	root, err = c.GetRoot(ctx, n)
	require.NoError(t, err)
	require.Equal(t, "v", root.Root().Meta["k"])
}

func TestDirtyExtents(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)
	seed(t, c, 0, 'a', 1)
	seed(t, c, bs, 'b', 2)

	for i, paddr := range []types.Paddr{bs, 0} {
		tx := c.CreateTransaction(types.SourceMutate, "dirty", false)
		e, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, paddr, bs, nil)
		require.NoError(t, err)
		_, err = c.DuplicateForWrite(ctx, tx, e)
		require.NoError(t, err)
		require.NoError(t, commit(c, tx, types.JournalSeq(3+i)))
	}

	c.RLock()
	require.Equal(t, types.JournalSeq(3), c.DirtyTail())
	c.RUnlock()

	tx := c.CreateTransaction(types.SourceTrimDirty, "trim", false)
	exts := c.GetNextDirtyExtents(tx, 4, 1<<20)
	require.Len(t, exts, 1)
	require.Equal(t, types.Paddr(bs), exts[0].Paddr())

	exts = c.GetNextDirtyExtents(tx, 5, bs)
	require.Len(t, exts, 1)

	stats := c.Stats()
	require.Equal(t, 2, stats.Dirty)
	require.Equal(t, uint64(2*bs), stats.DirtyBytes)
}

func TestResetTransaction(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, types.Serializable)
	seed(t, c, 0, 'a', 1)

	tx := c.CreateTransaction(types.SourceMutate, "reset", false)
	e, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, 0, bs, nil)
	require.NoError(t, err)
	m, err := c.DuplicateForWrite(ctx, tx, e)
	require.NoError(t, err)

	seed(t, c, bs, 'b', 2)
	require.Equal(t, types.JournalSeq(1), tx.Base())

	c.ResetTransaction(tx)
	require.Equal(t, types.JournalSeq(2), tx.Base())
	require.Equal(t, Invalid, m.State())
	require.False(t, tx.HasWrites())
	require.NoError(t, tx.Check(ctx))
}

func TestCanceledContext(t *testing.T) {
	c, _ := newCache(t, types.Serializable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx := c.CreateTransaction(types.SourceRead, "canceled", false)
	_, err := c.GetExtent(ctx, tx, types.ExtentTestBlock, 0, bs, nil)
	require.True(t, types.Interrupted.Has(err))
}
