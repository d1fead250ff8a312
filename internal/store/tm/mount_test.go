// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tm

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/device/memory"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/types"
)

func TestMountUnformatted(t *testing.T) {
	tm := newManager(memory.New(size, bs), journal.NewMemory(), types.Serializable)
	defer tm.Close()

	require.True(t, types.NotFound.Has(tm.Mount(context.Background())))
}

func TestMkfsKeepsFormattedStore(t *testing.T) {
	f := newFixture(t)

	laddr := f.alloc(t, 'k', bs)[0]

	require.NoError(t, f.tm.Mkfs(context.Background()))
	require.Equal(t, bytes.Repeat([]byte{'k'}, bs), read(t, f.tm, laddr, bs))
}

func TestMountRestoresState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	laddrs := f.alloc(t, 'a', bs, 4*bs, bs)
	mutate(t, f.tm, laddrs[1], 4*bs, 'm')

	require.NoError(t, f.tm.Run(ctx, types.SourceMutate, "update", func(tx *cache.Transaction) error {
		if _, err := f.tm.DecRef(ctx, tx, laddrs[2]); err != nil {
			return err
		}
		return f.tm.UpdateRootMeta(ctx, tx, "k", "v")
	}))

	used := f.tm.StoreStat().Space.Used

	tm := f.remount(t)

	require.Equal(t, bytes.Repeat([]byte{'a'}, bs), read(t, tm, laddrs[0], bs))
	require.Equal(t, bytes.Repeat([]byte{'m'}, 4*bs), read(t, tm, laddrs[1], 4*bs))
	require.Equal(t, used, tm.StoreStat().Space.Used)

	tx := tm.CreateTransaction(types.SourceRead, "check")
	defer tm.DropTransaction(tx)

	_, err := tm.GetPin(ctx, tx, laddrs[2])
	require.True(t, types.NotFound.Has(err))

	v, ok, err := tm.ReadRootMeta(ctx, tx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestMountAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	laddrs := f.alloc(t, 'a', bs, 2*bs)
	mutate(t, f.tm, laddrs[1], 2*bs, 'b')

	tx := f.tm.CreateTransaction(types.SourceTrimDirty, "trim")
	exts, err := f.tm.GetNextDirtyExtents(ctx, tx, f.tm.Tails().Head+1, 1<<20)
	require.NoError(t, err)
	for _, e := range exts {
		require.NoError(t, f.tm.RewriteExtent(ctx, tx, e))
	}
	require.NoError(t, f.tm.SubmitTransactionDirect(ctx, tx, types.SeqNull, nil))

	tx = f.tm.CreateTransaction(types.SourceTrimAlloc, "merge")
	_, err = f.tm.Backref().MergeCachedBackrefs(ctx, tx, f.tm.Tails().Head, 1000)
	require.NoError(t, err)
	require.NoError(t, f.tm.SubmitTransactionDirect(ctx, tx, types.SeqNull, nil))

	require.NoError(t, f.tm.Checkpoint(ctx))

	// Only the merge record is newer than the merged backrefs.
	require.Equal(t, 1, f.j.Len())

	mutate(t, f.tm, laddrs[0], bs, 'c')

	tm := f.remount(t)

	require.Equal(t, bytes.Repeat([]byte{'c'}, bs), read(t, tm, laddrs[0], bs))
	require.Equal(t, bytes.Repeat([]byte{'b'}, 2*bs), read(t, tm, laddrs[1], 2*bs))
	require.Equal(t, f.tm.StoreStat().Space.Used, tm.StoreStat().Space.Used)
}

func TestCorruptImage(t *testing.T) {
	data, err := encodeImage(&lbaImage{})
	require.NoError(t, err)

	var li lbaImage
	require.NoError(t, decodeImage(data, &li))

	data[len(data)-1] ^= 0xff
	require.True(t, types.Corrupt.Has(decodeImage(data, &li)))
	require.True(t, types.Corrupt.Has(decodeImage(data[:3], &li)))
}
