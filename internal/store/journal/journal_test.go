// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/cowtree"
	"github.com/asch/cowstore/internal/store/types"
)

func sampleRecord() *Record {
	root := types.NewRootBlock()
	root.Meta["k"] = "v"

	return &Record{
		Source: types.SourceMutate,
		Fresh: []FreshExtent{
			{Type: types.ExtentTestBlock, Paddr: 4096, Len: 4096, Laddr: 0, Inline: true, Data: []byte("inline")},
		},
		Deltas:  []Delta{{Type: types.ExtentOnode, Paddr: 8192, Laddr: 4096, Data: []byte("delta")}},
		Retired: []Retire{{Type: types.ExtentTestBlock, Paddr: 12288, Len: 4096}},
		LBA: []cowtree.Write[types.Laddr, types.LBAMapping]{
			{Key: 0, Val: types.LBAMapping{Paddr: 4096, Len: 4096, Refcount: 1}},
			{Key: 8192, Deleted: true},
		},
		Backrefs: []BackrefEntry{{Paddr: 4096, Laddr: 0, Len: 4096, Type: types.ExtentTestBlock}},
		Merged:   []types.JournalSeq{1, 2},
		MergeLow: 2,
		Root:     root,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	r := sampleRecord()
	r.Seq = 9

	data, err := Encode(r)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(r, got))
	require.Equal(t, len("inline")+len("delta"), got.Size())
}

func TestCodecDetectsCorruption(t *testing.T) {
	data, err := Encode(sampleRecord())
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff
	_, err = Decode(data)
	require.True(t, types.Corrupt.Has(err))

	_, err = Decode([]byte{1, 2})
	require.True(t, types.Corrupt.Has(err))
}

func TestMemorySubmitReplayTrim(t *testing.T) {
	ctx := context.Background()
	j := NewMemory()

	require.Equal(t, types.JournalSeq(1), j.Tail())

	for i := 1; i <= 5; i++ {
		s, err := j.Submit(ctx, &Record{})
		require.NoError(t, err)
		require.Equal(t, types.JournalSeq(i), s)
	}
	require.Equal(t, types.JournalSeq(5), j.Head())

	var replayed []types.JournalSeq
	require.NoError(t, j.Replay(ctx, 3, func(r *Record) error {
		replayed = append(replayed, r.Seq)
		return nil
	}))
	require.Equal(t, []types.JournalSeq{3, 4, 5}, replayed)

	require.NoError(t, j.Trim(ctx, 4))
	require.Equal(t, 1, j.Len())
	require.Equal(t, types.JournalSeq(5), j.Tail())

	require.NoError(t, j.Trim(ctx, 5))
	require.Equal(t, types.JournalSeq(6), j.Tail())
}

func TestMemoryCheckpointAndFailure(t *testing.T) {
	ctx := context.Background()
	j := NewMemory()

	_, err := j.ReadCheckpoint(ctx)
	require.True(t, types.NotFound.Has(err))

	require.NoError(t, j.WriteCheckpoint(ctx, []byte("descriptor")))
	data, err := j.ReadCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("descriptor"), data)

	j.Fail(errors.New("disk gone"))
	_, err = j.Submit(ctx, &Record{})
	require.True(t, Error.Has(err))
	require.Equal(t, types.SeqNull, j.Head())
}
