// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package s3

import (
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/types"
)

func TestKeyEncoding(t *testing.T) {
	for _, k := range []int64{0, 4096, 1 << 33, 1<<40 + 8192} {
		require.Equal(t, k, decode(encode(k)))
	}

	require.Equal(t, "00001000/00000000", encode(4096))
}

func newIndexOnly() *S3 {
	return &S3{
		size:      1 << 20,
		blockSize: 4096,
		objects: btree.NewG[object](32, func(a, b object) bool {
			return a.paddr < b.paddr
		}),
	}
}

func TestInsertReplacesOverlapping(t *testing.T) {
	s := newIndexOnly()

	require.Empty(t, s.insert(object{paddr: 0, length: 8192}))
	require.Empty(t, s.insert(object{paddr: 8192, length: 4096}))

	stale := s.insert(object{paddr: 4096, length: 8192})
	require.ElementsMatch(t, []object{{0, 8192}, {8192, 4096}}, stale)
	require.Equal(t, 1, s.objects.Len())
}

func TestPiecesWithHoles(t *testing.T) {
	s := newIndexOnly()
	s.insert(object{paddr: 4096, length: 4096})
	s.insert(object{paddr: 12288, length: 8192})

	pieces := s.pieces(types.Paddr(0), 16384)
	require.Equal(t, []piece{
		{bufOff: 0, length: 4096},
		{object: 4096, objOff: 0, bufOff: 4096, length: 4096, mapped: true},
		{bufOff: 8192, length: 4096},
		{object: 12288, objOff: 0, bufOff: 12288, length: 4096, mapped: true},
	}, pieces)

	pieces = s.pieces(types.Paddr(16384), 4096)
	require.Equal(t, []piece{
		{object: 12288, objOff: 4096, bufOff: 0, length: 4096, mapped: true},
	}, pieces)
}
