// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type val struct {
	target uint64
}

func TestInvalidateSparesOwner(t *testing.T) {
	s := NewSet[uint64, val]()

	mine := New[uint64, val](4096, val{1}, 4096, 7)
	theirs := New[uint64, val](4096, val{1}, 4096, 8)
	linked := New[uint64, val](4096, val{1}, 4096, Linked)
	other := New[uint64, val](8192, val{2}, 4096, 8)

	for _, p := range []*Pin[uint64, val]{mine, theirs, linked, other} {
		s.Add(p)
	}

	require.Equal(t, 2, s.Invalidate(4096, 7))
	require.True(t, mine.Valid())
	require.False(t, theirs.Valid())
	require.False(t, linked.Valid())
	require.True(t, other.Valid())
}

func TestReleaseOwner(t *testing.T) {
	s := NewSet[uint64, val]()
	s.Add(New[uint64, val](0, val{}, 4096, 3))
	s.Add(New[uint64, val](4096, val{}, 4096, 3))
	s.Add(New[uint64, val](4096, val{}, 4096, 4))

	require.Equal(t, 2, s.ReleaseOwner(3))
	require.Equal(t, 1, s.Len())
	require.Equal(t, 0, s.Count(0))
	require.Equal(t, 1, s.Count(4096))
}

func TestLinkAndRenew(t *testing.T) {
	s := NewSet[uint64, val]()
	p := New[uint64, val](0, val{1}, 4096, 5)
	s.Add(p)

	s.Link(p, val{2}, 4096)
	require.Equal(t, Linked, p.Owner())
	require.Equal(t, val{2}, p.Val())

	// Linked pins survive release of the transaction.
	require.Zero(t, s.ReleaseOwner(5))

	p.Invalidate()
	s.Renew(p, val{3}, 8192)
	require.True(t, p.Valid())
	require.Equal(t, uint64(8192), p.End())
}

func TestRekey(t *testing.T) {
	s := NewSet[uint64, val]()

	p := New[uint64, val](1<<62|3, val{1}, 4096, 7)
	s.Add(p)
	s.Rekey(p, 8192)

	require.Equal(t, uint64(8192), p.Key())
	require.Equal(t, 0, s.Count(1<<62|3))
	require.Equal(t, []*Pin[uint64, val]{p}, s.At(8192))
	require.Equal(t, 1, s.ReleaseOwner(7))
}
