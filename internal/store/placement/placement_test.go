// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package placement

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/types"
)

const (
	bs  = 4096
	seg = 4 * bs
)

func newManager(reg prometheus.Registerer) *Manager {
	return New(Options{Size: 4 * seg, BlockSize: bs, SegmentSize: seg, InlineThreshold: bs}, reg)
}

func TestAllocStreamsUseSeparateSegments(t *testing.T) {
	m := newManager(nil)

	hot, inline, err := m.Alloc(bs, types.HintHot, types.InlineGeneration)
	require.NoError(t, err)
	require.True(t, inline)

	cold, inline, err := m.Alloc(2*bs, types.HintCold, types.InlineGeneration)
	require.NoError(t, err)
	require.False(t, inline)

	require.NotEqual(t, m.SegmentOf(hot), m.SegmentOf(cold))

	next, _, err := m.Alloc(bs, types.HintHot, types.InlineGeneration)
	require.NoError(t, err)
	require.Equal(t, hot.Add(bs), next)
}

func TestAllocNoSpace(t *testing.T) {
	m := newManager(nil)

	_, _, err := m.Alloc(2*seg, types.HintHot, types.OOLGeneration)
	require.True(t, types.NoSpace.Has(err))

	for i := 0; i < 4; i++ {
		_, _, err := m.Alloc(seg, types.HintHot, types.OOLGeneration)
		require.NoError(t, err)
	}

	_, _, err = m.Alloc(bs, types.HintHot, types.OOLGeneration)
	require.True(t, types.NoSpace.Has(err))
}

func TestReleaseIsDeferred(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newManager(reg)

	p, _, err := m.Alloc(seg, types.HintHot, types.OOLGeneration)
	require.NoError(t, err)
	m.MarkUsed(p, seg)

	// Next allocation closes the full segment.
	q, _, err := m.Alloc(bs, types.HintHot, types.OOLGeneration)
	require.NoError(t, err)
	m.MarkUsed(q, bs)

	m.MarkFree(p, seg, 10)
	require.Empty(t, m.ReleaseBefore(9))
	require.Equal(t, []int{m.SegmentOf(p)}, m.ReleaseBefore(10))
	require.Equal(t, float64(1), testutil.ToFloat64(m.metrics.released))

	s := m.Stat()
	require.Equal(t, uint64(bs), s.Used)
	require.Equal(t, 1, s.OpenSegments)
	require.Equal(t, 3, s.EmptySegments)
}

func TestCandidatesAndRebuild(t *testing.T) {
	m := newManager(nil)

	a, _, _ := m.Alloc(seg, types.HintHot, types.OOLGeneration)
	m.MarkUsed(a, bs)
	b, _, _ := m.Alloc(seg, types.HintHot, types.OOLGeneration)
	m.MarkUsed(b, 3*bs)
	_, _, _ = m.Alloc(bs, types.HintHot, types.OOLGeneration)

	c := m.Candidates(0.9)
	require.Len(t, c, 2)
	require.Equal(t, m.SegmentOf(a), c[0].ID)
	require.Equal(t, 0.25, c[0].Ratio)

	m.Reset()
	m.MarkUsed(b, 3*bs)
	m.Rebuild()

	s := m.Stat()
	require.Equal(t, 1, s.ClosedSegments)
	require.Equal(t, uint64(3*bs), s.Used)
	require.Equal(t, uint64(bs), s.Reclaimable)
}
