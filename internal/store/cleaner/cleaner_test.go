// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cleaner

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/device/memory"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/placement"
	"github.com/asch/cowstore/internal/store/tm"
	"github.com/asch/cowstore/internal/store/types"
)

const (
	bs   = 4096
	seg  = 16 * bs
	size = 64 * seg
)

func newStore(t *testing.T) *tm.TransactionManager {
	t.Helper()

	s := tm.New(tm.Options{
		Device:    memory.New(size, bs),
		Journal:   journal.NewMemory(),
		Placement: placement.New(placement.Options{Size: size, BlockSize: bs, SegmentSize: seg, InlineThreshold: bs}, nil),
		Cache:     cache.Options{LRUEntries: 64},
	})
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Mkfs(context.Background()))

	return s
}

func alloc(t *testing.T, s *tm.TransactionManager, n int) []types.Laddr {
	t.Helper()
	ctx := context.Background()

	tx := s.CreateTransaction(types.SourceMutate, "alloc")

	laddrs := make([]types.Laddr, n)
	for i := range laddrs {
		e, err := s.AllocExtent(ctx, tx, types.ExtentTestBlock, 0, bs)
		require.NoError(t, err)
		copy(e.Data(), bytes.Repeat([]byte{byte(i)}, bs))
		laddrs[i] = e.Laddr()
	}

	require.NoError(t, s.SubmitTransaction(ctx, tx))

	return laddrs
}

func read(t *testing.T, s *tm.TransactionManager, laddr types.Laddr) []byte {
	t.Helper()

	var data []byte
	require.NoError(t, s.View(context.Background(), "read", func(tx *cache.Transaction) error {
		e, err := s.ReadExtent(context.Background(), tx, laddr, bs, types.ExtentTestBlock)
		if err != nil {
			return err
		}
		data = append([]byte(nil), e.Data()...)
		return nil
	}))

	return data
}

func mutate(t *testing.T, s *tm.TransactionManager, laddr types.Laddr) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Run(ctx, types.SourceMutate, "mutate", func(tx *cache.Transaction) error {
		e, err := s.ReadExtent(ctx, tx, laddr, bs, types.ExtentTestBlock)
		if err != nil {
			return err
		}
		m, err := s.GetMutableExtent(ctx, tx, e)
		if err != nil {
			return err
		}
		m.Data()[0] = 'm'
		return nil
	}))
}

func TestTrimDirty(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := New(s, Options{}, prometheus.NewRegistry())

	laddr := alloc(t, s, 1)[0]
	mutate(t, s, laddr)
	require.Equal(t, 1, s.Cache().Stats().Dirty)

	n, err := c.TrimDirty(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, s.Cache().Stats().Dirty)

	n, err = c.TrimDirty(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Equal(t, byte('m'), read(t, s, laddr)[0])
}

func TestTrimDirtyRespectsLag(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := New(s, Options{DirtyLag: 100}, nil)

	laddr := alloc(t, s, 1)[0]
	mutate(t, s, laddr)

	n, err := c.TrimDirty(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, s.Cache().Stats().Dirty)
}

func TestTrimAlloc(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := New(s, Options{MergeBatch: 1}, nil)

	for i := 0; i < 3; i++ {
		alloc(t, s, 1)
	}
	require.Equal(t, 3, c.Stat().Buffered)

	n, err := c.TrimAlloc(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, c.Stat().Buffered)

	for i := 0; i < 10 && c.Stat().Buffered > 0; i++ {
		_, err := c.TrimAlloc(ctx)
		require.NoError(t, err)
	}

	require.Zero(t, c.Stat().Buffered)
	require.Equal(t, 3, s.Backref().Len())
}

func TestReclaimRelocatesLiveExtents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	c := New(s, Options{}, nil)

	// The last one closes the segment filled by the others.
	laddrs := alloc(t, s, seg/bs+1)

	require.NoError(t, s.Run(ctx, types.SourceMutate, "free", func(tx *cache.Transaction) error {
		return s.DecRefs(ctx, tx, laddrs[:seg/bs-2])
	}))

	candidates := s.Placement().Candidates(0.5)
	require.Len(t, candidates, 1)

	n, err := c.Reclaim(ctx, 0.5)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Zero(t, s.Placement().Used(candidates[0].ID))
	require.Empty(t, s.Placement().Candidates(0.5))

	for _, i := range []int{seg/bs - 2, seg/bs - 1, seg / bs} {
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, bs), read(t, s, laddrs[i]))
	}

	_, err = c.ReleaseEmpty(ctx)
	require.NoError(t, err)
}

func TestRun(t *testing.T) {
	s := newStore(t)
	c := New(s, Options{Interval: time.Millisecond, CheckpointRecords: 1}, nil)

	laddr := alloc(t, s, 1)[0]
	mutate(t, s, laddr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		st := c.Stat()
		return s.Cache().Stats().Dirty == 0 && st.Buffered == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	require.Equal(t, byte('m'), read(t, s, laddr)[0])
}
