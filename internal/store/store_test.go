// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/asch/cowstore/internal/config"
	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/cleaner"
	"github.com/asch/cowstore/internal/store/device/memory"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/types"
)

const (
	bs  = 4096
	seg = 16 * bs
)

var options = Options{
	SegmentSize:     seg,
	InlineThreshold: bs,
	Cache:           cache.Options{LRUEntries: 16},
	Cleaner:         cleaner.Options{Interval: time.Millisecond, ReclaimThreshold: 0.5},
}

func write(t *testing.T, s *Store, b byte) types.Laddr {
	t.Helper()
	ctx := context.Background()

	var laddr types.Laddr
	require.NoError(t, s.TM.Run(ctx, types.SourceMutate, "write", func(tx *cache.Transaction) error {
		e, err := s.TM.AllocExtent(ctx, tx, types.ExtentTestBlock, 0, 2*bs)
		if err != nil {
			return err
		}
		copy(e.Data(), bytes.Repeat([]byte{b}, 2*bs))
		laddr = e.Laddr()
		return nil
	}))

	return laddr
}

func read(t *testing.T, s *Store, laddr types.Laddr) []byte {
	t.Helper()
	ctx := context.Background()

	var data []byte
	require.NoError(t, s.TM.View(ctx, "read", func(tx *cache.Transaction) error {
		e, err := s.TM.ReadExtent(ctx, tx, laddr, 2*bs, types.ExtentTestBlock)
		if err != nil {
			return err
		}
		data = append([]byte(nil), e.Data()...)
		return nil
	}))

	return data
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	dev := memory.New(64*seg, bs)
	j := journal.NewMemory()

	s := New(dev, j, options)
	require.NoError(t, s.Start(ctx))
	laddr := write(t, s, 'r')
	require.NoError(t, s.Stop(ctx))

	s = New(dev, j, options)
	require.NoError(t, s.Start(ctx))
	require.Equal(t, bytes.Repeat([]byte{'r'}, 2*bs), read(t, s, laddr))
	require.NoError(t, s.Stop(ctx))
}

func TestReclaim(t *testing.T) {
	ctx := context.Background()

	s := New(memory.New(64*seg, bs), journal.NewMemory(), options)
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	laddrs := make([]types.Laddr, 0, seg/bs)
	for i := 0; i < seg/(2*bs)+1; i++ {
		laddrs = append(laddrs, write(t, s, byte(i)))
	}

	require.NoError(t, s.TM.Run(ctx, types.SourceMutate, "free", func(tx *cache.Transaction) error {
		return s.TM.DecRefs(ctx, tx, laddrs[1:seg/(2*bs)])
	}))

	s.reclaim(ctx)

	require.Empty(t, s.TM.Placement().Candidates(0.5))
	require.Equal(t, bytes.Repeat([]byte{0}, 2*bs), read(t, s, laddrs[0]))
}

func TestNewWithDefaults(t *testing.T) {
	ctx := context.Background()

	saved := config.Cfg
	defer func() { config.Cfg = saved }()

	config.Cfg.Device = "memory"
	config.Cfg.Size = 64 * seg
	config.Cfg.BlockSize = bs
	config.Cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	config.Cfg.Placement.SegmentSize = seg
	config.Cfg.Placement.InlineThreshold = bs
	config.Cfg.Cache.LRUEntries = 16
	config.Cfg.Cache.Policy = "snapshot"
	config.Cfg.Cleaner.Interval = 1

	s, err := NewWithDefaults(prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))

	laddr := write(t, s, 'd')
	require.Equal(t, bytes.Repeat([]byte{'d'}, 2*bs), read(t, s, laddr))

	require.NoError(t, s.Stop(ctx))
}
