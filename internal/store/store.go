// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/config"
	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/cleaner"
	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/device/memory"
	"github.com/asch/cowstore/internal/store/device/null"
	"github.com/asch/cowstore/internal/store/device/proxy"
	"github.com/asch/cowstore/internal/store/device/s3"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/journal/boltjournal"
	"github.com/asch/cowstore/internal/store/placement"
	"github.com/asch/cowstore/internal/store/tm"
	"github.com/asch/cowstore/internal/store/types"
)

// Options to use in New() function due to high number of parameters.
type Options struct {
	SegmentSize     uint64
	InlineThreshold uint64

	Cache    cache.Options
	NodeSize uint64
	Cleaner  cleaner.Options

	// Number of go routines serving device writes and reads.
	Writers int
	Readers int

	// Optional, metrics are not exported when nil.
	Registerer prometheus.Registerer
}

// Store is a running transactional extent store.
type Store struct {
	TM      *tm.TransactionManager
	Cleaner *cleaner.Cleaner

	reclaimThreshold float64

	sigusr1 chan os.Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

// Returns store configured by config.Cfg. The store has to be started.
func NewWithDefaults(reg prometheus.Registerer) (*Store, error) {
	dev, err := newDevice()
	if err != nil {
		return nil, err
	}

	j, err := newJournal()
	if err != nil {
		return nil, errs.Combine(err, dev.Close())
	}

	policy, err := types.ParseConflictPolicy(config.Cfg.Cache.Policy)
	if err != nil {
		return nil, errs.Combine(err, j.Close(), dev.Close())
	}

	s := New(dev, j, Options{
		SegmentSize:     config.Cfg.Placement.SegmentSize,
		InlineThreshold: config.Cfg.Placement.InlineThreshold,
		Cache: cache.Options{
			LRUEntries: config.Cfg.Cache.LRUEntries,
			Policy:     policy,
		},
		NodeSize: config.Cfg.Cache.NodeSize,
		Cleaner: cleaner.Options{
			Interval:          time.Duration(config.Cfg.Cleaner.Interval) * time.Millisecond,
			DirtyLag:          config.Cfg.Cleaner.DirtyLag,
			RewriteBytes:      config.Cfg.Cleaner.RewriteBytes,
			MergeBatch:        config.Cfg.Cleaner.MergeBatch,
			ReclaimThreshold:  config.Cfg.Cleaner.LiveData,
			ReclaimBelow:      config.Cfg.Cleaner.ReclaimBelow,
			CheckpointRecords: config.Cfg.Cleaner.CheckpointRecords,
		},
		Writers:    config.Cfg.S3.Uploaders,
		Readers:    config.Cfg.S3.Downloaders,
		Registerer: reg,
	})

	return s, nil
}

func newDevice() (device.Device, error) {
	switch config.Cfg.Device {
	case "null":
		return null.NewNull(config.Cfg.Size, config.Cfg.BlockSize), nil
	case "s3":
		return s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
			Size:      config.Cfg.Size,
			BlockSize: config.Cfg.BlockSize,
		})
	}

	return memory.New(config.Cfg.Size, config.Cfg.BlockSize), nil
}

func newJournal() (journal.Journal, error) {
	if config.Cfg.Journal.Path == "" {
		return journal.NewMemory(), nil
	}

	return boltjournal.Open(config.Cfg.Journal.Path)
}

// Returns store on top of dev and j. Device requests are prioritized by the
// proxy so cleaner I/O does not slow down transactions.
func New(dev device.Device, j journal.Journal, o Options) *Store {
	if o.Writers == 0 {
		o.Writers = 1
	}
	if o.Readers == 0 {
		o.Readers = 1
	}

	p := proxy.New(dev, o.Writers, o.Readers)

	t := tm.New(tm.Options{
		Device:  p,
		Journal: j,
		Placement: placement.New(placement.Options{
			Size:            dev.Size(),
			BlockSize:       dev.BlockSize(),
			SegmentSize:     o.SegmentSize,
			InlineThreshold: o.InlineThreshold,
		}, o.Registerer),
		Cache:      o.Cache,
		NodeSize:   o.NodeSize,
		Registerer: o.Registerer,
	})

	return &Store{
		TM:               t,
		Cleaner:          cleaner.New(t, o.Cleaner, o.Registerer),
		reclaimThreshold: o.Cleaner.ReclaimThreshold,
	}
}

// Start mounts the store, formats it if it is empty and starts the cleaner.
// Reclaim can be triggered by SIGUSR1 afterwards.
func (s *Store) Start(ctx context.Context) error {
	err := s.TM.Mount(ctx)
	if types.NotFound.Has(err) {
		log.Info().Msg("No checkpoint found, formatting.")
		err = s.TM.Mkfs(ctx)
	}
	if err != nil {
		return err
	}

	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.registerSigUSR1Handler(bg)

	go func() {
		defer close(s.done)
		s.Cleaner.Run(bg)
	}()

	log.Info().Interface("space", s.TM.StoreStat().Space).Msg("Store started.")

	return nil
}

// Stop stops the cleaner, writes the last checkpoint and closes the store.
func (s *Store) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.unregisterSigUSR1Handler()
	}

	err := s.TM.Checkpoint(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Final checkpoint failed.")
	}

	return errs.Combine(err, s.TM.Close())
}
