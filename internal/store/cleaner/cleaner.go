// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cleaner keeps the store writable. It rewrites dirty extents so the
// journal can be trimmed, merges cached backrefs into the backref tree and
// evacuates sparsely used segments so they can be reused.
package cleaner

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/backref"
	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/placement"
	"github.com/asch/cowstore/internal/store/tm"
	"github.com/asch/cowstore/internal/store/types"
)

// ExtentCallback is what the cleaner needs from the transaction manager.
type ExtentCallback interface {
	CreateTransaction(src types.Source, name string) *cache.Transaction
	DropTransaction(t *cache.Transaction)

	GetNextDirtyExtents(ctx context.Context, t *cache.Transaction, seq types.JournalSeq, maxBytes uint64) ([]*cache.Extent, error)
	RewriteExtent(ctx context.Context, t *cache.Transaction, e *cache.Extent) error
	GetExtentsIfLive(ctx context.Context, t *cache.Transaction, typ types.ExtentType, paddr types.Paddr, length uint64) ([]*cache.Extent, error)
	SubmitTransactionDirect(ctx context.Context, t *cache.Transaction, trimTo types.JournalSeq, segment *placement.SegmentInfo) error

	Checkpoint(ctx context.Context) error
	ReleaseSegments(ctx context.Context) ([]int, error)

	Tails() tm.Tails
	StoreStat() tm.Stat
	Backref() backref.Manager
	Placement() *placement.Manager
}

// Options of the cleaner. Zero values of the limits mean the most eager
// behavior.
type Options struct {
	// Pause between two runs of the background loop.
	Interval time.Duration

	// Dirty extents may lag this many commits behind the journal head.
	DirtyLag uint64

	// Bytes rewritten by one dirty trimming transaction.
	RewriteBytes uint64

	// Backref entries merged by one transaction.
	MergeBatch int

	// Segments with lower live ratio are evacuated.
	ReclaimThreshold float64

	// Reclaim runs only when less than this ratio of space is available.
	ReclaimBelow float64

	// A checkpoint is written once the journal holds this many records.
	CheckpointRecords uint64
}

// Stat is what the cleaner knows about the store.
type Stat struct {
	Space    placement.Stat
	Tails    tm.Tails
	Buffered int
}

// Cleaner runs the background tasks.
type Cleaner struct {
	cb ExtentCallback
	o  Options

	metrics metrics
}

type metrics struct {
	runs      prometheus.Counter
	rewritten *prometheus.CounterVec
	merged    prometheus.Counter
	released  prometheus.Counter
}

func New(cb ExtentCallback, o Options, reg prometheus.Registerer) *Cleaner {
	if o.RewriteBytes == 0 {
		o.RewriteBytes = 1 << 20
	}
	if o.MergeBatch == 0 {
		o.MergeBatch = 1024
	}
	if o.Interval == 0 {
		o.Interval = time.Second
	}

	c := &Cleaner{
		cb: cb,
		o:  o,
		metrics: metrics{
			runs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cleaner", Name: "runs_total",
				Help: "Runs of the background loop.",
			}),
			rewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cleaner", Name: "rewritten_extents_total",
				Help: "Extents rewritten by task.",
			}, []string{"task"}),
			merged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cleaner", Name: "merged_groups_total",
				Help: "Backref groups merged into the tree.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "cleaner", Name: "released_segments_total",
				Help: "Segments returned to the free pool.",
			}),
		},
	}

	if reg != nil {
		reg.MustRegister(c.metrics.runs, c.metrics.rewritten, c.metrics.merged, c.metrics.released)
	}

	return c
}

func (c *Cleaner) Stat() Stat {
	return Stat{
		Space:    c.cb.Placement().Stat(),
		Tails:    c.cb.Tails(),
		Buffered: len(c.cb.Backref().GetCachedBackrefs()),
	}
}

// TrimDirty rewrites one batch of extents which stay dirty for longer than
// DirtyLag commits. Returns the number of rewritten extents.
func (c *Cleaner) TrimDirty(ctx context.Context) (int, error) {
	tails := c.cb.Tails()
	target := tails.Head + 1 - types.JournalSeq(min(c.o.DirtyLag, uint64(tails.Head)))

	if tails.Dirty == types.SeqNull || tails.Dirty >= target {
		return 0, nil
	}

	var rewritten int

	err := tm.RepeatEagain(ctx, func() error {
		rewritten = 0

		t := c.cb.CreateTransaction(types.SourceTrimDirty, "trim_dirty")

		exts, err := c.cb.GetNextDirtyExtents(ctx, t, target, c.o.RewriteBytes)
		if err != nil {
			c.cb.DropTransaction(t)
			return err
		}

		for _, e := range exts {
			if err := c.cb.RewriteExtent(ctx, t, e); err != nil {
				c.cb.DropTransaction(t)
				return err
			}
		}
		rewritten = len(exts)

		return c.cb.SubmitTransactionDirect(ctx, t, target-1, nil)
	})
	if err != nil {
		return 0, err
	}

	c.metrics.rewritten.WithLabelValues("trim_dirty").Add(float64(rewritten))
	log.Debug().Int("extents", rewritten).Uint64("target", uint64(target)).Msg("Dirty extents trimmed.")

	return rewritten, nil
}

// TrimAlloc merges one batch of cached backrefs into the tree. Returns the
// number of merged groups.
func (c *Cleaner) TrimAlloc(ctx context.Context) (int, error) {
	if len(c.cb.Backref().GetCachedBackrefs()) == 0 {
		return 0, nil
	}

	var merged int

	err := tm.RepeatEagain(ctx, func() error {
		t := c.cb.CreateTransaction(types.SourceTrimAlloc, "trim_alloc")

		if _, err := c.cb.Backref().MergeCachedBackrefs(ctx, t, c.cb.Tails().Head, c.o.MergeBatch); err != nil {
			c.cb.DropTransaction(t)
			return err
		}

		groups, _ := c.cb.Backref().Merged(t)
		merged = len(groups)

		return c.cb.SubmitTransactionDirect(ctx, t, types.SeqNull, nil)
	})
	if err != nil {
		return 0, err
	}

	c.metrics.merged.Add(float64(merged))
	log.Debug().Int("groups", merged).Msg("Cached backrefs merged.")

	return merged, nil
}

// Reclaim evacuates closed segments whose live ratio is below threshold.
// Returns the number of relocated extents.
func (c *Cleaner) Reclaim(ctx context.Context, threshold float64) (int, error) {
	candidates := c.cb.Placement().Candidates(threshold)
	if len(candidates) == 0 {
		return 0, nil
	}

	log.Info().Int("segments", len(candidates)).Msgf("Reclaim started with threshold %1.2f.", threshold)

	total := 0
	checkpoint := false

	for i := range candidates {
		seg := candidates[i]

		moved, err := c.reclaimSegment(ctx, &seg)
		if err != nil {
			return total, err
		}
		total += moved

		if len(c.cb.Backref().GetCachedBackrefExtentsInRange(seg.Start, seg.End)) > 0 {
			checkpoint = true
		}
	}

	// Tree nodes move only with a new checkpoint.
	if checkpoint {
		if err := c.cb.Checkpoint(ctx); err != nil {
			return total, err
		}
	}

	c.metrics.rewritten.WithLabelValues("reclaim").Add(float64(total))
	log.Info().Int("extents", total).Msg("Reclaim finished.")

	return total, nil
}

func (c *Cleaner) reclaimSegment(ctx context.Context, seg *placement.SegmentInfo) (int, error) {
	var moved int

	err := tm.RepeatEagain(ctx, func() error {
		moved = 0

		t := c.cb.CreateTransaction(types.SourceCleanerReclaim, "reclaim")

		pins, err := c.cb.Backref().GetMappings(ctx, t, seg.Start, seg.End)
		if err != nil {
			c.cb.DropTransaction(t)
			return err
		}

		for _, p := range pins {
			v := p.Val()

			exts, err := c.cb.GetExtentsIfLive(ctx, t, v.Type, p.Key(), v.Len)
			if err != nil {
				c.cb.DropTransaction(t)
				return err
			}

			for _, e := range exts {
				if err := c.cb.RewriteExtent(ctx, t, e); err != nil {
					c.cb.DropTransaction(t)
					return err
				}
				moved++
			}
		}

		return c.cb.SubmitTransactionDirect(ctx, t, types.SeqNull, seg)
	})

	log.Debug().Int("segment", seg.ID).Float64("ratio", seg.Ratio).Int("extents", moved).Msg("Segment reclaimed.")

	return moved, err
}

// ReleaseEmpty returns fully dead segments to the free pool.
func (c *Cleaner) ReleaseEmpty(ctx context.Context) (int, error) {
	released, err := c.cb.ReleaseSegments(ctx)
	if err != nil {
		return 0, err
	}

	c.metrics.released.Add(float64(len(released)))

	return len(released), nil
}

// Run is the background loop. It returns when ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.o.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		log.Trace().Msg("Cleaner started.")

		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Cleaner run failed.")
		}

		log.Trace().Msg("Cleaner finished.")
	}
}

func (c *Cleaner) runOnce(ctx context.Context) error {
	c.metrics.runs.Inc()

	if _, err := c.TrimDirty(ctx); err != nil {
		return err
	}

	if _, err := c.TrimAlloc(ctx); err != nil {
		return err
	}

	if space := c.cb.Placement().Stat(); float64(space.Available) < c.o.ReclaimBelow*float64(space.Total) {
		if _, err := c.Reclaim(ctx, c.o.ReclaimThreshold); err != nil {
			return err
		}
	}

	if _, err := c.ReleaseEmpty(ctx); err != nil {
		return err
	}

	if s := c.cb.StoreStat(); c.o.CheckpointRecords > 0 && uint64(s.JournalHead+1-s.JournalTail) >= c.o.CheckpointRecords {
		return c.cb.Checkpoint(ctx)
	}

	return nil
}
