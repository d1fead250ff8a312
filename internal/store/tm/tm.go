// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package tm is the transaction manager. It is the only entry point of the
// store for its users. Transactions read and modify extents through logical
// addresses and the manager keeps the forward and reverse mappings, the root
// block and the physical placement consistent. Commits are serialized by one
// worker which writes the extents, submits the journal record and publishes
// the new state.
package tm

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/store/backref"
	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/lba"
	"github.com/asch/cowstore/internal/store/placement"
	"github.com/asch/cowstore/internal/store/types"
)

// Error is the error class of this package.
var Error = errs.Class("tm")

// Options to use in New() function due to high number of parameters.
type Options struct {
	Device    device.Device
	Journal   journal.Journal
	Placement *placement.Manager
	Cache     cache.Options

	// Maximum size of one checkpointed tree node.
	NodeSize uint64

	// Optional, metrics are not exported when nil.
	Registerer prometheus.Registerer
}

// TransactionManager glues the cache, both mappings, the journal and the
// placement together.
type TransactionManager struct {
	cache     *cache.Cache
	lba       lba.Manager
	backref   backref.Manager
	journal   journal.Journal
	dev       device.Device
	placement *placement.Manager

	blockSize uint64
	nodeSize  uint64

	// Channels for internal communication with the commit worker.
	userChan    chan *commitRequest
	cleanerChan chan *commitRequest
	controlChan chan controlRequest
	quit        chan struct{}
	done        chan struct{}

	// Records up to trimBound are covered by the last checkpoint. Owned by
	// the worker.
	trimBound types.JournalSeq

	metrics metrics
}

type metrics struct {
	commitSeconds *prometheus.HistogramVec
	outcomes      *prometheus.CounterVec
	recordBytes   prometheus.Counter
	checkpoints   prometheus.Counter
}

// New returns manager which can be directly used after Mount or Mkfs. It
// spawns the commit worker.
func New(o Options) *TransactionManager {
	c := cache.New(o.Device, o.Cache, o.Registerer)

	nodeSize := o.NodeSize
	if nodeSize == 0 || nodeSize > o.Placement.SegmentSize() {
		nodeSize = o.Placement.SegmentSize()
	}

	tm := &TransactionManager{
		cache:       c,
		lba:         lba.NewBtreeManager(c, o.Registerer),
		backref:     backref.NewBtreeManager(c, o.Registerer),
		journal:     o.Journal,
		dev:         o.Device,
		placement:   o.Placement,
		blockSize:   o.Device.BlockSize(),
		nodeSize:    types.RoundUp(nodeSize, o.Device.BlockSize()),
		userChan:    make(chan *commitRequest),
		cleanerChan: make(chan *commitRequest),
		controlChan: make(chan controlRequest),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		metrics: metrics{
			commitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cowstore", Subsystem: "tm", Name: "commit_seconds",
				Help:    "Duration of the commit pipeline by source.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			}, []string{"src"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "tm", Name: "submissions_total",
				Help: "Submitted transactions by source and outcome.",
			}, []string{"src", "outcome"}),
			recordBytes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "tm", Name: "record_bytes_total",
				Help: "Payload bytes submitted to the journal.",
			}),
			checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cowstore", Subsystem: "tm", Name: "checkpoints_total",
				Help: "Written checkpoints.",
			}),
		},
	}

	if o.Registerer != nil {
		o.Registerer.MustRegister(tm.metrics.commitSeconds, tm.metrics.outcomes,
			tm.metrics.recordBytes, tm.metrics.checkpoints)
	}

	go tm.worker()

	return tm
}

// Close stops the commit worker and closes the journal and the device.
// Transactions must not be used afterwards.
func (tm *TransactionManager) Close() error {
	select {
	case <-tm.quit:
		return nil
	default:
	}

	close(tm.quit)
	<-tm.done

	return errs.Combine(tm.journal.Close(), tm.dev.Close())
}

func (tm *TransactionManager) Cache() *cache.Cache {
	return tm.cache
}

func (tm *TransactionManager) LBA() lba.Manager {
	return tm.lba
}

func (tm *TransactionManager) Backref() backref.Manager {
	return tm.backref
}

func (tm *TransactionManager) Placement() *placement.Manager {
	return tm.placement
}

func (tm *TransactionManager) GetBlockSize() uint64 {
	return tm.blockSize
}

// CreateTransaction returns a transaction which can read and write.
func (tm *TransactionManager) CreateTransaction(src types.Source, name string) *cache.Transaction {
	return tm.cache.CreateTransaction(src, name, false)
}

// CreateWeakTransaction returns a read-only transaction which never
// conflicts. It cannot be submitted.
func (tm *TransactionManager) CreateWeakTransaction(src types.Source, name string) *cache.Transaction {
	return tm.cache.CreateTransaction(src, name, true)
}

// ResetTransaction restarts t on the current state, typically after a
// conflict.
func (tm *TransactionManager) ResetTransaction(t *cache.Transaction) {
	tm.cache.ResetTransaction(t)
}

// DropTransaction abandons t. Nothing it did becomes visible.
func (tm *TransactionManager) DropTransaction(t *cache.Transaction) {
	tm.cache.DropTransaction(t)
}

// GetPin returns the mapping which covers laddr.
func (tm *TransactionManager) GetPin(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (*lba.Pin, error) {
	return tm.lba.GetMapping(ctx, t, laddr)
}

// GetPins returns all mappings overlapping [laddr, laddr+length).
func (tm *TransactionManager) GetPins(ctx context.Context, t *cache.Transaction, laddr types.Laddr,
	length uint64) ([]*lba.Pin, error) {

	return tm.lba.GetMappings(ctx, t, laddr, length)
}

// PinToExtent returns the extent referenced by p. The pin has to be valid
// before and after the extent is read.
func (tm *TransactionManager) PinToExtent(ctx context.Context, t *cache.Transaction, p *lba.Pin,
	typ types.ExtentType) (*cache.Extent, error) {

	if err := tm.checkPin(t, p); err != nil {
		return nil, err
	}

	v := p.Val()
	types.Assertf(v.Paddr != types.PaddrZero, "reading reserved region %s", p.Key())

	e, err := tm.cache.GetExtent(ctx, t, typ, v.Paddr, v.Len, func(e *cache.Extent) {
		e.SetLaddr(p.Key())
		tm.lba.LinkExtentPin(e, p.Key(), v)
	})
	if err != nil {
		return nil, err
	}

	if err := tm.checkPin(t, p); err != nil {
		return nil, err
	}

	return e, nil
}

func (tm *TransactionManager) checkPin(t *cache.Transaction, p *lba.Pin) error {
	if p.Valid() {
		return nil
	}

	t.MarkConflicted()

	return types.Interrupted.Wrap(types.Conflict.New("mapping at %s changed", p.Key()))
}

// ReadExtent returns the extent mapped exactly at [laddr, laddr+length).
// Reading a range which is not exactly one mapping is a programming error.
func (tm *TransactionManager) ReadExtent(ctx context.Context, t *cache.Transaction, laddr types.Laddr,
	length uint64, typ types.ExtentType) (*cache.Extent, error) {

	p, err := tm.lba.GetMapping(ctx, t, laddr)
	if err != nil {
		return nil, err
	}

	types.Assertf(p.Key() == laddr && p.Len() == length, "reading %s+%d hit mapping %s+%d",
		laddr, length, p.Key(), p.Len())

	return tm.PinToExtent(ctx, t, p, typ)
}

// ReadExtentAt returns the extent mapped at laddr whatever its length is.
func (tm *TransactionManager) ReadExtentAt(ctx context.Context, t *cache.Transaction, laddr types.Laddr,
	typ types.ExtentType) (*cache.Extent, error) {

	p, err := tm.lba.GetMapping(ctx, t, laddr)
	if err != nil {
		return nil, err
	}

	types.Assertf(p.Key() == laddr, "reading %s inside mapping %s+%d", laddr, p.Key(), p.Len())

	return tm.PinToExtent(ctx, t, p, typ)
}

// GetMutableExtent returns the copy of e which t can modify.
func (tm *TransactionManager) GetMutableExtent(ctx context.Context, t *cache.Transaction,
	e *cache.Extent) (*cache.Extent, error) {

	return tm.cache.DuplicateForWrite(ctx, t, e)
}

// AllocExtent creates a zeroed extent mapped at the first free logical
// range at or after hint.
func (tm *TransactionManager) AllocExtent(ctx context.Context, t *cache.Transaction, typ types.ExtentType,
	hint types.Laddr, length uint64) (*cache.Extent, error) {

	return tm.AllocExtentPlaced(ctx, t, typ, hint, length, types.HintHot, types.InlineGeneration)
}

// AllocExtentPlaced is AllocExtent with explicit placement. On error the
// mapping may stay staged in t, so t has to be dropped or reset.
func (tm *TransactionManager) AllocExtentPlaced(ctx context.Context, t *cache.Transaction, typ types.ExtentType,
	hint types.Laddr, length uint64, phint types.PlacementHint, gen types.Generation) (*cache.Extent, error) {

	types.Assertf(typ.IsLogical(), "allocating %s through the logical mapping", typ)
	types.Assertf(types.Aligned(uint64(hint), tm.blockSize), "hint %s not aligned", hint)

	if err := t.Check(ctx); err != nil {
		return nil, err
	}

	e := tm.cache.AllocNewExtent(t, typ, length, phint, gen)

	p, err := tm.lba.AllocExtent(ctx, t, hint, length, e.Paddr())
	if err != nil {
		return nil, errs.Combine(err, tm.cache.RetireExtent(ctx, t, e))
	}

	e.SetLaddr(p.Key())
	e.SetLogicalPin(p)

	bp, err := tm.backref.NewMapping(ctx, t, e.Paddr(), length, p.Key(), typ)
	if err != nil {
		return nil, errs.Combine(err, tm.cache.RetireExtent(ctx, t, e))
	}
	e.SetBackrefPin(bp)

	log.Trace().Uint64("txn", t.ID()).Stringer("laddr", p.Key()).Uint64("len", length).
		Stringer("type", typ).Msg("Extent allocated.")

	return e, nil
}

// AllocExtents allocates length bytes as consecutive extents of at most
// maxExtent bytes each.
func (tm *TransactionManager) AllocExtents(ctx context.Context, t *cache.Transaction, typ types.ExtentType,
	hint types.Laddr, length, maxExtent uint64) ([]*cache.Extent, error) {

	types.Assertf(maxExtent > 0 && types.Aligned(maxExtent, tm.blockSize), "bad extent limit %d", maxExtent)

	var exts []*cache.Extent
	for length > 0 {
		n := min(length, maxExtent)

		e, err := tm.AllocExtent(ctx, t, typ, hint, n)
		if err != nil {
			return nil, err
		}

		exts = append(exts, e)
		hint = e.Laddr() + types.Laddr(n)
		length -= n
	}

	return exts, nil
}

// ReserveRegion maps length bytes to the zero address. The region occupies
// logical space but has no extent.
func (tm *TransactionManager) ReserveRegion(ctx context.Context, t *cache.Transaction, hint types.Laddr,
	length uint64) (*lba.Pin, error) {

	return tm.lba.AllocExtent(ctx, t, hint, length, types.PaddrZero)
}

// MapExistingExtent maps laddr to bytes already on the device at paddr. The
// physical range has to be retired by t before, typically when a large
// extent is split. After an error t has to be dropped or reset.
func (tm *TransactionManager) MapExistingExtent(ctx context.Context, t *cache.Transaction, typ types.ExtentType,
	laddr types.Laddr, paddr types.Paddr, length uint64) (*cache.Extent, error) {

	types.Assertf(typ.IsLogical(), "mapping %s through the logical mapping", typ)

	e, err := tm.cache.AllocExistingExtent(ctx, t, typ, paddr, length)
	if err != nil {
		return nil, err
	}

	p, err := tm.lba.AllocExtentAt(ctx, t, laddr, length, paddr)
	if err != nil {
		return nil, errs.Combine(err, tm.cache.RetireExtent(ctx, t, e))
	}

	e.SetLaddr(laddr)
	e.SetLogicalPin(p)

	bp, err := tm.backref.NewMapping(ctx, t, paddr, length, laddr, typ)
	if err != nil {
		return nil, errs.Combine(err, tm.cache.RetireExtent(ctx, t, e))
	}
	e.SetBackrefPin(bp)

	return e, nil
}

// IncRef adds a reference to the mapping at laddr and returns the new count.
func (tm *TransactionManager) IncRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (uint32, error) {
	r, err := tm.lba.IncRef(ctx, t, laddr)
	return r.Refcount, err
}

func (tm *TransactionManager) IncRefExtent(ctx context.Context, t *cache.Transaction, e *cache.Extent) (uint32, error) {
	return tm.IncRef(ctx, t, e.Laddr())
}

// DecRef drops a reference to the mapping at laddr. The extent is retired
// and its reverse entry removed when the count drops to zero.
func (tm *TransactionManager) DecRef(ctx context.Context, t *cache.Transaction, laddr types.Laddr) (uint32, error) {
	r, err := tm.lba.DecRef(ctx, t, laddr)
	if err != nil {
		return 0, err
	}

	if r.Refcount > 0 || r.Paddr == types.PaddrZero {
		return r.Refcount, nil
	}

	if _, err := tm.backref.RemoveMapping(ctx, t, r.Paddr); err != nil {
		return 0, err
	}

	if err := tm.cache.RetireExtentAddr(ctx, t, r.Paddr, r.Len); err != nil {
		return 0, err
	}

	return 0, nil
}

func (tm *TransactionManager) DecRefExtent(ctx context.Context, t *cache.Transaction, e *cache.Extent) (uint32, error) {
	return tm.DecRef(ctx, t, e.Laddr())
}

// DecRefs drops one reference of every address in laddrs.
func (tm *TransactionManager) DecRefs(ctx context.Context, t *cache.Transaction, laddrs []types.Laddr) error {
	for _, laddr := range laddrs {
		if _, err := tm.DecRef(ctx, t, laddr); err != nil {
			return err
		}
	}

	return nil
}

// ReadRootMeta returns the value stored under key in the root block.
func (tm *TransactionManager) ReadRootMeta(ctx context.Context, t *cache.Transaction, key string) (string, bool, error) {
	root, err := tm.cache.GetRoot(ctx, t)
	if err != nil {
		return "", false, err
	}

	v, ok := root.Root().Meta[key]

	return v, ok, nil
}

func (tm *TransactionManager) UpdateRootMeta(ctx context.Context, t *cache.Transaction, key, value string) error {
	root, err := tm.cache.DuplicateRoot(ctx, t)
	if err != nil {
		return err
	}

	root.Root().Meta[key] = value

	return nil
}

func (tm *TransactionManager) ReadOnodeRoot(ctx context.Context, t *cache.Transaction) (types.Laddr, error) {
	root, err := tm.cache.GetRoot(ctx, t)
	if err != nil {
		return types.LaddrNull, err
	}

	return root.Root().OnodeRoot, nil
}

func (tm *TransactionManager) WriteOnodeRoot(ctx context.Context, t *cache.Transaction, laddr types.Laddr) error {
	root, err := tm.cache.DuplicateRoot(ctx, t)
	if err != nil {
		return err
	}

	root.Root().OnodeRoot = laddr

	return nil
}

func (tm *TransactionManager) ReadCollectionRoot(ctx context.Context, t *cache.Transaction) (types.CollRoot, error) {
	root, err := tm.cache.GetRoot(ctx, t)
	if err != nil {
		return types.CollRoot{}, err
	}

	return root.Root().CollectionRoot, nil
}

func (tm *TransactionManager) WriteCollectionRoot(ctx context.Context, t *cache.Transaction, coll types.CollRoot) error {
	root, err := tm.cache.DuplicateRoot(ctx, t)
	if err != nil {
		return err
	}

	root.Root().CollectionRoot = coll

	return nil
}
