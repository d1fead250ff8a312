// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/placement"
	"github.com/asch/cowstore/internal/store/types"
)

// Internal request structures just for wrapping the function calls into the
// channel communication.

type commitRequest struct {
	ctx context.Context
	t   *cache.Transaction

	// Journal can be trimmed up to this sequence after the commit.
	trimTo types.JournalSeq

	// Segment evacuated by the transaction.
	segment *placement.SegmentInfo

	reply chan error
}

type controlRequest struct {
	fn    func() error
	reply chan error
}

// SubmitTransaction commits t. On success all its changes are durable and
// visible to transactions created afterwards. A conflict is reported by an
// error of class types.Conflict, t is finished in every case.
func (tm *TransactionManager) SubmitTransaction(ctx context.Context, t *cache.Transaction) error {
	return tm.submit(ctx, t, types.SeqNull, nil)
}

// SubmitTransactionDirect is SubmitTransaction for the cleaner. After the
// commit the journal is trimmed up to trimTo, as far as the last checkpoint
// allows, and the evacuated segment is released if it became empty.
func (tm *TransactionManager) SubmitTransactionDirect(ctx context.Context, t *cache.Transaction,
	trimTo types.JournalSeq, segment *placement.SegmentInfo) error {

	return tm.submit(ctx, t, trimTo, segment)
}

func (tm *TransactionManager) submit(ctx context.Context, t *cache.Transaction, trimTo types.JournalSeq,
	segment *placement.SegmentInfo) error {

	types.Assertf(!t.IsWeak(), "%s is weak and cannot be submitted", t)

	r := &commitRequest{ctx, t, trimTo, segment, make(chan error, 1)}

	ch := tm.userChan
	if t.Source().IsBackground() {
		ch = tm.cleanerChan
	}

	select {
	case ch <- r:
	case <-ctx.Done():
		tm.cache.DropTransaction(t)
		return types.Interrupted.Wrap(ctx.Err())
	case <-tm.quit:
		tm.cache.DropTransaction(t)
		return Error.New("transaction manager closed")
	}

	return <-r.reply
}

// Runs fn on the worker, serialized with all commits.
func (tm *TransactionManager) control(ctx context.Context, fn func() error) error {
	r := controlRequest{fn, make(chan error, 1)}

	select {
	case tm.controlChan <- r:
	case <-ctx.Done():
		return types.Interrupted.Wrap(ctx.Err())
	case <-tm.quit:
		return Error.New("transaction manager closed")
	}

	return <-r.reply
}

// Flush returns once all transactions submitted before are committed.
func (tm *TransactionManager) Flush(ctx context.Context) error {
	return tm.control(ctx, func() error { return nil })
}

// Worker is doing prioritization and serialization of the requests. User
// commits have highest priority. Cleaner commits and control requests are
// served only when no user commit is waiting.
func (tm *TransactionManager) worker() {
	defer close(tm.done)

	for {
		select {
		case r := <-tm.userChan:
			tm.serve(r)

		default:
			select {
			case r := <-tm.userChan:
				tm.serve(r)

			case r := <-tm.cleanerChan:
				tm.serve(r)

			case c := <-tm.controlChan:
				c.reply <- c.fn()

			case <-tm.quit:
				return
			}
		}
	}
}

func (tm *TransactionManager) serve(r *commitRequest) {
	start := time.Now()
	src := r.t.Source().String()

	err := tm.commit(r)

	outcome := "committed"
	switch {
	case types.Conflict.Has(err):
		outcome = "conflict"
	case err != nil:
		outcome = "failed"
	}

	tm.metrics.outcomes.WithLabelValues(src, outcome).Inc()
	tm.metrics.commitSeconds.WithLabelValues(src).Observe(time.Since(start).Seconds())

	r.reply <- err
}

// Fails the transaction before anything reached the journal.
func (tm *TransactionManager) abort(t *cache.Transaction, err error) error {
	log.Debug().Err(err).Uint64("txn", t.ID()).Stringer("src", t.Source()).Msg("Commit aborted.")
	tm.cache.DropTransaction(t)

	return err
}

func (tm *TransactionManager) commit(r *commitRequest) error {
	t := r.t

	if err := t.Check(r.ctx); err != nil {
		if types.Conflict.Has(err) {
			tm.cache.CountConflict(t.Source())
		}
		return tm.abort(t, err)
	}

	t.SetState(cache.TxSubmitting)

	if err := tm.validate(t); err != nil {
		tm.cache.CountConflict(t.Source())
		t.SetState(cache.TxConflict)
		tm.cache.FinishTransaction(t)
		log.Debug().Err(err).Uint64("txn", t.ID()).Stringer("src", t.Source()).Msg("Commit conflicted.")
		return err
	}

	ioCtx := r.ctx
	if t.Source().IsBackground() {
		ioCtx = device.WithBackground(ioCtx)
	}

	fresh := t.Fresh()

	if err := tm.place(t, fresh); err != nil {
		return tm.abort(t, err)
	}

	if err := tm.writeOutOfLine(ioCtx, fresh); err != nil {
		return tm.abort(t, err)
	}

	rec := tm.record(t, fresh)

	seq, err := tm.journal.Submit(r.ctx, rec)
	if err != nil {
		return tm.abort(t, types.IO.Wrap(err))
	}

	tm.metrics.recordBytes.Add(float64(rec.Size()))

	// The record is durable, nothing can fail the transaction from now on.
	tm.writeInline(context.WithoutCancel(ioCtx), fresh)

	retired := t.Retired()

	tm.cache.Lock()
	toClear, toLink := tm.cache.CompleteCommit(t, seq)
	tm.lba.CompleteTransaction(t, toClear, toLink)
	tm.backref.CompleteTransaction(t, toClear, toLink)
	tm.cache.Unlock()

	for _, e := range fresh {
		tm.placement.MarkUsed(e.Paddr(), e.Len())
	}
	for _, e := range retired {
		tm.placement.MarkFree(e.Paddr(), e.Len(), seq)
	}

	tm.cache.FinishTransaction(t)

	log.Trace().Uint64("txn", t.ID()).Uint64("seq", uint64(seq)).Stringer("src", t.Source()).
		Int("fresh", len(fresh)).Int("retired", len(retired)).Msg("Transaction committed.")

	tm.afterCommit(r)

	return nil
}

func (tm *TransactionManager) validate(t *cache.Transaction) error {
	tm.cache.RLock()
	defer tm.cache.RUnlock()

	if err := tm.cache.Validate(t); err != nil {
		return err
	}
	if err := tm.lba.Validate(t); err != nil {
		return err
	}

	return tm.backref.Validate(t)
}

// Assigns physical addresses to the fresh extents of t.
func (tm *TransactionManager) place(t *cache.Transaction, fresh []*cache.Extent) error {
	for _, e := range fresh {
		if e.State() != cache.InitialPending {
			continue
		}

		temp := e.Paddr()
		paddr, inline, err := tm.placement.Alloc(e.Len(), e.Hint(), e.Generation())
		if err != nil {
			return err
		}

		tm.cache.ResolvePaddr(t, e, paddr, inline)
		tm.lba.ResolvePaddr(t, temp, paddr)
		tm.backref.ResolvePaddr(t, temp, paddr)
	}

	return nil
}

// Writes all placed extents which do not travel with the record in
// parallel.
func (tm *TransactionManager) writeOutOfLine(ctx context.Context, fresh []*cache.Extent) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errors []error
	)

	for _, e := range fresh {
		if e.State() != cache.InitialPending || e.Inline() {
			continue
		}

		wg.Add(1)
		go func(e *cache.Extent) {
			defer wg.Done()

			if err := tm.dev.Write(ctx, e.Paddr(), e.Data()); err != nil {
				mu.Lock()
				errors = append(errors, err)
				mu.Unlock()
			}
		}(e)
	}

	wg.Wait()

	if len(errors) > 0 {
		return types.IO.Wrap(errs.Combine(errors...))
	}

	return nil
}

// Inline extents reach the device after the record. A failed write leaves
// the extent dirty, the record holds its content.
func (tm *TransactionManager) writeInline(ctx context.Context, fresh []*cache.Extent) {
	for _, e := range fresh {
		if !e.Inline() {
			continue
		}

		if err := tm.dev.Write(ctx, e.Paddr(), e.Data()); err != nil {
			log.Warn().Err(err).Stringer("extent", e).Msg("Inline extent write failed, keeping it dirty.")
			tm.cache.MarkWriteFailed(e)
		}
	}
}

func (tm *TransactionManager) record(t *cache.Transaction, fresh []*cache.Extent) *journal.Record {
	rec := &journal.Record{Source: t.Source()}

	for _, e := range fresh {
		f := journal.FreshExtent{
			Type:   e.Type(),
			Paddr:  e.Paddr(),
			Len:    e.Len(),
			Laddr:  e.Laddr(),
			Inline: e.Inline(),
		}
		if e.Inline() {
			f.Data = e.Data()
		}
		rec.Fresh = append(rec.Fresh, f)

		if e.State() == cache.ExistClean && e.Modified() {
			rec.Deltas = append(rec.Deltas, journal.Delta{
				Type: e.Type(), Paddr: e.Paddr(), Laddr: e.Laddr(), Data: e.Data(),
			})
		}
	}

	for _, m := range t.Mutated() {
		rec.Deltas = append(rec.Deltas, journal.Delta{
			Type: m.Type(), Paddr: m.Paddr(), Laddr: m.Laddr(), Data: m.Data(),
		})
	}

	for _, e := range t.Retired() {
		rec.Retired = append(rec.Retired, journal.Retire{Type: e.Type(), Paddr: e.Paddr(), Len: e.Len()})
	}

	rec.LBA = tm.lba.Writes(t)
	rec.Backref = tm.backref.Writes(t)
	rec.Backrefs = tm.backref.Staged(t)
	rec.Merged, rec.MergeLow = tm.backref.Merged(t)

	if root := t.RootCopy(); root != nil {
		rec.Root = root.Root()
	}

	return rec
}

// Housekeeping done by the worker after every commit.
func (tm *TransactionManager) afterCommit(r *commitRequest) {
	if r.segment != nil && tm.placement.Used(r.segment.ID) == 0 {
		log.Debug().Int("segment", r.segment.ID).Msg("Segment evacuated.")
	}

	tm.placement.ReleaseBefore(tm.cache.OldestBase())

	if r.trimTo == types.SeqNull {
		return
	}

	if upTo := min(r.trimTo, tm.trimBound); upTo > types.SeqNull {
		if err := tm.journal.Trim(context.Background(), upTo); err != nil {
			log.Warn().Err(err).Uint64("seq", uint64(upTo)).Msg("Journal trim failed.")
		}
	}
}
