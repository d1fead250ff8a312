// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cache

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/asch/cowstore/internal/store/types"
)

// TxState is the state of transaction submission.
type TxState uint8

const (
	TxOpen TxState = iota
	TxSubmitting
	TxCommitted
	TxConflict
	TxAborted
)

var txStateNames = [...]string{
	TxOpen:       "open",
	TxSubmitting: "submitting",
	TxCommitted:  "committed",
	TxConflict:   "conflict",
	TxAborted:    "aborted",
}

func (s TxState) String() string {
	if int(s) < len(txStateNames) {
		return txStateNames[s]
	}

	return fmt.Sprintf("txstate(%d)", uint8(s))
}

// Transaction is an isolated unit of work. It sees the store as of its base
// sequence plus its own pending changes. A transaction is used by one go
// routine at a time.
type Transaction struct {
	id   uint64
	src  types.Source
	name string
	weak bool

	base  types.JournalSeq
	seq   types.JournalSeq
	state TxState

	// Set by commits which made this transaction impossible to commit.
	conflicted atomic.Bool

	fresh    []*Extent
	freshIdx map[types.Paddr]*Extent
	mutated  map[types.Paddr]*Extent
	retired  map[types.Paddr]*Extent
	reads    map[*Extent]struct{}
	root     *Extent
}

func newTransaction(id uint64, src types.Source, name string, weak bool, base types.JournalSeq) *Transaction {
	t := &Transaction{
		id:   id,
		src:  src,
		name: name,
		weak: weak,
	}
	t.reset(base)

	return t
}

func (t *Transaction) reset(base types.JournalSeq) {
	t.base = base
	t.seq = types.SeqNull
	t.state = TxOpen
	t.conflicted.Store(false)
	t.fresh = nil
	t.freshIdx = make(map[types.Paddr]*Extent)
	t.mutated = make(map[types.Paddr]*Extent)
	t.retired = make(map[types.Paddr]*Extent)
	t.reads = make(map[*Extent]struct{})
	t.root = nil
}

func (t *Transaction) ID() uint64 {
	return t.id
}

func (t *Transaction) Source() types.Source {
	return t.src
}

func (t *Transaction) Name() string {
	return t.name
}

func (t *Transaction) IsWeak() bool {
	return t.weak
}

// Base returns the sequence of the snapshot the transaction reads.
func (t *Transaction) Base() types.JournalSeq {
	return t.base
}

// Seq returns the commit sequence, valid once committed.
func (t *Transaction) Seq() types.JournalSeq {
	return t.seq
}

func (t *Transaction) State() TxState {
	return t.state
}

// SetState is used by the commit pipeline.
func (t *Transaction) SetState(s TxState) {
	t.state = s
}

func (t *Transaction) Conflicted() bool {
	return t.conflicted.Load()
}

// MarkConflicted dooms the transaction. Its operations fail from now on.
func (t *Transaction) MarkConflicted() {
	t.conflicted.Store(true)
}

// Check fails when the transaction cannot continue, i.e. it was invalidated
// by a conflicting commit, is not open anymore or ctx is done.
func (t *Transaction) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return types.Interrupted.Wrap(err)
	}

	if t.conflicted.Load() {
		return types.Interrupted.Wrap(types.Conflict.New("%s invalidated by a conflicting commit", t))
	}

	if t.state != TxOpen {
		return types.Interrupted.New("%s is %s", t, t.state)
	}

	return nil
}

// Fresh returns extents created by the transaction in creation order.
func (t *Transaction) Fresh() []*Extent {
	return t.fresh
}

// Mutated returns pending copies ordered by physical address.
func (t *Transaction) Mutated() []*Extent {
	return sortedByPaddr(t.mutated)
}

// Retired returns retired extents ordered by physical address.
func (t *Transaction) Retired() []*Extent {
	return sortedByPaddr(t.retired)
}

// RootCopy returns the pending root, nil when the root was not written.
func (t *Transaction) RootCopy() *Extent {
	return t.root
}

// IsRetired reports whether [paddr, paddr+length) lies inside an extent
// retired by the transaction.
func (t *Transaction) IsRetired(paddr types.Paddr, length uint64) bool {
	for _, e := range t.retired {
		if e.paddr <= paddr && paddr.Add(length) <= e.paddr.Add(e.length) {
			return true
		}
	}

	return false
}

// HasWrites reports whether commit of the transaction would change anything
// in the cache.
func (t *Transaction) HasWrites() bool {
	return len(t.fresh) > 0 || len(t.mutated) > 0 || len(t.retired) > 0 || t.root != nil
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn(%d %s %q)", t.id, t.src, t.name)
}

func sortedByPaddr(m map[types.Paddr]*Extent) []*Extent {
	exts := make([]*Extent, 0, len(m))
	for _, e := range m {
		exts = append(exts, e)
	}

	sort.Slice(exts, func(i, j int) bool {
		return exts[i].paddr < exts[j].paddr
	})

	return exts
}
