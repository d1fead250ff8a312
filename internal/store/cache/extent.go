// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"

	"github.com/asch/cowstore/internal/store/pin"
	"github.com/asch/cowstore/internal/store/types"
)

// State of an extent. Pending states are owned by exactly one open
// transaction, all others are shared and read-only.
type State uint8

const (
	// Fresh extent created by the transaction.
	InitialPending State = iota

	// Exclusive copy of a committed extent made for writing.
	MutationPending

	// Fresh extent describing bytes already present on the device.
	ExistClean

	// Committed and identical to the device content.
	Clean

	// Committed, newer than the device content. The journal holds the
	// difference until the extent is rewritten.
	Dirty

	// Logically deleted by a commit.
	Retired

	// Discarded pending extent or a copy superseded by a conflicting
	// commit.
	Invalid
)

var stateNames = [...]string{
	InitialPending:  "initial_pending",
	MutationPending: "mutation_pending",
	ExistClean:      "exist_clean",
	Clean:           "clean",
	Dirty:           "dirty",
	Retired:         "retired",
	Invalid:         "invalid",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) IsPending() bool {
	return s == InitialPending || s == MutationPending || s == ExistClean
}

type (
	LogicalPin = pin.Pin[types.Laddr, types.LBAMapping]
	BackrefPin = pin.Pin[types.Paddr, types.BackrefMapping]
)

// Extent is the in-memory representation of a block aligned physical range.
type Extent struct {
	typ    types.ExtentType
	paddr  types.Paddr
	length uint64
	data   []byte

	// Payload of the root extent, nil for all other types.
	root *types.RootBlock

	state   State
	version uint64
	hint    types.PlacementHint
	gen     types.Generation
	inline  bool

	laddr types.Laddr
	lpin  *LogicalPin
	bpin  *BackrefPin

	// Committed extent this one is a copy of.
	prior *Extent

	// Transaction owning the pending extent.
	owner *Transaction

	// Sequence of the first commit since the last write to the device.
	dirtyFrom types.JournalSeq

	// Visibility window in the version chain.
	committedAt  types.JournalSeq
	supersededAt types.JournalSeq

	// Write failed after the journal ack, the extent stays dirty.
	writeFailed bool

	// Content of an exist clean extent differs from the device.
	modified bool

	// Set while the load callback runs, the extent is not shared yet.
	loading bool

	// Open transactions holding a pending copy of this extent. Guarded by
	// the cache lock.
	writers map[*Transaction]struct{}

	// Number of open transactions which read this extent.
	readers atomic.Int32

	inLRU bool
}

func (e *Extent) Type() types.ExtentType {
	return e.typ
}

func (e *Extent) Paddr() types.Paddr {
	return e.paddr
}

func (e *Extent) Len() uint64 {
	return e.length
}

// Data returns content of the extent. Only pending extents may be modified
// through the returned slice.
func (e *Extent) Data() []byte {
	return e.data
}

// Root returns payload of the root extent.
func (e *Extent) Root() *types.RootBlock {
	return e.root
}

func (e *Extent) State() State {
	return e.state
}

func (e *Extent) Version() uint64 {
	return e.version
}

func (e *Extent) Hint() types.PlacementHint {
	return e.hint
}

func (e *Extent) Generation() types.Generation {
	return e.gen
}

// Inline reports whether the extent was placed to travel with the journal
// record.
func (e *Extent) Inline() bool {
	return e.inline
}

func (e *Extent) Laddr() types.Laddr {
	return e.laddr
}

func (e *Extent) Prior() *Extent {
	return e.prior
}

func (e *Extent) DirtyFrom() types.JournalSeq {
	return e.dirtyFrom
}

func (e *Extent) CommittedAt() types.JournalSeq {
	return e.committedAt
}

// Modified reports whether an exist clean extent was changed and has to be
// journaled as a delta.
func (e *Extent) Modified() bool {
	return e.modified
}

func (e *Extent) IsPending() bool {
	return e.state.IsPending()
}

// IsValid reports whether the extent can still be read.
func (e *Extent) IsValid() bool {
	return e.state != Retired && e.state != Invalid
}

// IsOwnedBy reports whether the extent is pending in t.
func (e *Extent) IsOwnedBy(t *Transaction) bool {
	return e.IsPending() && e.owner == t
}

func (e *Extent) LogicalPin() *LogicalPin {
	return e.lpin
}

func (e *Extent) BackrefPin() *BackrefPin {
	return e.bpin
}

// SetLaddr binds a pending or just loaded extent to its logical address.
func (e *Extent) SetLaddr(laddr types.Laddr) {
	types.Assertf(e.IsPending() || e.loading, "setting laddr of %s extent", e.state)
	e.laddr = laddr
}

// SetLogicalPin attaches a pin. An extent holds at most one pin of a kind,
// attaching another one is a caller bug.
func (e *Extent) SetLogicalPin(p *LogicalPin) {
	types.Assertf(e.lpin == nil, "extent at %s already has a logical pin", e.paddr)
	e.lpin = p
}

func (e *Extent) SetBackrefPin(p *BackrefPin) {
	types.Assertf(e.bpin == nil, "extent at %s already has a backref pin", e.paddr)
	e.bpin = p
}

// Checksum of the content.
func (e *Extent) Checksum() uint64 {
	return xxhash.Checksum64(e.data)
}

func (e *Extent) String() string {
	return fmt.Sprintf("extent(%s %s+%d %s v%d %s)", e.typ, e.paddr, e.length, e.state, e.version, e.laddr)
}

// visible reports whether the committed extent belongs to the snapshot at
// base.
func (e *Extent) visible(base types.JournalSeq) bool {
	return e.committedAt <= base && (e.supersededAt == types.SeqNull || e.supersededAt > base)
}

// Version chain of one physical address, ordered by commit.
type chain struct {
	versions []*Extent
}

func (c *chain) latest() *Extent {
	if len(c.versions) == 0 {
		return nil
	}

	return c.versions[len(c.versions)-1]
}

func (c *chain) visible(base types.JournalSeq) *Extent {
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].visible(base) {
			return c.versions[i]
		}
	}

	return nil
}

func (c *chain) remove(e *Extent) {
	for i, v := range c.versions {
		if v == e {
			c.versions = append(c.versions[:i], c.versions[i+1:]...)
			return
		}
	}
}
