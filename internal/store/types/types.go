// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package types contains the vocabulary shared by all store packages:
// physical and logical addresses, extent types, placement tags, mapping
// values and error classes.
package types

import (
	"fmt"
	"math"
)

// Paddr is a byte offset in the physical address space of the device.
type Paddr uint64

// Laddr is a byte offset in the logical address space presented to the
// object layer.
type Laddr uint64

// JournalSeq is the commit sequence assigned by the journal. Zero means no
// sequence, the first commit gets 1.
type JournalSeq uint64

const (
	// PaddrNull is the address of nothing.
	PaddrNull Paddr = math.MaxUint64

	// PaddrZero is the value of mappings without backing, e.g. reserved
	// regions. Reads of such mapping are not possible.
	PaddrZero Paddr = math.MaxUint64 - 1

	// PaddrRoot is the key of the root block in the cache. Root has no
	// physical location, it lives in checkpoints and journal records.
	PaddrRoot Paddr = math.MaxUint64 - 2

	// Fresh extents are identified by temporary addresses until placement
	// assigns the real one at commit time.
	paddrTempBit Paddr = 1 << 62

	LaddrNull Laddr = math.MaxUint64

	SeqNull JournalSeq = 0
	SeqMax  JournalSeq = math.MaxUint64
)

// TempPaddr returns n-th temporary physical address.
func TempPaddr(n uint64) Paddr {
	return paddrTempBit | Paddr(n)
}

// IsTemp reports whether the address was not placed yet.
func (p Paddr) IsTemp() bool {
	return p&paddrTempBit != 0 && p < PaddrRoot
}

// IsReal reports whether the address points to the device.
func (p Paddr) IsReal() bool {
	return p&paddrTempBit == 0
}

func (p Paddr) Add(off uint64) Paddr {
	return p + Paddr(off)
}

func (p Paddr) String() string {
	switch {
	case p == PaddrNull:
		return "paddr(null)"
	case p == PaddrZero:
		return "paddr(zero)"
	case p == PaddrRoot:
		return "paddr(root)"
	case p.IsTemp():
		return fmt.Sprintf("paddr(tmp:%d)", uint64(p&^paddrTempBit))
	}

	return fmt.Sprintf("paddr(%#x)", uint64(p))
}

func (l Laddr) String() string {
	if l == LaddrNull {
		return "laddr(null)"
	}

	return fmt.Sprintf("laddr(%#x)", uint64(l))
}

// Aligned reports whether v is a multiple of the block size.
func Aligned(v, blockSize uint64) bool {
	return blockSize != 0 && v%blockSize == 0
}

// RoundUp rounds v to the next multiple of the block size.
func RoundUp(v, blockSize uint64) uint64 {
	return (v + blockSize - 1) / blockSize * blockSize
}

// ExtentType identifies the content of an extent.
type ExtentType uint8

const (
	ExtentRoot ExtentType = iota
	ExtentLaddrLeaf
	ExtentBackrefLeaf
	ExtentObjectData
	ExtentOnode
	ExtentColl
	ExtentTestBlock
	ExtentTestBlockPhysical
	ExtentRetiredPlaceholder
)

var extentTypeNames = [...]string{
	ExtentRoot:               "root",
	ExtentLaddrLeaf:          "laddr_leaf",
	ExtentBackrefLeaf:        "backref_leaf",
	ExtentObjectData:         "object_data",
	ExtentOnode:              "onode",
	ExtentColl:               "coll",
	ExtentTestBlock:          "test_block",
	ExtentTestBlockPhysical:  "test_block_physical",
	ExtentRetiredPlaceholder: "retired_placeholder",
}

func (t ExtentType) String() string {
	if int(t) < len(extentTypeNames) {
		return extentTypeNames[t]
	}

	return fmt.Sprintf("extent_type(%d)", uint8(t))
}

// IsLogical reports whether extents of this type are reachable through the
// forward mapping.
func (t ExtentType) IsLogical() bool {
	switch t {
	case ExtentObjectData, ExtentOnode, ExtentColl, ExtentTestBlock:
		return true
	}

	return false
}

// IsNode reports whether the type is a node of one of the mapping trees.
func (t ExtentType) IsNode() bool {
	return t == ExtentLaddrLeaf || t == ExtentBackrefLeaf
}

// IsBackrefMapped reports whether extents of this type are tracked by the
// reverse mapping.
func (t ExtentType) IsBackrefMapped() bool {
	return t.IsLogical() || t.IsNode()
}

// PlacementHint guides the placement layer when choosing a stream for a new
// extent.
type PlacementHint uint8

const (
	HintHot PlacementHint = iota
	HintCold
	NumHints
)

func (h PlacementHint) String() string {
	switch h {
	case HintHot:
		return "hot"
	case HintCold:
		return "cold"
	}

	return fmt.Sprintf("hint(%d)", uint8(h))
}

// Generation is the age class of an extent. Small fresh extents of the
// inline generation are written together with the journal record, all
// others go out of line.
type Generation uint8

const (
	InlineGeneration Generation = iota
	OOLGeneration
	ReclaimGeneration
	NumGenerations
)

func (g Generation) String() string {
	switch g {
	case InlineGeneration:
		return "inline"
	case OOLGeneration:
		return "ool"
	case ReclaimGeneration:
		return "reclaim"
	}

	return fmt.Sprintf("gen(%d)", uint8(g))
}

// Source tags a transaction with its origin. It selects the commit priority
// and labels conflict metrics.
type Source uint8

const (
	SourceMutate Source = iota
	SourceRead
	SourceTrimDirty
	SourceTrimAlloc
	SourceCleanerReclaim
	NumSources
)

func (s Source) String() string {
	switch s {
	case SourceMutate:
		return "mutate"
	case SourceRead:
		return "read"
	case SourceTrimDirty:
		return "trim_dirty"
	case SourceTrimAlloc:
		return "trim_alloc"
	case SourceCleanerReclaim:
		return "cleaner_reclaim"
	}

	return fmt.Sprintf("source(%d)", uint8(s))
}

// IsBackground reports whether the source belongs to the cleaner. Background
// commits and I/O yield to the foreground ones.
func (s Source) IsBackground() bool {
	return s == SourceTrimDirty || s == SourceTrimAlloc || s == SourceCleanerReclaim
}

// LBAMapping is the value of the forward mapping tree.
type LBAMapping struct {
	Paddr    Paddr
	Len      uint64
	Refcount uint32
}

// BackrefMapping is the value of the reverse mapping tree.
type BackrefMapping struct {
	Len   uint64
	Laddr Laddr
	Type  ExtentType
}

// ConflictPolicy decides whether reads of a transaction take part in the
// conflict detection.
type ConflictPolicy uint8

const (
	// Serializable aborts a transaction when anything it read was
	// modified by a commit after the transaction started.
	Serializable ConflictPolicy = iota

	// Snapshot aborts a transaction only when its writes overlap writes
	// of a commit after the transaction started.
	Snapshot
)

func (p ConflictPolicy) String() string {
	if p == Snapshot {
		return "snapshot"
	}

	return "serializable"
}

// ParseConflictPolicy is the inverse to String.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "serializable", "":
		return Serializable, nil
	case "snapshot":
		return Snapshot, nil
	}

	return Serializable, Error.New("unknown conflict policy %q", s)
}
