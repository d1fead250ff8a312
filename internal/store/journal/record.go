// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/snappy"

	"github.com/asch/cowstore/internal/store/cowtree"
	"github.com/asch/cowstore/internal/store/types"
)

// Size of the checksum preceding every encoded record.
const checksumSize = 8

// Extent created by the transaction. Data are present only for inline
// extents, out of line extents are already on the device when the record is
// submitted.
type FreshExtent struct {
	Type   types.ExtentType
	Paddr  types.Paddr
	Len    uint64
	Laddr  types.Laddr
	Inline bool
	Data   []byte
}

// New content of an extent mutated in place.
type Delta struct {
	Type  types.ExtentType
	Paddr types.Paddr
	Laddr types.Laddr
	Data  []byte
}

// Extent retired by the transaction.
type Retire struct {
	Type  types.ExtentType
	Paddr types.Paddr
	Len   uint64
}

// Reverse mapping fact buffered in memory. Laddr equal to LaddrNull records a
// release of the physical range.
type BackrefEntry struct {
	Paddr types.Paddr
	Laddr types.Laddr
	Len   uint64
	Type  types.ExtentType
}

// Record is the durable description of one committed transaction. Replaying
// all records after a checkpoint reconstructs the state of the store.
type Record struct {
	Seq    types.JournalSeq
	Source types.Source

	Fresh   []FreshExtent
	Deltas  []Delta
	Retired []Retire

	// Changes of the forward and the reverse trees.
	LBA     []cowtree.Write[types.Laddr, types.LBAMapping]
	Backref []cowtree.Write[types.Paddr, types.BackrefMapping]

	// Entries appended to the backref buffer under Seq.
	Backrefs []BackrefEntry

	// Sequences of buffer groups merged into the reverse tree and the
	// resulting low-water mark.
	Merged   []types.JournalSeq
	MergeLow types.JournalSeq

	Root *types.RootBlock
}

// Encode serializes the record. The layout is a checksum of the compressed
// payload followed by the payload itself, snappy compressed gob.
func Encode(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, Error.Wrap(err)
	}

	compressed := snappy.Encode(nil, buf.Bytes())
	out := make([]byte, checksumSize+len(compressed))
	binary.LittleEndian.PutUint64(out, xxhash.Checksum64(compressed))
	copy(out[checksumSize:], compressed)

	return out, nil
}

// Decode is the inverse to Encode. Damaged records fail with Corrupt.
func Decode(data []byte) (*Record, error) {
	if len(data) < checksumSize {
		return nil, types.Corrupt.New("record of %d bytes is too short", len(data))
	}

	compressed := data[checksumSize:]
	if binary.LittleEndian.Uint64(data) != xxhash.Checksum64(compressed) {
		return nil, types.Corrupt.New("record checksum mismatch")
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, types.Corrupt.Wrap(err)
	}

	r := new(Record)
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(r); err != nil {
		return nil, types.Corrupt.Wrap(err)
	}

	return r, nil
}

// Size of the record payload, used for statistics.
func (r *Record) Size() int {
	n := 0
	for _, f := range r.Fresh {
		n += len(f.Data)
	}
	for _, d := range r.Deltas {
		n += len(d.Data)
	}

	return n
}
