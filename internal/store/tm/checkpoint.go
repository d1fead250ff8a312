// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tm

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/snappy"
	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/backref"
	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/lba"
	"github.com/asch/cowstore/internal/store/types"
)

const checksumSize = 8

// Checkpoint descriptor. It is the commit point of a checkpoint, the nodes it
// lists are written before.
type descriptor struct {
	// Both trees and the root are as of Seq.
	Seq types.JournalSeq

	// Backref groups committed up to AllocTail are in the tree.
	AllocTail types.JournalSeq

	// Device content lags behind the journal since ReplayFrom.
	ReplayFrom types.JournalSeq

	Nodes []cache.Node

	// Bytes of the encoded tree images stored in the nodes.
	LBASize     uint64
	BackrefSize uint64

	Root *types.RootBlock
}

// Tree images stored in the nodes.
type (
	lbaImage struct {
		Entries []lba.Write
	}

	backrefImage struct {
		Entries []backref.Write
	}
)

// Returns the first record mount needs.
func (d *descriptor) bound() types.JournalSeq {
	return min(d.ReplayFrom, d.AllocTail+1, d.Seq+1)
}

// Encodes v as checksum of the compressed payload followed by the payload,
// snappy compressed gob.
func encodeImage(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, Error.Wrap(err)
	}

	compressed := snappy.Encode(nil, buf.Bytes())
	out := make([]byte, checksumSize+len(compressed))
	binary.LittleEndian.PutUint64(out, xxhash.Checksum64(compressed))
	copy(out[checksumSize:], compressed)

	return out, nil
}

func decodeImage(data []byte, v interface{}) error {
	if len(data) < checksumSize {
		return types.Corrupt.New("image of %d bytes is too short", len(data))
	}

	compressed := data[checksumSize:]
	if binary.LittleEndian.Uint64(data) != xxhash.Checksum64(compressed) {
		return types.Corrupt.New("image checksum mismatch")
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return types.Corrupt.Wrap(err)
	}

	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return types.Corrupt.Wrap(err)
	}

	return nil
}

// Checkpoint persists both trees and the root so the journal can be trimmed.
// It runs on the worker, serialized with commits.
func (tm *TransactionManager) Checkpoint(ctx context.Context) error {
	return tm.control(ctx, func() error {
		return tm.checkpoint(ctx)
	})
}

func (tm *TransactionManager) checkpoint(ctx context.Context) error {
	tm.cache.RLock()
	d := descriptor{
		Seq:       tm.cache.SeqLocked(),
		AllocTail: tm.backref.AllocTail(),
	}
	lbaEntries := tm.lba.Entries()
	backrefEntries := tm.backref.Entries()
	if root := tm.cache.CommittedRoot(); root != nil {
		d.Root = root.Clone()
	}
	dirtyTail := tm.cache.DirtyTail()
	oldNodes := tm.cache.Nodes()
	tm.cache.RUnlock()

	types.Assertf(d.Root != nil, "checkpoint of a store without root")

	d.ReplayFrom = d.Seq + 1
	if dirtyTail != types.SeqNull && dirtyTail < d.ReplayFrom {
		d.ReplayFrom = dirtyTail
	}

	lbaData, err := encodeImage(&lbaImage{lbaEntries})
	if err != nil {
		return err
	}
	backrefData, err := encodeImage(&backrefImage{backrefEntries})
	if err != nil {
		return err
	}

	d.LBASize = uint64(len(lbaData))
	d.BackrefSize = uint64(len(backrefData))

	lbaNodes, err := tm.writeNodes(ctx, types.ExtentLaddrLeaf, lbaData)
	if err != nil {
		return err
	}
	backrefNodes, err := tm.writeNodes(ctx, types.ExtentBackrefLeaf, backrefData)
	if err != nil {
		return err
	}
	d.Nodes = append(lbaNodes, backrefNodes...)

	data, err := encodeImage(&d)
	if err != nil {
		return err
	}

	if err := tm.journal.WriteCheckpoint(ctx, data); err != nil {
		return types.IO.Wrap(err)
	}

	for _, n := range d.Nodes {
		tm.placement.MarkUsed(n.Paddr, n.Len)
	}
	for _, n := range oldNodes {
		tm.placement.MarkFree(n.Paddr, n.Len, d.Seq)
	}
	tm.cache.SetNodes(d.Nodes)

	tm.trimBound = d.bound() - 1
	if err := tm.journal.Trim(ctx, tm.trimBound); err != nil {
		log.Warn().Err(err).Msg("Journal trim after checkpoint failed.")
	}

	tm.placement.ReleaseBefore(tm.cache.OldestBase())
	tm.metrics.checkpoints.Inc()

	log.Info().Uint64("seq", uint64(d.Seq)).Uint64("replay_from", uint64(d.ReplayFrom)).
		Uint64("alloc_tail", uint64(d.AllocTail)).Int("lba", len(lbaEntries)).
		Int("backref", len(backrefEntries)).Int("nodes", len(d.Nodes)).Msg("Checkpoint written.")

	return nil
}

// Splits image into block aligned nodes and writes them to the cold stream.
func (tm *TransactionManager) writeNodes(ctx context.Context, typ types.ExtentType, image []byte) ([]cache.Node, error) {
	var nodes []cache.Node

	for off := 0; off < len(image); off += int(tm.nodeSize) {
		chunk := image[off:min(off+int(tm.nodeSize), len(image))]
		length := types.RoundUp(uint64(len(chunk)), tm.blockSize)

		paddr, _, err := tm.placement.Alloc(length, types.HintCold, types.OOLGeneration)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, length)
		copy(buf, chunk)

		if err := tm.dev.Write(ctx, paddr, buf); err != nil {
			return nil, types.IO.Wrap(err)
		}

		nodes = append(nodes, cache.Node{Type: typ, Paddr: paddr, Len: length})
	}

	return nodes, nil
}

// Reads nodes of typ back into the image of size bytes.
func (tm *TransactionManager) readNodes(ctx context.Context, nodes []cache.Node, typ types.ExtentType,
	size uint64) ([]byte, error) {

	image := make([]byte, 0, size)
	for _, n := range nodes {
		if n.Type != typ {
			continue
		}

		buf := make([]byte, n.Len)
		if err := tm.dev.Read(ctx, n.Paddr, buf); err != nil {
			return nil, types.IO.Wrap(err)
		}
		image = append(image, buf...)
	}

	if uint64(len(image)) < size {
		return nil, types.Corrupt.New("%s image has %d bytes, expected %d", typ, len(image), size)
	}

	return image[:size], nil
}

func (tm *TransactionManager) loadTrees(ctx context.Context, d *descriptor) error {
	lbaData, err := tm.readNodes(ctx, d.Nodes, types.ExtentLaddrLeaf, d.LBASize)
	if err != nil {
		return err
	}
	backrefData, err := tm.readNodes(ctx, d.Nodes, types.ExtentBackrefLeaf, d.BackrefSize)
	if err != nil {
		return err
	}

	var (
		li lbaImage
		bi backrefImage
	)

	if err := decodeImage(lbaData, &li); err != nil {
		return err
	}
	if err := decodeImage(backrefData, &bi); err != nil {
		return err
	}

	tm.lba.Load(li.Entries, d.Seq)
	tm.backref.Load(bi.Entries, d.Seq, d.AllocTail)

	return nil
}
