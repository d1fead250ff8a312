// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package journal provides the durable log of committed transactions. The
// journal assigns commit sequences, stores records until they are trimmed and
// keeps the last checkpoint descriptor.
package journal

import (
	"context"
	"sync"

	"github.com/zeebo/errs"

	"github.com/asch/cowstore/internal/store/seq"
	"github.com/asch/cowstore/internal/store/types"
)

// Error wraps all journal failures.
var Error = errs.Class("journal")

// Interface for the journal. Anything implementing it can be used by the
// transaction manager.
type Journal interface {
	// Durably appends the record, assigns its Seq and returns it.
	Submit(ctx context.Context, r *Record) (types.JournalSeq, error)

	// Calls fn for all retained records with Seq >= from in order.
	Replay(ctx context.Context, from types.JournalSeq, fn func(*Record) error) error

	// Drops all records with Seq <= upTo.
	Trim(ctx context.Context, upTo types.JournalSeq) error

	// Returns the last assigned sequence.
	Head() types.JournalSeq

	// Returns the oldest retained sequence, Head()+1 when empty.
	Tail() types.JournalSeq

	// Durably replaces the checkpoint descriptor.
	WriteCheckpoint(ctx context.Context, data []byte) error

	// Returns the checkpoint descriptor. Fails with NotFound if none was
	// written yet.
	ReadCheckpoint(ctx context.Context) ([]byte, error)

	Close() error
}

type memRecord struct {
	seq  types.JournalSeq
	data []byte
}

// Memory is a volatile journal. Records are still encoded so the codec is
// exercised the same way as with persistent journals.
type Memory struct {
	mu         sync.Mutex
	counter    seq.Counter
	records    []memRecord
	checkpoint []byte

	fail error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Submit(ctx context.Context, r *Record) (types.JournalSeq, error) {
	if err := ctx.Err(); err != nil {
		return types.SeqNull, types.Interrupted.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return types.SeqNull, Error.Wrap(m.fail)
	}

	r.Seq = m.counter.Current() + 1
	data, err := Encode(r)
	if err != nil {
		return types.SeqNull, err
	}

	m.counter.Next()
	m.records = append(m.records, memRecord{r.Seq, data})

	return r.Seq, nil
}

func (m *Memory) Replay(ctx context.Context, from types.JournalSeq, fn func(*Record) error) error {
	m.mu.Lock()
	records := make([]memRecord, len(m.records))
	copy(records, m.records)
	m.mu.Unlock()

	for _, mr := range records {
		if mr.seq < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return types.Interrupted.Wrap(err)
		}

		r, err := Decode(mr.data)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	return nil
}

func (m *Memory) Trim(ctx context.Context, upTo types.JournalSeq) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	for i < len(m.records) && m.records[i].seq <= upTo {
		i++
	}
	m.records = append([]memRecord(nil), m.records[i:]...)

	return nil
}

func (m *Memory) Head() types.JournalSeq {
	return m.counter.Current()
}

func (m *Memory) Tail() types.JournalSeq {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) == 0 {
		return m.counter.Current() + 1
	}

	return m.records[0].seq
}

func (m *Memory) WriteCheckpoint(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return Error.Wrap(m.fail)
	}

	m.checkpoint = append([]byte(nil), data...)

	return nil
}

func (m *Memory) ReadCheckpoint(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkpoint == nil {
		return nil, types.NotFound.New("no checkpoint")
	}

	return append([]byte(nil), m.checkpoint...), nil
}

func (m *Memory) Close() error {
	return nil
}

// Fail makes all following writes fail with err. Nil heals the journal.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fail = err
}

// Len returns number of retained records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}
