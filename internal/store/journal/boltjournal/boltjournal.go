// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package boltjournal implements persistent journal on top of bolt. Records
// are kept in one bucket keyed by big endian sequence, the checkpoint
// descriptor and the last assigned sequence in another.
package boltjournal

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/journal"
	"github.com/asch/cowstore/internal/store/seq"
	"github.com/asch/cowstore/internal/store/types"
)

var (
	recordsBucket = []byte("records")
	metaBucket    = []byte("meta")

	checkpointKey = []byte("checkpoint")
	headKey       = []byte("head")
)

// Journal stored in a bolt database file.
type Journal struct {
	db      *bolt.DB
	counter seq.Counter
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, journal.Error.Wrap(err)
	}

	j := &Journal{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if v := meta.Get(headKey); v != nil {
			j.counter.Replace(types.JournalSeq(binary.BigEndian.Uint64(v)))
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, journal.Error.Wrap(err)
	}

	log.Info().Str("path", path).Uint64("head", uint64(j.counter.Current())).Msg("Journal opened.")

	return j, nil
}

func seqKey(s types.JournalSeq) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(s))

	return k
}

// Submit stores the record and the new head in one bolt transaction. Bolt
// serializes writers, so sequences are assigned in the commit order.
func (j *Journal) Submit(ctx context.Context, r *journal.Record) (types.JournalSeq, error) {
	if err := ctx.Err(); err != nil {
		return types.SeqNull, types.Interrupted.Wrap(err)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		r.Seq = j.counter.Current() + 1

		data, err := journal.Encode(r)
		if err != nil {
			return err
		}

		key := seqKey(r.Seq)
		if err := tx.Bucket(recordsBucket).Put(key, data); err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(headKey, key)
	})
	if err != nil {
		return types.SeqNull, journal.Error.Wrap(err)
	}

	return j.counter.Next(), nil
}

func (j *Journal) Replay(ctx context.Context, from types.JournalSeq, fn func(*journal.Record) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.Seek(seqKey(from)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return types.Interrupted.Wrap(err)
			}

			r, err := journal.Decode(v)
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
		}

		return nil
	})
}

func (j *Journal) Trim(ctx context.Context, upTo types.JournalSeq) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)

		// Deleting through the cursor while iterating skips keys.
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= uint64(upTo); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})

	return journal.Error.Wrap(err)
}

func (j *Journal) Head() types.JournalSeq {
	return j.counter.Current()
}

func (j *Journal) Tail() types.JournalSeq {
	tail := j.counter.Current() + 1

	j.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(recordsBucket).Cursor().First(); k != nil {
			tail = types.JournalSeq(binary.BigEndian.Uint64(k))
		}
		return nil
	})

	return tail
}

func (j *Journal) WriteCheckpoint(ctx context.Context, data []byte) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(checkpointKey, data)
	})

	return journal.Error.Wrap(err)
}

func (j *Journal) ReadCheckpoint(ctx context.Context) ([]byte, error) {
	var data []byte

	err := j.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(checkpointKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, journal.Error.Wrap(err)
	}
	if data == nil {
		return nil, types.NotFound.New("no checkpoint")
	}

	return data, nil
}

func (j *Journal) Close() error {
	return journal.Error.Wrap(j.db.Close())
}
