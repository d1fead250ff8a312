// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized access to the journal sequence counter.
package seq

import (
	"sync"

	"github.com/asch/cowstore/internal/store/types"
)

// Counter hands out monotonically increasing journal sequences. The zero
// value is ready to use and its first sequence is 1.
type Counter struct {
	last  types.JournalSeq
	mutex sync.Mutex
}

// Returns the last assigned sequence.
func (c *Counter) Current() types.JournalSeq {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.last
}

// Assigns and returns the next sequence.
func (c *Counter) Next() types.JournalSeq {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.last++

	return c.last
}

// Replaces the last assigned sequence. Used after the journal is replayed.
func (c *Counter) Replace(last types.JournalSeq) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.last = last
}
