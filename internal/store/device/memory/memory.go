// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package memory implements sparse in-memory Device. Blocks never written
// read as zeros.
package memory

import (
	"context"
	"sync"

	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/types"
)

type Memory struct {
	blockSize uint64
	size      uint64

	mu     sync.RWMutex
	blocks map[uint64][]byte

	// Injected failure for tests. When set, all requests fail with it.
	fail error
}

func New(size, blockSize uint64) *Memory {
	return &Memory{
		blockSize: blockSize,
		size:      size,
		blocks:    make(map[uint64][]byte),
	}
}

func (m *Memory) Read(ctx context.Context, paddr types.Paddr, buf []byte) error {
	if err := device.CheckRange(m, paddr, len(buf)); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.fail != nil {
		return device.Error.Wrap(m.fail)
	}

	for off := uint64(0); off < uint64(len(buf)); off += m.blockSize {
		dst := buf[off : off+m.blockSize]
		if b, ok := m.blocks[(uint64(paddr)+off)/m.blockSize]; ok {
			copy(dst, b)
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
	}

	return nil
}

func (m *Memory) Write(ctx context.Context, paddr types.Paddr, data []byte) error {
	if err := device.CheckRange(m, paddr, len(data)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return device.Error.Wrap(m.fail)
	}

	for off := uint64(0); off < uint64(len(data)); off += m.blockSize {
		b := make([]byte, m.blockSize)
		copy(b, data[off:off+m.blockSize])
		m.blocks[(uint64(paddr)+off)/m.blockSize] = b
	}

	return nil
}

func (m *Memory) BlockSize() uint64 {
	return m.blockSize
}

func (m *Memory) Size() uint64 {
	return m.size
}

func (m *Memory) Close() error {
	return nil
}

// Fail makes all following requests fail with err. Nil heals the device.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fail = err
}

// Written returns number of blocks holding data.
func (m *Memory) Written() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.blocks)
}
