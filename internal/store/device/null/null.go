// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Null package does nothing but correctly.
package null

import (
	"context"

	"github.com/asch/cowstore/internal/store/device"
	"github.com/asch/cowstore/internal/store/types"
)

// Null implementation of Device. Usefull for measuring performance of the
// transactional core without any backend latency. Otherwise useless, all
// writes are dropped and reads return zeros. It can also serve as a template
// for new Device implementation.
type null struct {
	size      uint64
	blockSize uint64
}

func NewNull(size, blockSize uint64) *null {
	return &null{size: size, blockSize: blockSize}
}

func (n *null) Read(ctx context.Context, paddr types.Paddr, buf []byte) error {
	if err := device.CheckRange(n, paddr, len(buf)); err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0
	}

	return nil
}

func (n *null) Write(ctx context.Context, paddr types.Paddr, data []byte) error {
	return device.CheckRange(n, paddr, len(data))
}

func (n *null) BlockSize() uint64 {
	return n.blockSize
}

func (n *null) Size() uint64 {
	return n.size
}

func (n *null) Close() error {
	return nil
}
